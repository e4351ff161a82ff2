package provider

import (
	"context"
	"net/http"
	"time"
)

// ContentClient is the HTTP client for the content generation service
type ContentClient struct {
	apiClient
}

// NewContentClient creates a content generation client
func NewContentClient(baseURL, apiKey string, timeout time.Duration) *ContentClient {
	return &ContentClient{apiClient: newAPIClient("content", baseURL, apiKey, timeout)}
}

// Generate produces personalized copy for a prompt
func (c *ContentClient) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	var resp GenerateResponse
	if err := c.request(ctx, http.MethodPost, "/v1/generate", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
