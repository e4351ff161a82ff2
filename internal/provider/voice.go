package provider

import (
	"context"
	"net/http"
	"time"
)

// VoiceClient is the HTTP client for the outbound calling provider
type VoiceClient struct {
	apiClient
}

// NewVoiceClient creates a voice provider client
func NewVoiceClient(baseURL, apiKey string, timeout time.Duration) *VoiceClient {
	return &VoiceClient{apiClient: newAPIClient("voice", baseURL, apiKey, timeout)}
}

// SendBulk submits one batch of numbers for a voice drop
func (c *VoiceClient) SendBulk(ctx context.Context, req *VoiceCallRequest) (*VoiceCallResponse, error) {
	var resp VoiceCallResponse
	if err := c.request(ctx, http.MethodPost, "/v1/calls/bulk", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
