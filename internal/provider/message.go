package provider

import (
	"context"
	"net/http"
	"time"
)

// MessageClient is the HTTP client for the message delivery provider
type MessageClient struct {
	apiClient
}

// NewMessageClient creates a message provider client
func NewMessageClient(baseURL, apiKey string, timeout time.Duration) *MessageClient {
	return &MessageClient{apiClient: newAPIClient("message", baseURL, apiKey, timeout)}
}

// Send delivers a rendered message
func (c *MessageClient) Send(ctx context.Context, req *MessageSendRequest) (*MessageSendResponse, error) {
	var resp MessageSendResponse
	if err := c.request(ctx, http.MethodPost, "/v1/messages", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
