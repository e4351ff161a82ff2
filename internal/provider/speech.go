package provider

import (
	"context"
	"net/http"
	"time"
)

// SpeechClient is the HTTP client for the speech synthesis service
type SpeechClient struct {
	apiClient
}

// NewSpeechClient creates a speech synthesis client
func NewSpeechClient(baseURL, apiKey string, timeout time.Duration) *SpeechClient {
	return &SpeechClient{apiClient: newAPIClient("speech", baseURL, apiKey, timeout)}
}

// Synthesize renders script text to an audio asset
func (c *SpeechClient) Synthesize(ctx context.Context, req *SynthesizeRequest) (*SynthesizeResponse, error) {
	var resp SynthesizeResponse
	if err := c.request(ctx, http.MethodPost, "/v1/synthesize", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
