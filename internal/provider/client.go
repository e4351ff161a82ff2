package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ds1/outreach/internal/oerr"
)

// ErrorResponse is the common error envelope the providers return
type ErrorResponse struct {
	Error string `json:"error"`
}

// apiClient is the shared HTTP plumbing for the provider clients
type apiClient struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func newAPIClient(name, baseURL, apiKey string, timeout time.Duration) apiClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return apiClient{
		name:    name,
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// request performs an HTTP request against the provider API. Failures are
// wrapped with retryability derived from the response status.
func (c *apiClient) request(ctx context.Context, method, path string, body any, result any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &oerr.ExternalServiceError{Service: c.name, Op: method + " " + path, Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := fmt.Errorf("HTTP %d", resp.StatusCode)
		var errResp ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil && errResp.Error != "" {
			apiErr = fmt.Errorf("HTTP %d: %s", resp.StatusCode, errResp.Error)
		}
		return &oerr.ExternalServiceError{
			Service:   c.name,
			Op:        method + " " + path,
			Retryable: retryableStatus(resp.StatusCode),
			Err:       apiErr,
		}
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

// retryableStatus treats rate limits, timeouts, and server faults as
// transient; other client errors are permanent
func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}
