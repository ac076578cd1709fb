package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// HTTPClient is the shared request plumbing of both adapters: bearer
// authentication, JSON bodies, and translation of HTTP failures into the
// package's error taxonomy.
type HTTPClient struct {
	BaseURL string
	Token   string
	API     string // label used in errors and metrics
	Client  *http.Client
}

// NewHTTPClient returns a client with a sane default timeout.
func NewHTTPClient(api, baseURL, token string) *HTTPClient {
	return &HTTPClient{
		BaseURL: baseURL,
		Token:   token,
		API:     api,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// DoJSON performs one request and decodes the JSON response into out
// (when out is non-nil). Responses are classified: 429 becomes
// RateLimitError, 5xx and transport failures become UnavailableError,
// other non-2xx become APIError.
func (c *HTTPClient) DoJSON(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", c.API, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", c.API, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return &UnavailableError{API: c.API, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &UnavailableError{API: c.API, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{API: c.API, RetryAfter: retryAfter(resp)}
	case resp.StatusCode >= 500:
		return &UnavailableError{API: c.API, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode >= 300:
		apiErr := &APIError{API: c.API, Status: resp.StatusCode, Msg: string(data)}
		var payload struct {
			Error  string `json:"error"`
			Detail string `json:"detail"`
		}
		if json.Unmarshal(data, &payload) == nil {
			if payload.Error != "" {
				apiErr.Code = payload.Error
			}
			if payload.Detail != "" {
				apiErr.Msg = payload.Detail
			}
		}
		return apiErr
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%s: decode response: %w", c.API, err)
		}
	}
	return nil
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}
