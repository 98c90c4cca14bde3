package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// httpClient performs provider API calls and classifies failures
type httpClient struct {
	client *http.Client
}

func newHTTPClient(timeout time.Duration) *httpClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &httpClient{client: &http.Client{Timeout: timeout}}
}

// do sends req and decodes a successful JSON response into result
func (c *httpClient) do(req *http.Request, result any) error {
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Retryable(0, "request cancelled: %v", err)
		}
		return Retryable(0, "request failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Retryable(resp.StatusCode, "failed to read response: %v", err)
	}

	if resp.StatusCode >= 300 {
		return classifyHTTPStatus(resp.StatusCode, providerError(body))
	}

	if result != nil && len(body) > 0 {
		if err := json.Unmarshal(body, result); err != nil {
			return Permanent(resp.StatusCode, "failed to decode response: %v", err)
		}
	}

	return nil
}

// classifyHTTPStatus maps provider HTTP status codes to retry classes.
// Throttling, timeouts and server errors are transient; other 4xx are not.
func classifyHTTPStatus(code int, detail string) *DispatchError {
	msg := fmt.Sprintf("HTTP %d", code)
	if detail != "" {
		msg += ": " + detail
	}

	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return &DispatchError{Retryable: true, Code: code, Message: msg}
	default:
		return &DispatchError{Retryable: false, Code: code, Message: msg}
	}
}

// providerError extracts a readable message from common provider error bodies
func providerError(body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   any    `json:"error"`
		Errors  []struct {
			Description string `json:"description"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return strings.TrimSpace(truncate(string(body), 200))
	}

	switch {
	case payload.Message != "":
		return payload.Message
	case len(payload.Errors) > 0:
		return payload.Errors[0].Description
	}

	switch e := payload.Error.(type) {
	case string:
		return e
	case map[string]any:
		if m, ok := e["message"].(string); ok {
			return m
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
