// Package apiclient is the Internal API Client (G9): the Gateway's HTTP
// client to the Persistence Service (§4.9, §6.2). It treats 5xx as
// retriable (3 attempts, exponential backoff from 200ms) and surfaces
// 4xx as fatal to the originating request, mirroring the teacher's
// store.Adapter call sites but over HTTP instead of an in-process
// interface, since Persistence is now its own service.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lumi-chat/gateway/internal/logging"
)

// FatalError wraps a non-retriable (4xx) response from Persistence.
type FatalError struct {
	StatusCode int
	Body       string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("apiclient: fatal status %d: %s", e.StatusCode, e.Body)
}

// Client is the Internal API Client.
type Client struct {
	baseURL      string
	serviceToken string
	http         *http.Client
	retries      int
	baseBackoff  time.Duration
}

// New builds a Client against baseURL, authenticating with
// serviceToken (§6.2).
func New(baseURL, serviceToken string) *Client {
	return &Client{
		baseURL:      baseURL,
		serviceToken: serviceToken,
		http:         &http.Client{Timeout: 5 * time.Second}, // §5 "persistence call 5s per attempt"
		retries:      3,
		baseBackoff:  200 * time.Millisecond,
	}
}

// Principal identifies the acting (userId, deviceId) for the internal
// API headers (§6.2).
type Principal struct {
	UserID   string
	DeviceID string
}

func (c *Client) do(ctx context.Context, method, path string, principal Principal, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	var lastErr error
	for attempt := 0; attempt < c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.baseBackoff * time.Duration(1<<uint(attempt-1))):
			case <-ctx.Done():
				return ctx.Err()
			}
			if body != nil {
				b, _ := json.Marshal(body)
				reader = bytes.NewReader(b)
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.serviceToken)
		req.Header.Set("X-Internal-User-Id", principal.UserID)
		req.Header.Set("X-Internal-Device-Id", principal.DeviceID)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			logging.Warnf("apiclient: %s %s attempt %d: %v", method, path, attempt+1, err)
			continue
		}

		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if out != nil && len(respBody) > 0 {
				if err := json.Unmarshal(respBody, out); err != nil {
					return err
				}
			}
			return nil
		case resp.StatusCode >= 500:
			lastErr = &FatalError{StatusCode: resp.StatusCode, Body: string(respBody)}
			logging.Warnf("apiclient: %s %s attempt %d: status %d", method, path, attempt+1, resp.StatusCode)
			continue
		default:
			return &FatalError{StatusCode: resp.StatusCode, Body: string(respBody)}
		}
	}
	return lastErr
}
