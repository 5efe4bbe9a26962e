package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const maxRetryAfter = 5 * time.Second

// RequestJSON performs an HTTP request with retry for transient failures.
// Transport errors, 5xx and 429 responses are retried; a Retry-After header
// stretches the delay up to maxRetryAfter.
func RequestJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string, retries int, retryDelay time.Duration) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if retries < 0 {
		retries = 0
	}
	var lastErr error
	attempts := retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return 0, nil, err
		}
		if len(body) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			if attempt < retries && sleep(ctx, retryDelay) {
				continue
			}
			return 0, nil, err
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			if attempt < retries && sleep(ctx, retryDelay) {
				continue
			}
			return 0, nil, readErr
		}
		if retryable(resp.StatusCode) && attempt < retries {
			if sleep(ctx, max(retryDelay, retryAfter(resp.Header))) {
				continue
			}
		}
		return resp.StatusCode, respBody, nil
	}
	return 0, nil, lastErr
}

func retryable(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests
}

func retryAfter(h http.Header) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(h.Get("Retry-After")))
	if err != nil || secs <= 0 {
		return 0
	}
	return min(time.Duration(secs)*time.Second, maxRetryAfter)
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// StatusError is a non-2xx response from Client.Do.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.Status)
	}
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}

// Client talks JSON to the gateway admin API.
type Client struct {
	BaseURL string
	// Token is sent as a bearer credential; AdminToken as X-Admin-Token.
	Token      string
	AdminToken string
	HTTP       *http.Client
	Retries    int
	RetryDelay time.Duration
}

// Do sends in as the JSON body (when non-nil) and decodes the response into
// out (when non-nil).
func (c *Client) Do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = b
	}
	headers := map[string]string{}
	if c.Token != "" {
		headers["Authorization"] = "Bearer " + c.Token
	}
	if c.AdminToken != "" {
		headers["X-Admin-Token"] = c.AdminToken
	}
	url := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
	status, respBody, err := RequestJSON(ctx, c.HTTP, method, url, body, headers, c.Retries, c.RetryDelay)
	if err != nil {
		return err
	}
	if status < 200 || status > 299 {
		var e struct {
			Error  string `json:"error"`
			Reason string `json:"reason"`
		}
		_ = json.Unmarshal(respBody, &e)
		msg := e.Reason
		if msg == "" {
			msg = e.Error
		}
		return &StatusError{Status: status, Message: msg}
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
