// Package client is a small HTTP client for a running gend server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"gend/pkg/types"
)

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Body       types.ErrorResponse
}

func (e *APIError) Error() string {
	if e.Body.Error == "" {
		return fmt.Sprintf("gend: http %d", e.StatusCode)
	}
	msg := fmt.Sprintf("gend: http %d: %s", e.StatusCode, e.Body.Error)
	for _, d := range e.Body.Details {
		if d.Field != "" {
			msg += fmt.Sprintf("; %s: %s", d.Field, d.Message)
		} else {
			msg += "; " + d.Message
		}
	}
	return msg
}

// Client talks to one gend base URL.
type Client struct {
	baseURL string
	http    *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// New returns a client for baseURL, e.g. http://localhost:8080.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		// Generations can take minutes; callers bound them with ctx.
		http: &http.Client{Timeout: 0},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) (types.HealthResponse, error) {
	var out types.HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

// Models calls GET /models.
func (c *Client) Models(ctx context.Context) ([]types.Model, error) {
	var out types.ModelsResponse
	if err := c.do(ctx, http.MethodGet, "/models", nil, &out); err != nil {
		return nil, err
	}
	return out.Models, nil
}

// Status calls GET /status.
func (c *Client) Status(ctx context.Context) (types.StatusResponse, error) {
	var out types.StatusResponse
	err := c.do(ctx, http.MethodGet, "/status", nil, &out)
	return out, err
}

// Generate calls POST /generate. A failed generation is not a Go error: it is
// reported in the result's Error field.
func (c *Client) Generate(ctx context.Context, req types.GenerateRequest) (types.GenerateResponse, error) {
	var out types.GenerateResponse
	err := c.do(ctx, http.MethodPost, "/generate", req, &out)
	return out, err
}

// WaitHealthy polls /health until it answers 200 or ctx ends.
func (c *Client) WaitHealthy(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	for {
		if _, err := c.Health(ctx); err == nil {
			return nil
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for %s/health: %w", c.baseURL, ctx.Err())
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		ae := &APIError{StatusCode: resp.StatusCode}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&ae.Body)
		return ae
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
