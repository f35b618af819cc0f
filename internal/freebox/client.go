package freebox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultURL is the router's local management address.
const DefaultURL = "http://mafreebox.freebox.fr"

// Config holds router API client configuration.
type Config struct {
	URL        string
	APIVersion string        // "v8"
	Timeout    time.Duration // per call
}

// Client talks to the router's JSON API. It holds no session state.
type Client struct {
	base   string
	http   *http.Client
	logger *slog.Logger
}

// envelope is the wrapper around every router reply.
type envelope struct {
	Success   bool            `json:"success"`
	Result    json.RawMessage `json:"result"`
	ErrorCode string          `json:"error_code"`
	Msg       string          `json:"msg"`
}

// NewClient creates a router API client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "v8"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		base:   strings.TrimRight(cfg.URL, "/") + "/api/" + cfg.APIVersion,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.With("component", "freebox"),
	}
}

// do performs one call. token is sent as X-Fbx-App-Auth when non-empty; body
// is JSON-encoded when non-nil; the envelope's result is decoded into out.
func (c *Client) do(ctx context.Context, method, path, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("X-Fbx-App-Auth", token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrConnectivity, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%w: read %s: %w", ErrConnectivity, path, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%w: %s %s: http %d: %w", ErrProtocol, method, path, resp.StatusCode, err)
	}
	if !env.Success {
		c.logger.Debug("router call failed", "path", path, "status", resp.StatusCode, "code", env.ErrorCode)
		return &APIError{
			Status:  resp.StatusCode,
			Code:    env.ErrorCode,
			Message: env.Msg,
			Payload: json.RawMessage(raw),
		}
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("%w: decode %s result: %w", ErrProtocol, path, err)
	}
	return nil
}
