// Package transport provides the HTTP client for the sync protocol.
//
// It maps transport-level failures onto the syncer error taxonomy:
// connection and timeout problems become ErrNetwork, a 401 becomes
// ErrAuth. Per-op validation rejections travel inside a successful push
// response body and are not transport errors.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/clinsync/clinsync/internal/model"
	"github.com/clinsync/clinsync/internal/syncer"
)

// DefaultTimeout bounds a single push or pull round trip.
const DefaultTimeout = 10 * time.Second

// TokenSource supplies the bearer credential attached to every call.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource returning a fixed credential.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// Client is the HTTP implementation of syncer.Transport.
type Client struct {
	baseURL string
	httpc   *http.Client
	tokens  TokenSource
}

// Config holds client configuration.
type Config struct {
	// BaseURL of the sync server, e.g. "https://api.example.com".
	BaseURL string

	// Tokens supplies the bearer credential. Required.
	Tokens TokenSource

	// Timeout per round trip (default: DefaultTimeout).
	Timeout time.Duration

	// HTTPClient overrides the underlying client (tests). Timeout is
	// ignored when set.
	HTTPClient *http.Client
}

// New creates a sync transport client.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if config.Tokens == nil {
		return nil, fmt.Errorf("token source is required")
	}

	httpc := config.HTTPClient
	if httpc == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = DefaultTimeout
		}
		httpc = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: config.BaseURL,
		httpc:   httpc,
		tokens:  config.Tokens,
	}, nil
}

// Push implements syncer.Transport.
func (c *Client) Push(ctx context.Context, req model.PushRequest, lastPulledAt int64) (*model.PushResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode push request: %w", err)
	}

	u := c.baseURL + "/sync/push"
	if lastPulledAt > 0 {
		u += "?last_pulled_at=" + strconv.FormatInt(lastPulledAt, 10)
	}

	var resp model.PushResponse
	if err := c.do(ctx, http.MethodPost, u, bytes.NewReader(body), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Pull implements syncer.Transport.
func (c *Client) Pull(ctx context.Context, lastPulledAt int64) (*model.PullResponse, error) {
	u := c.baseURL + "/sync/pull"
	if lastPulledAt > 0 {
		u += "?last_pulled_at=" + url.QueryEscape(strconv.FormatInt(lastPulledAt, 10))
	}

	var resp model.PullResponse
	if err := c.do(ctx, http.MethodGet, u, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, u string, body io.Reader, out interface{}) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to obtain credential: %w: %v", syncer.ErrAuth, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", syncer.ErrNetwork, err)
	}
	defer httpResp.Body.Close()

	switch {
	case httpResp.StatusCode == http.StatusOK:
		// fall through to decode
	case httpResp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("server returned 401: %w", syncer.ErrAuth)
	default:
		snippet, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
		return fmt.Errorf("%w: server returned %d: %s",
			syncer.ErrNetwork, httpResp.StatusCode, snippet)
	}

	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode response: %w", syncer.ErrNetwork, err)
	}
	return nil
}
