// Package proptalk is the Go SDK for proptalk real-time property messaging.
//
// A Session keeps one viewer's conversations in sync over a single
// connection: it resolves property conversations, sends messages with
// optimistic local echo, reconciles server acks and pushes without
// duplicates, tracks read receipts and typing, and counts unread messages
// and notifications per property.
//
// Example:
//
//	client := proptalk.NewClient("pt-...", proptalk.WithBaseURL("https://chat.example.com"))
//	sess := client.NewSession(&proptalk.Config{AutoReconnect: true})
//	defer sess.Close()
//
//	if err := sess.Connect(ctx); err != nil { ... }
//	conv, _ := sess.Resolve(ctx, "p1", "t1")
//	out, _ := sess.Send(ctx, conv.PropertyID, "Can we see it Saturday?", proptalk.TypeText)
//	msg, err := out.Wait(ctx)
package proptalk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL = "https://api.proptalk.io"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client holds credentials and endpoints shared by the sessions it creates.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient sets the client used for HTTP calls. WebSocket dials use
// its transport but never its Timeout.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithClientLogger sets the logger handed to sessions.
func WithClientLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

// NewClient creates a client authenticating with token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:      token,
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the auth token used by subsequent requests and dials.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Dialer returns a WebSocket dialer for the realtime endpoint.
func (c *Client) Dialer() *WSDialer {
	// websocket.Dial rejects clients with a Timeout set.
	hc := &http.Client{Transport: c.httpClient.Transport}
	return &WSDialer{BaseURL: c.baseURL, Token: c.token, HTTPClient: hc}
}

// WSURL returns the realtime endpoint URL.
func (c *Client) WSURL() string {
	return c.Dialer().URL()
}

// NewSession creates a session dialing the client's realtime endpoint.
// The client logger is used unless opts set another.
func (c *Client) NewSession(cfg *Config, opts ...Option) *Session {
	opts = append([]Option{WithLogger(c.log)}, opts...)
	return NewSession(c.Dialer(), cfg, opts...)
}

// ============================================================================
// Health
// ============================================================================

// HealthStatus is the server's health report.
type HealthStatus struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// Health checks that the server is reachable and the token is accepted.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/health")
	if err != nil {
		return nil, err
	}
	var h HealthStatus
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &h, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
