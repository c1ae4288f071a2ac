package proptalk

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"nhooyr.io/websocket"
)

// ============================================================================
// Transport abstraction
// ============================================================================

// Conn is one established bidirectional channel carrying JSON frames.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
}

// Dialer opens a new Conn. The Connection dials again on every reconnect.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

// ============================================================================
// WebSocket transport
// ============================================================================

// maxFrameSize bounds a single inbound frame; join acks carry full history.
const maxFrameSize = 4 << 20

// WSDialer dials the realtime endpoint over WebSocket.
type WSDialer struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Header     http.Header
}

// URL returns the ws(s):// endpoint the dialer connects to.
func (d *WSDialer) URL() string {
	wsURL := strings.TrimRight(d.BaseURL, "/")
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	return wsURL + "/ws?token=" + url.QueryEscape(d.Token)
}

func (d *WSDialer) Dial(ctx context.Context) (Conn, error) {
	opts := &websocket.DialOptions{HTTPHeader: d.Header}
	if d.HTTPClient != nil {
		opts.HTTPClient = d.HTTPClient
	}
	c, _, err := websocket.Dial(ctx, d.URL(), opts)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	c.SetReadLimit(maxFrameSize)
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close(reason string) error {
	return w.c.Close(websocket.StatusNormalClosure, reason)
}
