package proptalk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ============================================================================
// Connection state and lifecycle events
// ============================================================================

// ConnState represents the connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// ConnectionEventKind names a connection lifecycle event.
type ConnectionEventKind string

const (
	ConnConnected    ConnectionEventKind = "connected"
	ConnDisconnected ConnectionEventKind = "disconnected"
	ConnReconnecting ConnectionEventKind = "reconnecting"
	ConnError        ConnectionEventKind = "error"
)

// ConnectionEvent is a lifecycle signal from the Connection.
type ConnectionEvent struct {
	Kind        ConnectionEventKind
	Viewer      Identity
	OnlineUsers []string
	Reason      string
	Attempt     int
	Delay       time.Duration
	Err         error
}

// connectionHandlers are fixed at construction. Both are invoked from the
// connection's own goroutines and must not block for long.
type connectionHandlers struct {
	onEvent func(ConnectionEvent)
	onFrame func(Envelope)
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(cfg *Config) *reconnector {
	return &reconnector{
		baseDelay:   cfg.ReconnectBaseDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		maxAttempts: cfg.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// Connection
// ============================================================================

// Connection owns the single long-lived channel of a session. It reports
// the server-resolved viewer identity, reconnects with backoff, and rate
// limits the transport errors it surfaces.
type Connection struct {
	dialer     Dialer
	cfg        *Config
	log        zerolog.Logger
	metrics    *Metrics
	handlers   connectionHandlers
	errLimiter *rate.Limiter

	mu               sync.Mutex
	state            ConnState
	conn             Conn
	viewer           Identity
	intentionalClose bool
	cancelFn         context.CancelFunc
	sendq            chan []byte
	lastFrame        time.Time
	recon            *reconnector
}

func newConnection(dialer Dialer, cfg *Config, h connectionHandlers, log zerolog.Logger, metrics *Metrics) *Connection {
	return &Connection{
		dialer:     dialer,
		cfg:        cfg,
		log:        log,
		metrics:    metrics,
		handlers:   h,
		errLimiter: rate.NewLimiter(rate.Every(cfg.ErrorInterval), 1),
		state:      StateDisconnected,
		recon:      newReconnector(cfg),
	}
}

// State returns the current connection state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Viewer returns the identity reported by the server on the last connect.
func (c *Connection) Viewer() Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewer
}

// Connect dials and waits for the connected frame. ctx bounds the dial and
// handshake only.
func (c *Connection) Connect(ctx context.Context) error {
	return c.connect(ctx, false)
}

// connect dials unless already connected. A reconnect attempt keeps a
// pending Disconnect in force and gives up instead of dialing.
func (c *Connection) connect(ctx context.Context, reconnect bool) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	if reconnect {
		if c.intentionalClose {
			c.mu.Unlock()
			return ErrConnectionUnavailable
		}
	} else {
		c.intentionalClose = false
	}
	c.state = StateConnecting
	c.mu.Unlock()

	conn, hello, err := c.handshake(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	sendq := make(chan []byte, c.cfg.SendQueueSize)

	c.mu.Lock()
	if c.intentionalClose {
		c.state = StateDisconnected
		c.mu.Unlock()
		cancel()
		conn.Close("client disconnect")
		return ErrConnectionUnavailable
	}
	c.conn = conn
	c.state = StateConnected
	c.viewer = Identity{UserID: hello.ViewerID, Role: hello.ViewerRole}
	c.cancelFn = cancel
	c.sendq = sendq
	c.lastFrame = time.Now()
	c.recon.markConnected()
	viewer := c.viewer
	c.mu.Unlock()

	c.log.Info().Str("viewer", viewer.UserID).Str("role", string(viewer.Role)).Msg("connected")
	c.handlers.onEvent(ConnectionEvent{Kind: ConnConnected, Viewer: viewer, OnlineUsers: hello.OnlineUsers})

	go c.readLoop(loopCtx, conn)
	go c.writeLoop(loopCtx, conn, sendq)
	return nil
}

func (c *Connection) handshake(ctx context.Context) (Conn, *ConnectedPayload, error) {
	conn, err := c.dialer.Dial(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("dial: %w", err)
	}

	data, err := conn.Read(ctx)
	if err != nil {
		conn.Close("handshake failed")
		return nil, nil, fmt.Errorf("read connected frame: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != FrameConnected {
		conn.Close("handshake failed")
		return nil, nil, fmt.Errorf("expected %q frame, got %q", FrameConnected, env.Type)
	}
	var hello ConnectedPayload
	if err := json.Unmarshal(env.Payload, &hello); err != nil || hello.ViewerID == "" {
		conn.Close("handshake failed")
		return nil, nil, errors.New("connected frame carries no viewer identity")
	}
	return conn, &hello, nil
}

// Disconnect closes the channel without scheduling a reconnect.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	c.intentionalClose = true
	cancel := c.cancelFn
	c.cancelFn = nil
	conn := c.conn
	c.conn = nil
	c.sendq = nil
	was := c.state
	c.state = StateDisconnected
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if conn != nil {
		err = conn.Close("client disconnect")
	}
	if was == StateConnected {
		c.handlers.onEvent(ConnectionEvent{Kind: ConnDisconnected, Reason: "client disconnect"})
	}
	return err
}

// Send queues cmd for writing. It never blocks on the network.
func (c *Connection) Send(cmd *Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode %s: %w", cmd.Type, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected || c.sendq == nil {
		return ErrConnectionUnavailable
	}
	select {
	case c.sendq <- data:
		return nil
	default:
		return fmt.Errorf("send queue full: %w", ErrConnectionUnavailable)
	}
}

func (c *Connection) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Connection) isIntentionalClose() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.intentionalClose
}

func (c *Connection) readLoop(ctx context.Context, conn Conn) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			c.connectionLost(conn, err)
			return
		}

		c.mu.Lock()
		c.lastFrame = time.Now()
		c.mu.Unlock()

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.surfaceError(fmt.Errorf("decode frame: %w", err))
			continue
		}

		switch env.Type {
		case "":
			c.surfaceError(errors.New("frame without type"))
		case FramePong:
		case FrameError:
			se := &ServerError{}
			if err := json.Unmarshal(env.Payload, se); err != nil || se.Message == "" {
				se.Message = string(env.Payload)
			}
			c.surfaceError(se)
		default:
			c.handlers.onFrame(env)
		}
	}
}

func (c *Connection) connectionLost(conn Conn, err error) {
	c.mu.Lock()
	if c.intentionalClose || c.conn != conn {
		c.mu.Unlock()
		return
	}
	cancel := c.cancelFn
	c.cancelFn = nil
	c.conn = nil
	c.sendq = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	conn.Close("connection lost")

	c.handlers.onEvent(ConnectionEvent{Kind: ConnDisconnected, Reason: err.Error(), Err: err})
	c.surfaceError(err)

	if c.cfg.AutoReconnect {
		go c.reconnectLoop()
	}
}

func (c *Connection) writeLoop(ctx context.Context, conn Conn, sendq <-chan []byte) {
	var tick <-chan time.Time
	if c.cfg.HeartbeatInterval > 0 {
		ticker := time.NewTicker(c.cfg.HeartbeatInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	pings := 0
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-sendq:
			if err := c.write(ctx, conn, data); err != nil {
				c.surfaceError(fmt.Errorf("write: %w", err))
				conn.Close("write failed")
				return
			}
		case <-tick:
			if c.stale() {
				c.log.Warn().Msg("heartbeat timeout, closing connection")
				conn.Close("heartbeat timeout")
				return
			}
			pings++
			data, _ := json.Marshal(&Command{Type: FramePing, RequestID: fmt.Sprintf("ping-%d", pings)})
			if err := c.write(ctx, conn, data); err != nil {
				c.surfaceError(fmt.Errorf("heartbeat: %w", err))
				conn.Close("write failed")
				return
			}
		}
	}
}

func (c *Connection) write(ctx context.Context, conn Conn, data []byte) error {
	wctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	return conn.Write(wctx, data)
}

func (c *Connection) stale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastFrame) > 2*c.cfg.HeartbeatInterval
}

func (c *Connection) reconnectLoop() {
	for {
		c.mu.Lock()
		if c.intentionalClose || !c.recon.shouldReconnect() {
			c.mu.Unlock()
			break
		}
		delay := c.recon.nextDelay()
		attempt := c.recon.attempt
		c.state = StateReconnecting
		c.mu.Unlock()

		c.metrics.Reconnects.Inc()
		c.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")
		c.handlers.onEvent(ConnectionEvent{Kind: ConnReconnecting, Attempt: attempt, Delay: delay})

		time.Sleep(delay)
		if c.isIntentionalClose() {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
		err := c.connect(ctx, true)
		cancel()
		if err == nil {
			return
		}
		if c.isIntentionalClose() {
			return
		}
		c.surfaceError(fmt.Errorf("reconnect attempt %d: %w", attempt, err))
	}

	c.mu.Lock()
	if !c.intentionalClose {
		c.state = StateDisconnected
		c.log.Warn().Msg("reconnect attempts exhausted")
	}
	c.mu.Unlock()
}

// surfaceError reports err as a lifecycle event at most once per
// ErrorInterval. The rest are only counted and logged at debug level.
func (c *Connection) surfaceError(err error) {
	if !c.errLimiter.Allow() {
		c.metrics.TransportErrors.WithLabelValues("suppressed").Inc()
		c.log.Debug().Err(err).Msg("transport error suppressed")
		return
	}
	c.metrics.TransportErrors.WithLabelValues("surfaced").Inc()
	c.log.Warn().Err(err).Msg("transport error")
	c.handlers.onEvent(ConnectionEvent{Kind: ConnError, Reason: err.Error(), Err: err})
}
