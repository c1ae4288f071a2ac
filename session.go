package proptalk

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Session
// ============================================================================

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithStore sets the durable cache canonical messages are written to. The
// session does not close it.
func WithStore(st Store) Option {
	return func(s *Session) { s.store = st }
}

// WithMetrics sets the collectors the session reports to.
func WithMetrics(m *Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// Session is one viewer's view of every property conversation. All state is
// owned by a single loop goroutine; transport frames, timers and API calls
// are serialized through it.
type Session struct {
	cfg     Config
	log     zerolog.Logger
	store   Store
	metrics *Metrics
	conn    *Connection
	updates *updateEmitter

	inbox     chan func()
	done      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once

	// Loop-owned state below.
	viewer    Identity
	connected bool
	convs     map[string]*convEntry
	joins     map[string]*pendingJoin
	logs      map[string][]Message
	pending   map[string]*pendingSend
	reads     map[string]*readBatch
	typing    map[string]map[string]*time.Timer
	online    map[string]bool
	acct      *accountant
}

// NewSession creates a session that dials through dialer. A nil cfg uses
// defaults. Call Connect to open the connection.
func NewSession(dialer Dialer, cfg *Config, opts ...Option) *Session {
	s := &Session{
		log:      zerolog.Nop(),
		inbox:    make(chan func(), 256),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
		convs:    make(map[string]*convEntry),
		joins:    make(map[string]*pendingJoin),
		logs:     make(map[string][]Message),
		pending:  make(map[string]*pendingSend),
		reads:    make(map[string]*readBatch),
		typing:   make(map[string]map[string]*time.Timer),
		online:   make(map[string]bool),
		acct:     newAccountant(),
		updates:  newUpdateEmitter(),
	}
	if cfg != nil {
		s.cfg = *cfg
	}
	s.cfg.defaults()
	for _, opt := range opts {
		opt(s)
	}
	if s.store == nil {
		s.store = NewMemoryStore()
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}

	s.conn = newConnection(dialer, &s.cfg, connectionHandlers{
		onEvent: func(ev ConnectionEvent) { s.post(func() { s.handleConnectionEvent(ev) }) },
		onFrame: func(env Envelope) { s.post(func() { s.dispatch(env) }) },
	}, s.log, s.metrics)

	go s.run()
	return s
}

// Connect opens the connection and waits for the server to report the
// viewer identity.
func (s *Session) Connect(ctx context.Context) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	return s.conn.Connect(ctx)
}

// Disconnect closes the connection without closing the session. Cached
// conversations and logs are kept.
func (s *Session) Disconnect() error {
	return s.conn.Disconnect()
}

// Close disconnects, fails outstanding operations with ErrSessionClosed and
// stops the session. Queued updates are delivered before it returns, so it
// must not be called from an update handler.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Disconnect()
		_ = s.call(context.Background(), s.shutdown)
		close(s.done)
		<-s.loopDone
		s.updates.close()
	})
	return err
}

// On registers h for updates of the given kinds, or for every update when
// no kind is given. Handlers run on a dedicated goroutine in emit order.
func (s *Session) On(h UpdateHandler, kinds ...UpdateKind) {
	s.updates.on(h, kinds...)
}

// Connection returns the underlying connection.
func (s *Session) Connection() *Connection {
	return s.conn
}

func (s *Session) run() {
	defer close(s.loopDone)
	for {
		select {
		case fn := <-s.inbox:
			fn()
		case <-s.done:
			return
		}
	}
}

// post queues fn on the loop. It reports false once the session is closed.
func (s *Session) post(fn func()) bool {
	select {
	case s.inbox <- fn:
		return true
	case <-s.done:
		return false
	}
}

// call runs fn on the loop and waits for it to finish. ctx is only checked
// before fn is queued; once queued, fn runs and call waits for it.
func (s *Session) call(ctx context.Context, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ran := make(chan struct{})
	if !s.post(func() { fn(); close(ran) }) {
		return ErrSessionClosed
	}
	select {
	case <-ran:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// query runs a read-only fn on the loop. On a closed session fn never runs.
func (s *Session) query(fn func()) {
	_ = s.call(context.Background(), fn)
}

// afterFunc runs fn on the loop after d.
func (s *Session) afterFunc(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() { s.post(fn) })
}

func (s *Session) shutdown() {
	for _, p := range s.pending {
		s.removeEntry(p.propertyID, p.tempID)
		s.settleSend(p, Message{}, &SendError{
			Kind:       ErrSessionClosed,
			PropertyID: p.propertyID,
			RequestID:  p.requestID,
			Draft:      p.content,
		}, "closed")
	}
	for prop, j := range s.joins {
		delete(s.joins, prop)
		j.finish(Conversation{}, &JoinError{Kind: ErrSessionClosed, PropertyID: prop})
	}
	for prop, b := range s.reads {
		delete(s.reads, prop)
		b.timer.Stop()
		b.finish(ErrSessionClosed)
	}
	s.clearTyping()
}

// ============================================================================
// Event dispatch
// ============================================================================

func (s *Session) handleConnectionEvent(ev ConnectionEvent) {
	switch ev.Kind {
	case ConnConnected:
		s.viewer = ev.Viewer
		s.acct.setViewer(ev.Viewer.UserID)
		s.connected = true
		s.online = make(map[string]bool, len(ev.OnlineUsers))
		for _, id := range ev.OnlineUsers {
			s.online[id] = true
		}
		s.emitPresence()
	case ConnDisconnected:
		s.connected = false
		for _, e := range s.convs {
			e.stale = true
		}
		s.clearTyping()
		s.online = make(map[string]bool)
		s.emitPresence()
	}

	evCopy := ev
	s.updates.emit(Update{Kind: UpdateConnection, Connection: &evCopy})
}

func (s *Session) dispatch(env Envelope) {
	switch env.Type {
	case FrameMessagePushed:
		s.handlePush(env)
	case FrameMessageAck:
		s.handleAck(env)
	case FrameMessageError:
		s.handleSendError(env)
	case FrameReadReceipt:
		s.handleReadReceipt(env)
	case FrameTyping:
		s.handleTyping(env)
	case FrameJoinAck:
		s.handleJoinAck(env)
	case FrameJoinError:
		s.handleJoinError(env)
	case FramePresenceChanged:
		s.handlePresence(env)
	default:
		s.log.Debug().Str("frame", env.Type).Msg("ignoring unknown frame")
	}
}

// malformed logs and counts a discarded inbound frame.
func (s *Session) malformed(env Envelope, reason string) {
	s.metrics.Pushes.WithLabelValues("malformed").Inc()
	s.log.Warn().Err(ErrMalformedPush).Str("frame", env.Type).Str("reason", reason).Msg("discarding frame")
}

// ============================================================================
// Presence
// ============================================================================

func (s *Session) handlePresence(env Envelope) {
	var p PresenceChangedPayload
	if err := decodePayload(env, &p); err != nil || p.UserID == "" {
		s.malformed(env, "missing userId")
		return
	}
	if s.online[p.UserID] == p.Online {
		return
	}
	if p.Online {
		s.online[p.UserID] = true
	} else {
		delete(s.online, p.UserID)
	}
	s.emitPresence()
}

func (s *Session) onlineUsers() []string {
	out := make([]string, 0, len(s.online))
	for id := range s.online {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Session) emitPresence() {
	s.updates.emit(Update{Kind: UpdatePresence, Online: s.onlineUsers()})
}

// ============================================================================
// Read-only accessors
// ============================================================================

// Viewer returns the server-resolved identity of the current viewer.
func (s *Session) Viewer() Identity {
	var v Identity
	s.query(func() { v = s.viewer })
	return v
}

// IsConnected reports whether send, read and typing operations are enabled.
func (s *Session) IsConnected() bool {
	var ok bool
	s.query(func() { ok = s.connected })
	return ok
}

// Log returns a copy of the property's message log in confirmation order.
func (s *Session) Log(propertyID string) []Message {
	var out []Message
	s.query(func() { out = s.snapshot(propertyID) })
	return out
}

// UnreadCount returns the number of messages in the property's log that
// the viewer neither sent nor read.
func (s *Session) UnreadCount(propertyID string) int {
	var n int
	s.query(func() { n = s.acct.unreadCount(propertyID, s.logs[propertyID]) })
	return n
}

// NotificationCount returns the number of inbound pushes since the property
// was last active or cleared.
func (s *Session) NotificationCount(propertyID string) int {
	var n int
	s.query(func() { n = s.acct.notificationCount(propertyID) })
	return n
}

// ClearNotifications resets the property's notification count.
func (s *Session) ClearNotifications(propertyID string) {
	s.query(func() {
		if s.acct.clear(propertyID) {
			s.emitNotifications(propertyID)
		}
	})
}

// SetActiveProperty marks the property the viewer is looking at. Pushes to
// it do not count as notifications. An empty id clears the focus.
func (s *Session) SetActiveProperty(propertyID string) {
	s.query(func() {
		if s.acct.setActive(propertyID) {
			s.emitNotifications(propertyID)
		}
	})
}

// OnlineUsers returns the ids of users currently online, sorted.
func (s *Session) OnlineUsers() []string {
	var out []string
	s.query(func() { out = s.onlineUsers() })
	return out
}

// IsOnline reports whether userID is currently online.
func (s *Session) IsOnline(userID string) bool {
	var ok bool
	s.query(func() { ok = s.online[userID] })
	return ok
}

// History returns up to limit of the most recent stored messages for the
// property in createdAt order.
func (s *Session) History(propertyID string, limit int) ([]Message, error) {
	return s.store.Messages(propertyID, limit)
}

func (s *Session) snapshot(propertyID string) []Message {
	log := s.logs[propertyID]
	out := make([]Message, len(log))
	for i := range log {
		out[i] = log[i].clone()
	}
	return out
}

func (s *Session) emitLog(propertyID string) {
	s.updates.emit(Update{
		Kind:       UpdateLog,
		PropertyID: propertyID,
		Log:        s.snapshot(propertyID),
		Unread:     s.acct.unreadCount(propertyID, s.logs[propertyID]),
	})
}

func (s *Session) emitNotifications(propertyID string) {
	s.updates.emit(Update{
		Kind:          UpdateNotifications,
		PropertyID:    propertyID,
		Notifications: s.acct.notificationCount(propertyID),
	})
}
