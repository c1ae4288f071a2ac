package proptalk

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ============================================================================
// In-memory transport
// ============================================================================

var errPipeClosed = errors.New("pipe closed")

// pipeConn is one end of an in-memory connection. in carries server
// frames, out carries client frames.
type pipeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		in:     make(chan []byte, 128),
		out:    make(chan []byte, 128),
		closed: make(chan struct{}),
	}
}

func (c *pipeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-c.closed:
		return nil, errPipeClosed
	default:
	}
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, errPipeClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *pipeConn) Write(ctx context.Context, data []byte) error {
	select {
	case <-c.closed:
		return errPipeClosed
	default:
	}
	select {
	case c.out <- data:
		return nil
	case <-c.closed:
		return errPipeClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *pipeConn) Close(string) error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// ============================================================================
// Fake server
// ============================================================================

// fakeServer plays the server side of every connection a session dials.
type fakeServer struct {
	t      *testing.T
	viewer Identity
	online []string

	mu      sync.Mutex
	conns   []*pipeConn
	dialErr error
	silent  bool // skip the connected frame
}

func newFakeServer(t *testing.T, viewer Identity) *fakeServer {
	return &fakeServer{t: t, viewer: viewer}
}

func (f *fakeServer) Dial(ctx context.Context) (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	c := newPipeConn()
	if !f.silent {
		c.in <- frame(f.t, FrameConnected, "", ConnectedPayload{
			ViewerID:    f.viewer.UserID,
			ViewerRole:  f.viewer.Role,
			OnlineUsers: f.online,
		})
	}
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *fakeServer) setDialErr(err error) {
	f.mu.Lock()
	f.dialErr = err
	f.mu.Unlock()
}

func (f *fakeServer) dials() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeServer) current() *pipeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(f.t, f.conns, "no connection dialed")
	return f.conns[len(f.conns)-1]
}

// push sends a server frame on the current connection.
func (f *fakeServer) push(typ, requestID string, payload any) {
	f.current().in <- frame(f.t, typ, requestID, payload)
}

func (f *fakeServer) pushRaw(data string) {
	f.current().in <- []byte(data)
}

// expect returns the next client frame, skipping pings, and checks its type.
func (f *fakeServer) expect(typ string) Envelope {
	f.t.Helper()
	c := f.current()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-c.out:
			var env Envelope
			require.NoError(f.t, json.Unmarshal(data, &env))
			if env.Type == FramePing {
				continue
			}
			require.Equal(f.t, typ, env.Type)
			return env
		case <-deadline:
			f.t.Fatalf("timed out waiting for %s frame", typ)
			return Envelope{}
		}
	}
}

// expectNone checks that no non-ping client frame arrives within d.
func (f *fakeServer) expectNone(d time.Duration) {
	f.t.Helper()
	c := f.current()
	deadline := time.After(d)
	for {
		select {
		case data := <-c.out:
			var env Envelope
			require.NoError(f.t, json.Unmarshal(data, &env))
			if env.Type != FramePing {
				f.t.Fatalf("unexpected %s frame", env.Type)
			}
		case <-deadline:
			return
		}
	}
}

// drop simulates a network failure on the current connection.
func (f *fakeServer) drop() {
	f.current().Close("dropped")
}

func frame(t *testing.T, typ, requestID string, payload any) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	data, err := json.Marshal(Envelope{Type: typ, RequestID: requestID, Payload: raw})
	require.NoError(t, err)
	return data
}

func decode[T any](t *testing.T, env Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Payload, &v))
	return v
}

// ============================================================================
// Session fixtures
// ============================================================================

var (
	agent1  = Identity{UserID: "agent-1", Role: RoleAgent}
	client1 = Identity{UserID: "client-1", Role: RoleClient}
)

func testConfig() *Config {
	return &Config{
		HeartbeatInterval: -1,
		JoinTimeout:       time.Second,
		SendTimeout:       time.Second,
		ReadDebounce:      20 * time.Millisecond,
		TypingTTL:         time.Second,
		ErrorInterval:     time.Hour,
	}
}

func newTestSession(t *testing.T, viewer Identity, cfg *Config, opts ...Option) (*Session, *fakeServer) {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	srv := newFakeServer(t, viewer)
	sess := NewSession(srv, cfg, opts...)
	t.Cleanup(func() { sess.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sess.Connect(ctx))
	return sess, srv
}

type resolveResult struct {
	conv Conversation
	err  error
}

func resolveAsync(sess *Session, propertyID, timelineID string) <-chan resolveResult {
	ch := make(chan resolveResult, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		conv, err := sess.Resolve(ctx, propertyID, timelineID)
		ch <- resolveResult{conv, err}
	}()
	return ch
}

func waitResolve(t *testing.T, ch <-chan resolveResult) (Conversation, error) {
	t.Helper()
	select {
	case r := <-ch:
		return r.conv, r.err
	case <-time.After(3 * time.Second):
		t.Fatal("resolve did not return")
		return Conversation{}, nil
	}
}

// join resolves propertyID against the fake server, seeding history.
func join(t *testing.T, sess *Session, srv *fakeServer, propertyID string, history ...WireMessage) Conversation {
	t.Helper()
	ch := resolveAsync(sess, propertyID, "t-"+propertyID)
	srv.expect(FrameJoin)
	srv.push(FrameJoinAck, "", JoinAckPayload{
		PropertyID:     propertyID,
		TimelineID:     "t-" + propertyID,
		ConversationID: "c-" + propertyID,
		AgentID:        agent1.UserID,
		ClientID:       client1.UserID,
		Messages:       history,
	})
	conv, err := waitResolve(t, ch)
	require.NoError(t, err)
	return conv
}

func wireMsg(id string, from Identity, content string, at time.Time) WireMessage {
	return WireMessage{
		ID:         id,
		Content:    content,
		Type:       TypeText,
		SenderID:   from.UserID,
		SenderRole: from.Role,
		CreatedAt:  at,
	}
}

func ids(log []Message) []string {
	out := make([]string, len(log))
	for i, m := range log {
		out[i] = m.ID
	}
	return out
}

// recorder collects updates for assertions.
type recorder struct {
	mu      sync.Mutex
	updates []Update
}

// record waits for queued updates to be delivered, then collects new ones.
func record(sess *Session, kinds ...UpdateKind) *recorder {
	drainUpdates(sess)
	r := &recorder{}
	sess.On(func(u Update) {
		r.mu.Lock()
		r.updates = append(r.updates, u)
		r.mu.Unlock()
	}, kinds...)
	return r
}

// drainUpdates waits until every update queued so far has been delivered.
func drainUpdates(sess *Session) {
	const marker = "drain-marker"
	done := make(chan struct{})
	var once sync.Once
	sess.On(func(u Update) {
		if u.PropertyID == marker {
			once.Do(func() { close(done) })
		}
	})
	// Emitted from the loop so every event already queued there, such as
	// the Connected event from Connect, is delivered before the marker.
	sess.query(func() { sess.updates.emit(Update{Kind: UpdateKind("drain"), PropertyID: marker}) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
}

func (r *recorder) all() []Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Update(nil), r.updates...)
}

const eventually = 2 * time.Second
const tick = 5 * time.Millisecond
