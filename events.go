package proptalk

import "sync"

// ============================================================================
// Updates
// ============================================================================

// UpdateKind names what changed in a session.
type UpdateKind string

const (
	UpdateLog           UpdateKind = "log.changed"
	UpdateNotifications UpdateKind = "notifications.changed"
	UpdateTyping        UpdateKind = "typing.changed"
	UpdatePresence      UpdateKind = "presence.changed"
	UpdateConnection    UpdateKind = "connection.changed"
)

// Update is a snapshot delivered to presentation handlers. Slices are
// copies and may be retained.
type Update struct {
	Kind       UpdateKind
	PropertyID string

	// UpdateLog
	Log    []Message
	Unread int

	// UpdateNotifications
	Notifications int

	// UpdateTyping
	Typing []string

	// UpdatePresence
	Online []string

	// UpdateConnection
	Connection *ConnectionEvent
}

// UpdateHandler receives session updates.
type UpdateHandler func(Update)

// ============================================================================
// Emitter
// ============================================================================

type listener struct {
	kinds   map[UpdateKind]bool
	handler UpdateHandler
}

func (l listener) wants(k UpdateKind) bool {
	return len(l.kinds) == 0 || l.kinds[k]
}

// updateEmitter delivers updates in emit order on its own goroutine, so
// handlers may call back into the session.
type updateEmitter struct {
	mu        sync.Mutex
	listeners []listener
	queue     []Update
	closed    bool

	wake chan struct{}
	done chan struct{}
	idle chan struct{}
}

func newUpdateEmitter() *updateEmitter {
	e := &updateEmitter{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		idle: make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *updateEmitter) on(h UpdateHandler, kinds ...UpdateKind) {
	l := listener{handler: h}
	if len(kinds) > 0 {
		l.kinds = make(map[UpdateKind]bool, len(kinds))
		for _, k := range kinds {
			l.kinds[k] = true
		}
	}
	e.mu.Lock()
	e.listeners = append(e.listeners, l)
	e.mu.Unlock()
}

func (e *updateEmitter) emit(u Update) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, u)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *updateEmitter) run() {
	defer close(e.idle)
	for {
		select {
		case <-e.wake:
			e.drain()
		case <-e.done:
			e.drain()
			return
		}
	}
}

func (e *updateEmitter) drain() {
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.mu.Unlock()
			return
		}
		batch := e.queue
		e.queue = nil
		listeners := append([]listener(nil), e.listeners...)
		e.mu.Unlock()

		for _, u := range batch {
			for _, l := range listeners {
				if !l.wants(u.Kind) {
					continue
				}
				func() {
					defer func() { recover() }() // swallow panics in user callbacks
					l.handler(u)
				}()
			}
		}
	}
}

// close stops accepting updates, delivers what is queued and waits for the
// delivery goroutine to exit.
func (e *updateEmitter) close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		<-e.idle
		return
	}
	e.closed = true
	e.mu.Unlock()
	close(e.done)
	<-e.idle
}
