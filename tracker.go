package proptalk

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Read receipts
// ============================================================================

type readBatch struct {
	conversationID string
	ids            []string
	waiters        []chan error
	timer          *time.Timer
}

func (b *readBatch) finish(err error) {
	for _, w := range b.waiters {
		w <- err
	}
	b.waiters = nil
}

// MarkRead marks every message the viewer received in the property as read.
// Reads are applied locally right away. Calls within ReadDebounce of each
// other share one wire write, and MarkRead returns once that write has been
// queued. If it cannot be, the local reads are rolled back. Nothing is
// written when there is nothing unread.
func (s *Session) MarkRead(ctx context.Context, propertyID string) error {
	ch := make(chan error, 1)
	if err := s.call(ctx, func() { s.markRead(propertyID, ch) }); err != nil {
		return err
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *Session) markRead(propertyID string, ch chan error) {
	entry, ok := s.convs[propertyID]
	if !ok {
		ch <- ErrConversationNotFound
		return
	}
	if !s.connected {
		ch <- ErrConnectionUnavailable
		return
	}

	viewer := s.viewer.UserID
	now := time.Now()
	log := s.logs[propertyID]
	var ids []string
	for i := range log {
		m := &log[i]
		if m.SenderID == viewer || m.IsProvisional() {
			continue
		}
		if m.addRead(viewer, now) {
			ids = append(ids, m.ID)
		}
	}

	b := s.reads[propertyID]
	if len(ids) == 0 && b == nil {
		ch <- nil
		return
	}
	if len(ids) > 0 {
		s.acct.invalidate(propertyID)
		s.emitLog(propertyID)
	}
	if b == nil {
		b = &readBatch{conversationID: entry.conv.ID}
		b.timer = s.afterFunc(s.cfg.ReadDebounce, func() { s.flushReads(propertyID, b) })
		s.reads[propertyID] = b
	}
	b.ids = append(b.ids, ids...)
	b.waiters = append(b.waiters, ch)
}

func (s *Session) flushReads(propertyID string, b *readBatch) {
	if s.reads[propertyID] != b {
		return
	}
	delete(s.reads, propertyID)

	err := s.conn.Send(&Command{
		Type:      FrameMarkRead,
		RequestID: uuid.NewString(),
		Payload: MarkReadPayload{
			PropertyID:     propertyID,
			ConversationID: b.conversationID,
			MessageIDs:     b.ids,
		},
	})
	if err != nil {
		s.log.Warn().Err(err).Str("property", propertyID).Int("count", len(b.ids)).Msg("mark read failed, rolling back")
		s.rollbackReads(propertyID, b.ids)
	} else {
		s.metrics.ReadFlushes.Inc()
		s.persistReads(propertyID, b.ids)
	}
	b.finish(err)
}

func (s *Session) rollbackReads(propertyID string, ids []string) {
	viewer := s.viewer.UserID
	log := s.logs[propertyID]
	for _, id := range ids {
		if i := indexOf(log, id); i >= 0 {
			log[i].removeRead(viewer)
		}
	}
	s.acct.invalidate(propertyID)
	s.emitLog(propertyID)
}

func (s *Session) persistReads(propertyID string, ids []string) {
	log := s.logs[propertyID]
	msgs := make([]Message, 0, len(ids))
	for _, id := range ids {
		if i := indexOf(log, id); i >= 0 {
			msgs = append(msgs, log[i])
		}
	}
	s.persistMessages(propertyID, msgs)
}

func (s *Session) handleReadReceipt(env Envelope) {
	var r ReadReceiptPayload
	if err := decodePayload(env, &r); err != nil {
		s.malformed(env, err.Error())
		return
	}
	if r.PropertyID == "" || r.UserID == "" {
		s.malformed(env, "missing propertyId or userId")
		return
	}

	at := r.ReadAt
	if at.IsZero() {
		at = time.Now()
	}
	var only map[string]bool
	if len(r.MessageIDs) > 0 {
		only = make(map[string]bool, len(r.MessageIDs))
		for _, id := range r.MessageIDs {
			only[id] = true
		}
	}

	log := s.logs[r.PropertyID]
	var changed []string
	for i := range log {
		m := &log[i]
		if m.SenderID == r.UserID || m.IsProvisional() {
			continue
		}
		if only != nil && !only[m.ID] {
			continue
		}
		if m.addRead(r.UserID, at) {
			changed = append(changed, m.ID)
		}
	}
	if len(changed) == 0 {
		return
	}
	s.persistReads(r.PropertyID, changed)
	s.acct.invalidate(r.PropertyID)
	s.emitLog(r.PropertyID)
}

// ============================================================================
// Typing
// ============================================================================

// StartTyping tells the other party the viewer is typing in the property.
func (s *Session) StartTyping(ctx context.Context, propertyID string) error {
	return s.sendTyping(ctx, propertyID, FrameTypingStart)
}

// StopTyping tells the other party the viewer stopped typing.
func (s *Session) StopTyping(ctx context.Context, propertyID string) error {
	return s.sendTyping(ctx, propertyID, FrameTypingStop)
}

func (s *Session) sendTyping(ctx context.Context, propertyID, frame string) error {
	var err error
	if cerr := s.call(ctx, func() {
		entry, ok := s.convs[propertyID]
		if !ok {
			err = ErrConversationNotFound
			return
		}
		if !s.connected {
			err = ErrConnectionUnavailable
			return
		}
		err = s.conn.Send(&Command{
			Type:    frame,
			Payload: TypingCommandPayload{PropertyID: propertyID, ConversationID: entry.conv.ID},
		})
	}); cerr != nil {
		return cerr
	}
	return err
}

// Typing returns the ids of users currently typing in the property, sorted.
func (s *Session) Typing(propertyID string) []string {
	var out []string
	s.query(func() { out = s.typingUsers(propertyID) })
	return out
}

func (s *Session) typingUsers(propertyID string) []string {
	users := s.typing[propertyID]
	out := make([]string, 0, len(users))
	for id := range users {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Session) handleTyping(env Envelope) {
	var t TypingPayload
	if err := decodePayload(env, &t); err != nil {
		s.malformed(env, err.Error())
		return
	}
	if t.PropertyID == "" || t.UserID == "" {
		s.malformed(env, "missing propertyId or userId")
		return
	}
	if t.UserID == s.viewer.UserID {
		return
	}

	users := s.typing[t.PropertyID]
	old, was := users[t.UserID]
	if was {
		old.Stop()
	}
	if !t.IsTyping {
		if was {
			delete(users, t.UserID)
			s.emitTyping(t.PropertyID)
		}
		return
	}

	if users == nil {
		users = make(map[string]*time.Timer)
		s.typing[t.PropertyID] = users
	}
	var timer *time.Timer
	timer = s.afterFunc(s.cfg.TypingTTL, func() { s.expireTyping(t.PropertyID, t.UserID, timer) })
	users[t.UserID] = timer
	if !was {
		s.emitTyping(t.PropertyID)
	}
}

func (s *Session) expireTyping(propertyID, userID string, timer *time.Timer) {
	users := s.typing[propertyID]
	if users[userID] != timer {
		return
	}
	delete(users, userID)
	s.emitTyping(propertyID)
}

// clearTyping drops every typing indicator.
func (s *Session) clearTyping() {
	for prop, users := range s.typing {
		if len(users) == 0 {
			continue
		}
		for _, t := range users {
			t.Stop()
		}
		delete(s.typing, prop)
		s.emitTyping(prop)
	}
}

func (s *Session) emitTyping(propertyID string) {
	s.updates.emit(Update{Kind: UpdateTyping, PropertyID: propertyID, Typing: s.typingUsers(propertyID)})
}
