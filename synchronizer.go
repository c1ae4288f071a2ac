package proptalk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Outgoing sends
// ============================================================================

// Outgoing is a send in flight. Provisional is the entry appended to the
// log when the send was issued.
type Outgoing struct {
	Provisional Message

	done chan struct{}
	msg  Message
	err  error
}

// Done is closed once the send is confirmed or has failed.
func (o *Outgoing) Done() <-chan struct{} { return o.done }

// Wait blocks until the send settles and returns the canonical message. On
// failure the error is a *SendError whose Draft holds the original content.
// Cancelling ctx stops the wait only.
func (o *Outgoing) Wait(ctx context.Context) (Message, error) {
	select {
	case <-o.done:
		return o.msg, o.err
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

type pendingSend struct {
	requestID  string
	propertyID string
	tempID     string
	content    string
	timer      *time.Timer
	out        *Outgoing
}

// ============================================================================
// Send path
// ============================================================================

// Send appends a provisional message to the property's log and writes it to
// the connection. The property must have been resolved. An empty typ means
// TypeText. A cancelled ctx fails the call before anything is written;
// otherwise the returned Outgoing tracks the send.
func (s *Session) Send(ctx context.Context, propertyID, content string, typ MessageType) (*Outgoing, error) {
	if typ == "" {
		typ = TypeText
	}
	if !typ.Valid() {
		return nil, fmt.Errorf("unknown message type %q", typ)
	}
	if strings.TrimSpace(content) == "" {
		return nil, errors.New("empty message content")
	}

	var (
		out *Outgoing
		err error
	)
	if cerr := s.call(ctx, func() { out, err = s.send(propertyID, content, typ) }); cerr != nil {
		return nil, cerr
	}
	return out, err
}

func (s *Session) send(propertyID, content string, typ MessageType) (*Outgoing, error) {
	entry, ok := s.convs[propertyID]
	if !ok {
		return nil, &SendError{Kind: ErrConversationNotFound, PropertyID: propertyID, Draft: content}
	}
	if !s.connected {
		return nil, &SendError{Kind: ErrConnectionUnavailable, PropertyID: propertyID, Draft: content}
	}

	requestID := uuid.NewString()
	msg := Message{
		ID:             ProvisionalPrefix + requestID,
		RequestID:      requestID,
		ConversationID: entry.conv.ID,
		PropertyID:     propertyID,
		Content:        content,
		Type:           typ,
		SenderID:       s.viewer.UserID,
		SenderRole:     s.viewer.Role,
		CreatedAt:      time.Now(),
	}

	s.logs[propertyID] = append(s.logs[propertyID], msg)
	err := s.conn.Send(&Command{
		Type:      FrameSendMessage,
		RequestID: requestID,
		Payload: SendMessagePayload{
			PropertyID:     propertyID,
			ConversationID: entry.conv.ID,
			TempID:         msg.ID,
			Content:        content,
			Type:           typ,
		},
	})
	if err != nil {
		s.removeEntry(propertyID, msg.ID)
		s.metrics.Sends.WithLabelValues("error").Inc()
		return nil, &SendError{
			Kind:       ErrConnectionUnavailable,
			PropertyID: propertyID,
			RequestID:  requestID,
			Reason:     err.Error(),
			Draft:      content,
		}
	}

	p := &pendingSend{
		requestID:  requestID,
		propertyID: propertyID,
		tempID:     msg.ID,
		content:    content,
		out:        &Outgoing{Provisional: msg.clone(), done: make(chan struct{})},
	}
	p.timer = s.afterFunc(s.cfg.SendTimeout, func() { s.sendTimedOut(p) })
	s.pending[requestID] = p
	s.metrics.PendingSends.Inc()

	s.acct.invalidate(propertyID)
	s.emitLog(propertyID)
	s.log.Debug().Str("property", propertyID).Str("request_id", requestID).Msg("message sent")
	return p.out, nil
}

func (s *Session) settleSend(p *pendingSend, msg Message, err error, result string) {
	if s.pending[p.requestID] != p {
		return
	}
	delete(s.pending, p.requestID)
	p.timer.Stop()
	s.metrics.PendingSends.Dec()
	s.metrics.Sends.WithLabelValues(result).Inc()
	p.out.msg, p.out.err = msg, err
	close(p.out.done)
}

func (s *Session) sendTimedOut(p *pendingSend) {
	if s.pending[p.requestID] != p {
		return
	}
	s.log.Warn().Str("property", p.propertyID).Str("request_id", p.requestID).Msg("send timed out")
	if s.removeEntry(p.propertyID, p.tempID) {
		s.acct.invalidate(p.propertyID)
		s.emitLog(p.propertyID)
	}
	s.settleSend(p, Message{}, &SendError{
		Kind:       ErrSendTimeout,
		PropertyID: p.propertyID,
		RequestID:  p.requestID,
		Draft:      p.content,
	}, "timeout")
}

// correlate finds the pending send a server frame refers to.
func (s *Session) correlate(requestID, envRequestID, tempID string) *pendingSend {
	for _, id := range []string{requestID, envRequestID, strings.TrimPrefix(tempID, ProvisionalPrefix)} {
		if id == "" {
			continue
		}
		if p, ok := s.pending[id]; ok {
			return p
		}
	}
	return nil
}

func (s *Session) handleAck(env Envelope) {
	var a MessageAckPayload
	if err := decodePayload(env, &a); err != nil {
		s.malformed(env, err.Error())
		return
	}
	p := s.correlate(a.RequestID, env.RequestID, a.TempID)
	if p == nil {
		s.log.Debug().Str("request_id", a.RequestID).Str("id", a.CanonicalID).Msg("ignoring late or unknown ack")
		return
	}
	if a.CanonicalID == "" || IsProvisionalID(a.CanonicalID) {
		s.malformed(env, "ack without canonical id")
		return
	}

	prop := p.propertyID
	log := s.logs[prop]
	var final Message
	switch existing := indexOf(log, a.CanonicalID); {
	case existing >= 0:
		// The pushed copy was appended first; keep it and drop ours.
		s.removeEntry(prop, p.tempID)
		log = s.logs[prop]
		final = log[indexOf(log, a.CanonicalID)]
	default:
		i := indexOf(log, p.tempID)
		if i < 0 {
			s.log.Debug().Str("request_id", p.requestID).Msg("ack for missing provisional entry")
			return
		}
		log[i].ID = a.CanonicalID
		if a.CreatedAt != nil {
			log[i].CreatedAt = *a.CreatedAt
		}
		final = log[i]
	}

	if s.touchConversation(final) {
		s.persistConversation(prop)
	}
	s.persistMessages(prop, []Message{final})
	s.acct.invalidate(prop)
	s.emitLog(prop)
	s.settleSend(p, final.clone(), nil, "ok")
}

func (s *Session) handleSendError(env Envelope) {
	var e MessageErrorPayload
	if err := decodePayload(env, &e); err != nil {
		s.malformed(env, err.Error())
		return
	}
	p := s.correlate(e.RequestID, env.RequestID, e.TempID)
	if p == nil {
		s.log.Debug().Str("request_id", e.RequestID).Msg("ignoring late or unknown send error")
		return
	}
	s.log.Warn().Str("property", p.propertyID).Str("request_id", p.requestID).Str("reason", e.Reason).Msg("send rejected")
	if s.removeEntry(p.propertyID, p.tempID) {
		s.acct.invalidate(p.propertyID)
		s.emitLog(p.propertyID)
	}
	s.settleSend(p, Message{}, &SendError{
		Kind:       ErrSendRejected,
		PropertyID: p.propertyID,
		RequestID:  p.requestID,
		Reason:     e.Reason,
		Draft:      p.content,
	}, "rejected")
}

// ============================================================================
// Receive path
// ============================================================================

func (s *Session) handlePush(env Envelope) {
	var p MessagePushedPayload
	if err := decodePayload(env, &p); err != nil {
		s.malformed(env, err.Error())
		return
	}
	if p.PropertyID == "" {
		s.malformed(env, "missing propertyId")
		return
	}
	if p.Message.ID == "" || IsProvisionalID(p.Message.ID) {
		s.malformed(env, "missing canonical message id")
		return
	}

	m := p.Message.toMessage(p.PropertyID)
	if m.ConversationID == "" {
		if e, ok := s.convs[p.PropertyID]; ok {
			m.ConversationID = e.conv.ID
		}
	}

	outcome, changed := s.reconcile(m, true)
	s.metrics.Pushes.WithLabelValues(outcome).Inc()
	if !changed {
		return
	}
	log := s.logs[m.PropertyID]
	stored := log[indexOf(log, m.ID)]
	if s.touchConversation(stored) {
		s.persistConversation(m.PropertyID)
	}
	s.persistMessages(m.PropertyID, []Message{stored})
	s.acct.invalidate(m.PropertyID)
	s.emitLog(m.PropertyID)
}

// reconcile folds a canonical message into its property's log and reports
// what happened and whether the log changed. Pushed messages from the other
// party count as notifications; history from a join does not.
//
// A message already in the log only contributes read receipts. A message
// matching a provisional entry of the viewer replaces it in place, either
// by echoed request id or, when none is echoed, by sender, content and a
// createdAt within DedupeWindow. Anything else is appended.
func (s *Session) reconcile(m Message, push bool) (string, bool) {
	prop := m.PropertyID
	log := s.logs[prop]

	if i := indexOf(log, m.ID); i >= 0 {
		return "duplicate", log[i].mergeReads(m.Reads)
	}

	slot := -1
	if m.RequestID != "" {
		for i := range log {
			if log[i].IsProvisional() && log[i].RequestID == m.RequestID {
				slot = i
				break
			}
		}
	} else {
		slot = s.matchProvisional(log, m)
	}
	if slot >= 0 {
		requestID := log[slot].RequestID
		m.RequestID = requestID
		log[slot] = m.clone()
		if p, ok := s.pending[requestID]; ok {
			s.settleSend(p, m.clone(), nil, "ok")
		}
		return "reconciled", true
	}

	s.logs[prop] = append(log, m.clone())
	if push && s.acct.notify(prop, m.SenderID) {
		s.emitNotifications(prop)
	}
	return "appended", true
}

func (s *Session) matchProvisional(log []Message, m Message) int {
	if m.SenderID != s.viewer.UserID {
		return -1
	}
	for i := range log {
		p := &log[i]
		if !p.IsProvisional() || p.SenderID != m.SenderID || p.Content != m.Content {
			continue
		}
		d := p.CreatedAt.Sub(m.CreatedAt)
		if d < 0 {
			d = -d
		}
		if d < s.cfg.DedupeWindow {
			return i
		}
	}
	return -1
}

func indexOf(log []Message, id string) int {
	for i := range log {
		if log[i].ID == id {
			return i
		}
	}
	return -1
}

// removeEntry deletes the entry with id from the property's log.
func (s *Session) removeEntry(propertyID, id string) bool {
	log := s.logs[propertyID]
	i := indexOf(log, id)
	if i < 0 {
		return false
	}
	s.logs[propertyID] = append(log[:i], log[i+1:]...)
	return true
}

func (s *Session) persistMessages(propertyID string, msgs []Message) {
	var canonical []Message
	for _, m := range msgs {
		if !m.IsProvisional() {
			canonical = append(canonical, m.clone())
		}
	}
	if len(canonical) == 0 {
		return
	}
	if err := s.store.PutMessages(canonical); err != nil {
		s.log.Warn().Err(err).Str("property", propertyID).Int("count", len(canonical)).Msg("store messages failed")
	}
}
