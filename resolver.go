package proptalk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Conversation resolver
// ============================================================================

type convEntry struct {
	conv Conversation
	// stale is set when the connection drops. A stale entry is served while
	// disconnected and re-joined on the next resolve once connected.
	stale bool
}

type joinResult struct {
	conv Conversation
	err  error
}

type pendingJoin struct {
	propertyID string
	timelineID string
	waiters    []chan joinResult
	timer      *time.Timer
}

func (j *pendingJoin) finish(conv Conversation, err error) {
	if j.timer != nil {
		j.timer.Stop()
	}
	for _, w := range j.waiters {
		w <- joinResult{conv: conv, err: err}
	}
	j.waiters = nil
}

// Resolve returns the conversation for propertyID, joining it over the
// connection if it is not cached. Concurrent calls for the same property
// share one join. A failed join can be retried by calling Resolve again.
// Cancelling ctx stops the wait but not the join.
func (s *Session) Resolve(ctx context.Context, propertyID, timelineID string) (Conversation, error) {
	if propertyID == "" {
		return Conversation{}, errors.New("resolve: empty property id")
	}
	ch := make(chan joinResult, 1)
	if err := s.call(ctx, func() { s.resolve(propertyID, timelineID, ch) }); err != nil {
		return Conversation{}, err
	}
	select {
	case r := <-ch:
		return r.conv, r.err
	case <-ctx.Done():
		return Conversation{}, ctx.Err()
	case <-s.done:
		return Conversation{}, ErrSessionClosed
	}
}

// Conversation returns the cached conversation for propertyID.
func (s *Session) Conversation(propertyID string) (Conversation, bool) {
	var (
		conv Conversation
		ok   bool
	)
	s.query(func() {
		if e, found := s.convs[propertyID]; found {
			conv, ok = e.conv, true
		}
	})
	return conv, ok
}

func (s *Session) resolve(propertyID, timelineID string, ch chan joinResult) {
	if e, ok := s.convs[propertyID]; ok && (!e.stale || !s.connected) {
		s.metrics.Joins.WithLabelValues("cached").Inc()
		ch <- joinResult{conv: e.conv}
		return
	}
	if j, ok := s.joins[propertyID]; ok {
		j.waiters = append(j.waiters, ch)
		return
	}
	if !s.connected {
		ch <- joinResult{err: ErrConnectionUnavailable}
		return
	}

	err := s.conn.Send(&Command{
		Type:      FrameJoin,
		RequestID: uuid.NewString(),
		Payload:   JoinPayload{PropertyID: propertyID, TimelineID: timelineID},
	})
	if err != nil {
		s.metrics.Joins.WithLabelValues("error").Inc()
		ch <- joinResult{err: fmt.Errorf("join %s: %w", propertyID, err)}
		return
	}

	j := &pendingJoin{propertyID: propertyID, timelineID: timelineID, waiters: []chan joinResult{ch}}
	j.timer = s.afterFunc(s.cfg.JoinTimeout, func() { s.joinTimedOut(j) })
	s.joins[propertyID] = j
	s.log.Debug().Str("property", propertyID).Str("timeline", timelineID).Msg("join sent")
}

func (s *Session) joinTimedOut(j *pendingJoin) {
	if s.joins[j.propertyID] != j {
		return
	}
	delete(s.joins, j.propertyID)
	s.metrics.Joins.WithLabelValues("timeout").Inc()
	s.log.Warn().Str("property", j.propertyID).Msg("join timed out")
	j.finish(Conversation{}, &JoinError{Kind: ErrJoinTimeout, PropertyID: j.propertyID})
}

func (s *Session) handleJoinAck(env Envelope) {
	var p JoinAckPayload
	if err := decodePayload(env, &p); err != nil {
		s.malformed(env, err.Error())
		return
	}
	if p.PropertyID == "" || p.ConversationID == "" {
		s.malformed(env, "missing propertyId or conversationId")
		return
	}

	j := s.joins[p.PropertyID]
	timelineID := p.TimelineID
	if timelineID == "" && j != nil {
		timelineID = j.timelineID
	}
	status := p.Status
	if status == "" {
		status = StatusActive
	}
	conv := Conversation{
		ID:            p.ConversationID,
		PropertyID:    p.PropertyID,
		TimelineID:    timelineID,
		AgentID:       p.AgentID,
		ClientID:      p.ClientID,
		Status:        status,
		LastMessageAt: p.LastMessageAt,
	}
	if prev, ok := s.convs[p.PropertyID]; ok && prev.conv.LastMessageAt.After(conv.LastMessageAt) {
		conv.LastMessageAt = prev.conv.LastMessageAt
	}
	s.convs[p.PropertyID] = &convEntry{conv: conv}

	var seeded []Message
	for _, w := range p.Messages {
		if w.ID == "" || IsProvisionalID(w.ID) {
			s.log.Warn().Str("property", p.PropertyID).Str("id", w.ID).Msg("skipping history message without canonical id")
			continue
		}
		m := w.toMessage(p.PropertyID)
		if m.ConversationID == "" {
			m.ConversationID = conv.ID
		}
		if _, changed := s.reconcile(m, false); changed {
			log := s.logs[p.PropertyID]
			seeded = append(seeded, log[indexOf(log, m.ID)])
			s.touchConversation(m)
		}
	}
	s.persistConversation(p.PropertyID)
	s.persistMessages(p.PropertyID, seeded)
	s.acct.invalidate(p.PropertyID)
	s.emitLog(p.PropertyID)

	if j == nil {
		s.log.Debug().Str("property", p.PropertyID).Msg("applied unsolicited join ack")
		return
	}
	delete(s.joins, p.PropertyID)
	s.metrics.Joins.WithLabelValues("ok").Inc()
	s.log.Info().Str("property", p.PropertyID).Str("conversation", conv.ID).Int("messages", len(p.Messages)).Msg("joined")
	j.finish(s.convs[p.PropertyID].conv, nil)
}

func (s *Session) handleJoinError(env Envelope) {
	var p JoinErrorPayload
	if err := decodePayload(env, &p); err != nil || p.PropertyID == "" {
		s.malformed(env, "missing propertyId")
		return
	}
	j := s.joins[p.PropertyID]
	if j == nil {
		s.log.Debug().Str("property", p.PropertyID).Msg("join error without pending join")
		return
	}
	delete(s.joins, p.PropertyID)
	s.metrics.Joins.WithLabelValues("rejected").Inc()
	s.log.Warn().Str("property", p.PropertyID).Str("reason", p.Reason).Msg("join rejected")
	j.finish(Conversation{}, &JoinError{Kind: ErrJoinRejected, PropertyID: p.PropertyID, Reason: p.Reason})
}

// touchConversation advances the conversation's LastMessageAt and reports
// whether it moved.
func (s *Session) touchConversation(m Message) bool {
	e, ok := s.convs[m.PropertyID]
	if !ok || !m.CreatedAt.After(e.conv.LastMessageAt) {
		return false
	}
	e.conv.LastMessageAt = m.CreatedAt
	return true
}

func (s *Session) persistConversation(propertyID string) {
	e, ok := s.convs[propertyID]
	if !ok {
		return
	}
	if err := s.store.PutConversation(e.conv); err != nil {
		s.log.Warn().Err(err).Str("property", propertyID).Msg("store conversation failed")
	}
}
