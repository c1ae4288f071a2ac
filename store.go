package proptalk

import (
	"sort"
	"sync"
)

// ============================================================================
// Store
// ============================================================================

// Store is a local durable cache of canonical messages and conversations.
// The session writes through to it; the in-memory log stays authoritative.
type Store interface {
	PutConversation(conv Conversation) error
	// GetConversation returns nil and no error when propertyID is unknown.
	GetConversation(propertyID string) (*Conversation, error)
	// PutMessages inserts or replaces messages by id.
	PutMessages(msgs []Message) error
	// Messages returns up to limit of the most recent messages for
	// propertyID in createdAt order. limit <= 0 returns all of them.
	Messages(propertyID string, limit int) ([]Message, error)
	Close() error
}

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-memory Store.
type MemoryStore struct {
	mu            sync.RWMutex
	messages      map[string]map[string]Message
	conversations map[string]Conversation
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:      make(map[string]map[string]Message),
		conversations: make(map[string]Conversation),
	}
}

func (s *MemoryStore) PutConversation(conv Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conv.PropertyID] = conv
	return nil
}

func (s *MemoryStore) GetConversation(propertyID string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[propertyID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *MemoryStore) PutMessages(msgs []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		byID := s.messages[m.PropertyID]
		if byID == nil {
			byID = make(map[string]Message)
			s.messages[m.PropertyID] = byID
		}
		byID[m.ID] = m.clone()
	}
	return nil
}

func (s *MemoryStore) Messages(propertyID string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Message, 0, len(s.messages[propertyID]))
	for _, m := range s.messages[propertyID] {
		result = append(result, m.clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

func (s *MemoryStore) Close() error { return nil }
