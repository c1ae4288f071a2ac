package proptalk

import (
	"sort"
	"strings"
	"time"
)

// ============================================================================
// Enumerations
// ============================================================================

// Role identifies which side of a conversation a participant is on.
type Role string

const (
	RoleAgent  Role = "AGENT"
	RoleClient Role = "CLIENT"
)

// MessageType is the kind of content a message carries.
type MessageType string

const (
	TypeText              MessageType = "TEXT"
	TypeImage             MessageType = "IMAGE"
	TypePropertyReference MessageType = "PROPERTY_REFERENCE"
	TypeFeedbackAlert     MessageType = "FEEDBACK_ALERT"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypePropertyReference, TypeFeedbackAlert:
		return true
	}
	return false
}

// ConversationStatus is the server-side lifecycle state of a conversation.
type ConversationStatus string

const (
	StatusActive   ConversationStatus = "ACTIVE"
	StatusArchived ConversationStatus = "ARCHIVED"
	StatusClosed   ConversationStatus = "CLOSED"
)

// ============================================================================
// Identity
// ============================================================================

// Identity is the viewer as resolved by the server on connect. It is the
// only input used to decide whether a message was sent or received.
type Identity struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}

// ============================================================================
// Conversation
// ============================================================================

// Conversation binds one property and timeline to one agent and one client.
type Conversation struct {
	ID            string             `json:"id"`
	PropertyID    string             `json:"propertyId"`
	TimelineID    string             `json:"timelineId"`
	AgentID       string             `json:"participantAgentId"`
	ClientID      string             `json:"participantClientId"`
	Status        ConversationStatus `json:"status"`
	LastMessageAt time.Time          `json:"lastMessageAt,omitempty"`
}

// ============================================================================
// Message
// ============================================================================

// ProvisionalPrefix marks ids generated locally before the server has
// accepted a message. Canonical ids never carry it.
const ProvisionalPrefix = "tmp-"

// IsProvisionalID reports whether id is a locally generated provisional id.
func IsProvisionalID(id string) bool {
	return strings.HasPrefix(id, ProvisionalPrefix)
}

// Read records that a user has seen a message.
type Read struct {
	ReaderID string    `json:"readerId"`
	ReadAt   time.Time `json:"readAt"`
}

// Message is a single entry in a property's message log.
type Message struct {
	ID             string      `json:"id"`
	RequestID      string      `json:"requestId,omitempty"`
	ConversationID string      `json:"conversationId"`
	PropertyID     string      `json:"propertyId"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type"`
	SenderID       string      `json:"senderId"`
	SenderRole     Role        `json:"senderRole"`
	CreatedAt      time.Time   `json:"createdAt"`
	Reads          []Read      `json:"reads,omitempty"`
}

// IsProvisional reports whether the message is still awaiting a canonical id.
func (m Message) IsProvisional() bool {
	return IsProvisionalID(m.ID)
}

// ReadBy reports whether userID appears in the message's read receipts.
func (m Message) ReadBy(userID string) bool {
	for _, r := range m.Reads {
		if r.ReaderID == userID {
			return true
		}
	}
	return false
}

// clone returns a copy that shares no slices with m.
func (m Message) clone() Message {
	if m.Reads != nil {
		m.Reads = append([]Read(nil), m.Reads...)
	}
	return m
}

// addRead appends a receipt for readerID unless one exists. It reports
// whether the message changed.
func (m *Message) addRead(readerID string, at time.Time) bool {
	if readerID == "" || m.ReadBy(readerID) {
		return false
	}
	m.Reads = append(m.Reads, Read{ReaderID: readerID, ReadAt: at})
	return true
}

// removeRead drops the receipt for readerID.
func (m *Message) removeRead(readerID string) {
	out := m.Reads[:0]
	for _, r := range m.Reads {
		if r.ReaderID != readerID {
			out = append(out, r)
		}
	}
	m.Reads = out
}

// mergeReads folds receipts from other into m and reports whether m changed.
func (m *Message) mergeReads(other []Read) bool {
	changed := false
	for _, r := range other {
		if m.addRead(r.ReaderID, r.ReadAt) {
			changed = true
		}
	}
	return changed
}

// SortByCreatedAt orders msgs by creation time, keeping log order for ties.
// The log itself is kept in confirmation order; use this for display.
func SortByCreatedAt(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}
