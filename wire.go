package proptalk

import (
	"encoding/json"
	"errors"
	"time"
)

// ============================================================================
// Frame types
// ============================================================================

// Server -> client frames.
const (
	FrameConnected       = "connected"
	FrameMessagePushed   = "message.pushed"
	FrameMessageAck      = "message.ack"
	FrameMessageError    = "message.error"
	FrameReadReceipt     = "read.receipt"
	FrameTyping          = "typing"
	FrameJoinAck         = "join.ack"
	FrameJoinError       = "join.error"
	FramePresenceChanged = "presence.changed"
	FramePong            = "pong"
	FrameError           = "error"
)

// Client -> server frames.
const (
	FrameJoin        = "conversation.join"
	FrameSendMessage = "message.send"
	FrameMarkRead    = "message.read"
	FrameTypingStart = "typing.start"
	FrameTypingStop  = "typing.stop"
	FramePing        = "ping"
)

// Envelope is the wire format for every frame in both directions.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Command is a client-to-server frame before encoding.
type Command struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

func decodePayload(env Envelope, v any) error {
	if len(env.Payload) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(env.Payload, v)
}

// ============================================================================
// Server payloads
// ============================================================================

// ConnectedPayload is the first frame on every connection.
type ConnectedPayload struct {
	ViewerID    string   `json:"viewerId"`
	ViewerRole  Role     `json:"viewerRole"`
	OnlineUsers []string `json:"onlineUsers,omitempty"`
}

// WireMessage is a message as the server encodes it.
type WireMessage struct {
	ID             string      `json:"id"`
	RequestID      string      `json:"requestId,omitempty"`
	ConversationID string      `json:"conversationId"`
	PropertyID     string      `json:"propertyId,omitempty"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type"`
	SenderID       string      `json:"senderId"`
	SenderRole     Role        `json:"senderRole"`
	CreatedAt      time.Time   `json:"createdAt"`
	Reads          []Read      `json:"reads,omitempty"`
}

func (w WireMessage) toMessage(propertyID string) Message {
	typ := w.Type
	if typ == "" {
		typ = TypeText
	}
	return Message{
		ID:             w.ID,
		RequestID:      w.RequestID,
		ConversationID: w.ConversationID,
		PropertyID:     propertyID,
		Content:        w.Content,
		Type:           typ,
		SenderID:       w.SenderID,
		SenderRole:     w.SenderRole,
		CreatedAt:      w.CreatedAt,
		Reads:          append([]Read(nil), w.Reads...),
	}
}

// MessagePushedPayload delivers a canonical message to every participant.
type MessagePushedPayload struct {
	PropertyID string      `json:"propertyId"`
	Message    WireMessage `json:"message"`
}

// MessageAckPayload confirms a send and carries its canonical id.
type MessageAckPayload struct {
	RequestID   string     `json:"requestId"`
	TempID      string     `json:"tempId,omitempty"`
	CanonicalID string     `json:"canonicalId"`
	CreatedAt   *time.Time `json:"createdAt,omitempty"`
}

// MessageErrorPayload rejects a send.
type MessageErrorPayload struct {
	RequestID string `json:"requestId"`
	TempID    string `json:"tempId,omitempty"`
	Reason    string `json:"reason"`
}

// ReadReceiptPayload reports that UserID has read messages in a property.
// An empty MessageIDs means every message not sent by UserID.
type ReadReceiptPayload struct {
	PropertyID string    `json:"propertyId"`
	UserID     string    `json:"userId"`
	ReadAt     time.Time `json:"readAt"`
	MessageIDs []string  `json:"messageIds,omitempty"`
}

// TypingPayload reports a typing state change.
type TypingPayload struct {
	PropertyID string `json:"propertyId"`
	UserID     string `json:"userId"`
	IsTyping   bool   `json:"isTyping"`
}

// JoinAckPayload answers a join with the conversation and its history.
type JoinAckPayload struct {
	PropertyID     string             `json:"propertyId"`
	TimelineID     string             `json:"timelineId,omitempty"`
	ConversationID string             `json:"conversationId"`
	AgentID        string             `json:"participantAgentId,omitempty"`
	ClientID       string             `json:"participantClientId,omitempty"`
	Status         ConversationStatus `json:"status,omitempty"`
	LastMessageAt  time.Time          `json:"lastMessageAt,omitempty"`
	Messages       []WireMessage      `json:"messages,omitempty"`
}

// JoinErrorPayload rejects a join.
type JoinErrorPayload struct {
	PropertyID string `json:"propertyId"`
	Reason     string `json:"reason"`
}

// PresenceChangedPayload reports a user going online or offline.
type PresenceChangedPayload struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

// PongPayload is the response to a ping.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// ============================================================================
// Client payloads
// ============================================================================

type JoinPayload struct {
	PropertyID string `json:"propertyId"`
	TimelineID string `json:"timelineId"`
}

type SendMessagePayload struct {
	PropertyID     string      `json:"propertyId"`
	ConversationID string      `json:"conversationId"`
	TempID         string      `json:"tempId"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type"`
}

type MarkReadPayload struct {
	PropertyID     string   `json:"propertyId"`
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
}

type TypingCommandPayload struct {
	PropertyID     string `json:"propertyId"`
	ConversationID string `json:"conversationId"`
}
