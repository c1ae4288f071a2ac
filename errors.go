package proptalk

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// ErrConnectionUnavailable is returned when an operation needs the
	// connection and none is established.
	ErrConnectionUnavailable = errors.New("connection unavailable")
	// ErrConversationNotFound is returned when a property has not been resolved.
	ErrConversationNotFound = errors.New("conversation not found")
	ErrSendTimeout          = errors.New("send timed out")
	ErrSendRejected         = errors.New("send rejected")
	ErrJoinTimeout          = errors.New("join timed out")
	ErrJoinRejected         = errors.New("join rejected")
	// ErrMalformedPush marks inbound frames missing correlation data. Such
	// frames are logged and dropped, never returned to callers.
	ErrMalformedPush = errors.New("malformed push")
	ErrSessionClosed = errors.New("session closed")
)

// ============================================================================
// Typed errors
// ============================================================================

// SendError describes a failed send. Draft carries the exact content the
// caller submitted so it can be restored to the input.
type SendError struct {
	Kind       error
	PropertyID string
	RequestID  string
	Reason     string
	Draft      string
}

func (e *SendError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%v for property %s: %s", e.Kind, e.PropertyID, e.Reason)
	}
	return fmt.Sprintf("%v for property %s", e.Kind, e.PropertyID)
}

func (e *SendError) Unwrap() error { return e.Kind }

// JoinError describes a failed conversation resolve.
type JoinError struct {
	Kind       error
	PropertyID string
	Reason     string
}

func (e *JoinError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%v for property %s: %s", e.Kind, e.PropertyID, e.Reason)
	}
	return fmt.Sprintf("%v for property %s", e.Kind, e.PropertyID)
}

func (e *JoinError) Unwrap() error { return e.Kind }

// ServerError is an error frame reported by the server outside of any
// request correlation.
type ServerError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *ServerError) Error() string {
	if e.Code == "" {
		return "server: " + e.Message
	}
	return "server: " + e.Code + ": " + e.Message
}
