package core

import "github.com/dkeye/Callbox/internal/domain"

type SessionID string

// SessionResolver is the read side of the connection registry.
// Services receive it instead of a reference to the gateway.
type SessionResolver interface {
	IsOnline(uid domain.UserID) bool
	ActiveSessions(uid domain.UserID, exclude SessionID) []SessionID
	FirstSession(uid domain.UserID, exclude SessionID) (SessionID, bool)
}

// Event is the outbound envelope. Data is always present on the wire,
// null for error events.
type Event struct {
	Type    string `json:"type"`
	Data    any    `json:"data"`
	Message string `json:"message,omitempty"`
}

const EventError = "error"

func ErrorEvent(message string) Event {
	return Event{Type: EventError, Data: nil, Message: message}
}

// Emitter pushes one event to one live session.
type Emitter interface {
	Emit(sid SessionID, evt Event) error
}
