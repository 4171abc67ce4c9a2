package domain

import "time"

type CallID string

type CallStatus string

const (
	CallInitiated CallStatus = "INITIATED"
	CallOngoing   CallStatus = "ONGOING"
	CallEnded     CallStatus = "ENDED"
	CallMissed    CallStatus = "MISSED"
	CallRejected  CallStatus = "REJECTED"
)

// Terminal reports whether no further transition is allowed.
func (s CallStatus) Terminal() bool {
	return s == CallEnded || s == CallMissed || s == CallRejected
}

type CallType string

const (
	CallAudio CallType = "AUDIO"
	CallVideo CallType = "VIDEO"
)

type Call struct {
	ID             CallID         `json:"id"`
	ConversationID ConversationID `json:"conversationId"`
	InitiatorID    UserID         `json:"initiatorId"`
	RecipientID    UserID         `json:"recipientId"`
	Type           CallType       `json:"type"`
	Status         CallStatus     `json:"status"`
	StartedAt      time.Time      `json:"startedAt"`
	EndedAt        *time.Time     `json:"endedAt,omitempty"`
}

// Participants returns the ordered pair (initiator, recipient).
func (c *Call) Participants() [2]UserID {
	return [2]UserID{c.InitiatorID, c.RecipientID}
}

func (c *Call) IsParticipant(uid UserID) bool {
	return uid == c.InitiatorID || uid == c.RecipientID
}

// Peer returns the other participant.
func (c *Call) Peer(uid UserID) UserID {
	if uid == c.InitiatorID {
		return c.RecipientID
	}
	return c.InitiatorID
}
