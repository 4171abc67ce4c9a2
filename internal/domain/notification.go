package domain

import "time"

type NotificationID string

// NotificationEvent is the payload business logic hands to the fan-out.
type NotificationEvent struct {
	Type      string         `json:"type" validate:"required"`
	Title     string         `json:"title" validate:"required"`
	Message   string         `json:"message"`
	Meta      map[string]any `json:"meta"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Notification is the persisted form of a NotificationEvent.
type Notification struct {
	ID NotificationID `json:"notificationId"`
	NotificationEvent
}

// UserNotification is one recipient row of a Notification.
type UserNotification struct {
	Notification
	UserID UserID     `json:"userId"`
	Read   bool       `json:"read"`
	ReadAt *time.Time `json:"readAt,omitempty"`
}
