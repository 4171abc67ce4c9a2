//go:generate go run go.uber.org/mock/mockgen -source=store_iface.go -destination=../mocks/mock_store.go -package=mocks
package core

import (
	"context"
	"time"

	"github.com/dkeye/Callbox/internal/domain"
)

// IdentityStore resolves users owned by the external account service.
type IdentityStore interface {
	FindUser(ctx context.Context, id domain.UserID) (*domain.User, error)
	ListUserIDs(ctx context.Context) ([]domain.UserID, error)
	ListUserIDsByRole(ctx context.Context, roles []domain.Role) ([]domain.UserID, error)
}

// ConversationStore reads conversation membership owned by the chat CRUD layer.
type ConversationStore interface {
	GetConversation(ctx context.Context, id domain.ConversationID) (*domain.Conversation, error)
	ConversationPeers(ctx context.Context, uid domain.UserID) ([]domain.UserID, error)
}

// CallStore persists call records. endedAt is nil for non-terminal statuses.
type CallStore interface {
	CreateCall(ctx context.Context, call *domain.Call) error
	GetCall(ctx context.Context, id domain.CallID) (*domain.Call, error)
	UpdateCallStatus(ctx context.Context, id domain.CallID, status domain.CallStatus, endedAt *time.Time) error
}

// NotificationStore persists notifications with one row per recipient.
type NotificationStore interface {
	CreateNotification(ctx context.Context, evt domain.NotificationEvent, recipients []domain.UserID) (domain.NotificationID, error)
	ListNotifications(ctx context.Context, uid domain.UserID, limit int) ([]domain.UserNotification, error)
	MarkNotificationRead(ctx context.Context, uid domain.UserID, id domain.NotificationID) error
}
