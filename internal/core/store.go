package core

import (
	"context"

	"github.com/dkeye/Callbox/internal/domain"
)

// Store is everything the service needs from persistence.
type Store interface {
	IdentityStore
	ConversationStore
	CallStore
	NotificationStore
	Close() error
}

// Seeder loads fixtures into a store. Used for local runs and tests.
type Seeder interface {
	PutUser(ctx context.Context, u domain.User) error
	PutConversation(ctx context.Context, c domain.Conversation) error
}
