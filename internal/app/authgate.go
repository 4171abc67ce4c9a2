package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/Callbox/internal/auth"
	"github.com/dkeye/Callbox/internal/core"
	"github.com/dkeye/Callbox/internal/domain"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

type TokenValidator interface {
	Validate(token string) (*auth.Claims, error)
}

// Gate authenticates connections and binds them to an identity.
type Gate struct {
	tokens   TokenValidator
	users    core.IdentityStore
	registry *Registry
	clock    clockwork.Clock
}

func NewGate(tokens TokenValidator, users core.IdentityStore, registry *Registry, clock clockwork.Clock) *Gate {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Gate{tokens: tokens, users: users, registry: registry, clock: clock}
}

// Authenticate resolves a token to the identity of a user that still exists.
func (g *Gate) Authenticate(ctx context.Context, token string) (domain.Identity, error) {
	if token == "" {
		return domain.Identity{}, domain.ErrMissingToken
	}
	claims, err := g.tokens.Validate(token)
	if err != nil {
		return domain.Identity{}, err
	}
	u, err := g.users.FindUser(ctx, domain.UserID(claims.Subject))
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) || errors.Is(err, domain.ErrNotFound) {
			return domain.Identity{}, domain.ErrUserNotFound
		}
		return domain.Identity{}, fmt.Errorf("lookup user: %w", err)
	}
	return domain.IdentityOf(u), nil
}

// Admit authenticates and registers a new session for conn.
// The returned bool reports whether the user just came online.
func (g *Gate) Admit(ctx context.Context, token string, conn core.SignalConnection, cancel context.CancelFunc) (*Session, bool, error) {
	id, err := g.Authenticate(ctx, token)
	if err != nil {
		log.Warn().Err(err).Str("module", "app.gate").Msg("connection rejected")
		return nil, false, err
	}
	sess := NewSession(core.SessionID(uuid.NewString()), id, conn, cancel, g.clock.Now())
	online := g.registry.Register(id.UserID, sess)
	log.Info().Str("module", "app.gate").Str("user", string(id.UserID)).Str("sid", string(sess.ID)).Msg("connection admitted")
	return sess, online, nil
}
