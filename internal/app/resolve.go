package app

import (
	"slices"

	"github.com/dkeye/Callbox/internal/core"
	"github.com/dkeye/Callbox/internal/domain"
	"github.com/rs/zerolog/log"
)

// resolveTarget picks the session of recipient that should receive a call
// or signaling event: a valid explicit hint, then the session bound to the
// call, then the first active session. exclude is never returned.
func resolveTarget(
	sessions core.SessionResolver,
	bound core.SessionID,
	recipient domain.UserID,
	hint core.SessionID,
	exclude core.SessionID,
) (core.SessionID, bool) {
	active := sessions.ActiveSessions(recipient, exclude)
	if len(active) == 0 {
		return "", false
	}
	if hint != "" {
		if slices.Contains(active, hint) {
			return hint, true
		}
		log.Debug().Str("module", "app.resolve").Str("user", string(recipient)).Str("hint", string(hint)).Msg("session hint not active, ignoring")
	}
	if bound != "" && slices.Contains(active, bound) {
		return bound, true
	}
	return active[0], true
}
