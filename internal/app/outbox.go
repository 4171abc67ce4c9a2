package app

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/Callbox/internal/core"
	"github.com/rs/zerolog/log"
)

var (
	ErrSessionGone  = errors.New("session gone")
	ErrBackpressure = errors.New("backpressure")
)

type sessionLookup interface {
	Session(sid core.SessionID) (*Session, bool)
}

// Outbox encodes events and hands them to the session transport.
type Outbox struct {
	sessions sessionLookup
	policy   Policy
}

func NewOutbox(sessions sessionLookup, policy Policy) *Outbox {
	if policy == nil {
		policy = SimplePolicy{}
	}
	return &Outbox{sessions: sessions, policy: policy}
}

func (o *Outbox) Emit(sid core.SessionID, evt core.Event) error {
	sess, ok := o.sessions.Session(sid)
	if !ok {
		return ErrSessionGone
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode %s: %w", evt.Type, err)
	}
	if err := sess.Signal().TrySend(b); err != nil {
		switch o.policy.OnBackPressure(sess) {
		case KickSession:
			log.Warn().Str("module", "app.outbox").Str("sid", string(sid)).Str("event", evt.Type).Msg("send buffer full, kicking session")
			sess.Close()
		case DropFrame, NoAction:
			log.Debug().Str("module", "app.outbox").Str("sid", string(sid)).Str("event", evt.Type).Msg("frame dropped")
		}
		return fmt.Errorf("%w: %v", ErrBackpressure, err)
	}
	return nil
}

// EmitAll sends evt to every sid and returns how many accepted it.
func EmitAll(e core.Emitter, sids []core.SessionID, evt core.Event) int {
	n := 0
	for _, sid := range sids {
		if err := e.Emit(sid, evt); err != nil {
			log.Debug().Err(err).Str("module", "app.outbox").Str("sid", string(sid)).Str("event", evt.Type).Msg("emit failed")
			continue
		}
		n++
	}
	return n
}
