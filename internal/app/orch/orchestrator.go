package orch

import (
	"context"
	"fmt"

	"github.com/dkeye/Callbox/internal/app"
	"github.com/dkeye/Callbox/internal/core"
	"github.com/dkeye/Callbox/internal/domain"
	"github.com/rs/zerolog/log"
)

// Orchestrator glues connection lifecycle to presence, calls and fan-out.
type Orchestrator struct {
	Registry      *app.Registry
	Gate          *app.Gate
	Outbox        *app.Outbox
	Router        *app.SignalRouter
	Calls         *app.CallCoordinator
	Notifier      *app.Notifier
	Conversations core.ConversationStore
}

type presencePayload struct {
	UserID domain.UserID `json:"userId"`
	Online bool          `json:"online"`
}

type typingPayload struct {
	ConversationID domain.ConversationID `json:"conversationId"`
	UserID         domain.UserID         `json:"userId"`
}

// Connect admits a connection, greets it with its identity and announces
// the user to conversation peers when this is their first session.
func (o *Orchestrator) Connect(ctx context.Context, token string, conn core.SignalConnection, cancel context.CancelFunc) (*app.Session, error) {
	sess, online, err := o.Gate.Admit(ctx, token, conn, cancel)
	if err != nil {
		return nil, err
	}
	if err := o.Outbox.Emit(sess.ID, core.Event{Type: core.EventSuccess, Data: sess.Identity, Message: "connected"}); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("sid", string(sess.ID)).Msg("greeting not delivered")
	}
	if online {
		o.broadcastPresence(ctx, sess.UserID(), true)
	}
	return sess, nil
}

// Disconnect removes the session from presence and from call bindings.
// Calls keep their state; the peer can still reach other devices.
func (o *Orchestrator) Disconnect(ctx context.Context, sess *app.Session) {
	offline := o.Registry.Unregister(sess.UserID(), sess.ID)
	o.Calls.DetachSession(sess.ID)
	log.Info().Str("module", "orch").Str("user", string(sess.UserID())).Str("sid", string(sess.ID)).Bool("offline", offline).Msg("session disconnected")
	if offline {
		o.broadcastPresence(ctx, sess.UserID(), false)
	}
}

// Typing relays a typing indicator to the other participants of a conversation.
func (o *Orchestrator) Typing(ctx context.Context, sess *app.Session, convID domain.ConversationID, started bool) error {
	conv, err := o.Conversations.GetConversation(ctx, convID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	if !conv.Has(sess.UserID()) {
		return fmt.Errorf("%w: conversation %s", domain.ErrNotFound, convID)
	}
	evt := core.Event{Type: core.EventTypingStop, Data: typingPayload{ConversationID: convID, UserID: sess.UserID()}}
	if started {
		evt.Type = core.EventTypingStart
	}
	for _, p := range conv.Participants {
		if p == sess.UserID() {
			continue
		}
		app.EmitAll(o.Outbox, o.Registry.ActiveSessions(p, ""), evt)
	}
	return nil
}

// Presence reports whether uid is online and on how many sessions.
func (o *Orchestrator) Presence(uid domain.UserID) (bool, int) {
	sids := o.Registry.ActiveSessions(uid, "")
	return len(sids) > 0, len(sids)
}

// Kick force-closes a session.
func (o *Orchestrator) Kick(sid core.SessionID) bool {
	return o.Registry.Cancel(sid)
}

func (o *Orchestrator) broadcastPresence(ctx context.Context, uid domain.UserID, online bool) {
	if o.Conversations == nil {
		return
	}
	peers, err := o.Conversations.ConversationPeers(ctx, uid)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("user", string(uid)).Msg("presence: load peers")
		return
	}
	evt := core.Event{Type: core.EventPresenceUpdate, Data: presencePayload{UserID: uid, Online: online}}
	sent := 0
	for _, p := range peers {
		sent += app.EmitAll(o.Outbox, o.Registry.ActiveSessions(p, ""), evt)
	}
	log.Debug().Str("module", "orch").Str("user", string(uid)).Bool("online", online).Int("sent", sent).Msg("presence broadcast")
}
