package signal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dkeye/Callbox/internal/app"
	"github.com/dkeye/Callbox/internal/core"
	"github.com/dkeye/Callbox/internal/domain"
	"github.com/rs/zerolog/log"
)

type initiateRequest struct {
	ConversationID domain.ConversationID `json:"conversationId" validate:"required"`
	Type           domain.CallType       `json:"type" validate:"omitempty,oneof=AUDIO VIDEO"`
}

type callRequest struct {
	CallID domain.CallID `json:"callId" validate:"required"`
}

type callAction func(ctx context.Context, actor app.Actor, id domain.CallID) (*domain.Call, error)

func (ctl *SignalWSController) handleCallInitiate(ctx context.Context, sess *app.Session, data json.RawMessage) (*core.Event, error) {
	var req initiateRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if !ctl.Limiter.Allow(sess.UserID()) {
		log.Warn().Str("module", "signal").Str("user", string(sess.UserID())).Msg("call initiate rate limited")
		return nil, fmt.Errorf("%w: too many call attempts", domain.ErrRateLimited)
	}
	call, err := ctl.Orch.Calls.Initiate(ctx, app.ActorOf(sess), req.ConversationID, req.Type)
	if err != nil {
		return nil, err
	}
	return &core.Event{Type: core.EventCallInitiate, Data: call, Message: "call initiated"}, nil
}

func (ctl *SignalWSController) handleCallAction(event string, action callAction) eventHandler {
	return func(ctx context.Context, sess *app.Session, data json.RawMessage) (*core.Event, error) {
		var req callRequest
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		call, err := action(ctx, app.ActorOf(sess), req.CallID)
		if err != nil {
			return nil, err
		}
		return &core.Event{Type: event, Data: call}, nil
	}
}
