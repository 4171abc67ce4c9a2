package signal

import (
	"context"
	"encoding/json"

	"github.com/dkeye/Callbox/internal/app"
	"github.com/dkeye/Callbox/internal/core"
	"github.com/dkeye/Callbox/internal/domain"
)

func (ctl *SignalWSController) routes() map[string]handlerFunc {
	return map[string]handlerFunc{
		core.EventPing:        ctl.safe(core.EventPing, ctl.handlePing),
		core.EventTypingStart: ctl.safe(core.EventTypingStart, ctl.handleTyping(true)),
		core.EventTypingStop:  ctl.safe(core.EventTypingStop, ctl.handleTyping(false)),

		core.EventCallInitiate: ctl.safe(core.EventCallInitiate, ctl.handleCallInitiate),
		core.EventCallAccept:   ctl.safe(core.EventCallAccept, ctl.handleCallAction(core.EventCallAccept, ctl.Orch.Calls.Accept)),
		core.EventCallReject:   ctl.safe(core.EventCallReject, ctl.handleCallAction(core.EventCallReject, ctl.Orch.Calls.Reject)),
		core.EventCallJoin:     ctl.safe(core.EventCallJoin, ctl.handleCallAction(core.EventCallJoin, ctl.Orch.Calls.Join)),
		core.EventCallLeave:    ctl.safe(core.EventCallLeave, ctl.handleCallAction(core.EventCallLeave, ctl.Orch.Calls.Leave)),
		core.EventCallEnd:      ctl.safe(core.EventCallEnd, ctl.handleCallAction(core.EventCallEnd, ctl.Orch.Calls.End)),

		core.EventRTCOfferSend:        ctl.safe(core.EventRTCOfferSend, ctl.handleRTC(app.SignalOffer)),
		core.EventRTCAnswerSend:       ctl.safe(core.EventRTCAnswerSend, ctl.handleRTC(app.SignalAnswer)),
		core.EventRTCICECandidateSend: ctl.safe(core.EventRTCICECandidateSend, ctl.handleRTC(app.SignalICECandidate)),
	}
}

type pingPayload struct {
	Timestamp int64 `json:"timestamp,omitempty"`
}

func (ctl *SignalWSController) handlePing(_ context.Context, sess *app.Session, data json.RawMessage) (*core.Event, error) {
	var p pingPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	resp := struct {
		Timestamp int64          `json:"timestamp,omitempty"`
		SessionID core.SessionID `json:"sessionId"`
	}{
		Timestamp: p.Timestamp,
		SessionID: sess.ID,
	}
	return &core.Event{Type: core.EventPong, Data: resp}, nil
}

type typingRequest struct {
	ConversationID domain.ConversationID `json:"conversationId" validate:"required"`
}

func (ctl *SignalWSController) handleTyping(started bool) eventHandler {
	return func(ctx context.Context, sess *app.Session, data json.RawMessage) (*core.Event, error) {
		var req typingRequest
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		return nil, ctl.Orch.Typing(ctx, sess, req.ConversationID, started)
	}
}
