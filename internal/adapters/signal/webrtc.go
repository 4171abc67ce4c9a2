package signal

import (
	"context"
	"encoding/json"

	"github.com/dkeye/Callbox/internal/app"
	"github.com/dkeye/Callbox/internal/core"
	"github.com/dkeye/Callbox/internal/domain"
	"github.com/pion/webrtc/v4"
)

type rtcRequest struct {
	CallID        domain.CallID  `json:"callId" validate:"required"`
	To            domain.UserID  `json:"to"`
	ToSession     core.SessionID `json:"toSession"`
	SDP           string         `json:"sdp"`
	Candidate     *string        `json:"candidate"`
	SDPMid        *string        `json:"sdpMid"`
	SDPMLineIndex *uint16        `json:"sdpMLineIndex"`
}

func (r rtcRequest) candidate() *webrtc.ICECandidateInit {
	if r.Candidate == nil {
		return nil
	}
	return &webrtc.ICECandidateInit{
		Candidate:     *r.Candidate,
		SDPMid:        r.SDPMid,
		SDPMLineIndex: r.SDPMLineIndex,
	}
}

// handleRTC relays one signaling message. Nothing is sent back to the
// sender unless the message is rejected.
func (ctl *SignalWSController) handleRTC(kind app.SignalKind) eventHandler {
	return func(ctx context.Context, sess *app.Session, data json.RawMessage) (*core.Event, error) {
		var req rtcRequest
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		_, err := ctl.Orch.Router.Route(ctx, app.SignalEnvelope{
			CallID:      req.CallID,
			Kind:        kind,
			To:          req.To,
			ToSession:   req.ToSession,
			From:        sess.UserID(),
			FromSession: sess.ID,
			SDP:         req.SDP,
			Candidate:   req.candidate(),
		})
		return nil, err
	}
}
