package app

import (
	"context"
	"fmt"

	"github.com/dkeye/Callbox/internal/core"
	"github.com/dkeye/Callbox/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type SignalKind string

const (
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalICECandidate SignalKind = "ice_candidate"
)

// SignalKindOf maps a client *_send event to its kind.
func SignalKindOf(event string) (SignalKind, bool) {
	switch event {
	case core.EventRTCOfferSend:
		return SignalOffer, true
	case core.EventRTCAnswerSend:
		return SignalAnswer, true
	case core.EventRTCICECandidateSend:
		return SignalICECandidate, true
	}
	return "", false
}

// ForwardEvent is the server-forwarded event name of a kind.
func (k SignalKind) ForwardEvent() string {
	switch k {
	case SignalOffer:
		return core.EventRTCOffer
	case SignalAnswer:
		return core.EventRTCAnswer
	default:
		return core.EventRTCICECandidate
	}
}

// SignalEnvelope is relayed, never stored.
type SignalEnvelope struct {
	CallID      domain.CallID
	Kind        SignalKind
	To          domain.UserID
	ToSession   core.SessionID
	From        domain.UserID
	FromSession core.SessionID

	SDP       string
	Candidate *webrtc.ICECandidateInit
}

// forwardedSignal is what the recipient sees.
type forwardedSignal struct {
	CallID        domain.CallID  `json:"callId"`
	From          domain.UserID  `json:"from"`
	FromSession   core.SessionID `json:"fromSession"`
	SDP           string         `json:"sdp,omitempty"`
	Candidate     string         `json:"candidate,omitempty"`
	SDPMid        *string        `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16        `json:"sdpMLineIndex,omitempty"`
}

type RouteResult struct {
	Delivered bool
	SessionID core.SessionID
}

// CallSockets is the call state the router needs.
type CallSockets interface {
	ActiveCall(id domain.CallID) (domain.Call, bool)
	BoundSession(id domain.CallID, uid domain.UserID) (core.SessionID, bool)
	BindSession(id domain.CallID, uid domain.UserID, sid core.SessionID)
}

// SignalRouter relays offers, answers and ICE candidates between the
// sessions that carry a call. Nothing is queued or retried.
type SignalRouter struct {
	sessions    core.SessionResolver
	calls       CallSockets
	out         core.Emitter
	validateSDP bool
}

func NewSignalRouter(sessions core.SessionResolver, calls CallSockets, out core.Emitter, validateSDP bool) *SignalRouter {
	return &SignalRouter{sessions: sessions, calls: calls, out: out, validateSDP: validateSDP}
}

func (r *SignalRouter) Route(_ context.Context, env SignalEnvelope) (RouteResult, error) {
	logger := log.With().
		Str("module", "app.router").
		Str("call", string(env.CallID)).
		Str("kind", string(env.Kind)).
		Str("from", string(env.From)).
		Logger()

	call, ok := r.calls.ActiveCall(env.CallID)
	if !ok || !call.IsParticipant(env.From) {
		return RouteResult{}, fmt.Errorf("%w: call %s", domain.ErrNotFound, env.CallID)
	}
	peer := call.Peer(env.From)
	if env.To != "" && env.To != peer {
		return RouteResult{}, fmt.Errorf("%w: recipient %s is not in call", domain.ErrNotFound, env.To)
	}
	if err := r.validate(env); err != nil {
		return RouteResult{}, err
	}

	// The sending device carries the call from now on if nothing else does.
	r.calls.BindSession(env.CallID, env.From, env.FromSession)

	bound, _ := r.calls.BoundSession(env.CallID, peer)
	target, ok := resolveTarget(r.sessions, bound, peer, env.ToSession, env.FromSession)
	if !ok {
		logger.Warn().Str("to", string(peer)).Msg("recipient offline, signal dropped")
		return RouteResult{}, nil
	}

	fwd := forwardedSignal{CallID: env.CallID, From: env.From, FromSession: env.FromSession, SDP: env.SDP}
	if env.Candidate != nil {
		fwd.Candidate = env.Candidate.Candidate
		fwd.SDPMid = env.Candidate.SDPMid
		fwd.SDPMLineIndex = env.Candidate.SDPMLineIndex
	}
	if err := r.out.Emit(target, core.Event{Type: env.Kind.ForwardEvent(), Data: fwd}); err != nil {
		logger.Warn().Err(err).Str("sid", string(target)).Msg("signal not delivered")
		return RouteResult{SessionID: target}, nil
	}
	logger.Debug().Str("sid", string(target)).Msg("signal forwarded")
	return RouteResult{Delivered: true, SessionID: target}, nil
}

func (r *SignalRouter) validate(env SignalEnvelope) error {
	switch env.Kind {
	case SignalOffer, SignalAnswer:
		if env.SDP == "" {
			return fmt.Errorf("%w: sdp is required", domain.ErrValidation)
		}
		if !r.validateSDP {
			return nil
		}
		typ := webrtc.SDPTypeOffer
		if env.Kind == SignalAnswer {
			typ = webrtc.SDPTypeAnswer
		}
		desc := webrtc.SessionDescription{Type: typ, SDP: env.SDP}
		if _, err := desc.Unmarshal(); err != nil {
			return fmt.Errorf("%w: malformed sdp: %v", domain.ErrValidation, err)
		}
	case SignalICECandidate:
		if env.Candidate == nil {
			return fmt.Errorf("%w: candidate is required", domain.ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown signal kind %q", domain.ErrValidation, env.Kind)
	}
	return nil
}
