package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Callbox/internal/core"
	"github.com/dkeye/Callbox/internal/domain"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

const (
	DefaultRingTimeout = 30 * time.Second

	// timer-driven writes have no caller context
	timerPersistTimeout = 10 * time.Second
	missedRetryDelay    = 5 * time.Second
)

// Actor is the user and the exact session performing a call action.
type Actor struct {
	UserID    domain.UserID
	SessionID core.SessionID
}

func ActorOf(s *Session) Actor {
	return Actor{UserID: s.UserID(), SessionID: s.ID}
}

// callEntry is the in-memory side of one active call. mu serialises the
// ring timer against user actions; gen invalidates timers that were stopped
// after they had already fired.
type callEntry struct {
	mu       sync.Mutex
	call     domain.Call
	sockets  map[domain.UserID]core.SessionID
	timer    clockwork.Timer
	gen      uint64
	deadline time.Time
}

// CallCoordinator runs the call lifecycle and owns the call socket map.
type CallCoordinator struct {
	mu    sync.RWMutex
	calls map[domain.CallID]*callEntry

	store       core.CallStore
	convs       core.ConversationStore
	sessions    core.SessionResolver
	out         core.Emitter
	clock       clockwork.Clock
	ringTimeout time.Duration
}

type CallOption func(*CallCoordinator)

func WithClock(c clockwork.Clock) CallOption {
	return func(cc *CallCoordinator) { cc.clock = c }
}

func WithRingTimeout(d time.Duration) CallOption {
	return func(cc *CallCoordinator) {
		if d > 0 {
			cc.ringTimeout = d
		}
	}
}

func NewCallCoordinator(
	store core.CallStore,
	convs core.ConversationStore,
	sessions core.SessionResolver,
	out core.Emitter,
	opts ...CallOption,
) *CallCoordinator {
	c := &CallCoordinator{
		calls:       make(map[domain.CallID]*callEntry),
		store:       store,
		convs:       convs,
		sessions:    sessions,
		out:         out,
		clock:       clockwork.NewRealClock(),
		ringTimeout: DefaultRingTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Initiate creates a call in the given conversation and rings the other participant.
func (c *CallCoordinator) Initiate(ctx context.Context, caller Actor, convID domain.ConversationID, typ domain.CallType) (*domain.Call, error) {
	conv, err := c.convs.GetConversation(ctx, convID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: conversation %s", domain.ErrNotFound, convID)
		}
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	if !conv.Has(caller.UserID) {
		return nil, fmt.Errorf("%w: conversation %s", domain.ErrNotFound, convID)
	}
	var recipient domain.UserID
	for _, p := range conv.Participants {
		if p != caller.UserID {
			recipient = p
			break
		}
	}
	if recipient == "" {
		return nil, fmt.Errorf("%w: recipient in conversation %s", domain.ErrNotFound, convID)
	}
	if typ == "" {
		typ = domain.CallAudio
	}

	call := domain.Call{
		ID:             domain.CallID(uuid.NewString()),
		ConversationID: convID,
		InitiatorID:    caller.UserID,
		RecipientID:    recipient,
		Type:           typ,
		Status:         domain.CallInitiated,
		StartedAt:      c.clock.Now().UTC(),
	}
	if err := c.store.CreateCall(ctx, &call); err != nil {
		return nil, fmt.Errorf("persist call: %w", err)
	}

	e := &callEntry{
		call:    call,
		sockets: map[domain.UserID]core.SessionID{caller.UserID: caller.SessionID},
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	c.mu.Lock()
	c.calls[call.ID] = e
	c.mu.Unlock()
	c.armTimer(e, c.ringTimeout)

	logger := log.With().Str("module", "app.calls").Str("call", string(call.ID)).Logger()
	logger.Info().Str("from", string(caller.UserID)).Str("to", string(recipient)).Msg("call initiated")

	ringing := c.sessions.ActiveSessions(recipient, "")
	if len(ringing) == 0 {
		logger.Warn().Str("user", string(recipient)).Msg("recipient offline, call will ring out")
	}
	EmitAll(c.out, ringing, core.Event{Type: core.EventCallIncoming, Data: e.call, Message: "incoming call"})

	out := e.call
	return &out, nil
}

// Accept moves INITIATED to ONGOING and binds the accepting session.
func (c *CallCoordinator) Accept(ctx context.Context, actor Actor, id domain.CallID) (*domain.Call, error) {
	e, err := c.lookup(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.call.Status != domain.CallInitiated {
		return nil, c.invalid(e, "accept")
	}
	if actor.UserID != e.call.RecipientID {
		return nil, fmt.Errorf("%w: only the recipient can accept", domain.ErrForbidden)
	}

	deadline := e.deadline
	c.stopTimer(e)
	if err := c.store.UpdateCallStatus(ctx, id, domain.CallOngoing, nil); err != nil {
		c.armTimer(e, deadline.Sub(c.clock.Now()))
		return nil, fmt.Errorf("persist accept: %w", err)
	}
	e.call.Status = domain.CallOngoing
	e.sockets[actor.UserID] = actor.SessionID
	log.Info().Str("module", "app.calls").Str("call", string(id)).Str("sid", string(actor.SessionID)).Msg("call accepted")

	c.notifyPeer(e, e.call.InitiatorID, actor.SessionID, core.Event{Type: core.EventCallAccept, Data: e.call, Message: "call accepted"})
	EmitAll(c.out, c.sessions.ActiveSessions(actor.UserID, actor.SessionID), core.Event{Type: core.EventCallStatusUpdate, Data: e.call})

	out := e.call
	return &out, nil
}

// Reject moves INITIATED to REJECTED.
func (c *CallCoordinator) Reject(ctx context.Context, actor Actor, id domain.CallID) (*domain.Call, error) {
	e, err := c.lookup(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.call.Status != domain.CallInitiated {
		return nil, c.invalid(e, "reject")
	}
	if actor.UserID != e.call.RecipientID {
		return nil, fmt.Errorf("%w: only the recipient can reject", domain.ErrForbidden)
	}

	deadline := e.deadline
	c.stopTimer(e)
	now := c.clock.Now().UTC()
	if err := c.store.UpdateCallStatus(ctx, id, domain.CallRejected, &now); err != nil {
		c.armTimer(e, deadline.Sub(c.clock.Now()))
		return nil, fmt.Errorf("persist reject: %w", err)
	}
	e.call.Status = domain.CallRejected
	e.call.EndedAt = &now
	c.forget(id)
	log.Info().Str("module", "app.calls").Str("call", string(id)).Msg("call rejected")

	c.notifyPeer(e, e.call.InitiatorID, actor.SessionID, core.Event{Type: core.EventCallReject, Data: e.call, Message: "call rejected"})
	EmitAll(c.out, c.sessions.ActiveSessions(actor.UserID, actor.SessionID), core.Event{Type: core.EventCallStatusUpdate, Data: e.call})

	out := e.call
	return &out, nil
}

// Join rebinds the actor's current session to an ongoing call.
func (c *CallCoordinator) Join(ctx context.Context, actor Actor, id domain.CallID) (*domain.Call, error) {
	e, err := c.lookup(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.call.Status != domain.CallOngoing {
		return nil, c.invalid(e, "join")
	}
	e.sockets[actor.UserID] = actor.SessionID
	log.Info().Str("module", "app.calls").Str("call", string(id)).Str("user", string(actor.UserID)).Str("sid", string(actor.SessionID)).Msg("participant joined")

	c.notifyPeer(e, e.call.Peer(actor.UserID), actor.SessionID, core.Event{
		Type: core.EventCallParticipantJoined,
		Data: participantEvent{Call: e.call, UserID: actor.UserID, SessionID: actor.SessionID},
	})
	out := e.call
	return &out, nil
}

// End terminates the call. An ongoing call may be ended by either
// participant; a ringing call only by its initiator.
func (c *CallCoordinator) End(ctx context.Context, actor Actor, id domain.CallID) (*domain.Call, error) {
	return c.end(ctx, actor, id, false)
}

// Leave ends the call and tells the peer the actor left.
func (c *CallCoordinator) Leave(ctx context.Context, actor Actor, id domain.CallID) (*domain.Call, error) {
	return c.end(ctx, actor, id, true)
}

type participantEvent struct {
	Call      domain.Call    `json:"call"`
	UserID    domain.UserID  `json:"userId"`
	SessionID core.SessionID `json:"sessionId,omitempty"`
}

func (c *CallCoordinator) end(ctx context.Context, actor Actor, id domain.CallID, leaving bool) (*domain.Call, error) {
	e, err := c.lookup(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.call.Status {
	case domain.CallOngoing:
	case domain.CallInitiated:
		if actor.UserID != e.call.InitiatorID {
			return nil, c.invalid(e, "end")
		}
	default:
		return nil, c.invalid(e, "end")
	}

	ringing := e.call.Status == domain.CallInitiated
	deadline := e.deadline
	c.stopTimer(e)
	now := c.clock.Now().UTC()
	if err := c.store.UpdateCallStatus(ctx, id, domain.CallEnded, &now); err != nil {
		if ringing {
			c.armTimer(e, deadline.Sub(c.clock.Now()))
		}
		return nil, fmt.Errorf("persist end: %w", err)
	}
	e.call.Status = domain.CallEnded
	e.call.EndedAt = &now
	c.forget(id)
	log.Info().Str("module", "app.calls").Str("call", string(id)).Str("by", string(actor.UserID)).Bool("ringing", ringing).Msg("call ended")

	peer := e.call.Peer(actor.UserID)
	endEvt := core.Event{Type: core.EventCallEnd, Data: e.call, Message: "call ended"}
	if ringing {
		EmitAll(c.out, c.sessions.ActiveSessions(peer, ""), endEvt)
	} else {
		if leaving {
			c.notifyPeer(e, peer, actor.SessionID, core.Event{
				Type: core.EventCallParticipantLeft,
				Data: participantEvent{Call: e.call, UserID: actor.UserID},
			})
		}
		c.notifyPeer(e, peer, actor.SessionID, endEvt)
	}
	out := e.call
	return &out, nil
}

// ActiveCall returns a snapshot of a call that is still ringing or ongoing.
func (c *CallCoordinator) ActiveCall(id domain.CallID) (domain.Call, bool) {
	c.mu.RLock()
	e, ok := c.calls[id]
	c.mu.RUnlock()
	if !ok {
		return domain.Call{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.call.Status.Terminal() {
		return domain.Call{}, false
	}
	return e.call, true
}

// BoundSession returns the session of uid that carries the call, if any.
func (c *CallCoordinator) BoundSession(id domain.CallID, uid domain.UserID) (core.SessionID, bool) {
	c.mu.RLock()
	e, ok := c.calls[id]
	c.mu.RUnlock()
	if !ok {
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	sid, ok := e.sockets[uid]
	return sid, ok
}

// BindSession records sid as the carrier of uid's side of the call.
// Signaling from a session binds it when the user had no binding yet.
// While the call rings only the initiator may bind; the recipient's
// device is chosen by Accept or Join.
func (c *CallCoordinator) BindSession(id domain.CallID, uid domain.UserID, sid core.SessionID) {
	c.mu.RLock()
	e, ok := c.calls[id]
	c.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.call.Status == domain.CallInitiated && uid != e.call.InitiatorID {
		return
	}
	if _, bound := e.sockets[uid]; !bound && e.call.IsParticipant(uid) {
		e.sockets[uid] = sid
	}
}

// DetachSession drops sid from every call binding. Call state is untouched.
func (c *CallCoordinator) DetachSession(sid core.SessionID) {
	c.mu.RLock()
	entries := make([]*callEntry, 0, len(c.calls))
	for _, e := range c.calls {
		entries = append(entries, e)
	}
	c.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		for uid, bound := range e.sockets {
			if bound == sid {
				delete(e.sockets, uid)
				log.Info().Str("module", "app.calls").Str("call", string(e.call.ID)).Str("sid", string(sid)).Msg("detached session from call")
			}
		}
		e.mu.Unlock()
	}
}

// lookup finds the in-memory entry of an active call the actor takes part in.
func (c *CallCoordinator) lookup(ctx context.Context, actor Actor, id domain.CallID) (*callEntry, error) {
	c.mu.RLock()
	e, ok := c.calls[id]
	c.mu.RUnlock()
	if ok {
		e.mu.Lock()
		member := e.call.IsParticipant(actor.UserID)
		e.mu.Unlock()
		if !member {
			return nil, fmt.Errorf("%w: call %s", domain.ErrNotFound, id)
		}
		return e, nil
	}

	call, err := c.store.GetCall(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: call %s", domain.ErrNotFound, id)
		}
		return nil, fmt.Errorf("load call: %w", err)
	}
	if !call.IsParticipant(actor.UserID) {
		return nil, fmt.Errorf("%w: call %s", domain.ErrNotFound, id)
	}
	return nil, fmt.Errorf("%w: call %s is %s", domain.ErrInvalidTransition, id, call.Status)
}

func (c *CallCoordinator) invalid(e *callEntry, action string) error {
	log.Warn().Str("module", "app.calls").Str("call", string(e.call.ID)).Str("status", string(e.call.Status)).Str("action", action).Msg("invalid transition")
	return fmt.Errorf("%w: cannot %s call in status %s", domain.ErrInvalidTransition, action, e.call.Status)
}

func (c *CallCoordinator) forget(id domain.CallID) {
	c.mu.Lock()
	delete(c.calls, id)
	c.mu.Unlock()
}

// notifyPeer sends evt to the session of uid chosen by resolveTarget. Caller holds e.mu.
func (c *CallCoordinator) notifyPeer(e *callEntry, uid domain.UserID, exclude core.SessionID, evt core.Event) {
	sid, ok := resolveTarget(c.sessions, e.sockets[uid], uid, "", exclude)
	if !ok {
		log.Warn().Str("module", "app.calls").Str("call", string(e.call.ID)).Str("user", string(uid)).Str("event", evt.Type).Msg("peer offline, event not delivered")
		return
	}
	if err := c.out.Emit(sid, evt); err != nil {
		log.Warn().Err(err).Str("module", "app.calls").Str("call", string(e.call.ID)).Str("sid", string(sid)).Str("event", evt.Type).Msg("emit to peer failed")
	}
}

// armTimer replaces the ring timer. Caller holds e.mu.
func (c *CallCoordinator) armTimer(e *callEntry, d time.Duration) {
	c.stopTimer(e)
	if d < 0 {
		d = 0
	}
	gen := e.gen
	e.deadline = c.clock.Now().Add(d)
	e.timer = c.clock.AfterFunc(d, func() { c.onRingTimeout(e, gen) })
}

// stopTimer cancels the ring timer and invalidates one that already fired. Caller holds e.mu.
func (c *CallCoordinator) stopTimer(e *callEntry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.gen++
}

func (c *CallCoordinator) onRingTimeout(e *callEntry, gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	logger := log.With().Str("module", "app.calls").Str("call", string(e.call.ID)).Logger()
	if e.gen != gen || e.call.Status != domain.CallInitiated {
		logger.Debug().Str("status", string(e.call.Status)).Msg("stale ring timer ignored")
		return
	}
	e.timer = nil

	ctx, cancel := context.WithTimeout(context.Background(), timerPersistTimeout)
	defer cancel()
	now := c.clock.Now().UTC()
	if err := c.store.UpdateCallStatus(ctx, e.call.ID, domain.CallMissed, &now); err != nil {
		logger.Error().Err(err).Msg("failed to mark call missed, retrying")
		c.armTimer(e, missedRetryDelay)
		return
	}
	e.call.Status = domain.CallMissed
	e.call.EndedAt = &now
	c.forget(e.call.ID)
	logger.Info().Msg("ring timeout, call missed")

	c.notifyPeer(e, e.call.InitiatorID, "", core.Event{Type: core.EventCallMissed, Data: e.call, Message: "call missed"})
	EmitAll(c.out, c.sessions.ActiveSessions(e.call.RecipientID, ""), core.Event{Type: core.EventCallMissed, Data: e.call, Message: "missed call"})
}
