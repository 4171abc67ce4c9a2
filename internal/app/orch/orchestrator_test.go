package orch_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Callbox/internal/app"
	"github.com/dkeye/Callbox/internal/app/orch"
	"github.com/dkeye/Callbox/internal/auth"
	"github.com/dkeye/Callbox/internal/core"
	"github.com/dkeye/Callbox/internal/domain"
	"github.com/dkeye/Callbox/internal/mocks"
	"github.com/dkeye/Callbox/internal/store/memory"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type recorded struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type recorder struct {
	mu     sync.Mutex
	frames []recorded
}

func (r *recorder) TrySend(f core.Frame) error {
	var e recorded
	if err := json.Unmarshal(f, &e); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, e)
	return nil
}

func (r *recorder) Close() {}

func (r *recorder) of(typ string) []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recorded
	for _, f := range r.frames {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

type fixture struct {
	t      *testing.T
	orch   *orch.Orchestrator
	tokens *auth.TokenManager
}

func newFixture(t *testing.T, convs core.ConversationStore) *fixture {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	for _, uid := range []domain.UserID{"alice", "bob", "carol"} {
		require.NoError(t, st.PutUser(ctx, domain.User{ID: uid}))
	}
	require.NoError(t, st.PutConversation(ctx, domain.Conversation{ID: "c1", Participants: []domain.UserID{"alice", "bob"}}))
	if convs == nil {
		convs = st
	}

	clock := clockwork.NewFakeClock()
	reg := app.NewRegistry()
	out := app.NewOutbox(reg, app.SimplePolicy{})
	tokens := auth.NewTokenManager("secret", "", time.Hour)
	calls := app.NewCallCoordinator(st, st, reg, out, app.WithClock(clock))
	return &fixture{
		t:      t,
		tokens: tokens,
		orch: &orch.Orchestrator{
			Registry:      reg,
			Gate:          app.NewGate(tokens, st, reg, clock),
			Outbox:        out,
			Router:        app.NewSignalRouter(reg, calls, out, false),
			Calls:         calls,
			Notifier:      app.NewNotifier(st, st, reg, out, clock, 1),
			Conversations: convs,
		},
	}
}

func (f *fixture) connect(uid domain.UserID) (*app.Session, *recorder) {
	f.t.Helper()
	token, err := f.tokens.Generate(domain.User{ID: uid})
	require.NoError(f.t, err)
	rec := &recorder{}
	sess, err := f.orch.Connect(context.Background(), token, rec, nil)
	require.NoError(f.t, err)
	return sess, rec
}

func presenceOf(t *testing.T, r recorded) (domain.UserID, bool) {
	t.Helper()
	var p struct {
		UserID domain.UserID `json:"userId"`
		Online bool          `json:"online"`
	}
	require.NoError(t, json.Unmarshal(r.Data, &p))
	return p.UserID, p.Online
}

func TestOrchestrator_ConnectGreetsAndAnnounces(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)
	_, bob := f.connect("bob")
	_, carol := f.connect("carol")

	// When alice opens her first session
	_, alice := f.connect("alice")

	// Then she gets her identity and only her peers hear about it
	greet := alice.of(core.EventSuccess)
	req.Len(greet, 1)
	req.Contains(string(greet[0].Data), `"id":"alice"`)

	updates := bob.of(core.EventPresenceUpdate)
	req.Len(updates, 1)
	uid, online := presenceOf(t, updates[0])
	req.Equal(domain.UserID("alice"), uid)
	req.True(online)
	req.Empty(carol.of(core.EventPresenceUpdate))

	// A second device does not announce again
	f.connect("alice")
	req.Len(bob.of(core.EventPresenceUpdate), 1)
}

func TestOrchestrator_DisconnectAnnouncesLastSession(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)
	_, bob := f.connect("bob")
	a1, _ := f.connect("alice")
	a2, _ := f.connect("alice")

	f.orch.Disconnect(context.Background(), a1)
	req.Len(bob.of(core.EventPresenceUpdate), 1)
	online, n := f.orch.Presence("alice")
	req.True(online)
	req.Equal(1, n)

	f.orch.Disconnect(context.Background(), a2)
	updates := bob.of(core.EventPresenceUpdate)
	req.Len(updates, 2)
	_, isOnline := presenceOf(t, updates[1])
	req.False(isOnline)
	online, _ = f.orch.Presence("alice")
	req.False(online)
}

func TestOrchestrator_ConnectRejected(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)

	_, err := f.orch.Connect(context.Background(), "bogus", &recorder{}, nil)
	req.ErrorIs(err, domain.ErrInvalidToken)
	req.Empty(f.orch.Registry.AllSessions())
}

func TestOrchestrator_Typing(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)
	alice, aliceRec := f.connect("alice")
	_, bob := f.connect("bob")
	carol, _ := f.connect("carol")
	ctx := context.Background()

	req.NoError(f.orch.Typing(ctx, alice, "c1", true))
	req.Len(bob.of(core.EventTypingStart), 1)
	req.Empty(aliceRec.of(core.EventTypingStart))

	req.NoError(f.orch.Typing(ctx, alice, "c1", false))
	req.Len(bob.of(core.EventTypingStop), 1)

	// Outsiders cannot type into a conversation
	req.ErrorIs(f.orch.Typing(ctx, carol, "c1", true), domain.ErrNotFound)
	req.ErrorIs(f.orch.Typing(ctx, alice, "missing", true), domain.ErrNotFound)
}

func TestOrchestrator_PresenceSurvivesPeerLookupFailure(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	convs := mocks.NewMockConversationStore(ctrl)
	convs.EXPECT().ConversationPeers(gomock.Any(), gomock.Any()).Return(nil, errors.New("db down")).AnyTimes()
	f := newFixture(t, convs)

	// Connecting still works when peers cannot be loaded
	sess, rec := f.connect("alice")
	req.Len(rec.of(core.EventSuccess), 1)
	f.orch.Disconnect(context.Background(), sess)
	req.False(f.orch.Registry.IsOnline("alice"))
}

func TestOrchestrator_Kick(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)
	sess, _ := f.connect("alice")

	req.True(f.orch.Kick(sess.ID))
	req.False(f.orch.Kick("nope"))
}
