package signal_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/Callbox/internal/adapters/signal"
	"github.com/dkeye/Callbox/internal/app"
	"github.com/dkeye/Callbox/internal/app/orch"
	"github.com/dkeye/Callbox/internal/auth"
	"github.com/dkeye/Callbox/internal/core"
	"github.com/dkeye/Callbox/internal/domain"
	"github.com/dkeye/Callbox/internal/store/memory"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type frame struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

type wsFixture struct {
	t      *testing.T
	srv    *httptest.Server
	tokens *auth.TokenManager
	orch   *orch.Orchestrator
}

func newWSFixture(t *testing.T, callLimit int) *wsFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	st := memory.New()
	for _, u := range []domain.User{{ID: "alice"}, {ID: "bob"}} {
		require.NoError(t, st.PutUser(ctx, u))
	}
	require.NoError(t, st.PutConversation(ctx, domain.Conversation{ID: "c1", Participants: []domain.UserID{"alice", "bob"}}))

	clock := clockwork.NewRealClock()
	reg := app.NewRegistry()
	out := app.NewOutbox(reg, app.SimplePolicy{})
	tokens := auth.NewTokenManager("test-secret", "callbox", time.Hour)
	calls := app.NewCallCoordinator(st, st, reg, out, app.WithClock(clock))
	o := &orch.Orchestrator{
		Registry:      reg,
		Gate:          app.NewGate(tokens, st, reg, clock),
		Outbox:        out,
		Router:        app.NewSignalRouter(reg, calls, out, false),
		Calls:         calls,
		Notifier:      app.NewNotifier(st, st, reg, out, clock, 1),
		Conversations: st,
	}
	ctl := signal.NewSignalWSController(o, signal.NewCallRateLimiter(callLimit, time.Minute, clock), signal.Options{})

	r := gin.New()
	r.Use(sessions.Sessions("test", cookie.NewStore([]byte("secret"))))
	r.GET("/ws", func(c *gin.Context) { ctl.HandleSignal(ctx, c) })
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &wsFixture{t: t, srv: srv, tokens: tokens, orch: o}
}

func (f *wsFixture) dial(token string) *websocket.Conn {
	f.t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { _ = ws.Close() })
	return ws
}

// connect dials as uid and consumes the greeting.
func (f *wsFixture) connect(uid domain.UserID) *websocket.Conn {
	f.t.Helper()
	token, err := f.tokens.Generate(domain.User{ID: uid})
	require.NoError(f.t, err)
	ws := f.dial(token)
	greet := read(f.t, ws)
	require.Equal(f.t, core.EventSuccess, greet.Type)
	return ws
}

func read(t *testing.T, ws *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var fr frame
	require.NoError(t, ws.ReadJSON(&fr))
	return fr
}

// readUntil skips frames until one of type typ arrives.
func readUntil(t *testing.T, ws *websocket.Conn, typ string) frame {
	t.Helper()
	for {
		fr := read(t, ws)
		if fr.Type == typ {
			return fr
		}
	}
}

func send(t *testing.T, ws *websocket.Conn, typ string, data any) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(map[string]any{"type": typ, "data": data}))
}

func TestHandleSignal_RejectsBadToken(t *testing.T) {
	req := require.New(t)
	f := newWSFixture(t, 0)

	// When connecting with a forged token
	ws := f.dial("not.a.jwt")

	// Then the reason arrives before the close
	fr := read(t, ws)
	req.Equal(core.EventError, fr.Type)
	req.Contains(fr.Message, "invalid token")
	req.Equal("null", string(fr.Data))

	_, _, err := ws.ReadMessage()
	req.True(websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
	req.Empty(f.orch.Registry.AllSessions())
}

func TestHandleSignal_MissingToken(t *testing.T) {
	req := require.New(t)
	f := newWSFixture(t, 0)

	fr := read(t, f.dial(""))
	req.Equal(core.EventError, fr.Type)
	req.Equal(domain.ErrMissingToken.Error(), fr.Message)
}

func TestHandleSignal_QueryToken(t *testing.T) {
	req := require.New(t)
	f := newWSFixture(t, 0)
	token, err := f.tokens.Generate(domain.User{ID: "alice"})
	req.NoError(err)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	req.NoError(err)
	defer ws.Close()

	fr := read(t, ws)
	req.Equal(core.EventSuccess, fr.Type)
	var id domain.Identity
	req.NoError(json.Unmarshal(fr.Data, &id))
	req.Equal(domain.UserID("alice"), id.UserID)
}

func TestHandleSignal_PingPong(t *testing.T) {
	req := require.New(t)
	f := newWSFixture(t, 0)
	ws := f.connect("alice")

	send(t, ws, core.EventPing, map[string]any{"timestamp": 42})
	fr := readUntil(t, ws, core.EventPong)

	var pong struct {
		Timestamp int64  `json:"timestamp"`
		SessionID string `json:"sessionId"`
	}
	req.NoError(json.Unmarshal(fr.Data, &pong))
	req.EqualValues(42, pong.Timestamp)
	req.NotEmpty(pong.SessionID)
}

func TestHandleSignal_MalformedPing(t *testing.T) {
	req := require.New(t)
	f := newWSFixture(t, 0)
	ws := f.connect("alice")

	// When the ping timestamp is not a number
	send(t, ws, core.EventPing, map[string]any{"timestamp": "soon"})

	// Then the client is told and the socket keeps working
	fr := readUntil(t, ws, core.EventError)
	req.Contains(fr.Message, domain.ErrValidation.Error())
	send(t, ws, core.EventPing, map[string]any{"timestamp": 7})
	readUntil(t, ws, core.EventPong)
}

func TestHandleSignal_UnsupportedAndMalformed(t *testing.T) {
	req := require.New(t)
	f := newWSFixture(t, 0)
	ws := f.connect("alice")

	send(t, ws, "private:message_send", map[string]any{"text": "hi"})
	fr := readUntil(t, ws, core.EventError)
	req.Equal("unsupported event: private:message_send", fr.Message)

	req.NoError(ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	fr = readUntil(t, ws, core.EventError)
	req.Equal("malformed message", fr.Message)

	// The connection survives both
	send(t, ws, core.EventPing, nil)
	readUntil(t, ws, core.EventPong)
}

func TestHandleSignal_CallFlow(t *testing.T) {
	req := require.New(t)
	f := newWSFixture(t, 0)
	bob := f.connect("bob")
	alice := f.connect("alice")

	// Given bob sees alice come online
	presence := readUntil(t, bob, core.EventPresenceUpdate)
	req.Contains(string(presence.Data), `"online":true`)

	// When alice calls
	send(t, alice, core.EventCallInitiate, map[string]any{"conversationId": "c1", "type": "VIDEO"})
	ack := readUntil(t, alice, core.EventCallInitiate)
	var call domain.Call
	req.NoError(json.Unmarshal(ack.Data, &call))
	req.Equal(domain.CallInitiated, call.Status)

	// Then bob rings and can accept
	incoming := readUntil(t, bob, core.EventCallIncoming)
	req.Contains(string(incoming.Data), string(call.ID))
	send(t, bob, core.EventCallAccept, map[string]any{"callId": call.ID})
	readUntil(t, bob, core.EventCallAccept)
	accepted := readUntil(t, alice, core.EventCallAccept)
	req.Contains(string(accepted.Data), string(domain.CallOngoing))

	// And signaling is relayed
	send(t, alice, core.EventRTCOfferSend, map[string]any{"callId": call.ID, "sdp": "v=0"})
	offer := readUntil(t, bob, core.EventRTCOffer)
	var fwd struct {
		From string `json:"from"`
		SDP  string `json:"sdp"`
	}
	req.NoError(json.Unmarshal(offer.Data, &fwd))
	req.Equal("alice", fwd.From)
	req.Equal("v=0", fwd.SDP)

	send(t, bob, core.EventCallEnd, map[string]any{"callId": call.ID})
	readUntil(t, alice, core.EventCallEnd)
}

func TestHandleSignal_Typing(t *testing.T) {
	req := require.New(t)
	f := newWSFixture(t, 0)
	bob := f.connect("bob")
	alice := f.connect("alice")

	send(t, alice, core.EventTypingStart, map[string]any{"conversationId": "c1"})
	fr := readUntil(t, bob, core.EventTypingStart)
	req.Contains(string(fr.Data), `"userId":"alice"`)

	send(t, alice, core.EventTypingStop, map[string]any{"conversationId": "nope"})
	fr = readUntil(t, alice, core.EventError)
	req.Contains(fr.Message, domain.ErrNotFound.Error())
}

func TestHandleSignal_ValidationError(t *testing.T) {
	req := require.New(t)
	f := newWSFixture(t, 0)
	ws := f.connect("alice")

	send(t, ws, core.EventCallAccept, map[string]any{})
	fr := readUntil(t, ws, core.EventError)
	req.Contains(fr.Message, domain.ErrValidation.Error())

	send(t, ws, core.EventCallInitiate, map[string]any{"conversationId": "c1", "type": "HOLOGRAM"})
	fr = readUntil(t, ws, core.EventError)
	req.Contains(fr.Message, domain.ErrValidation.Error())
}

func TestHandleSignal_RateLimitsInitiate(t *testing.T) {
	req := require.New(t)
	f := newWSFixture(t, 1)
	ws := f.connect("alice")

	send(t, ws, core.EventCallInitiate, map[string]any{"conversationId": "c1"})
	readUntil(t, ws, core.EventCallInitiate)

	send(t, ws, core.EventCallInitiate, map[string]any{"conversationId": "c1"})
	fr := readUntil(t, ws, core.EventError)
	req.Contains(fr.Message, domain.ErrRateLimited.Error())
}

func TestHandleSignal_DisconnectAnnouncesOffline(t *testing.T) {
	req := require.New(t)
	f := newWSFixture(t, 0)
	bob := f.connect("bob")
	alice := f.connect("alice")
	readUntil(t, bob, core.EventPresenceUpdate)

	// When alice's only socket closes
	req.NoError(alice.Close())

	// Then bob is told she is offline
	fr := readUntil(t, bob, core.EventPresenceUpdate)
	req.Contains(string(fr.Data), `"online":false`)
	req.Eventually(func() bool { return !f.orch.Registry.IsOnline("alice") }, 2*time.Second, 10*time.Millisecond)
}

func TestHandleSignal_KickClosesSocket(t *testing.T) {
	req := require.New(t)
	f := newWSFixture(t, 0)
	ws := f.connect("alice")

	sids := f.orch.Registry.ActiveSessions("alice", "")
	req.Len(sids, 1)
	req.True(f.orch.Kick(sids[0]))

	req.NoError(ws.SetReadDeadline(time.Now().Add(2 * time.Second)))
	_, _, err := ws.ReadMessage()
	req.Error(err)
}
