package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Callbox/internal/core"
	"github.com/dkeye/Callbox/internal/domain"
	"github.com/dkeye/Callbox/internal/store/memory"
	"github.com/stretchr/testify/require"
)

var errConnFull = errors.New("send buffer full")

type wireEvent struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

// fakeConn records every frame handed to it.
type fakeConn struct {
	mu     sync.Mutex
	events []wireEvent
	full   bool
	closed bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	if c.full {
		return errConnFull
	}
	var e wireEvent
	if err := json.Unmarshal(f, &e); err != nil {
		return err
	}
	c.events = append(c.events, e)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// of returns the recorded events with the given type.
func (c *fakeConn) of(typ string) []wireEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []wireEvent
	for _, e := range c.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (c *fakeConn) count(typ string) int { return len(c.of(typ)) }

// harness wires a registry, an outbox and a memory store.
type harness struct {
	t     *testing.T
	reg   *Registry
	out   *Outbox
	store *memory.Store
	conns map[core.SessionID]*fakeConn
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg := NewRegistry()
	return &harness{
		t:     t,
		reg:   reg,
		out:   NewOutbox(reg, SimplePolicy{}),
		store: memory.New(),
		conns: make(map[core.SessionID]*fakeConn),
	}
}

// connect registers a live session sid for uid.
func (h *harness) connect(uid domain.UserID, sid core.SessionID) (*Session, *fakeConn) {
	h.t.Helper()
	conn := &fakeConn{}
	sess := NewSession(sid, domain.Identity{UserID: uid}, conn, nil, time.Now())
	h.reg.Register(uid, sess)
	h.conns[sid] = conn
	return sess, conn
}

func (h *harness) conversation(id domain.ConversationID, participants ...domain.UserID) {
	h.t.Helper()
	require.NoError(h.t, h.store.PutConversation(context.Background(), domain.Conversation{ID: id, Participants: participants}))
}

func (h *harness) user(id domain.UserID, role domain.Role) {
	h.t.Helper()
	require.NoError(h.t, h.store.PutUser(context.Background(), domain.User{ID: id, Role: role}))
}

// decodeCall reads the call carried by an event.
func decodeCall(t *testing.T, e wireEvent) domain.Call {
	t.Helper()
	var c domain.Call
	require.NoError(t, json.Unmarshal(e.Data, &c))
	return c
}
