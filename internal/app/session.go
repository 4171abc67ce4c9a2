package app

import (
	"context"
	"time"

	"github.com/dkeye/Callbox/internal/core"
	"github.com/dkeye/Callbox/internal/domain"
)

// Session is one live authenticated connection.
// The identity is bound once at admission and never changes.
type Session struct {
	ID          core.SessionID
	Identity    domain.Identity
	ConnectedAt time.Time

	conn   core.SignalConnection
	cancel context.CancelFunc
}

func NewSession(sid core.SessionID, id domain.Identity, conn core.SignalConnection, cancel context.CancelFunc, at time.Time) *Session {
	return &Session{ID: sid, Identity: id, ConnectedAt: at, conn: conn, cancel: cancel}
}

func (s *Session) UserID() domain.UserID         { return s.Identity.UserID }
func (s *Session) Signal() core.SignalConnection { return s.conn }

// Close cancels the connection context and releases the transport.
func (s *Session) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.conn != nil {
		s.conn.Close()
	}
}
