package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/Callbox/internal/app/orch"
	"github.com/dkeye/Callbox/internal/core"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// SessionTokenKey is where the cookie session keeps the bearer token.
const SessionTokenKey = "access_token"

type Options struct {
	ReadLimit    int64
	PingPeriod   time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
}

func (o Options) withDefaults() Options {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 32768
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 54 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 32
	}
	return o
}

func (o Options) pongWait() time.Duration {
	return o.PingPeriod * 10 / 9
}

type SignalWSController struct {
	Orch    *orch.Orchestrator
	Limiter *CallRateLimiter

	opts     Options
	handlers map[string]handlerFunc
}

func NewSignalWSController(o *orch.Orchestrator, limiter *CallRateLimiter, opts Options) *SignalWSController {
	ctl := &SignalWSController{
		Orch:    o,
		Limiter: limiter,
		opts:    opts.withDefaults(),
	}
	ctl.handlers = ctl.routes()
	return ctl
}

// WsSignalConn is the outbound side of one websocket. Close stops accepting
// frames; the write pump drains what is queued and then closes the socket.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func newWsSignalConn(ws *websocket.Conn, buffer int) *WsSignalConn {
	return &WsSignalConn{conn: ws, send: make(chan core.Frame, buffer)}
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// extractToken looks at the Authorization header, then the token query
// parameter, then the cookie session.
func extractToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if token := c.Query("token"); token != "" {
		return token
	}
	if v, ok := sessions.Default(c).Get(SessionTokenKey).(string); ok {
		return v
	}
	return ""
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	token := extractToken(c)

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	conn := newWsSignalConn(ws, ctl.opts.SendBuffer)
	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, cancel, conn)

	sess, err := ctl.Orch.Connect(ctx, token, conn, cancel)
	if err != nil {
		// The error frame is queued before the close so the client sees
		// the reason before the socket goes away.
		ctl.sendJSON(conn, errorEvent(err))
		conn.Close()
		return
	}
	log.Info().Str("module", "signal").Str("sid", string(sess.ID)).Str("user", string(sess.UserID())).Msg("new WS connection")
	go ctl.readPump(ctx, sess, conn)
}

func (ctl *SignalWSController) sendJSON(c core.SignalConnection, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	if err := c.TrySend(b); err != nil {
		log.Debug().Err(err).Str("module", "signal").Msg("sendJSON dropped")
	}
}
