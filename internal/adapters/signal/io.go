package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dkeye/Callbox/internal/app"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const disconnectTimeout = 5 * time.Second

// inbound is the client envelope.
type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (ctl *SignalWSController) writePump(ctx context.Context, cancel context.CancelFunc, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		cancel()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.opts.WriteTimeout)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, ""))
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ctl.opts.WriteTimeout)); err != nil {
				log.Debug().Err(err).Str("module", "signal").Msg("writePump ping failed")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, sess *app.Session, c *WsSignalConn) {
	logger := log.With().Str("module", "signal").Str("sid", string(sess.ID)).Logger()
	defer func() {
		logger.Info().Msg("readPump closing")
		dctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
		defer cancel()
		ctl.Orch.Disconnect(dctx, sess)
		sess.Close()
	}()

	c.conn.SetReadLimit(ctl.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.opts.pongWait()))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ctl.opts.pongWait()))
	})

	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Warn().Err(err).Msg("readPump read error")
				}
				return
			}
			ctl.handleSignal(ctx, sess, data)
		}
	}
}

func (ctl *SignalWSController) handleSignal(ctx context.Context, sess *app.Session, data []byte) {
	var env inbound
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sess.ID)).Msg("bad json")
		ctl.reply(sess, errorMessage("malformed message"))
		return
	}
	h, ok := ctl.handlers[env.Type]
	if !ok {
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
		ctl.reply(sess, errorMessage("unsupported event: "+env.Type))
		return
	}
	h(ctx, sess, env.Data)
}
