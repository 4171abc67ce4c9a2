package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/Callbox/internal/app"
	"github.com/dkeye/Callbox/internal/core"
	"github.com/dkeye/Callbox/internal/domain"
	"github.com/go-playground/validator/v10"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const internalErrorMessage = "Internal Server Error"

// handlerFunc is what the dispatch table stores.
type handlerFunc func(ctx context.Context, sess *app.Session, data json.RawMessage)

// eventHandler returns an optional acknowledgement for the sender.
type eventHandler func(ctx context.Context, sess *app.Session, data json.RawMessage) (*core.Event, error)

var validate = validator.New(validator.WithRequiredStructEnabled())

// safe wraps an event handler so that it never takes the connection down:
// panics are recovered, client errors are echoed and everything else is
// logged with a stack and reported as an internal error.
func (ctl *SignalWSController) safe(event string, h eventHandler) handlerFunc {
	return func(ctx context.Context, sess *app.Session, data json.RawMessage) {
		defer func() {
			if r := recover(); r != nil {
				err := pkgerrors.Errorf("panic in %s handler: %v", event, r)
				log.Error().Stack().Err(err).Str("module", "signal").Str("sid", string(sess.ID)).Str("event", event).Msg("handler panic")
				ctl.reply(sess, errorMessage(internalErrorMessage))
			}
		}()

		if _, ok := ctl.Orch.Registry.Session(sess.ID); !ok {
			ctl.reply(sess, errorEvent(domain.ErrUnauthorized))
			return
		}

		ack, err := h(ctx, sess, data)
		if err != nil {
			if !domain.IsClientError(err) {
				log.Error().Stack().Err(pkgerrors.WithStack(err)).Str("module", "signal").Str("sid", string(sess.ID)).Str("event", event).Msg("handler failed")
			} else {
				log.Debug().Err(err).Str("module", "signal").Str("sid", string(sess.ID)).Str("event", event).Msg("handler rejected request")
			}
			ctl.reply(sess, errorEvent(err))
			return
		}
		if ack != nil {
			ctl.reply(sess, *ack)
		}
	}
}

func (ctl *SignalWSController) reply(sess *app.Session, evt core.Event) {
	if err := ctl.Orch.Outbox.Emit(sess.ID, evt); err != nil {
		// Not registered yet or already gone: write straight to the transport.
		if errors.Is(err, app.ErrSessionGone) {
			ctl.sendJSON(sess.Signal(), evt)
			return
		}
		log.Debug().Err(err).Str("module", "signal").Str("sid", string(sess.ID)).Msg("reply dropped")
	}
}

func errorMessage(msg string) core.Event {
	return core.ErrorEvent(msg)
}

// errorEvent maps err to the message a client may see.
func errorEvent(err error) core.Event {
	if domain.IsClientError(err) {
		return core.ErrorEvent(err.Error())
	}
	return core.ErrorEvent(internalErrorMessage)
}

// decode unmarshals data into dst and validates its tags.
func decode(data json.RawMessage, dst any) error {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s failed on %s", domain.ErrValidation, verrs[0].Field(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return nil
}
