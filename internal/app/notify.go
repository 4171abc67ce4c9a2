package app

import (
	"context"
	"fmt"

	"github.com/dkeye/Callbox/internal/core"
	"github.com/dkeye/Callbox/internal/domain"
	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"github.com/sourcegraph/conc/pool"
)

const defaultNotifyConcurrency = 8

var eventValidator = validator.New()

// Delivery reports the outcome of one fan-out.
type Delivery struct {
	NotificationID domain.NotificationID `json:"notificationId"`
	Recipients     int                   `json:"recipients"`
	Delivered      int                   `json:"delivered"`
}

// notificationPayload is the live form: the event plus its persisted id.
type notificationPayload struct {
	domain.NotificationEvent
	NotificationID domain.NotificationID `json:"notificationId"`
}

// Notifier persists notifications and pushes them to every live session of
// the recipients. Persistence always happens first; live delivery is
// best effort with no retry.
type Notifier struct {
	store       core.NotificationStore
	users       core.IdentityStore
	registry    *Registry
	out         core.Emitter
	clock       clockwork.Clock
	concurrency int
}

func NewNotifier(store core.NotificationStore, users core.IdentityStore, registry *Registry, out core.Emitter, clock clockwork.Clock, concurrency int) *Notifier {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if concurrency <= 0 {
		concurrency = defaultNotifyConcurrency
	}
	return &Notifier{store: store, users: users, registry: registry, out: out, clock: clock, concurrency: concurrency}
}

func (n *Notifier) NotifySingleUser(ctx context.Context, uid domain.UserID, evt domain.NotificationEvent) (Delivery, error) {
	evt, err := n.prepare(evt)
	if err != nil {
		return Delivery{}, err
	}
	id, err := n.store.CreateNotification(ctx, evt, []domain.UserID{uid})
	if err != nil {
		return Delivery{}, fmt.Errorf("persist notification for %s: %w", uid, err)
	}
	d := Delivery{NotificationID: id, Recipients: 1}
	d.Delivered = n.deliver(n.registry.ActiveSessions(uid, ""), id, evt)
	log.Info().Str("module", "app.notify").Str("user", string(uid)).Str("notification", string(id)).Int("delivered", d.Delivered).Msg("notification sent to user")
	return d, nil
}

// NotifyMultipleUsers persists one notification per user and delivers to
// each independently. Failures for one user do not stop the others.
func (n *Notifier) NotifyMultipleUsers(ctx context.Context, uids []domain.UserID, evt domain.NotificationEvent) ([]Delivery, error) {
	uids = lo.Uniq(uids)
	results := make([]Delivery, len(uids))
	p := pool.New().WithContext(ctx).WithMaxGoroutines(n.concurrency)
	for i, uid := range uids {
		p.Go(func(ctx context.Context) error {
			d, err := n.NotifySingleUser(ctx, uid, evt)
			if err != nil {
				log.Error().Err(err).Str("module", "app.notify").Str("user", string(uid)).Msg("notification failed")
				return err
			}
			results[i] = d
			return nil
		})
	}
	err := p.Wait()
	return results, err
}

// NotifyAllUsers stores one recipient row per known user, then pushes to
// every tracked session.
func (n *Notifier) NotifyAllUsers(ctx context.Context, evt domain.NotificationEvent) (Delivery, error) {
	uids, err := n.users.ListUserIDs(ctx)
	if err != nil {
		return Delivery{}, fmt.Errorf("list users: %w", err)
	}
	evt, err = n.prepare(evt)
	if err != nil {
		return Delivery{}, err
	}
	id, err := n.store.CreateNotification(ctx, evt, uids)
	if err != nil {
		return Delivery{}, fmt.Errorf("persist broadcast notification: %w", err)
	}
	d := Delivery{NotificationID: id, Recipients: len(uids)}
	sessions := n.registry.AllSessions()
	if len(sessions) == 0 {
		log.Warn().Str("module", "app.notify").Str("notification", string(id)).Msg("no users connected for broadcast")
		return d, nil
	}
	d.Delivered = n.deliver(sessions, id, evt)
	log.Info().Str("module", "app.notify").Str("notification", string(id)).Int("recipients", d.Recipients).Int("delivered", d.Delivered).Msg("notification stored and broadcast")
	return d, nil
}

// NotifyRole targets every user holding one of roles, admins when empty.
func (n *Notifier) NotifyRole(ctx context.Context, roles []domain.Role, evt domain.NotificationEvent) (Delivery, error) {
	if len(roles) == 0 {
		roles = domain.AdminRoles
	}
	uids, err := n.users.ListUserIDsByRole(ctx, roles)
	if err != nil {
		return Delivery{}, fmt.Errorf("list users by role: %w", err)
	}
	if len(uids) == 0 {
		log.Warn().Str("module", "app.notify").Strs("roles", lo.Map(roles, func(r domain.Role, _ int) string { return string(r) })).Msg("no users hold role")
		return Delivery{}, nil
	}
	evt, err = n.prepare(evt)
	if err != nil {
		return Delivery{}, err
	}
	id, err := n.store.CreateNotification(ctx, evt, uids)
	if err != nil {
		return Delivery{}, fmt.Errorf("persist role notification: %w", err)
	}
	d := Delivery{NotificationID: id, Recipients: len(uids)}
	for _, uid := range uids {
		d.Delivered += n.deliver(n.registry.ActiveSessions(uid, ""), id, evt)
	}
	log.Info().Str("module", "app.notify").Str("notification", string(id)).Int("recipients", d.Recipients).Int("delivered", d.Delivered).Msg("notification sent to role")
	return d, nil
}

// prepare fills defaults and validates the event.
func (n *Notifier) prepare(evt domain.NotificationEvent) (domain.NotificationEvent, error) {
	if evt.Type == "" {
		evt.Type = core.EventNotification
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = n.clock.Now().UTC()
	}
	if evt.Meta == nil {
		evt.Meta = map[string]any{}
	}
	if err := eventValidator.Struct(evt); err != nil {
		return evt, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return evt, nil
}

func (n *Notifier) deliver(sids []core.SessionID, id domain.NotificationID, evt domain.NotificationEvent) int {
	if len(sids) == 0 {
		return 0
	}
	return EmitAll(n.out, sids, core.Event{
		Type: core.EventNotification,
		Data: notificationPayload{NotificationEvent: evt, NotificationID: id},
	})
}
