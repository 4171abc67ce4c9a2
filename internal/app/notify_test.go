package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/Callbox/internal/core"
	"github.com/dkeye/Callbox/internal/domain"
	"github.com/dkeye/Callbox/internal/mocks"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var testEvent = domain.NotificationEvent{Title: "Maintenance", Message: "Back in 5 minutes"}

func newNotifyHarness(t *testing.T) (*harness, *Notifier, *clockwork.FakeClock) {
	t.Helper()
	h := newHarness(t)
	h.user("alice", domain.RoleUser)
	h.user("bob", domain.RoleUser)
	h.user("root", domain.RoleAdmin)
	h.user("boss", domain.RoleSuperAdmin)
	fc := clockwork.NewFakeClockAt(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	return h, NewNotifier(h.store, h.store, h.reg, h.out, fc, 4), fc
}

func decodeNotification(t *testing.T, e wireEvent) notificationPayload {
	t.Helper()
	var p notificationPayload
	require.NoError(t, json.Unmarshal(e.Data, &p))
	return p
}

func TestNotify_SingleUserAllSessions(t *testing.T) {
	req := require.New(t)
	h, n, fc := newNotifyHarness(t)
	_, c1 := h.connect("alice", "a1")
	_, c2 := h.connect("alice", "a2")
	_, other := h.connect("bob", "b1")

	// When alice is notified
	d, err := n.NotifySingleUser(context.Background(), "alice", testEvent)

	// Then every alice session gets it with the stored id and defaults filled
	req.NoError(err)
	req.Equal(1, d.Recipients)
	req.Equal(2, d.Delivered)
	req.Equal(1, c1.count(core.EventNotification))
	req.Equal(1, c2.count(core.EventNotification))
	req.Zero(other.count(core.EventNotification))

	p := decodeNotification(t, c1.of(core.EventNotification)[0])
	req.Equal(d.NotificationID, p.NotificationID)
	req.Equal(core.EventNotification, p.Type)
	req.Equal("Maintenance", p.Title)
	req.True(fc.Now().Equal(p.CreatedAt))
	req.NotNil(p.Meta)

	rows, err := h.store.ListNotifications(context.Background(), "alice", 10)
	req.NoError(err)
	req.Len(rows, 1)
	req.False(rows[0].Read)
}

func TestNotify_OfflineUserStillPersisted(t *testing.T) {
	req := require.New(t)
	h, n, _ := newNotifyHarness(t)

	d, err := n.NotifySingleUser(context.Background(), "bob", testEvent)
	req.NoError(err)
	req.Zero(d.Delivered)
	req.Equal(1, h.store.RecipientCount(d.NotificationID))
}

func TestNotify_AllUsersNobodyConnected(t *testing.T) {
	req := require.New(t)
	h, n, _ := newNotifyHarness(t)

	// Given no live sessions
	d, err := n.NotifyAllUsers(context.Background(), testEvent)

	// Then every known user gets a stored row and nothing is delivered
	req.NoError(err)
	req.Equal(4, d.Recipients)
	req.Zero(d.Delivered)
	req.Equal(4, h.store.RecipientCount(d.NotificationID))
}

func TestNotify_AllUsersBroadcast(t *testing.T) {
	req := require.New(t)
	h, n, _ := newNotifyHarness(t)
	_, a := h.connect("alice", "a1")
	_, b := h.connect("bob", "b1")
	_, b2 := h.connect("bob", "b2")

	d, err := n.NotifyAllUsers(context.Background(), testEvent)
	req.NoError(err)
	req.Equal(3, d.Delivered)
	for _, c := range []*fakeConn{a, b, b2} {
		req.Equal(1, c.count(core.EventNotification))
	}
}

func TestNotify_MultipleUsers(t *testing.T) {
	req := require.New(t)
	h, n, _ := newNotifyHarness(t)
	_, a := h.connect("alice", "a1")
	_, b := h.connect("bob", "b1")

	// Duplicates collapse to one notification per user
	ds, err := n.NotifyMultipleUsers(context.Background(), []domain.UserID{"alice", "bob", "alice"}, testEvent)
	req.NoError(err)
	req.Len(ds, 2)
	req.NotEqual(ds[0].NotificationID, ds[1].NotificationID)
	req.Equal(1, a.count(core.EventNotification))
	req.Equal(1, b.count(core.EventNotification))
}

func TestNotify_MultipleUsersPartialFailure(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	_, a := h.connect("alice", "a1")

	ctrl := gomock.NewController(t)
	store := mocks.NewMockNotificationStore(ctrl)
	n := NewNotifier(store, h.store, h.reg, h.out, clockwork.NewFakeClock(), 2)

	store.EXPECT().CreateNotification(gomock.Any(), gomock.Any(), []domain.UserID{"alice"}).Return(domain.NotificationID("n1"), nil)
	store.EXPECT().CreateNotification(gomock.Any(), gomock.Any(), []domain.UserID{"bob"}).Return(domain.NotificationID(""), errors.New("db down"))

	// When one user's write fails
	ds, err := n.NotifyMultipleUsers(context.Background(), []domain.UserID{"alice", "bob"}, testEvent)

	// Then the other user is still notified
	req.Error(err)
	req.Equal(domain.NotificationID("n1"), ds[0].NotificationID)
	req.Equal(1, a.count(core.EventNotification))
}

func TestNotify_PersistFailureSkipsDelivery(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	_, a := h.connect("alice", "a1")

	ctrl := gomock.NewController(t)
	store := mocks.NewMockNotificationStore(ctrl)
	n := NewNotifier(store, h.store, h.reg, h.out, clockwork.NewFakeClock(), 1)
	store.EXPECT().CreateNotification(gomock.Any(), gomock.Any(), gomock.Any()).Return(domain.NotificationID(""), errors.New("db down"))

	_, err := n.NotifySingleUser(context.Background(), "alice", testEvent)
	req.Error(err)
	req.Zero(a.count(core.EventNotification))
}

func TestNotify_RoleDefaultsToAdmins(t *testing.T) {
	req := require.New(t)
	h, n, _ := newNotifyHarness(t)
	_, admin := h.connect("root", "r1")
	_, user := h.connect("alice", "a1")

	d, err := n.NotifyRole(context.Background(), nil, testEvent)
	req.NoError(err)
	req.Equal(2, d.Recipients)
	req.Equal(1, d.Delivered)
	req.Equal(1, admin.count(core.EventNotification))
	req.Zero(user.count(core.EventNotification))
	req.Equal(2, h.store.RecipientCount(d.NotificationID))
}

func TestNotify_RoleWithoutHolders(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.user("alice", domain.RoleUser)

	ctrl := gomock.NewController(t)
	store := mocks.NewMockNotificationStore(ctrl)
	n := NewNotifier(store, h.store, h.reg, h.out, nil, 0)

	// No write is expected when nobody holds the role
	d, err := n.NotifyRole(context.Background(), []domain.Role{domain.RoleAdmin}, testEvent)
	req.NoError(err)
	req.Equal(Delivery{}, d)
}

func TestNotify_Validation(t *testing.T) {
	req := require.New(t)
	h, n, _ := newNotifyHarness(t)

	_, err := n.NotifySingleUser(context.Background(), "alice", domain.NotificationEvent{Message: "no title"})
	req.ErrorIs(err, domain.ErrValidation)
	_, err = n.NotifyAllUsers(context.Background(), domain.NotificationEvent{})
	req.ErrorIs(err, domain.ErrValidation)

	rows, err := h.store.ListNotifications(context.Background(), "alice", 0)
	req.NoError(err)
	req.Empty(rows)
}

func TestNotify_KeepsCustomTypeAndTime(t *testing.T) {
	req := require.New(t)
	h, n, _ := newNotifyHarness(t)
	_, a := h.connect("alice", "a1")
	at := time.Date(2025, 5, 5, 0, 0, 0, 0, time.UTC)

	_, err := n.NotifySingleUser(context.Background(), "alice", domain.NotificationEvent{
		Type:      "billing",
		Title:     "Invoice",
		Meta:      map[string]any{"invoice": "42"},
		CreatedAt: at,
	})
	req.NoError(err)

	p := decodeNotification(t, a.of(core.EventNotification)[0])
	req.Equal("billing", p.Type)
	req.True(at.Equal(p.CreatedAt))
	req.Equal("42", p.Meta["invoice"])
}
