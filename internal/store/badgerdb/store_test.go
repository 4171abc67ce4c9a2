package badgerdb

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dkeye/Callbox/internal/domain"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func seed(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	for _, u := range []domain.User{
		{ID: "alice", Role: domain.RoleUser},
		{ID: "bob", Role: domain.RoleUser},
		{ID: "carol", Role: domain.RoleAdmin},
		{ID: "root", Role: domain.RoleSuperAdmin},
	} {
		require.NoError(t, s.PutUser(ctx, u))
	}
	require.NoError(t, s.PutConversation(ctx, domain.Conversation{ID: "c1", Participants: []domain.UserID{"alice", "bob"}}))
	require.NoError(t, s.PutConversation(ctx, domain.Conversation{ID: "c2", Participants: []domain.UserID{"alice", "carol"}}))
}

func TestUsersAndRoles(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	ids, err := s.ListUserIDs(ctx)
	req.NoError(err)
	req.Equal([]domain.UserID{"alice", "bob", "carol", "root"}, ids)

	admins, err := s.ListUserIDsByRole(ctx, domain.AdminRoles)
	req.NoError(err)
	req.Equal([]domain.UserID{"carol", "root"}, admins)

	// Given bob is promoted
	req.NoError(s.PutUser(ctx, domain.User{ID: "bob", Role: domain.RoleAdmin}))

	// Then the role index follows
	admins, err = s.ListUserIDsByRole(ctx, []domain.Role{domain.RoleAdmin})
	req.NoError(err)
	req.Equal([]domain.UserID{"bob", "carol"}, admins)
	users, err := s.ListUserIDsByRole(ctx, []domain.Role{domain.RoleUser})
	req.NoError(err)
	req.Equal([]domain.UserID{"alice"}, users)

	_, err = s.FindUser(ctx, "ghost")
	req.ErrorIs(err, domain.ErrUserNotFound)
}

func TestConversationPeers(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	peers, err := s.ConversationPeers(ctx, "alice")
	req.NoError(err)
	req.Equal([]domain.UserID{"bob", "carol"}, peers)

	// When c1 drops bob
	req.NoError(s.PutConversation(ctx, domain.Conversation{ID: "c1", Participants: []domain.UserID{"alice", "root"}}))

	// Then bob no longer sees alice
	peers, err = s.ConversationPeers(ctx, "bob")
	req.NoError(err)
	req.Empty(peers)

	conv, err := s.GetConversation(ctx, "c1")
	req.NoError(err)
	req.Equal([]domain.UserID{"alice", "root"}, conv.Participants)

	_, err = s.GetConversation(ctx, "missing")
	req.ErrorIs(err, domain.ErrNotFound)
}

func TestCallStatus(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	req.NoError(s.CreateCall(ctx, &domain.Call{
		ID: "k1", ConversationID: "c1", InitiatorID: "alice", RecipientID: "bob",
		Type: domain.CallAudio, Status: domain.CallInitiated, StartedAt: started,
	}))

	ended := started.Add(30 * time.Second)
	req.NoError(s.UpdateCallStatus(ctx, "k1", domain.CallMissed, &ended))

	call, err := s.GetCall(ctx, "k1")
	req.NoError(err)
	req.Equal(domain.CallMissed, call.Status)
	req.True(ended.Equal(*call.EndedAt))

	req.ErrorIs(s.UpdateCallStatus(ctx, "nope", domain.CallEnded, &ended), domain.ErrNotFound)
}

func TestNotifications(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	// Given three notifications for alice, one shared with bob
	first, err := s.CreateNotification(ctx, domain.NotificationEvent{Type: "t", Title: "first", CreatedAt: base}, []domain.UserID{"alice", "bob"})
	req.NoError(err)
	_, err = s.CreateNotification(ctx, domain.NotificationEvent{Type: "t", Title: "second", CreatedAt: base.Add(time.Second)}, []domain.UserID{"alice"})
	req.NoError(err)
	_, err = s.CreateNotification(ctx, domain.NotificationEvent{Type: "t", Title: "third", CreatedAt: base.Add(2 * time.Second)}, []domain.UserID{"alice"})
	req.NoError(err)

	// When listing with a limit
	items, err := s.ListNotifications(ctx, "alice", 2)

	// Then the newest come first
	req.NoError(err)
	req.Len(items, 2)
	req.Equal("third", items[0].Title)
	req.Equal("second", items[1].Title)

	bobs, err := s.ListNotifications(ctx, "bob", 0)
	req.NoError(err)
	req.Len(bobs, 1)
	req.Equal(first, bobs[0].ID)
	req.False(bobs[0].Read)

	// When bob reads it
	req.NoError(s.MarkNotificationRead(ctx, "bob", first))

	// Then only bob's row changes
	bobs, err = s.ListNotifications(ctx, "bob", 0)
	req.NoError(err)
	req.True(bobs[0].Read)
	req.NotNil(bobs[0].ReadAt)

	all, err := s.ListNotifications(ctx, "alice", 0)
	req.NoError(err)
	req.Len(all, 3)
	req.False(all[2].Read)

	req.ErrorIs(s.MarkNotificationRead(ctx, "carol", first), domain.ErrNotFound)
}

func TestOpen_InMemory(t *testing.T) {
	req := require.New(t)
	s, err := Open("")
	req.NoError(err)
	defer s.Close()

	req.NoError(s.PutUser(context.Background(), domain.User{ID: "x"}))
	u, err := s.FindUser(context.Background(), "x")
	req.NoError(err)
	req.Equal(domain.UserID("x"), u.ID)
}
