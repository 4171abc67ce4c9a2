// Package memory is an in-process core.Store used for local runs and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/Callbox/internal/domain"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

type Store struct {
	mu            sync.RWMutex
	users         map[domain.UserID]domain.User
	conversations map[domain.ConversationID]domain.Conversation
	calls         map[domain.CallID]domain.Call
	notifications map[domain.NotificationID]domain.Notification
	inbox         map[domain.UserID][]*domain.UserNotification
}

func New() *Store {
	return &Store{
		users:         make(map[domain.UserID]domain.User),
		conversations: make(map[domain.ConversationID]domain.Conversation),
		calls:         make(map[domain.CallID]domain.Call),
		notifications: make(map[domain.NotificationID]domain.Notification),
		inbox:         make(map[domain.UserID][]*domain.UserNotification),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) PutUser(_ context.Context, u domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	return nil
}

func (s *Store) PutConversation(_ context.Context, c domain.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.Participants = append([]domain.UserID(nil), c.Participants...)
	s.conversations[c.ID] = c
	return nil
}

func (s *Store) FindUser(_ context.Context, id domain.UserID) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return &u, nil
}

func (s *Store) ListUserIDs(_ context.Context) ([]domain.UserID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := lo.Keys(s.users)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *Store) ListUserIDsByRole(_ context.Context, roles []domain.Role) ([]domain.UserID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []domain.UserID
	for id, u := range s.users {
		if lo.Contains(roles, u.Role) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *Store) GetConversation(_ context.Context, id domain.ConversationID) (*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c.Participants = append([]domain.UserID(nil), c.Participants...)
	return &c, nil
}

func (s *Store) ConversationPeers(_ context.Context, uid domain.UserID) ([]domain.UserID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var peers []domain.UserID
	for _, c := range s.conversations {
		if !c.Has(uid) {
			continue
		}
		peers = append(peers, lo.Without(c.Participants, uid)...)
	}
	peers = lo.Uniq(peers)
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers, nil
}

func (s *Store) CreateCall(_ context.Context, call *domain.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[call.ID] = *call
	return nil
}

func (s *Store) GetCall(_ context.Context, id domain.CallID) (*domain.Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.calls[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &c, nil
}

func (s *Store) UpdateCallStatus(_ context.Context, id domain.CallID, status domain.CallStatus, endedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return domain.ErrNotFound
	}
	c.Status = status
	c.EndedAt = endedAt
	s.calls[id] = c
	return nil
}

func (s *Store) CreateNotification(_ context.Context, evt domain.NotificationEvent, recipients []domain.UserID) (domain.NotificationID, error) {
	n := domain.Notification{ID: domain.NotificationID(uuid.NewString()), NotificationEvent: evt}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications[n.ID] = n
	for _, uid := range recipients {
		s.inbox[uid] = append(s.inbox[uid], &domain.UserNotification{Notification: n, UserID: uid})
	}
	return n.ID, nil
}

// ListNotifications returns the newest first.
func (s *Store) ListNotifications(_ context.Context, uid domain.UserID, limit int) ([]domain.UserNotification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.inbox[uid]
	out := make([]domain.UserNotification, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, *rows[i])
	}
	return out, nil
}

func (s *Store) MarkNotificationRead(_ context.Context, uid domain.UserID, id domain.NotificationID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.inbox[uid] {
		if row.ID == id {
			now := time.Now().UTC()
			row.Read = true
			row.ReadAt = &now
			return nil
		}
	}
	return domain.ErrNotFound
}

// RecipientCount is the number of delivery rows stored for a notification.
func (s *Store) RecipientCount(id domain.NotificationID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rows := range s.inbox {
		for _, row := range rows {
			if row.ID == id {
				n++
			}
		}
	}
	return n
}
