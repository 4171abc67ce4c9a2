// Package badgerdb is an embedded core.Store on BadgerDB.
//
// Key layout:
//
//	user:{id}                          -> User
//	role:{role}:{id}                   -> (index)
//	conv:{id}                          -> Conversation
//	member:{user}:{conv}               -> (index)
//	call:{id}                          -> Call
//	notif:{id}                         -> Notification
//	inbox:{user}:{created_padded}:{id} -> UserNotification
//	inboxref:{user}:{id}               -> inbox key
package badgerdb

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dkeye/Callbox/internal/domain"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

type Store struct {
	db *badger.DB
}

// Open opens (or creates) a database at path. An empty path keeps
// everything in memory.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(zerologAdapter{l: log.With().Str("module", "store.badger").Logger()})
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "opening badger at %q", path)
	}
	return New(db), nil
}

func New(db *badger.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error { return s.db.Close() }

func userKey(id domain.UserID) []byte { return []byte("user:" + string(id)) }
func roleKey(r domain.Role, id domain.UserID) []byte {
	return []byte("role:" + string(r) + ":" + string(id))
}
func convKey(id domain.ConversationID) []byte { return []byte("conv:" + string(id)) }
func memberKey(uid domain.UserID, cid domain.ConversationID) []byte {
	return []byte("member:" + string(uid) + ":" + string(cid))
}
func callKey(id domain.CallID) []byte          { return []byte("call:" + string(id)) }
func notifKey(id domain.NotificationID) []byte { return []byte("notif:" + string(id)) }
func inboxPrefix(uid domain.UserID) []byte     { return []byte("inbox:" + string(uid) + ":") }
func inboxKey(uid domain.UserID, at time.Time, id domain.NotificationID) []byte {
	return []byte(fmt.Sprintf("inbox:%s:%019d:%s", uid, at.UnixNano(), id))
}
func inboxRefKey(uid domain.UserID, id domain.NotificationID) []byte {
	return []byte("inboxref:" + string(uid) + ":" + string(id))
}

func getJSON(txn *badger.Txn, key []byte, dst any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, dst)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal")
	}
	return txn.Set(key, b)
}

// scanSuffixes returns the key remainders after prefix, in key order.
func scanSuffixes(txn *badger.Txn, prefix []byte) []string {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []string
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		out = append(out, string(it.Item().Key()[len(prefix):]))
	}
	return out
}

func (s *Store) PutUser(_ context.Context, u domain.User) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		var prev domain.User
		switch err := getJSON(txn, userKey(u.ID), &prev); {
		case err == nil:
			if err := txn.Delete(roleKey(prev.Role, prev.ID)); err != nil {
				return err
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		if err := setJSON(txn, userKey(u.ID), u); err != nil {
			return err
		}
		return txn.Set(roleKey(u.Role, u.ID), nil)
	})
	return errors.Wrap(err, "put user")
}

func (s *Store) PutConversation(_ context.Context, c domain.Conversation) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		var prev domain.Conversation
		switch err := getJSON(txn, convKey(c.ID), &prev); {
		case err == nil:
			for _, uid := range prev.Participants {
				if err := txn.Delete(memberKey(uid, prev.ID)); err != nil {
					return err
				}
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		if err := setJSON(txn, convKey(c.ID), c); err != nil {
			return err
		}
		for _, uid := range c.Participants {
			if err := txn.Set(memberKey(uid, c.ID), nil); err != nil {
				return err
			}
		}
		return nil
	})
	return errors.Wrap(err, "put conversation")
}

func (s *Store) FindUser(_ context.Context, id domain.UserID) (*domain.User, error) {
	var u domain.User
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, userKey(id), &u)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "find user")
	}
	return &u, nil
}

func (s *Store) ListUserIDs(_ context.Context) ([]domain.UserID, error) {
	var ids []domain.UserID
	err := s.db.View(func(txn *badger.Txn) error {
		for _, id := range scanSuffixes(txn, []byte("user:")) {
			ids = append(ids, domain.UserID(id))
		}
		return nil
	})
	return ids, errors.Wrap(err, "list users")
}

func (s *Store) ListUserIDsByRole(_ context.Context, roles []domain.Role) ([]domain.UserID, error) {
	var ids []domain.UserID
	err := s.db.View(func(txn *badger.Txn) error {
		for _, r := range lo.Uniq(roles) {
			for _, id := range scanSuffixes(txn, []byte("role:"+string(r)+":")) {
				ids = append(ids, domain.UserID(id))
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "list users by role")
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *Store) GetConversation(_ context.Context, id domain.ConversationID) (*domain.Conversation, error) {
	var c domain.Conversation
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, convKey(id), &c)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get conversation")
	}
	return &c, nil
}

func (s *Store) ConversationPeers(_ context.Context, uid domain.UserID) ([]domain.UserID, error) {
	var peers []domain.UserID
	err := s.db.View(func(txn *badger.Txn) error {
		for _, cid := range scanSuffixes(txn, []byte("member:"+string(uid)+":")) {
			var c domain.Conversation
			if err := getJSON(txn, convKey(domain.ConversationID(cid)), &c); err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				}
				return err
			}
			peers = append(peers, c.Participants...)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "conversation peers")
	}
	peers = lo.Without(lo.Uniq(peers), uid)
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers, nil
}

func (s *Store) CreateCall(_ context.Context, call *domain.Call) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, callKey(call.ID), call)
	})
	return errors.Wrap(err, "create call")
}

func (s *Store) GetCall(_ context.Context, id domain.CallID) (*domain.Call, error) {
	var c domain.Call
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, callKey(id), &c)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get call")
	}
	return &c, nil
}

func (s *Store) UpdateCallStatus(_ context.Context, id domain.CallID, status domain.CallStatus, endedAt *time.Time) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		var c domain.Call
		if err := getJSON(txn, callKey(id), &c); err != nil {
			return err
		}
		c.Status = status
		c.EndedAt = endedAt
		return setJSON(txn, callKey(id), c)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return domain.ErrNotFound
	}
	return errors.Wrap(err, "update call status")
}

// CreateNotification stores the notification and one inbox row per
// recipient in a single transaction.
func (s *Store) CreateNotification(_ context.Context, evt domain.NotificationEvent, recipients []domain.UserID) (domain.NotificationID, error) {
	n := domain.Notification{ID: domain.NotificationID(uuid.NewString()), NotificationEvent: evt}
	b, err := json.Marshal(n)
	if err != nil {
		return "", errors.Wrap(err, "marshal notification")
	}
	entries := map[string][]byte{string(notifKey(n.ID)): b}
	for _, uid := range lo.Uniq(recipients) {
		row, err := json.Marshal(domain.UserNotification{Notification: n, UserID: uid})
		if err != nil {
			return "", errors.Wrap(err, "marshal recipient row")
		}
		key := inboxKey(uid, evt.CreatedAt, n.ID)
		entries[string(key)] = row
		entries[string(inboxRefKey(uid, n.ID))] = key
	}

	wb := s.db.NewWriteBatch()
	for k, v := range entries {
		if err := wb.Set([]byte(k), v); err != nil {
			wb.Cancel()
			return "", errors.Wrap(err, "write notification")
		}
	}
	if err := wb.Flush(); err != nil {
		return "", errors.Wrap(err, "flush notification")
	}
	return n.ID, nil
}

// ListNotifications returns the newest rows first.
func (s *Store) ListNotifications(_ context.Context, uid domain.UserID, limit int) ([]domain.UserNotification, error) {
	var out []domain.UserNotification
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := inboxPrefix(uid)
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(out) == limit {
				break
			}
			var row domain.UserNotification
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &row)
			}); err != nil {
				return err
			}
			out = append(out, row)
		}
		return nil
	})
	return out, errors.Wrap(err, "list notifications")
}

func (s *Store) MarkNotificationRead(_ context.Context, uid domain.UserID, id domain.NotificationID) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		ref, err := txn.Get(inboxRefKey(uid, id))
		if err != nil {
			return err
		}
		key, err := ref.ValueCopy(nil)
		if err != nil {
			return err
		}
		var row domain.UserNotification
		if err := getJSON(txn, key, &row); err != nil {
			return err
		}
		if row.Read {
			return nil
		}
		now := time.Now().UTC()
		row.Read = true
		row.ReadAt = &now
		return setJSON(txn, key, row)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return domain.ErrNotFound
	}
	return errors.Wrap(err, "mark notification read")
}

// zerologAdapter routes badger's internal logging into zerolog.
type zerologAdapter struct {
	l zerolog.Logger
}

func (a zerologAdapter) Errorf(f string, v ...any)   { a.l.Error().Msg(trim(f, v)) }
func (a zerologAdapter) Warningf(f string, v ...any) { a.l.Warn().Msg(trim(f, v)) }
func (a zerologAdapter) Infof(f string, v ...any)    { a.l.Debug().Msg(trim(f, v)) }
func (a zerologAdapter) Debugf(f string, v ...any)   { a.l.Trace().Msg(trim(f, v)) }

func trim(f string, v []any) string {
	return strings.TrimSpace(fmt.Sprintf(f, v...))
}
