// Package postgres keeps identities, conversations, calls and notifications
// in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/dkeye/Callbox/internal/domain"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// recipientBatchSize caps rows per recipient INSERT. Each row binds two
// parameters and PostgreSQL accepts at most 65535 per statement.
var recipientBatchSize = 30000

var (
	userColumns         = []string{"id", "email", "name", "role"}
	callColumns         = []string{"id", "conversation_id", "initiator_id", "recipient_id", "type", "status", "started_at", "ended_at"}
	notificationColumns = []string{"n.id", "n.type", "n.title", "n.message", "n.meta", "n.created_at", "un.user_id", "un.read", "un.read_at"}
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects with lib/pq and applies migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening postgres")
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "pinging postgres")
	}
	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) PutUser(ctx context.Context, u domain.User) error {
	query, args, err := psq.Insert("users").Columns(userColumns...).
		Values(u.ID, u.Email, u.Name, u.Role).
		Suffix("ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, name = EXCLUDED.name, role = EXCLUDED.role").
		ToSql()
	if err != nil {
		return errors.Wrap(err, "building user upsert")
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return errors.Wrap(err, "upserting user")
	}
	return nil
}

func (s *Store) PutConversation(ctx context.Context, c domain.Conversation) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning conversation tx")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query, args, err := psq.Insert("conversations").Columns("id").Values(c.ID).
		Suffix("ON CONFLICT (id) DO NOTHING").ToSql()
	if err != nil {
		return errors.Wrap(err, "building conversation insert")
	}
	if _, err = tx.ExecContext(ctx, query, args...); err != nil {
		return errors.Wrap(err, "inserting conversation")
	}

	query, args, err = psq.Delete("conversation_participants").Where(sq.Eq{"conversation_id": c.ID}).ToSql()
	if err != nil {
		return errors.Wrap(err, "building participant delete")
	}
	if _, err = tx.ExecContext(ctx, query, args...); err != nil {
		return errors.Wrap(err, "clearing participants")
	}

	if len(c.Participants) > 0 {
		ins := psq.Insert("conversation_participants").Columns("conversation_id", "user_id", "position")
		for i, uid := range c.Participants {
			ins = ins.Values(c.ID, uid, i)
		}
		query, args, err = ins.ToSql()
		if err != nil {
			return errors.Wrap(err, "building participant insert")
		}
		if _, err = tx.ExecContext(ctx, query, args...); err != nil {
			return errors.Wrap(err, "inserting participants")
		}
	}
	return errors.Wrap(tx.Commit(), "committing conversation")
}

func (s *Store) FindUser(ctx context.Context, id domain.UserID) (*domain.User, error) {
	query, args, err := psq.Select(userColumns...).From("users").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "building user query")
	}
	var u domain.User
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&u.ID, &u.Email, &u.Name, &u.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "querying user")
	}
	return &u, nil
}

func (s *Store) ListUserIDs(ctx context.Context) ([]domain.UserID, error) {
	return s.queryUserIDs(ctx, psq.Select("id").From("users").OrderBy("id"))
}

func (s *Store) ListUserIDsByRole(ctx context.Context, roles []domain.Role) ([]domain.UserID, error) {
	return s.queryUserIDs(ctx, psq.Select("id").From("users").Where(sq.Eq{"role": roles}).OrderBy("id"))
}

func (s *Store) GetConversation(ctx context.Context, id domain.ConversationID) (*domain.Conversation, error) {
	query, args, err := psq.Select("c.id", "p.user_id").
		From("conversations c").
		LeftJoin("conversation_participants p ON p.conversation_id = c.id").
		Where(sq.Eq{"c.id": id}).
		OrderBy("p.position").
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "building conversation query")
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "querying conversation")
	}
	defer func() { _ = rows.Close() }()

	var conv *domain.Conversation
	for rows.Next() {
		var (
			cid domain.ConversationID
			uid sql.NullString
		)
		if err := rows.Scan(&cid, &uid); err != nil {
			return nil, errors.Wrap(err, "scanning conversation")
		}
		if conv == nil {
			conv = &domain.Conversation{ID: cid}
		}
		if uid.Valid {
			conv.Participants = append(conv.Participants, domain.UserID(uid.String))
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterating conversation rows")
	}
	if conv == nil {
		return nil, domain.ErrNotFound
	}
	return conv, nil
}

func (s *Store) ConversationPeers(ctx context.Context, uid domain.UserID) ([]domain.UserID, error) {
	q := psq.Select("DISTINCT p.user_id").
		From("conversation_participants p").
		Join("conversation_participants me ON me.conversation_id = p.conversation_id").
		Where(sq.Eq{"me.user_id": uid}).
		Where(sq.NotEq{"p.user_id": uid}).
		OrderBy("p.user_id")
	return s.queryUserIDs(ctx, q)
}

func (s *Store) CreateCall(ctx context.Context, call *domain.Call) error {
	query, args, err := psq.Insert("calls").Columns(callColumns...).
		Values(call.ID, call.ConversationID, call.InitiatorID, call.RecipientID, call.Type, call.Status, call.StartedAt, call.EndedAt).
		ToSql()
	if err != nil {
		return errors.Wrap(err, "building call insert")
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return errors.Wrap(err, "inserting call")
	}
	return nil
}

func (s *Store) GetCall(ctx context.Context, id domain.CallID) (*domain.Call, error) {
	query, args, err := psq.Select(callColumns...).From("calls").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "building call query")
	}
	var (
		c       domain.Call
		endedAt sql.NullTime
	)
	err = s.db.QueryRowContext(ctx, query, args...).Scan(
		&c.ID, &c.ConversationID, &c.InitiatorID, &c.RecipientID, &c.Type, &c.Status, &c.StartedAt, &endedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "querying call")
	}
	if endedAt.Valid {
		t := endedAt.Time
		c.EndedAt = &t
	}
	return &c, nil
}

func (s *Store) UpdateCallStatus(ctx context.Context, id domain.CallID, status domain.CallStatus, endedAt *time.Time) error {
	query, args, err := psq.Update("calls").
		Set("status", status).
		Set("ended_at", endedAt).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return errors.Wrap(err, "building call update")
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, "updating call")
	}
	return expectRow(res, "call")
}

// CreateNotification writes the notification and its recipient rows in one transaction.
func (s *Store) CreateNotification(ctx context.Context, evt domain.NotificationEvent, recipients []domain.UserID) (_ domain.NotificationID, err error) {
	meta, err := json.Marshal(evt.Meta)
	if err != nil {
		return "", errors.Wrap(err, "marshaling meta")
	}
	id := domain.NotificationID(uuid.NewString())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", errors.Wrap(err, "beginning notification tx")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query, args, err := psq.Insert("notifications").
		Columns("id", "type", "title", "message", "meta", "created_at").
		Values(id, evt.Type, evt.Title, evt.Message, meta, evt.CreatedAt).
		ToSql()
	if err != nil {
		return "", errors.Wrap(err, "building notification insert")
	}
	if _, err = tx.ExecContext(ctx, query, args...); err != nil {
		return "", errors.Wrap(err, "inserting notification")
	}

	for _, batch := range lo.Chunk(recipients, recipientBatchSize) {
		ins := psq.Insert("user_notifications").Columns("notification_id", "user_id")
		for _, uid := range batch {
			ins = ins.Values(id, uid)
		}
		query, args, err = ins.ToSql()
		if err != nil {
			return "", errors.Wrap(err, "building recipient insert")
		}
		if _, err = tx.ExecContext(ctx, query, args...); err != nil {
			return "", errors.Wrap(err, "inserting recipients")
		}
	}
	if err = tx.Commit(); err != nil {
		return "", errors.Wrap(err, "committing notification")
	}
	return id, nil
}

func (s *Store) ListNotifications(ctx context.Context, uid domain.UserID, limit int) ([]domain.UserNotification, error) {
	q := psq.Select(notificationColumns...).
		From("user_notifications un").
		Join("notifications n ON n.id = un.notification_id").
		Where(sq.Eq{"un.user_id": uid}).
		OrderBy("n.created_at DESC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "building notification query")
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "querying notifications")
	}
	defer func() { _ = rows.Close() }()

	var out []domain.UserNotification
	for rows.Next() {
		var (
			n      domain.UserNotification
			meta   []byte
			readAt sql.NullTime
		)
		if err := rows.Scan(&n.ID, &n.Type, &n.Title, &n.Message, &meta, &n.CreatedAt, &n.UserID, &n.Read, &readAt); err != nil {
			return nil, errors.Wrap(err, "scanning notification")
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &n.Meta); err != nil {
				return nil, errors.Wrap(err, "unmarshaling meta")
			}
		}
		if readAt.Valid {
			t := readAt.Time
			n.ReadAt = &t
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterating notification rows")
	}
	return out, nil
}

func (s *Store) MarkNotificationRead(ctx context.Context, uid domain.UserID, id domain.NotificationID) error {
	query, args, err := psq.Update("user_notifications").
		Set("read", true).
		Set("read_at", time.Now().UTC()).
		Where(sq.Eq{"notification_id": id, "user_id": uid}).
		ToSql()
	if err != nil {
		return errors.Wrap(err, "building read update")
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, "marking notification read")
	}
	return expectRow(res, "notification")
}

func (s *Store) queryUserIDs(ctx context.Context, q sq.SelectBuilder) ([]domain.UserID, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "building user id query")
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "querying user ids")
	}
	defer func() { _ = rows.Close() }()

	var ids []domain.UserID
	for rows.Next() {
		var id domain.UserID
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scanning user id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterating user ids")
	}
	return ids, nil
}

func expectRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "%s rows affected", what)
	}
	if n == 0 {
		return errors.Wrap(domain.ErrNotFound, what)
	}
	return nil
}
