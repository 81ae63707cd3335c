// Package sqlitestore implements store.Adapter on top of modernc.org's
// pure-Go sqlite driver via sqlx, the way the teacher's store/adapter
// package implements the same Adapter contract over MySQL -- one
// concrete adapter behind the narrow store.Adapter interface.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/lumi-chat/gateway/internal/idgen"
	"github.com/lumi-chat/gateway/internal/store"
)

// Store is a sqlite-backed store.Adapter.
type Store struct {
	db   *sqlx.DB
	ids  *idgen.Generator
	qids *idgen.Generator
}

// New builds a Store. workerID must be unique per running Persistence
// Service process.
func New(workerID int64) (*Store, error) {
	msgIDs, err := idgen.New(workerID)
	if err != nil {
		return nil, err
	}
	qIDs, err := idgen.New(workerID)
	if err != nil {
		return nil, err
	}
	return &Store{ids: msgIDs, qids: qIDs}, nil
}

// Open opens the sqlite file at dsn and applies the schema.
func (s *Store) Open(dsn string) error {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return err
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single-writer discipline
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return fmt.Errorf("sqlitestore: apply schema: %w", err)
	}
	s.db = db
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying *sqlx.DB for callers that need to seed or
// inspect rows the store.Adapter interface has no verb for (fixture
// setup in tests, offline migration scripts).
func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) UserGet(ctx context.Context, id string) (*store.User, error) {
	var u store.User
	err := s.db.GetContext(ctx, &u, `SELECT id, uid, nickname, avatar FROM users WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return &u, err
}

func (s *Store) DeviceUpsert(ctx context.Context, d *store.Device) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (user_id, device_id, device_type, device_name, push_token, created_at, last_active_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, device_id) DO UPDATE SET
			device_type = excluded.device_type,
			device_name = CASE WHEN excluded.device_name != '' THEN excluded.device_name ELSE devices.device_name END,
			push_token = CASE WHEN excluded.push_token != '' THEN excluded.push_token ELSE devices.push_token END,
			last_active_at = excluded.last_active_at`,
		d.UserID, d.DeviceID, d.DeviceType, d.DeviceName, d.PushToken, d.CreatedAt, d.LastActiveAt)
	return err
}

func (s *Store) DeviceGet(ctx context.Context, userID, deviceID string) (*store.Device, error) {
	var d store.Device
	err := s.db.GetContext(ctx, &d, `SELECT user_id, device_id, device_type, device_name, push_token, created_at, last_active_at
		FROM devices WHERE user_id = ? AND device_id = ?`, userID, deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return &d, err
}

func (s *Store) DevicesForUser(ctx context.Context, userID string) ([]store.Device, error) {
	var ds []store.Device
	err := s.db.SelectContext(ctx, &ds, `SELECT user_id, device_id, device_type, device_name, push_token, created_at, last_active_at
		FROM devices WHERE user_id = ?`, userID)
	return ds, err
}

func (s *Store) DeviceDelete(ctx context.Context, userID, deviceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE user_id = ? AND device_id = ?`, userID, deviceID)
	return err
}

func (s *Store) ConversationParticipants(ctx context.Context, conversationID string) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `SELECT user_id FROM conversation_participants WHERE conversation_id = ?`, conversationID)
	return ids, err
}

func (s *Store) ConversationKind(ctx context.Context, conversationID string) (store.ConversationKind, error) {
	var kind string
	err := s.db.GetContext(ctx, &kind, `SELECT kind FROM conversations WHERE id = ?`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.ErrNotFound
	}
	return store.ConversationKind(kind), err
}

func (s *Store) MessageSave(ctx context.Context, msg *store.Message) (*store.Message, error) {
	if existing, err := s.MessageGetByMsgID(ctx, msg.MsgID); err == nil {
		return existing, nil // idempotent on msgId (§3 invariant)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	meta, err := json.Marshal(msg.Metadata)
	if err != nil {
		return nil, err
	}
	atUsers, err := json.Marshal(msg.AtUserIDs)
	if err != nil {
		return nil, err
	}

	msg.ID = s.ids.Next()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, msg_id, conversation_id, sender_id, sender_device_id, msg_type, content,
			metadata, quote_msg_id, at_user_ids, client_created_at, server_created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.MsgID, msg.ConversationID, msg.SenderID, msg.SenderDeviceID, msg.MsgType, msg.Content,
		string(meta), msg.QuoteMsgID, string(atUsers), msg.ClientCreatedAt, msg.ServerCreatedAt)
	if err != nil {
		// Lost the race against a concurrent identical msgId insert.
		if existing, gerr := s.MessageGetByMsgID(ctx, msg.MsgID); gerr == nil {
			return existing, nil
		}
		return nil, err
	}
	return msg, nil
}

func (s *Store) MessageGetByMsgID(ctx context.Context, msgID string) (*store.Message, error) {
	return s.scanMessage(ctx, `msg_id = ?`, msgID)
}

func (s *Store) MessageGetByID(ctx context.Context, id int64) (*store.Message, error) {
	return s.scanMessage(ctx, `id = ?`, id)
}

func (s *Store) scanMessage(ctx context.Context, where string, arg interface{}) (*store.Message, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row, `SELECT id, msg_id, conversation_id, sender_id, sender_device_id, msg_type,
		content, metadata, quote_msg_id, at_user_ids, client_created_at, server_created_at, recalled_at
		FROM messages WHERE `+where, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toMessage()
}

// messageRow mirrors the messages table layout for sqlx scanning; the
// JSON-encoded columns are decoded in toMessage.
type messageRow struct {
	ID              int64          `db:"id"`
	MsgID           string         `db:"msg_id"`
	ConversationID  string         `db:"conversation_id"`
	SenderID        string         `db:"sender_id"`
	SenderDeviceID  string         `db:"sender_device_id"`
	MsgType         string         `db:"msg_type"`
	Content         string         `db:"content"`
	Metadata        string         `db:"metadata"`
	QuoteMsgID      string         `db:"quote_msg_id"`
	AtUserIDs       string         `db:"at_user_ids"`
	ClientCreatedAt time.Time      `db:"client_created_at"`
	ServerCreatedAt time.Time      `db:"server_created_at"`
	RecalledAt      sql.NullTime   `db:"recalled_at"`
}

func (r messageRow) toMessage() (*store.Message, error) {
	var meta map[string]interface{}
	if r.Metadata != "" {
		if err := json.Unmarshal([]byte(r.Metadata), &meta); err != nil {
			return nil, err
		}
	}
	var atUsers []string
	if r.AtUserIDs != "" {
		if err := json.Unmarshal([]byte(r.AtUserIDs), &atUsers); err != nil {
			return nil, err
		}
	}
	m := &store.Message{
		ID:              r.ID,
		MsgID:           r.MsgID,
		ConversationID:  r.ConversationID,
		SenderID:        r.SenderID,
		SenderDeviceID:  r.SenderDeviceID,
		MsgType:         store.MsgType(r.MsgType),
		Content:         r.Content,
		Metadata:        meta,
		QuoteMsgID:      r.QuoteMsgID,
		AtUserIDs:       atUsers,
		ClientCreatedAt: r.ClientCreatedAt,
		ServerCreatedAt: r.ServerCreatedAt,
	}
	if r.RecalledAt.Valid {
		t := r.RecalledAt.Time
		m.RecalledAt = &t
	}
	return m, nil
}

func (s *Store) MessageRecall(ctx context.Context, msgID, callerUserID string, recallWindow time.Duration, now time.Time) (*store.Message, error) {
	msg, err := s.MessageGetByMsgID(ctx, msgID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != callerUserID {
		return nil, store.ErrForbidden
	}
	if now.Sub(msg.ServerCreatedAt) > recallWindow {
		return nil, store.ErrForbidden
	}
	if msg.RecalledAt != nil {
		return msg, nil // already recalled, idempotent
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE messages SET recalled_at = ? WHERE msg_id = ?`, now, msgID); err != nil {
		return nil, err
	}
	msg.RecalledAt = &now
	return msg, nil
}

func (s *Store) MessagesAfter(ctx context.Context, conversationID string, opt store.QueryOpt) ([]store.Message, error) {
	limit := opt.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows, `SELECT id, msg_id, conversation_id, sender_id, sender_device_id, msg_type,
		content, metadata, quote_msg_id, at_user_ids, client_created_at, server_created_at, recalled_at
		FROM messages WHERE conversation_id = ? AND id > ? ORDER BY id ASC LIMIT ?`,
		conversationID, opt.AfterID, limit)
	if err != nil {
		return nil, err
	}
	return rowsToMessages(rows)
}

func (s *Store) MessagesForUserAfter(ctx context.Context, userID string, afterID int64, limit int) ([]store.Message, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT m.id, m.msg_id, m.conversation_id, m.sender_id, m.sender_device_id, m.msg_type,
			m.content, m.metadata, m.quote_msg_id, m.at_user_ids, m.client_created_at, m.server_created_at, m.recalled_at
		FROM messages m
		JOIN conversation_participants p ON p.conversation_id = m.conversation_id
		WHERE p.user_id = ? AND m.id > ?
		ORDER BY m.id ASC LIMIT ?`, userID, afterID, limit)
	if err != nil {
		return nil, err
	}
	return rowsToMessages(rows)
}

func rowsToMessages(rows []messageRow) ([]store.Message, error) {
	out := make([]store.Message, 0, len(rows))
	for _, r := range rows {
		m, err := r.toMessage()
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, nil
}

func (s *Store) ReactionUpsert(ctx context.Context, r *store.Reaction, add bool) error {
	if add {
		_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO reactions (msg_id, user_id, emoji) VALUES (?, ?, ?)`,
			r.MsgID, r.UserID, r.Emoji)
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM reactions WHERE msg_id = ? AND user_id = ? AND emoji = ?`,
		r.MsgID, r.UserID, r.Emoji)
	return err
}

func (s *Store) ReadCursorGet(ctx context.Context, userID, conversationID string) (int64, error) {
	var id int64
	err := s.db.GetContext(ctx, &id, `SELECT last_read_msg_id FROM read_cursors WHERE user_id = ? AND conversation_id = ?`,
		userID, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return id, err
}

func (s *Store) ReadCursorUpdate(ctx context.Context, userID, conversationID string, lastReadMsgID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO read_cursors (user_id, conversation_id, last_read_msg_id)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id, conversation_id) DO UPDATE SET last_read_msg_id = excluded.last_read_msg_id
		WHERE excluded.last_read_msg_id > read_cursors.last_read_msg_id`,
		userID, conversationID, lastReadMsgID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) SyncCursorGet(ctx context.Context, userID, deviceID string) (int64, error) {
	var id int64
	err := s.db.GetContext(ctx, &id, `SELECT last_synced_id FROM sync_cursors WHERE user_id = ? AND device_id = ?`,
		userID, deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return id, err
}

func (s *Store) SyncCursorUpdate(ctx context.Context, userID, deviceID string, lastSyncedID int64, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (user_id, device_id, last_synced_id, last_synced_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, device_id) DO UPDATE SET
			last_synced_id = excluded.last_synced_id,
			last_synced_at = excluded.last_synced_at
		WHERE excluded.last_synced_id > sync_cursors.last_synced_id`,
		userID, deviceID, lastSyncedID, now)
	return err
}

func (s *Store) OfflineQueueInsert(ctx context.Context, e *store.OfflineQueueEntry) error {
	e.ID = s.qids.Next()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO offline_queue (id, target_user_id, target_device_id, message_id, created_at, expired_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(target_user_id, target_device_id, message_id) DO NOTHING`,
		e.ID, e.TargetUserID, e.TargetDeviceID, e.MessageID, e.CreatedAt, e.ExpiredAt)
	return err
}

func (s *Store) OfflineQueuePending(ctx context.Context, userID, deviceID string, limit int) ([]store.OfflineQueueEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	var rows []offlineQueueRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, target_user_id, target_device_id, message_id, created_at, delivered_at, expired_at
		FROM offline_queue
		WHERE target_user_id = ? AND (target_device_id = ? OR target_device_id = '')
			AND delivered_at IS NULL AND expired_at > CURRENT_TIMESTAMP
		ORDER BY created_at ASC LIMIT ?`, userID, deviceID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]store.OfflineQueueEntry, len(rows))
	for i, r := range rows {
		out[i] = r.toEntry()
	}
	return out, nil
}

type offlineQueueRow struct {
	ID             int64        `db:"id"`
	TargetUserID   string       `db:"target_user_id"`
	TargetDeviceID string       `db:"target_device_id"`
	MessageID      int64        `db:"message_id"`
	CreatedAt      time.Time    `db:"created_at"`
	DeliveredAt    sql.NullTime `db:"delivered_at"`
	ExpiredAt      time.Time    `db:"expired_at"`
}

func (r offlineQueueRow) toEntry() store.OfflineQueueEntry {
	e := store.OfflineQueueEntry{
		ID:             r.ID,
		TargetUserID:   r.TargetUserID,
		TargetDeviceID: r.TargetDeviceID,
		MessageID:      r.MessageID,
		CreatedAt:      r.CreatedAt,
		ExpiredAt:      r.ExpiredAt,
	}
	if r.DeliveredAt.Valid {
		t := r.DeliveredAt.Time
		e.DeliveredAt = &t
	}
	return e
}

func (s *Store) OfflineQueueMarkDelivered(ctx context.Context, ids []int64, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`UPDATE offline_queue SET delivered_at = ? WHERE id IN (?) AND delivered_at IS NULL`, now, ids)
	if err != nil {
		return err
	}
	query = s.db.Rebind(query)
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *Store) OfflineQueueMarkAllDelivered(ctx context.Context, userID, deviceID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE offline_queue SET delivered_at = ?
		WHERE target_user_id = ? AND (target_device_id = ? OR target_device_id = '') AND delivered_at IS NULL`,
		now, userID, deviceID)
	return err
}

func (s *Store) OfflineQueueReapExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM offline_queue WHERE expired_at <= ? AND delivered_at IS NULL`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

var _ store.Adapter = (*Store)(nil)
