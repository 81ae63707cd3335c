package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups that find nothing.
var ErrNotFound = errors.New("store: not found")

// ErrForbidden is returned when an operation's caller is not entitled to
// perform it (recall by non-sender, recall after the window, §7
// PermissionError).
var ErrForbidden = errors.New("store: forbidden")

// ErrConflict reports an invariant violation. A non-monotone cursor
// update is not one: it is a silent no-op (see Adapter).
var ErrConflict = errors.New("store: conflict")

// QueryOpt bounds a list query.
type QueryOpt struct {
	AfterID int64
	Limit   int
}

// Adapter is the interface implemented by the Persistence Service's
// storage engine, generalizing the teacher's store/adapter.Adapter to
// Lumi-Chat's data model (§3) and narrowed to what the Gateway's
// internal API (§6.2) and sync REST (§6.3) surfaces actually need.
type Adapter interface {
	Open(dsn string) error
	Close() error

	// Users & devices.
	UserGet(ctx context.Context, id string) (*User, error)
	DeviceUpsert(ctx context.Context, d *Device) error
	DeviceGet(ctx context.Context, userID, deviceID string) (*Device, error)
	DevicesForUser(ctx context.Context, userID string) ([]Device, error)
	DeviceDelete(ctx context.Context, userID, deviceID string) error

	// Conversations.
	ConversationParticipants(ctx context.Context, conversationID string) ([]string, error)
	ConversationKind(ctx context.Context, conversationID string) (ConversationKind, error)

	// Messages. MessageSave is idempotent on MsgID: a second save with
	// the same MsgID returns the first persisted row unchanged (§3
	// invariant).
	MessageSave(ctx context.Context, msg *Message) (*Message, error)
	MessageGetByMsgID(ctx context.Context, msgID string) (*Message, error)
	MessageGetByID(ctx context.Context, id int64) (*Message, error)
	MessageRecall(ctx context.Context, msgID, callerUserID string, recallWindow time.Duration, now time.Time) (*Message, error)
	MessagesAfter(ctx context.Context, conversationID string, opt QueryOpt) ([]Message, error)
	MessagesForUserAfter(ctx context.Context, userID string, afterID int64, limit int) ([]Message, error)

	// Reactions (supplemented, see SPEC_FULL.md).
	ReactionUpsert(ctx context.Context, r *Reaction, add bool) error

	// Read cursor. Update is a no-op (returns nil, not ErrConflict) when
	// lastReadMsgID is not strictly greater than the current cursor
	// (§8 testable property).
	ReadCursorGet(ctx context.Context, userID, conversationID string) (int64, error)
	ReadCursorUpdate(ctx context.Context, userID, conversationID string, lastReadMsgID int64) (applied bool, err error)

	// Sync cursor.
	SyncCursorGet(ctx context.Context, userID, deviceID string) (int64, error)
	SyncCursorUpdate(ctx context.Context, userID, deviceID string, lastSyncedID int64, now time.Time) error

	// Offline queue.
	OfflineQueueInsert(ctx context.Context, e *OfflineQueueEntry) error
	OfflineQueuePending(ctx context.Context, userID, deviceID string, limit int) ([]OfflineQueueEntry, error)
	OfflineQueueMarkDelivered(ctx context.Context, ids []int64, now time.Time) error
	OfflineQueueMarkAllDelivered(ctx context.Context, userID, deviceID string, now time.Time) error
	OfflineQueueReapExpired(ctx context.Context, now time.Time) (int64, error)
}
