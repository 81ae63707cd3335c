// Package store defines the data model (§3) and the persistence adapter
// interface the Gateway's internal API client and the Persistence
// Service's HTTP handlers both depend on, generalizing the teacher's
// store/adapter.Adapter interface pattern to Lumi-Chat's data model.
package store

import "time"

// DeviceType enumerates Device.deviceType (§3).
type DeviceType string

const (
	DeviceWeb     DeviceType = "web"
	DeviceIOS     DeviceType = "ios"
	DeviceAndroid DeviceType = "android"
	DevicePC      DeviceType = "pc"
	DeviceTablet  DeviceType = "tablet"
)

// MsgType enumerates Message.msgType (§3).
type MsgType string

const (
	MsgText      MsgType = "text"
	MsgImage     MsgType = "image"
	MsgFile      MsgType = "file"
	MsgVoice     MsgType = "voice"
	MsgVideo     MsgType = "video"
	MsgLocation  MsgType = "location"
	MsgUserCard  MsgType = "user_card"
	MsgGroupCard MsgType = "group_card"
	MsgRecall    MsgType = "recall"
	MsgSystem    MsgType = "system"
)

// ConversationKind enumerates the Conversation variant (§3).
type ConversationKind string

const (
	ConvPrivateChat ConversationKind = "private_chat"
	ConvGroup       ConversationKind = "group"
	ConvStranger    ConversationKind = "stranger"
)

// User is the identity principal (§3).
type User struct {
	ID       string `db:"id"`
	UID      string `db:"uid"`
	Nickname string `db:"nickname"`
	Avatar   string `db:"avatar"`
}

// Device is a durable client installation belonging to one user (§3).
type Device struct {
	DeviceID     string     `db:"device_id"`
	UserID       string     `db:"user_id"`
	DeviceType   DeviceType `db:"device_type"`
	DeviceName   string     `db:"device_name"`
	PushToken    string     `db:"push_token"`
	CreatedAt    time.Time  `db:"created_at"`
	LastActiveAt time.Time  `db:"last_active_at"`
}

// Conversation owns a participant set (§3).
type Conversation struct {
	ID             string           `db:"id"`
	Kind           ConversationKind `db:"kind"`
	ParticipantIDs []string         `db:"-"`
	GroupID        string           `db:"group_id"`
}

// Message is an immutable record once persisted (§3).
type Message struct {
	ID              int64                  `db:"id"`
	MsgID           string                 `db:"msg_id"`
	ConversationID  string                 `db:"conversation_id"`
	SenderID        string                 `db:"sender_id"`
	SenderDeviceID  string                 `db:"sender_device_id"`
	MsgType         MsgType                `db:"msg_type"`
	Content         string                 `db:"content"`
	Metadata        map[string]interface{} `db:"-"`
	QuoteMsgID      string                 `db:"quote_msg_id"`
	AtUserIDs       []string               `db:"-"`
	ClientCreatedAt time.Time              `db:"client_created_at"`
	ServerCreatedAt time.Time              `db:"server_created_at"`
	RecalledAt      *time.Time             `db:"recalled_at"`
}

// OfflineQueueEntry buffers an undelivered message for a device (§3).
// TargetDeviceID == "" means "all devices of TargetUserID".
type OfflineQueueEntry struct {
	ID             int64      `db:"id"`
	TargetUserID   string     `db:"target_user_id"`
	TargetDeviceID string     `db:"target_device_id"`
	MessageID      int64      `db:"message_id"`
	CreatedAt      time.Time  `db:"created_at"`
	DeliveredAt    *time.Time `db:"delivered_at"`
	ExpiredAt      time.Time  `db:"expired_at"`
}

// Pending reports whether the entry is still owed delivery.
func (e OfflineQueueEntry) Pending(now time.Time) bool {
	return e.DeliveredAt == nil && now.Before(e.ExpiredAt)
}

// SyncCursor is a device's watermark into the global message stream
// (§3). Monotone: updates only accept strictly greater LastSyncedID.
type SyncCursor struct {
	UserID         string    `db:"user_id"`
	DeviceID       string    `db:"device_id"`
	LastSyncedID   int64     `db:"last_synced_id"`
	LastSyncedAt   time.Time `db:"last_synced_at"`
}

// ReadCursor is a user's read watermark for one conversation (§3).
// Monotone.
type ReadCursor struct {
	UserID         string `db:"user_id"`
	ConversationID string `db:"conversation_id"`
	LastReadMsgID  int64  `db:"last_read_msg_id"`
}

// PresenceRecord is derived from the live Session set (§3).
type PresenceRecord struct {
	UserID        string
	Online        bool
	LastSeen      time.Time
	ActiveDevices []string
}

// Reaction is a supplemented entity (see SPEC_FULL.md) backing the
// REACTION/REACTION_NOTIFY opcodes: one row per (msgId, userId, emoji).
type Reaction struct {
	MsgID  string `db:"msg_id"`
	UserID string `db:"user_id"`
	Emoji  string `db:"emoji"`
}
