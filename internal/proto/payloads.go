package proto

// Payload shapes for the opcodes named in §6.1. Unexported fields are
// never used here: every payload crosses the wire as JSON.

// LoginPayload is the data of a LOGIN packet.
type LoginPayload struct {
	Token      string `json:"token"`
	DeviceID   string `json:"deviceId"`
	DeviceType string `json:"deviceType"`
}

// LoginResponsePayload is the data of a LOGIN_RESPONSE packet.
type LoginResponsePayload struct {
	Success bool   `json:"success"`
	UserID  string `json:"userId,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ChatMessagePayload is the data of a CHAT_MESSAGE packet.
type ChatMessagePayload struct {
	MsgID           string                 `json:"msgId"`
	ConversationID  string                 `json:"conversationId"`
	MsgType         string                 `json:"msgType"`
	Content         string                 `json:"content"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	QuoteMsgID      string                 `json:"quoteMsgId,omitempty"`
	AtUserIDs       []string               `json:"atUserIds,omitempty"`
	ClientCreatedAt int64                  `json:"clientCreatedAt"`
}

// ChatMessageAckPayload is the data of a CHAT_MESSAGE_ACK packet.
type ChatMessageAckPayload struct {
	MsgID           string `json:"msgId"`
	ServerTimestamp int64  `json:"serverTimestamp"`
	Success         bool   `json:"success"`
	Error           string `json:"error,omitempty"`
}

// TypingPayload is the data of a TYPING packet (client->server) and of
// TYPING_NOTIFY (server->client, same shape plus From).
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	From           string `json:"from,omitempty"`
}

// ReadAckPayload is the data of a READ_ACK packet.
type ReadAckPayload struct {
	ConversationID string `json:"conversationId"`
	LastReadMsgID  int64  `json:"lastReadMsgId"`
}

// ReadReceiptNotifyPayload is the data of a READ_RECEIPT_NOTIFY packet.
type ReadReceiptNotifyPayload struct {
	ConversationID string `json:"conversationId"`
	ReaderID       string `json:"readerId"`
	LastReadMsgID  int64  `json:"lastReadMsgId"`
}

// RecallMessagePayload is the data of a RECALL_MESSAGE packet.
type RecallMessagePayload struct {
	MsgID string `json:"msgId"`
}

// RecallAckPayload is the data of a RECALL_ACK packet.
type RecallAckPayload struct {
	MsgID   string `json:"msgId"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// RecallNotifyPayload is the data of a RECALL_NOTIFY packet.
type RecallNotifyPayload struct {
	MsgID      string `json:"msgId"`
	RecalledAt int64  `json:"recalledAt"`
	RecalledBy string `json:"recalledBy"`
}

// ReactionPayload is the data of a REACTION packet (supplemented, see
// SPEC_FULL.md).
type ReactionPayload struct {
	MsgID  string `json:"msgId"`
	Emoji  string `json:"emoji"`
	Action string `json:"action"` // "add" | "remove"
}

// ReactionNotifyPayload is the data of a REACTION_NOTIFY packet.
type ReactionNotifyPayload struct {
	MsgID  string `json:"msgId"`
	Emoji  string `json:"emoji"`
	Action string `json:"action"`
	From   string `json:"from"`
}

// SyncRequestPayload is the data of a SYNC_REQUEST packet.
type SyncRequestPayload struct {
	LastSyncCursor int64 `json:"lastSyncCursor,omitempty"`
}

// SyncResponsePayload is the data of a SYNC_RESPONSE packet.
type SyncResponsePayload struct {
	NewMessages        []MessageView       `json:"newMessages"`
	RecalledMessages    []RecallNotifyPayload `json:"recalledMessages"`
	ReadStatusUpdates   []ReadStatusUpdate  `json:"readStatusUpdates"`
	ConversationUpdates []string            `json:"conversationUpdates,omitempty"`
	SyncCursor          int64               `json:"syncCursor"`
	HasMore             bool                `json:"hasMore"`
}

// ReadStatusUpdate tells a user's other devices to zero an unread badge
// after that user read a conversation from a different device.
type ReadStatusUpdate struct {
	ConversationID string `json:"conversationId"`
	LastReadMsgID  int64  `json:"lastReadMsgId"`
}

// OfflineSyncResponsePayload is the data of one OFFLINE_SYNC_RESPONSE
// chunk packet.
type OfflineSyncResponsePayload struct {
	Messages []MessageView `json:"messages"`
}

// OfflineSyncCompletePayload is the data of OFFLINE_SYNC_COMPLETE.
type OfflineSyncCompletePayload struct {
	TotalDelivered int  `json:"totalDelivered"`
	HasMore        bool `json:"hasMore"`
}

// OfflineSyncAckPayload is the data of OFFLINE_SYNC_ACK. Either field may
// be used; both strategies are accepted (open question in §9).
type OfflineSyncAckPayload struct {
	OfflineMessageIDs []int64 `json:"offlineMessageIds,omitempty"`
	LastMessageID     int64   `json:"lastMessageId,omitempty"`
	MarkAllDelivered  bool    `json:"markAllDelivered,omitempty"`
}

// MessageView is the wire representation of a persisted Message.
type MessageView struct {
	ID              int64                  `json:"id"`
	MsgID           string                 `json:"msgId"`
	ConversationID  string                 `json:"conversationId"`
	SenderID        string                 `json:"senderId"`
	SenderDeviceID  string                 `json:"senderDeviceId"`
	MsgType         string                 `json:"msgType"`
	Content         string                 `json:"content"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	QuoteMsgID      string                 `json:"quoteMsgId,omitempty"`
	AtUserIDs       []string               `json:"atUserIds,omitempty"`
	ClientCreatedAt int64                  `json:"clientCreatedAt"`
	ServerCreatedAt int64                  `json:"serverCreatedAt"`
	RecalledAt      int64                  `json:"recalledAt,omitempty"`
}

// KickedOfflinePayload is the data of a KICKED_OFFLINE packet.
type KickedOfflinePayload struct {
	Reason string `json:"reason"`
}

// ServerErrorPayload is the data of a SERVER_ERROR packet.
type ServerErrorPayload struct {
	Error string `json:"error"`
}

// OnlineStatusRequestPayload is the data of ONLINE_STATUS_REQUEST.
type OnlineStatusRequestPayload struct {
	UserIDs []string `json:"userIds"`
}

// OnlineStatusResponsePayload is the data of ONLINE_STATUS_RESPONSE.
type OnlineStatusResponsePayload struct {
	Presence []PresenceView `json:"presence"`
}

// OnlineStatusSubscribePayload is the data of ONLINE_STATUS_SUBSCRIBE.
type OnlineStatusSubscribePayload struct {
	UserIDs []string `json:"userIds"`
}

// OnlineStatusChangePayload is the data of ONLINE_STATUS_CHANGE.
type OnlineStatusChangePayload struct {
	UserID   string `json:"userId"`
	Online   bool   `json:"online"`
	LastSeen int64  `json:"lastSeen"`
}

// PresenceView is the wire representation of a PresenceRecord.
type PresenceView struct {
	UserID        string   `json:"userId"`
	Online        bool     `json:"online"`
	LastSeen      int64    `json:"lastSeen"`
	ActiveDevices []string `json:"activeDevices,omitempty"`
}
