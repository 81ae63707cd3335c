package apiclient

import (
	"context"
	"fmt"
	"net/url"

	"github.com/lumi-chat/gateway/internal/proto"
)

// SendMessageRequest is the body of POST /internal/messages (§6.2).
type SendMessageRequest struct {
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
}

// SendMessage persists msg, idempotent on MsgID (§6.2).
func (c *Client) SendMessage(ctx context.Context, principal Principal, req SendMessageRequest) (proto.MessageView, error) {
	var out proto.MessageView
	err := c.do(ctx, "POST", "/internal/messages", principal, req, &out)
	return out, err
}

// RecallMessage marks msgId recalled and returns the updated message (so
// the caller learns conversationId for fan-out without a second call).
// Returns *FatalError{403} if the caller is not the sender or the recall
// window expired (§6.2).
func (c *Client) RecallMessage(ctx context.Context, principal Principal, msgID string) (proto.MessageView, error) {
	var out proto.MessageView
	path := fmt.Sprintf("/internal/messages/%s/recall", url.PathEscape(msgID))
	err := c.do(ctx, "PUT", path, principal, nil, &out)
	return out, err
}

// ConversationParticipants returns a conversation's participant user ids
// (§6.2).
func (c *Client) ConversationParticipants(ctx context.Context, principal Principal, conversationID string) ([]string, error) {
	var out []string
	path := fmt.Sprintf("/internal/conversations/%s/participants", url.PathEscape(conversationID))
	err := c.do(ctx, "GET", path, principal, nil, &out)
	return out, err
}

// ConversationMessages returns messages in conversationID with id >
// afterID, capped at 100 (§6.2).
func (c *Client) ConversationMessages(ctx context.Context, principal Principal, conversationID string, afterID int64, limit int) ([]proto.MessageView, error) {
	var out []proto.MessageView
	path := fmt.Sprintf("/internal/conversations/%s/messages?afterId=%d&limit=%d", url.PathEscape(conversationID), afterID, limit)
	err := c.do(ctx, "GET", path, principal, nil, &out)
	return out, err
}

// MarkReadResponse is the response body of POST
// /internal/conversations/{id}/read (§6.2).
type MarkReadResponse struct {
	ConversationID string `json:"conversationId"`
	LastReadMsgID  int64  `json:"lastReadMsgId"`
	ReaderID       string `json:"readerId"`
	NotifyUserID   string `json:"notifyUserId,omitempty"`
}

// MarkRead updates the caller's read cursor for conversationID (§6.2).
func (c *Client) MarkRead(ctx context.Context, principal Principal, conversationID string, lastReadMsgID int64) (MarkReadResponse, error) {
	var out MarkReadResponse
	path := fmt.Sprintf("/internal/conversations/%s/read", url.PathEscape(conversationID))
	err := c.do(ctx, "POST", path, principal, map[string]int64{"lastReadMsgId": lastReadMsgID}, &out)
	return out, err
}

// MessagesForUserSince returns up to limit messages addressed to any
// conversation userId participates in, with id > afterID, used by
// SYNC_REQUEST (§4.6) and the offline-queue batch load.
func (c *Client) MessagesForUserSince(ctx context.Context, principal Principal, userID string, afterID int64, limit int) ([]proto.MessageView, error) {
	var out []proto.MessageView
	path := fmt.Sprintf("/internal/users/%s/messages?afterId=%d&limit=%d", url.PathEscape(userID), afterID, limit)
	err := c.do(ctx, "GET", path, principal, nil, &out)
	return out, err
}

// ReactToMessage records a reaction add/remove (supplemented, see
// SPEC_FULL.md) and returns the reacted message's conversationId so the
// caller can fan out REACTION_NOTIFY without a second lookup.
func (c *Client) ReactToMessage(ctx context.Context, principal Principal, msgID, emoji, action string) (string, error) {
	var out struct {
		ConversationID string `json:"conversationId"`
	}
	path := fmt.Sprintf("/internal/messages/%s/reactions", url.PathEscape(msgID))
	err := c.do(ctx, "POST", path, principal, map[string]string{"emoji": emoji, "action": action}, &out)
	return out.ConversationID, err
}

// UpsertDeviceRequest is the body of POST /internal/devices, issued by
// the login handshake's step 2 (§4.4).
type UpsertDeviceRequest struct {
	DeviceID   string `json:"deviceId"`
	DeviceType string `json:"deviceType"`
}

// UpsertDevice records (or refreshes lastActiveAt for) a Device row keyed
// on (userId, deviceId) (§4.4 step 2).
func (c *Client) UpsertDevice(ctx context.Context, principal Principal, deviceType string) error {
	return c.do(ctx, "POST", "/internal/devices", principal, UpsertDeviceRequest{
		DeviceID: principal.DeviceID, DeviceType: deviceType,
	}, nil)
}

// EnqueueOffline records that messageID is owed to targetUserID (and, if
// set, specifically to targetDeviceID) because the Gateway's routing
// decision (§4.5 fan-out step 2) found no live session to deliver it to.
func (c *Client) EnqueueOffline(ctx context.Context, principal Principal, targetUserID, targetDeviceID string, messageID int64) error {
	return c.do(ctx, "POST", "/internal/offline-queue", principal, map[string]interface{}{
		"targetUserId": targetUserID, "targetDeviceId": targetDeviceID, "messageId": messageID,
	}, nil)
}

// OfflineQueueEntryView is one owed message resolved from the offline
// queue, returned by OfflineQueuePending.
type OfflineQueueEntryView struct {
	ID      int64             `json:"id"`
	Message proto.MessageView `json:"message"`
}

// OfflineQueuePending pages through what's owed to principal's device
// (§4.6 step 1), up to limit entries per call.
func (c *Client) OfflineQueuePending(ctx context.Context, principal Principal, limit int) ([]OfflineQueueEntryView, error) {
	var out struct {
		Entries []OfflineQueueEntryView `json:"entries"`
	}
	path := fmt.Sprintf("/internal/offline-queue?userId=%s&deviceId=%s&limit=%d",
		url.QueryEscape(principal.UserID), url.QueryEscape(principal.DeviceID), limit)
	err := c.do(ctx, "GET", path, principal, nil, &out)
	return out.Entries, err
}

// AckOfflineQueue marks entryIDs delivered, or every entry owed to
// principal's device when markAllDelivered is set (§4.6 step 5).
func (c *Client) AckOfflineQueue(ctx context.Context, principal Principal, entryIDs []int64, markAllDelivered bool) error {
	return c.do(ctx, "POST", "/internal/offline-queue/ack", principal, map[string]interface{}{
		"entryIds": entryIDs, "markAllDelivered": markAllDelivered,
	}, nil)
}
