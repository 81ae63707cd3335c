package persistenceapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lumi-chat/gateway/internal/logging"
	"github.com/lumi-chat/gateway/internal/proto"
	"github.com/lumi-chat/gateway/internal/store"
)

func toMessageView(m *store.Message) proto.MessageView {
	v := proto.MessageView{
		ID:              m.ID,
		MsgID:           m.MsgID,
		ConversationID:  m.ConversationID,
		SenderID:        m.SenderID,
		SenderDeviceID:  m.SenderDeviceID,
		MsgType:         string(m.MsgType),
		Content:         m.Content,
		Metadata:        m.Metadata,
		QuoteMsgID:      m.QuoteMsgID,
		AtUserIDs:       m.AtUserIDs,
		ClientCreatedAt: m.ClientCreatedAt.UnixMilli(),
		ServerCreatedAt: m.ServerCreatedAt.UnixMilli(),
	}
	if m.RecalledAt != nil {
		v.RecalledAt = m.RecalledAt.UnixMilli()
	}
	return v
}

// handleUpsertDevice implements POST /internal/devices (§4.4 step 2):
// upserts a Device row keyed on (userId, deviceId) and stamps
// lastActiveAt.
func (s *Server) handleUpsertDevice(w http.ResponseWriter, r *http.Request) {
	caller := userIDFromContext(r.Context())

	var req struct {
		DeviceID   string `json:"deviceId"`
		DeviceType string `json:"deviceType"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if caller == "" || req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "userId and deviceId are required")
		return
	}

	now := time.Now()
	err := s.store.DeviceUpsert(r.Context(), &store.Device{
		DeviceID: req.DeviceID, UserID: caller, DeviceType: store.DeviceType(req.DeviceType),
		CreatedAt: now, LastActiveAt: now,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// handleSendMessage implements POST /internal/messages (§6.2): persist a
// message idempotently on MsgID, allocating its server id from idgen.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
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
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.MsgID == "" || req.ConversationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "msgId and conversationId are required")
		return
	}

	msg := &store.Message{
		MsgID:           req.MsgID,
		ConversationID:  req.ConversationID,
		SenderID:        req.SenderID,
		SenderDeviceID:  req.SenderDeviceID,
		MsgType:         store.MsgType(req.MsgType),
		Content:         req.Content,
		Metadata:        req.Metadata,
		QuoteMsgID:      req.QuoteMsgID,
		AtUserIDs:       req.AtUserIDs,
		ClientCreatedAt: time.UnixMilli(req.ClientCreatedAt),
		ServerCreatedAt: time.Now(),
	}

	saved, err := s.store.MessageSave(r.Context(), msg)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toMessageView(saved))
}

// handleEnqueueOffline implements POST /internal/offline-queue: the
// Gateway's Message Router calls this once per (userId[, deviceId]) it
// determined has no live session anywhere in the cluster, per the §4.5
// fan-out algorithm step 2 ("For each deviceId of u with no live
// session ... append an OfflineQueueEntry"). Persistence itself never
// decides reachability -- only the Gateway, which holds the live
// Session Registry and coordination-store view, can.
func (s *Server) handleEnqueueOffline(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetUserID   string `json:"targetUserId"`
		TargetDeviceID string `json:"targetDeviceId,omitempty"`
		MessageID      int64  `json:"messageId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.TargetUserID == "" || req.MessageID == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "targetUserId and messageId are required")
		return
	}

	now := time.Now()
	entry := &store.OfflineQueueEntry{
		TargetUserID:   req.TargetUserID,
		TargetDeviceID: req.TargetDeviceID,
		MessageID:      req.MessageID,
		CreatedAt:      now,
		ExpiredAt:      now.Add(s.offlineTTL),
	}
	if err := s.store.OfflineQueueInsert(r.Context(), entry); err != nil {
		logging.Warnf("persistenceapi: offline enqueue for %s: %v", req.TargetUserID, err)
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// handleOfflineQueuePending implements GET
// /internal/offline-queue?userId=&deviceId=&limit=: the Gateway's offline
// drain (§4.6) calls this right after LOGIN to page through what's owed
// to the newly bound device, resolving each entry's message.
func (s *Server) handleOfflineQueuePending(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	deviceID := r.URL.Query().Get("deviceId")
	limit := clampLimit(queryInt(r, "limit", 50))

	if userID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "userId is required")
		return
	}

	entries, err := s.store.OfflineQueuePending(r.Context(), userID, deviceID, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	resp := struct {
		Entries []offlineQueueEntryView `json:"entries"`
	}{Entries: make([]offlineQueueEntryView, 0, len(entries))}

	for _, e := range entries {
		msg, err := s.store.MessageGetByID(r.Context(), e.MessageID)
		if err != nil {
			logging.Warnf("persistenceapi: offline entry %d references missing message %d: %v", e.ID, e.MessageID, err)
			continue
		}
		resp.Entries = append(resp.Entries, offlineQueueEntryView{ID: e.ID, Message: toMessageView(msg)})
	}
	writeJSON(w, http.StatusOK, resp)
}

type offlineQueueEntryView struct {
	ID      int64             `json:"id"`
	Message proto.MessageView `json:"message"`
}

// handleOfflineQueueAck implements POST /internal/offline-queue/ack: marks
// entries delivered once the client has acked them (OFFLINE_SYNC_ACK,
// §4.6 step 5), either by explicit id list or "everything for this
// device up to now" when markAllDelivered is set.
func (s *Server) handleOfflineQueueAck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID           string  `json:"userId"`
		DeviceID         string  `json:"deviceId"`
		EntryIDs         []int64 `json:"entryIds,omitempty"`
		MarkAllDelivered bool    `json:"markAllDelivered,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.UserID == "" {
		req.UserID = userIDFromContext(r.Context())
	}
	if req.DeviceID == "" {
		req.DeviceID = deviceIDFromContext(r.Context())
	}

	now := time.Now()
	var err error
	switch {
	case req.MarkAllDelivered:
		err = s.store.OfflineQueueMarkAllDelivered(r.Context(), req.UserID, req.DeviceID, now)
	case len(req.EntryIDs) > 0:
		err = s.store.OfflineQueueMarkDelivered(r.Context(), req.EntryIDs, now)
	}
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// handleRecallMessage implements PUT /internal/messages/{msgId}/recall
// (§6.2): the sender may recall within the configured recall window.
func (s *Server) handleRecallMessage(w http.ResponseWriter, r *http.Request) {
	msgID := chi.URLParam(r, "msgId")
	caller := userIDFromContext(r.Context())

	msg, err := s.store.MessageRecall(r.Context(), msgID, caller, s.recallWindow, time.Now())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMessageView(msg))
}

// handleReactToMessage implements the supplemented POST
// /internal/messages/{msgId}/reactions endpoint (SPEC_FULL.md).
func (s *Server) handleReactToMessage(w http.ResponseWriter, r *http.Request) {
	msgID := chi.URLParam(r, "msgId")
	caller := userIDFromContext(r.Context())

	var req struct {
		Emoji  string `json:"emoji"`
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.Emoji == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "emoji is required")
		return
	}

	add := req.Action != "remove"
	err := s.store.ReactionUpsert(r.Context(), &store.Reaction{MsgID: msgID, UserID: caller, Emoji: req.Emoji}, add)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	msg, err := s.store.MessageGetByMsgID(r.Context(), msgID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		ConversationID string `json:"conversationId"`
	}{ConversationID: msg.ConversationID})
}

// handleParticipants implements GET /internal/conversations/{id}/participants.
func (s *Server) handleParticipants(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	participants, err := s.store.ConversationParticipants(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, participants)
}

// handleConversationMessages implements GET
// /internal/conversations/{id}/messages?afterId=&limit=.
func (s *Server) handleConversationMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	opt := store.QueryOpt{AfterID: queryInt64(r, "afterId", 0), Limit: clampLimit(queryInt(r, "limit", 100))}

	msgs, err := s.store.MessagesAfter(r.Context(), id, opt)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMessageViews(msgs))
}

// handleMessagesForUser implements GET
// /internal/users/{id}/messages?afterId=&limit= (supplemented, used by
// SYNC_REQUEST and the offline-queue batch load).
func (s *Server) handleMessagesForUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	afterID := queryInt64(r, "afterId", 0)
	limit := clampLimit(queryInt(r, "limit", 500))

	msgs, err := s.store.MessagesForUserAfter(r.Context(), id, afterID, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMessageViews(msgs))
}

// handleMarkRead implements POST /internal/conversations/{id}/read
// (§6.2): updates the caller's read cursor monotonically and reports the
// peer to notify for a private_chat conversation.
func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	caller := userIDFromContext(r.Context())

	var req struct {
		LastReadMsgID int64 `json:"lastReadMsgId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	applied, err := s.store.ReadCursorUpdate(r.Context(), caller, conversationID, req.LastReadMsgID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	resp := struct {
		ConversationID string `json:"conversationId"`
		LastReadMsgID  int64  `json:"lastReadMsgId"`
		ReaderID       string `json:"readerId"`
		NotifyUserID   string `json:"notifyUserId,omitempty"`
	}{ConversationID: conversationID, LastReadMsgID: req.LastReadMsgID, ReaderID: caller}

	if applied {
		kind, err := s.store.ConversationKind(r.Context(), conversationID)
		if err == nil && kind == store.ConvPrivateChat {
			if participants, err := s.store.ConversationParticipants(r.Context(), conversationID); err == nil {
				for _, uid := range participants {
					if uid != caller {
						resp.NotifyUserID = uid
						break
					}
				}
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleMembershipChanged implements the supplemented POST
// /internal/events/membership-changed webhook (SPEC_FULL.md): the
// Gateway's Message Router listens for this to invalidate its
// participant cache.
func (s *Server) handleMembershipChanged(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConversationID string `json:"conversationId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if s.onMembershipChanged != nil {
		s.onMembershipChanged(req.ConversationID)
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// handleSyncMessages implements GET /sync/messages?since= (§6.3).
func (s *Server) handleSyncMessages(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	since := queryInt64(r, "since", 0)
	limit := clampLimit(queryInt(r, "limit", 500))

	msgs, err := s.store.MessagesForUserAfter(r.Context(), userID, since, limit+1)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	writeJSON(w, http.StatusOK, struct {
		Messages []proto.MessageView `json:"messages"`
		HasMore  bool                 `json:"hasMore"`
	}{Messages: toMessageViews(msgs), HasMore: hasMore})
}

// handleSyncAck implements POST /sync/ack (§6.3): advances a device's
// sync cursor.
func (s *Server) handleSyncAck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID       string `json:"userId"`
		DeviceID     string `json:"deviceId"`
		LastSyncedID int64  `json:"lastSyncedId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err := s.store.SyncCursorUpdate(r.Context(), req.UserID, req.DeviceID, req.LastSyncedID, time.Now()); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// handleSyncStatus implements GET /sync/status?userId=&deviceId= (§6.3).
func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	deviceID := r.URL.Query().Get("deviceId")

	cursor, err := s.store.SyncCursorGet(r.Context(), userID, deviceID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		LastSyncedID int64 `json:"lastSyncedId"`
	}{LastSyncedID: cursor})
}

func toMessageViews(msgs []store.Message) []proto.MessageView {
	out := make([]proto.MessageView, 0, len(msgs))
	for i := range msgs {
		out = append(out, toMessageView(&msgs[i]))
	}
	return out
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func queryInt64(r *http.Request, key string, def int64) int64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func clampLimit(n int) int {
	if n <= 0 {
		return 100
	}
	if n > 500 {
		return 500
	}
	return n
}
