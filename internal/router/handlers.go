package router

import (
	"context"
	"time"

	"github.com/lumi-chat/gateway/internal/apiclient"
	"github.com/lumi-chat/gateway/internal/proto"
)

// Origin identifies the session that sent the packet being routed.
type Origin struct {
	UserID   string
	DeviceID string
}

func (o Origin) principal() apiclient.Principal {
	return apiclient.Principal{UserID: o.UserID, DeviceID: o.DeviceID}
}

// HandleChatMessage implements the CHAT_MESSAGE row of §4.5's table:
// persist idempotently, ack the sender, and fan RECEIVE_MESSAGE out to
// every other participant device and the sender's other devices.
func (r *Router) HandleChatMessage(ctx context.Context, from Origin, seq string, in proto.ChatMessagePayload) *proto.Packet {
	now := time.Now()
	saved, err := r.api.SendMessage(ctx, from.principal(), apiclient.SendMessageRequest{
		MsgID: in.MsgID, ConversationID: in.ConversationID, SenderID: from.UserID, SenderDeviceID: from.DeviceID,
		MsgType: in.MsgType, Content: in.Content, Metadata: in.Metadata, QuoteMsgID: in.QuoteMsgID,
		AtUserIDs: in.AtUserIDs, ClientCreatedAt: in.ClientCreatedAt,
	})
	if err != nil {
		pkt, _ := proto.NewPacket(proto.OpChatMessageAck, seq,
			proto.ChatMessageAckPayload{MsgID: in.MsgID, Success: false, Error: err.Error()}, now)
		return pkt
	}

	participants, err := r.participants(ctx, from.principal(), in.ConversationID)
	if err != nil {
		pkt, _ := proto.NewPacket(proto.OpChatMessageAck, seq,
			proto.ChatMessageAckPayload{MsgID: in.MsgID, Success: false, Error: err.Error()}, now)
		return pkt
	}

	for _, uid := range participants {
		exclude := ""
		if uid == from.UserID {
			exclude = from.DeviceID // the originating device gets the ack, not a second copy
		}
		notify, _ := proto.NewPacket(proto.OpReceiveMessage, newSeq(), saved, now)
		r.fanOut(ctx, from.principal(), uid, exclude, saved.ID, notify)
	}

	pkt, _ := proto.NewPacket(proto.OpChatMessageAck, seq,
		proto.ChatMessageAckPayload{MsgID: saved.MsgID, ServerTimestamp: saved.ServerCreatedAt, Success: true}, now)
	return pkt
}

// HandleRecallMessage implements the RECALL_MESSAGE row: validate
// ownership and the recall window, then notify every participant device
// including the caller's.
func (r *Router) HandleRecallMessage(ctx context.Context, from Origin, seq string, in proto.RecallMessagePayload) *proto.Packet {
	now := time.Now()
	recalled, err := r.api.RecallMessage(ctx, from.principal(), in.MsgID)
	if err != nil {
		pkt, _ := proto.NewPacket(proto.OpRecallAck, seq,
			proto.RecallAckPayload{MsgID: in.MsgID, Success: false, Error: err.Error()}, now)
		return pkt
	}

	notify := proto.RecallNotifyPayload{MsgID: in.MsgID, RecalledAt: recalled.RecalledAt, RecalledBy: from.UserID}
	if participants, perr := r.participants(ctx, from.principal(), recalled.ConversationID); perr == nil {
		for _, uid := range participants {
			pkt, _ := proto.NewPacket(proto.OpRecallNotify, newSeq(), notify, now)
			r.fanOut(ctx, from.principal(), uid, "", 0, pkt)
		}
	}

	pkt, _ := proto.NewPacket(proto.OpRecallAck, seq, proto.RecallAckPayload{MsgID: in.MsgID, Success: true}, now)
	return pkt
}

// HandleTyping implements the TYPING row: no persistence, fan
// TYPING_NOTIFY out to every other participant device, no echo to the
// sender.
func (r *Router) HandleTyping(ctx context.Context, from Origin, in proto.TypingPayload) {
	now := time.Now()
	participants, err := r.participants(ctx, from.principal(), in.ConversationID)
	if err != nil {
		return
	}
	payload := proto.TypingPayload{ConversationID: in.ConversationID, From: from.UserID}
	for _, uid := range participants {
		exclude := ""
		if uid == from.UserID {
			exclude = from.DeviceID
		}
		pkt, _ := proto.NewPacket(proto.OpTypingNotify, newSeq(), payload, now)
		r.fanOut(ctx, from.principal(), uid, exclude, 0, pkt)
	}
}

// HandleReadAck implements the READ_ACK row: update the read cursor
// monotonically, notify the peer (private_chat only), and zero the
// reader's other devices' unread badge.
func (r *Router) HandleReadAck(ctx context.Context, from Origin, in proto.ReadAckPayload) {
	now := time.Now()
	resp, err := r.api.MarkRead(ctx, from.principal(), in.ConversationID, in.LastReadMsgID)
	if err != nil {
		return
	}

	if resp.NotifyUserID != "" {
		notify := proto.ReadReceiptNotifyPayload{
			ConversationID: in.ConversationID, ReaderID: from.UserID, LastReadMsgID: in.LastReadMsgID,
		}
		pkt, _ := proto.NewPacket(proto.OpReadReceiptNotify, newSeq(), notify, now)
		r.fanOut(ctx, from.principal(), resp.NotifyUserID, "", 0, pkt)
	}

	update := proto.ReadStatusUpdate{ConversationID: in.ConversationID, LastReadMsgID: in.LastReadMsgID}
	sync := proto.SyncResponsePayload{ReadStatusUpdates: []proto.ReadStatusUpdate{update}}
	pkt, _ := proto.NewPacket(proto.OpSyncResponse, newSeq(), sync, now)
	r.fanOut(ctx, from.principal(), from.UserID, from.DeviceID, 0, pkt)
}

// HandleReaction implements the supplemented REACTION opcode
// (SPEC_FULL.md): fan out like TYPING, persisted idempotently on
// (msgId, userId, emoji).
func (r *Router) HandleReaction(ctx context.Context, from Origin, in proto.ReactionPayload) {
	now := time.Now()
	conversationID, err := r.api.ReactToMessage(ctx, from.principal(), in.MsgID, in.Emoji, in.Action)
	if err != nil {
		return
	}
	participants, err := r.participants(ctx, from.principal(), conversationID)
	if err != nil {
		return
	}
	notify := proto.ReactionNotifyPayload{MsgID: in.MsgID, Emoji: in.Emoji, Action: in.Action, From: from.UserID}
	for _, uid := range participants {
		exclude := ""
		if uid == from.UserID {
			exclude = from.DeviceID
		}
		pkt, _ := proto.NewPacket(proto.OpReactionNotify, newSeq(), notify, now)
		r.fanOut(ctx, from.principal(), uid, exclude, 0, pkt)
	}
}

// HandleSyncRequest implements SYNC_REQUEST: a bounded delta (messages,
// recalls, read-status updates) since the device's cursor (§4.6 last
// paragraph).
func (r *Router) HandleSyncRequest(ctx context.Context, from Origin, seq string, in proto.SyncRequestPayload) *proto.Packet {
	const limit = 500
	now := time.Now()

	msgs, err := r.api.MessagesForUserSince(ctx, from.principal(), from.UserID, in.LastSyncCursor, limit+1)
	if err != nil {
		pkt, _ := proto.NewPacket(proto.OpSyncResponse, seq, proto.SyncResponsePayload{SyncCursor: in.LastSyncCursor}, now)
		return pkt
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}

	resp := proto.SyncResponsePayload{SyncCursor: in.LastSyncCursor, HasMore: hasMore}
	var maxID int64
	for _, m := range msgs {
		if m.RecalledAt != 0 {
			resp.RecalledMessages = append(resp.RecalledMessages, proto.RecallNotifyPayload{
				MsgID: m.MsgID, RecalledAt: m.RecalledAt,
			})
		} else {
			resp.NewMessages = append(resp.NewMessages, m)
		}
		if m.ID > maxID {
			maxID = m.ID
		}
	}
	if maxID > resp.SyncCursor {
		resp.SyncCursor = maxID
	}

	pkt, _ := proto.NewPacket(proto.OpSyncResponse, seq, resp, now)
	return pkt
}
