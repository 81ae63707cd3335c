package router

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lumi-chat/gateway/internal/apiclient"
	"github.com/lumi-chat/gateway/internal/persistenceapi"
	"github.com/lumi-chat/gateway/internal/proto"
	"github.com/lumi-chat/gateway/internal/registry"
	"github.com/lumi-chat/gateway/internal/sqlitestore"
)

// fakeSender is a registry.Handle + Sender double standing in for a
// gatewaysession actor: it records every packet pushed to it instead of
// writing to a real WebSocket connection.
type fakeSender struct {
	userID, deviceID string
	received         []*proto.Packet
	kicked           string
}

func (f *fakeSender) UserID() string      { return f.userID }
func (f *fakeSender) DeviceID() string    { return f.deviceID }
func (f *fakeSender) Notify(reason string) { f.kicked = reason }
func (f *fakeSender) Close()              {}
func (f *fakeSender) SendPacket(p *proto.Packet) bool {
	f.received = append(f.received, p)
	return true
}

func decodeTypes(pkts []*proto.Packet) []proto.Opcode {
	out := make([]proto.Opcode, len(pkts))
	for i, p := range pkts {
		out[i] = p.Type
	}
	return out
}

// newTestRouter spins up a real persistenceapi server backed by an
// in-memory sqlite store (seeded with group conversation c1: alice, bob,
// carol, and private_chat conversation p1: alice, bob)
// and a real registry.Registry, and wires a Router on top of both -- the
// same collaborators the Gateway binary wires, just in-process.
func newTestRouter(t *testing.T) (*Router, *registry.Registry) {
	t.Helper()
	st, err := sqlitestore.New(1)
	require.NoError(t, err)
	require.NoError(t, st.Open("file::memory:?cache=shared"))
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	_, err = st.DB().ExecContext(ctx, `INSERT INTO conversations (id, kind) VALUES ('c1', 'group_chat'), ('p1', 'private_chat')`)
	require.NoError(t, err)
	_, err = st.DB().ExecContext(ctx,
		`INSERT INTO conversation_participants (conversation_id, user_id) VALUES ('c1','alice'), ('c1','bob'), ('c1','carol'), ('p1','alice'), ('p1','bob')`)
	require.NoError(t, err)

	papi := persistenceapi.New(st, "svc-token", 2*time.Minute, 7*24*time.Hour)
	srv := httptest.NewServer(papi.Handler())
	t.Cleanup(srv.Close)

	api := apiclient.New(srv.URL, "svc-token")
	reg := registry.New(nil)
	r := New(reg, nil, api, time.Minute)
	return r, reg
}

func TestHandleChatMessageAcksSenderAndFansOutToOthers(t *testing.T) {
	r, reg := newTestRouter(t)

	aliceD1 := &fakeSender{userID: "alice", deviceID: "d1"}
	aliceD2 := &fakeSender{userID: "alice", deviceID: "d2"}
	bob := &fakeSender{userID: "bob", deviceID: "d1"}
	reg.Bind("alice", "d1", aliceD1)
	reg.Bind("alice", "d2", aliceD2)
	reg.Bind("bob", "d1", bob)
	// carol has no live session anywhere: she should end up offline-queued.

	ack := r.HandleChatMessage(context.Background(), Origin{UserID: "alice", DeviceID: "d1"}, "seq-1",
		proto.ChatMessagePayload{MsgID: "m1", ConversationID: "c1", MsgType: "text", Content: "hi", ClientCreatedAt: time.Now().UnixMilli()})

	require.Equal(t, proto.OpChatMessageAck, ack.Type)
	var ackPayload proto.ChatMessageAckPayload
	require.NoError(t, ack.Decode(&ackPayload))
	require.True(t, ackPayload.Success)
	require.Equal(t, "m1", ackPayload.MsgID)

	// The originating device only gets the ack, not a second RECEIVE_MESSAGE.
	require.Empty(t, aliceD1.received)
	// Alice's other device and bob both get RECEIVE_MESSAGE.
	require.Equal(t, []proto.Opcode{proto.OpReceiveMessage}, decodeTypes(aliceD2.received))
	require.Equal(t, []proto.Opcode{proto.OpReceiveMessage}, decodeTypes(bob.received))

	pending, err := r.api.OfflineQueuePending(context.Background(), apiclient.Principal{UserID: "carol", DeviceID: "d1"}, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "m1", pending[0].Message.MsgID)
}

// TestHandleChatMessageQueuesOfflineForSendersOwnOfflineDevice reproduces
// the case where the sending user has another device that is genuinely
// offline: fanOut must not treat the excluded (sending) device as
// "delivered" when deciding whether to enqueue for the rest of the user's
// devices, or that other, offline device never gets queued and can never
// be redelivered.
func TestHandleChatMessageQueuesOfflineForSendersOwnOfflineDevice(t *testing.T) {
	r, reg := newTestRouter(t)

	aliceD1 := &fakeSender{userID: "alice", deviceID: "d1"}
	reg.Bind("alice", "d1", aliceD1)
	// alice's d2 never binds a session: it is offline.

	ack := r.HandleChatMessage(context.Background(), Origin{UserID: "bob", DeviceID: "d1"}, "seq-1",
		proto.ChatMessagePayload{MsgID: "m1", ConversationID: "c1", MsgType: "text", Content: "hi", ClientCreatedAt: time.Now().UnixMilli()})
	var ackPayload proto.ChatMessageAckPayload
	require.NoError(t, ack.Decode(&ackPayload))
	require.True(t, ackPayload.Success)

	aliceD1.received = nil

	ack2 := r.HandleChatMessage(context.Background(), Origin{UserID: "alice", DeviceID: "d1"}, "seq-2",
		proto.ChatMessagePayload{MsgID: "m2", ConversationID: "c1", MsgType: "text", Content: "hi again", ClientCreatedAt: time.Now().UnixMilli()})
	require.NoError(t, ack2.Decode(&ackPayload))
	require.True(t, ackPayload.Success)

	// alice's d1 is the sender and is excluded; alice's d2 is offline and
	// must be queued even though d1 (the only other "device" fanOut saw
	// for alice) was never actually delivered to.
	pending, err := r.api.OfflineQueuePending(context.Background(), apiclient.Principal{UserID: "alice", DeviceID: "d2"}, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "m2", pending[0].Message.MsgID)
}

func TestHandleChatMessagePersistenceFailureAcksError(t *testing.T) {
	r, _ := newTestRouter(t)

	ack := r.HandleChatMessage(context.Background(), Origin{UserID: "alice", DeviceID: "d1"}, "seq-1",
		proto.ChatMessagePayload{MsgID: "m1", ConversationID: "does-not-exist", MsgType: "text", Content: "hi"})

	var ackPayload proto.ChatMessageAckPayload
	require.NoError(t, ack.Decode(&ackPayload))
	require.False(t, ackPayload.Success)
	require.NotEmpty(t, ackPayload.Error)
}

func TestHandleTypingExcludesSenderDeviceOnly(t *testing.T) {
	r, reg := newTestRouter(t)

	aliceD1 := &fakeSender{userID: "alice", deviceID: "d1"}
	aliceD2 := &fakeSender{userID: "alice", deviceID: "d2"}
	bob := &fakeSender{userID: "bob", deviceID: "d1"}
	reg.Bind("alice", "d1", aliceD1)
	reg.Bind("alice", "d2", aliceD2)
	reg.Bind("bob", "d1", bob)

	r.HandleTyping(context.Background(), Origin{UserID: "alice", DeviceID: "d1"},
		proto.TypingPayload{ConversationID: "c1"})

	require.Empty(t, aliceD1.received)
	require.Equal(t, []proto.Opcode{proto.OpTypingNotify}, decodeTypes(aliceD2.received))
	require.Equal(t, []proto.Opcode{proto.OpTypingNotify}, decodeTypes(bob.received))
}

func TestHandleRecallMessageNotifiesAllParticipantsIncludingCaller(t *testing.T) {
	r, reg := newTestRouter(t)

	aliceD1 := &fakeSender{userID: "alice", deviceID: "d1"}
	bob := &fakeSender{userID: "bob", deviceID: "d1"}
	reg.Bind("alice", "d1", aliceD1)
	reg.Bind("bob", "d1", bob)

	ack := r.HandleChatMessage(context.Background(), Origin{UserID: "alice", DeviceID: "d1"}, "seq-1",
		proto.ChatMessagePayload{MsgID: "m1", ConversationID: "c1", MsgType: "text", Content: "hi", ClientCreatedAt: time.Now().UnixMilli()})
	var ackPayload proto.ChatMessageAckPayload
	require.NoError(t, ack.Decode(&ackPayload))
	require.True(t, ackPayload.Success)

	aliceD1.received = nil
	bob.received = nil

	recallAck := r.HandleRecallMessage(context.Background(), Origin{UserID: "alice", DeviceID: "d1"}, "seq-2",
		proto.RecallMessagePayload{MsgID: "m1"})

	var recallPayload proto.RecallAckPayload
	require.NoError(t, recallAck.Decode(&recallPayload))
	require.True(t, recallPayload.Success)

	// RECALL_NOTIFY fans out to every participant device, including the
	// caller's own (unlike CHAT_MESSAGE, the caller's device is not excluded).
	require.Equal(t, []proto.Opcode{proto.OpRecallNotify}, decodeTypes(aliceD1.received))
	require.Equal(t, []proto.Opcode{proto.OpRecallNotify}, decodeTypes(bob.received))
}

func TestHandleRecallMessageByNonSenderAcksFailure(t *testing.T) {
	r, _ := newTestRouter(t)

	ack := r.HandleChatMessage(context.Background(), Origin{UserID: "alice", DeviceID: "d1"}, "seq-1",
		proto.ChatMessagePayload{MsgID: "m1", ConversationID: "c1", MsgType: "text", Content: "hi", ClientCreatedAt: time.Now().UnixMilli()})
	var ackPayload proto.ChatMessageAckPayload
	require.NoError(t, ack.Decode(&ackPayload))
	require.True(t, ackPayload.Success)

	recallAck := r.HandleRecallMessage(context.Background(), Origin{UserID: "bob", DeviceID: "d1"}, "seq-2",
		proto.RecallMessagePayload{MsgID: "m1"})

	var recallPayload proto.RecallAckPayload
	require.NoError(t, recallAck.Decode(&recallPayload))
	require.False(t, recallPayload.Success)
}

func TestHandleReadAckNotifiesPeerAndSyncsOtherDevices(t *testing.T) {
	r, reg := newTestRouter(t)

	aliceD1 := &fakeSender{userID: "alice", deviceID: "d1"}
	aliceD2 := &fakeSender{userID: "alice", deviceID: "d2"}
	bob := &fakeSender{userID: "bob", deviceID: "d1"}
	reg.Bind("alice", "d1", aliceD1)
	reg.Bind("alice", "d2", aliceD2)
	reg.Bind("bob", "d1", bob)

	ack := r.HandleChatMessage(context.Background(), Origin{UserID: "bob", DeviceID: "d1"}, "seq-1",
		proto.ChatMessagePayload{MsgID: "m1", ConversationID: "p1", MsgType: "text", Content: "hi", ClientCreatedAt: time.Now().UnixMilli()})
	var ackPayload proto.ChatMessageAckPayload
	require.NoError(t, ack.Decode(&ackPayload))
	require.True(t, ackPayload.Success)

	aliceD1.received, aliceD2.received, bob.received = nil, nil, nil

	r.HandleReadAck(context.Background(), Origin{UserID: "alice", DeviceID: "d1"},
		proto.ReadAckPayload{ConversationID: "p1", LastReadMsgID: 1})

	// The acking device gets nothing back; its other device gets a
	// SYNC_RESPONSE badge-clear, and the peer (bob) gets READ_RECEIPT_NOTIFY.
	require.Empty(t, aliceD1.received)
	require.Equal(t, []proto.Opcode{proto.OpSyncResponse}, decodeTypes(aliceD2.received))
	require.Equal(t, []proto.Opcode{proto.OpReadReceiptNotify}, decodeTypes(bob.received))
}

func TestHandleReactionFansOutToOtherParticipants(t *testing.T) {
	r, reg := newTestRouter(t)

	aliceD1 := &fakeSender{userID: "alice", deviceID: "d1"}
	bob := &fakeSender{userID: "bob", deviceID: "d1"}
	reg.Bind("alice", "d1", aliceD1)
	reg.Bind("bob", "d1", bob)

	ack := r.HandleChatMessage(context.Background(), Origin{UserID: "alice", DeviceID: "d1"}, "seq-1",
		proto.ChatMessagePayload{MsgID: "m1", ConversationID: "c1", MsgType: "text", Content: "hi", ClientCreatedAt: time.Now().UnixMilli()})
	var ackPayload proto.ChatMessageAckPayload
	require.NoError(t, ack.Decode(&ackPayload))
	require.True(t, ackPayload.Success)

	aliceD1.received, bob.received = nil, nil

	r.HandleReaction(context.Background(), Origin{UserID: "bob", DeviceID: "d1"},
		proto.ReactionPayload{MsgID: "m1", Emoji: "\U0001F44D", Action: "add"})

	require.Equal(t, []proto.Opcode{proto.OpReactionNotify}, decodeTypes(aliceD1.received))
	require.Empty(t, bob.received) // the reactor's own device is excluded
}

func TestHandleSyncRequestReturnsDeltaAndAdvancesCursor(t *testing.T) {
	r, _ := newTestRouter(t)

	for i, msgID := range []string{"m1", "m2"} {
		ack := r.HandleChatMessage(context.Background(), Origin{UserID: "bob", DeviceID: "d1"}, "seq",
			proto.ChatMessagePayload{MsgID: msgID, ConversationID: "c1", MsgType: "text", Content: "hi", ClientCreatedAt: time.Now().UnixMilli()})
		var p proto.ChatMessageAckPayload
		require.NoError(t, ack.Decode(&p))
		require.Truef(t, p.Success, "message %d: %s", i, p.Error)
	}

	resp := r.HandleSyncRequest(context.Background(), Origin{UserID: "alice", DeviceID: "d1"}, "seq-sync",
		proto.SyncRequestPayload{LastSyncCursor: 0})

	require.Equal(t, proto.OpSyncResponse, resp.Type)
	var payload proto.SyncResponsePayload
	require.NoError(t, resp.Decode(&payload))
	require.Len(t, payload.NewMessages, 2)
	require.False(t, payload.HasMore)
	require.EqualValues(t, payload.NewMessages[len(payload.NewMessages)-1].ID, payload.SyncCursor)
}

func TestParticipantCacheIsInvalidatedOnMembershipChange(t *testing.T) {
	r, _ := newTestRouter(t)

	first, err := r.participants(context.Background(), apiclient.Principal{UserID: "alice"}, "c1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"alice", "bob", "carol"}, first)

	ids, ok := r.cache.get("c1")
	require.True(t, ok)
	require.ElementsMatch(t, []string{"alice", "bob", "carol"}, ids)

	r.InvalidateConversation("c1")
	_, ok = r.cache.get("c1")
	require.False(t, ok)
}
