package sqlitestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lumi-chat/gateway/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(1)
	require.NoError(t, err)
	require.NoError(t, s.Open("file::memory:?cache=shared"))
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	_, err = s.db.ExecContext(ctx, `INSERT INTO conversations (id, kind) VALUES ('c1', 'private_chat')`)
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, `INSERT INTO conversation_participants (conversation_id, user_id) VALUES ('c1','alice'), ('c1','bob')`)
	require.NoError(t, err)
	return s
}

func TestMessageSaveIsIdempotentOnMsgID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	now := time.Now().UTC()
	first, err := s.MessageSave(ctx, &store.Message{
		MsgID: "m1", ConversationID: "c1", SenderID: "alice", MsgType: store.MsgText,
		Content: "hi", ClientCreatedAt: now, ServerCreatedAt: now,
	})
	require.NoError(t, err)

	second, err := s.MessageSave(ctx, &store.Message{
		MsgID: "m1", ConversationID: "c1", SenderID: "alice", MsgType: store.MsgText,
		Content: "hi again", ClientCreatedAt: now, ServerCreatedAt: now,
	})
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)
	require.Equal(t, "hi", second.Content) // first submission's outcome wins
}

func TestMessageRecallWindow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	created := time.Now().UTC().Add(-200 * time.Second)
	_, err := s.MessageSave(ctx, &store.Message{
		MsgID: "m2", ConversationID: "c1", SenderID: "alice", MsgType: store.MsgText,
		Content: "bye", ClientCreatedAt: created, ServerCreatedAt: created,
	})
	require.NoError(t, err)

	_, err = s.MessageRecall(ctx, "m2", "alice", 120*time.Second, time.Now().UTC())
	require.ErrorIs(t, err, store.ErrForbidden)

	_, err = s.MessageRecall(ctx, "m2", "bob", 120*time.Second, time.Now().UTC())
	require.ErrorIs(t, err, store.ErrForbidden) // not the sender, even within window
}

func TestReadCursorIsMonotone(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	applied, err := s.ReadCursorUpdate(ctx, "bob", "c1", 500)
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = s.ReadCursorUpdate(ctx, "bob", "c1", 300)
	require.NoError(t, err)
	require.False(t, applied)

	id, err := s.ReadCursorGet(ctx, "bob", "c1")
	require.NoError(t, err)
	require.EqualValues(t, 500, id)
}

func TestOfflineQueueLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	now := time.Now().UTC()
	msg, err := s.MessageSave(ctx, &store.Message{
		MsgID: "m3", ConversationID: "c1", SenderID: "alice", MsgType: store.MsgText,
		Content: "while you were out", ClientCreatedAt: now, ServerCreatedAt: now,
	})
	require.NoError(t, err)

	err = s.OfflineQueueInsert(ctx, &store.OfflineQueueEntry{
		TargetUserID: "bob", MessageID: msg.ID, CreatedAt: now, ExpiredAt: now.Add(7 * 24 * time.Hour),
	})
	require.NoError(t, err)

	pending, err := s.OfflineQueuePending(ctx, "bob", "d1", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.OfflineQueueMarkDelivered(ctx, []int64{pending[0].ID}, time.Now().UTC()))

	pending, err = s.OfflineQueuePending(ctx, "bob", "d1", 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestOfflineQueueReapExpired(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	now := time.Now().UTC()
	msg, err := s.MessageSave(ctx, &store.Message{
		MsgID: "m4", ConversationID: "c1", SenderID: "alice", MsgType: store.MsgText,
		Content: "stale", ClientCreatedAt: now, ServerCreatedAt: now,
	})
	require.NoError(t, err)

	require.NoError(t, s.OfflineQueueInsert(ctx, &store.OfflineQueueEntry{
		TargetUserID: "bob", MessageID: msg.ID, CreatedAt: now.Add(-8 * 24 * time.Hour), ExpiredAt: now.Add(-1 * time.Hour),
	}))

	n, err := s.OfflineQueueReapExpired(ctx, now)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	pending, err := s.OfflineQueuePending(ctx, "bob", "", 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}
