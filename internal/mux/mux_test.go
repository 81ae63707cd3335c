package mux

import (
	"context"
	"testing"
	"time"

	"github.com/lumi-chat/gateway/internal/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveDeliversMatchingSeq(t *testing.T) {
	m := New()
	await := m.Register("s1", time.Second)

	reply := &proto.Packet{Type: proto.OpChatMessageAck, Seq: "s1"}
	require.True(t, m.Resolve(reply))

	pkt, err := await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "s1", pkt.Seq)
	assert.Equal(t, 0, m.Pending())
}

func TestResolveUnknownSeqIsNoop(t *testing.T) {
	m := New()
	assert.False(t, m.Resolve(&proto.Packet{Seq: "ghost"}))
}

func TestRegisterTimesOut(t *testing.T) {
	m := New()
	await := m.Register("s2", 10*time.Millisecond)

	_, err := await(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, m.Pending())
}

func TestShutdownRejectsAllPending(t *testing.T) {
	m := New()
	a1 := m.Register("a", time.Second)
	a2 := m.Register("b", time.Second)

	m.Shutdown()

	_, err1 := a1(context.Background())
	_, err2 := a2(context.Background())
	assert.ErrorIs(t, err1, ErrClosed)
	assert.ErrorIs(t, err2, ErrClosed)

	// A late resolve against a shut-down mux is a no-op.
	assert.False(t, m.Resolve(&proto.Packet{Seq: "a"}))
}

func TestRegisterAfterShutdownFailsImmediately(t *testing.T) {
	m := New()
	m.Shutdown()

	await := m.Register("late", time.Second)
	_, err := await(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestContextCancelRemovesPendingEntry(t *testing.T) {
	m := New()
	ctx, cancel := context.WithCancel(context.Background())
	await := m.Register("c", time.Second)
	cancel()

	_, err := await(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, m.Pending())
}
