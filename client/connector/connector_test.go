package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/lumi-chat/gateway/internal/proto"
)

// offlineSyncCompleteSeq is the fixed seq fakeGateway uses when it pushes
// OFFLINE_SYNC_COMPLETE, so tests can assert the client echoes the same
// seq back on OFFLINE_SYNC_ACK.
const offlineSyncCompleteSeq = "offline-complete-1"

// fakeGateway is a minimal stand-in for gatewaysession.Handler: it
// answers LOGIN, HEARTBEAT, and LOGOUT, and can be told to drop the next
// connection right after LOGIN succeeds, to exercise the reconnect path.
// It can also push an unprompted OFFLINE_SYNC_COMPLETE right after login,
// to exercise the server-initiated-request side of the protocol.
type fakeGateway struct {
	upgrader websocket.Upgrader

	loginOK                 bool
	dropAfter               int32 // connections to accept-then-drop before behaving normally
	connections             int32
	pushOfflineSyncComplete bool
	offlineSyncAcks         int32

	mu                sync.Mutex
	lastOfflineAckSeq string
}

func newFakeGateway(loginOK bool) *fakeGateway {
	return &fakeGateway{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		loginOK:  loginOK,
	}
}

func (g *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	gen := atomic.AddInt32(&g.connections, 1)

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return
	}
	var login proto.Packet
	if err := json.Unmarshal(raw, &login); err != nil {
		return
	}

	var resp *proto.Packet
	if g.loginOK {
		resp = proto.LoginSuccess(login.Seq, "u1", time.Now())
	} else {
		resp = proto.LoginFailure(login.Seq, "bad token", time.Now())
	}
	b, _ := json.Marshal(resp)
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return
	}
	if !g.loginOK {
		return
	}

	if gen <= atomic.LoadInt32(&g.dropAfter) {
		return // simulate an abrupt disconnect right after login
	}

	if g.pushOfflineSyncComplete {
		complete, _ := proto.NewPacket(proto.OpOfflineSyncComplete, offlineSyncCompleteSeq,
			proto.OfflineSyncCompletePayload{TotalDelivered: 0, HasMore: false}, time.Now())
		b, _ := json.Marshal(complete)
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			return
		}
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var pkt proto.Packet
		if err := json.Unmarshal(raw, &pkt); err != nil {
			continue
		}
		var out *proto.Packet
		switch pkt.Type {
		case proto.OpHeartbeat:
			out, _ = proto.NewPacket(proto.OpHeartbeatResponse, pkt.Seq, nil, time.Now())
		case proto.OpLogout:
			out, _ = proto.NewPacket(proto.OpLogoutResponse, pkt.Seq, nil, time.Now())
		case proto.OpChatMessage:
			out, _ = proto.NewPacket(proto.OpChatMessageAck, pkt.Seq, proto.ChatMessageAckPayload{Success: true}, time.Now())
		case proto.OpOfflineSyncAck:
			atomic.AddInt32(&g.offlineSyncAcks, 1)
			g.mu.Lock()
			g.lastOfflineAckSeq = pkt.Seq
			g.mu.Unlock()
			continue
		default:
			continue
		}
		b, _ := json.Marshal(out)
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			return
		}
	}
}

func wsURLFor(ts *httptest.Server) string {
	return "ws://" + strings.TrimPrefix(ts.URL, "http://")
}

func newConnected(t *testing.T, gw *fakeGateway) (*Connector, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(gw)
	c := New(Config{
		URL:            wsURLFor(ts),
		Token:          "user:u1",
		DeviceID:       "d1",
		DeviceType:     "mobile",
		RequestTimeout: time.Second,
		HeartbeatEvery: 50 * time.Millisecond,
	})
	require.NoError(t, c.Connect(context.Background()))
	return c, ts
}

func TestConnectSucceedsAndFiresOnConnected(t *testing.T) {
	gw := newFakeGateway(true)
	var fired bool
	ts := httptest.NewServer(gw)
	defer ts.Close()

	c := New(Config{URL: wsURLFor(ts), Token: "user:u1", DeviceID: "d1", DeviceType: "mobile"})
	c.OnConnected = func() { fired = true }
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	require.Equal(t, Connected, c.State())
	require.Equal(t, "u1", c.UserID())
	require.True(t, fired)
}

func TestConnectFailsOnLoginRejection(t *testing.T) {
	gw := newFakeGateway(false)
	ts := httptest.NewServer(gw)
	defer ts.Close()

	c := New(Config{URL: wsURLFor(ts), Token: "bad", DeviceID: "d1", DeviceType: "mobile"})
	err := c.Connect(context.Background())
	require.ErrorIs(t, err, ErrLoginRejected)
	require.Equal(t, Disconnected, c.State())
}

func TestRequestRoundTripsChatMessageAck(t *testing.T) {
	gw := newFakeGateway(true)
	c, ts := newConnected(t, gw)
	defer ts.Close()
	defer c.Disconnect()

	resp, err := c.Request(context.Background(), proto.OpChatMessage, proto.ChatMessagePayload{
		MsgID: "m1", ConversationID: "c1", MsgType: "text", Content: "hi",
	})
	require.NoError(t, err)
	require.Equal(t, proto.OpChatMessageAck, resp.Type)
}

func TestHeartbeatLoopKeepsConnectionAlive(t *testing.T) {
	gw := newFakeGateway(true)
	c, ts := newConnected(t, gw)
	defer ts.Close()
	defer c.Disconnect()

	time.Sleep(200 * time.Millisecond)
	require.Equal(t, Connected, c.State())
}

func TestDisconnectIsSynchronousAndRejectsLaterRequests(t *testing.T) {
	gw := newFakeGateway(true)
	c, ts := newConnected(t, gw)
	defer ts.Close()

	c.Disconnect()
	require.Equal(t, Disconnected, c.State())

	_, err := c.Request(context.Background(), proto.OpChatMessage, proto.ChatMessagePayload{MsgID: "m1"})
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestReplyEchoesServerSeqForOfflineSyncAck(t *testing.T) {
	gw := newFakeGateway(true)
	gw.pushOfflineSyncComplete = true
	ts := httptest.NewServer(gw)
	defer ts.Close()

	c := New(Config{URL: wsURLFor(ts), Token: "user:u1", DeviceID: "d1", DeviceType: "mobile"})
	c.OnPush = func(pkt *proto.Packet) {
		if pkt.Type == proto.OpOfflineSyncComplete {
			err := c.Reply(pkt.Seq, proto.OpOfflineSyncAck, proto.OfflineSyncAckPayload{MarkAllDelivered: true})
			require.NoError(t, err)
		}
	}
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&gw.offlineSyncAcks) == 1
	}, time.Second, 10*time.Millisecond)

	gw.mu.Lock()
	defer gw.mu.Unlock()
	require.Equal(t, offlineSyncCompleteSeq, gw.lastOfflineAckSeq)
}

func TestReplyFailsWhenNotConnected(t *testing.T) {
	c := New(Config{URL: "ws://unused", Token: "user:u1", DeviceID: "d1", DeviceType: "mobile"})
	err := c.Reply("some-seq", proto.OpOfflineSyncAck, proto.OfflineSyncAckPayload{MarkAllDelivered: true})
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestReconnectsAfterUnexpectedDrop(t *testing.T) {
	gw := newFakeGateway(true)
	atomic.StoreInt32(&gw.dropAfter, 1) // first connection is dropped right after login
	ts := httptest.NewServer(gw)
	defer ts.Close()

	var reconnectAttempts int32
	c := New(Config{
		URL: wsURLFor(ts), Token: "user:u1", DeviceID: "d1", DeviceType: "mobile",
		RequestTimeout: time.Second,
	})
	c.OnReconnecting = func(attempt int) { atomic.AddInt32(&reconnectAttempts, 1) }
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&reconnectAttempts) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return c.State() == Connected
	}, 3*time.Second, 10*time.Millisecond, "connector should settle back into Connected after reconnecting")
}

func TestBackoffFollowsDoublingFormulaCappedAt30s(t *testing.T) {
	require.Equal(t, time.Second, backoff(1))
	require.Equal(t, 2*time.Second, backoff(2))
	require.Equal(t, 4*time.Second, backoff(3))
	require.Equal(t, 30*time.Second, backoff(20))
}
