package gatewaysession

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/lumi-chat/gateway/internal/apiclient"
	"github.com/lumi-chat/gateway/internal/auth"
	"github.com/lumi-chat/gateway/internal/persistenceapi"
	"github.com/lumi-chat/gateway/internal/proto"
	"github.com/lumi-chat/gateway/internal/registry"
	"github.com/lumi-chat/gateway/internal/router"
	"github.com/lumi-chat/gateway/internal/sqlitestore"
)

// fakeValidator accepts tokens of the form "user:<id>" and rejects
// everything else, standing in for the identity collaborator (§4.4 step 1).
type fakeValidator struct{}

func (fakeValidator) Validate(ctx context.Context, token string) (auth.Identity, error) {
	if uid, ok := strings.CutPrefix(token, "user:"); ok && uid != "" {
		return auth.Identity{UserID: uid}, nil
	}
	return auth.Identity{}, auth.ErrInvalidToken
}

// testGateway bundles one WebSocket endpoint wired to a real in-memory
// persistenceapi, for end-to-end login/dispatch tests.
type testGateway struct {
	wsURL string
	reg   *registry.Registry
}

func startTestGateway(t *testing.T) *testGateway {
	t.Helper()

	st, err := sqlitestore.New(1)
	require.NoError(t, err)
	require.NoError(t, st.Open("file::memory:?cache=shared"))
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	_, err = st.DB().ExecContext(ctx, `INSERT INTO conversations (id, kind) VALUES ('c1', 'private_chat')`)
	require.NoError(t, err)
	_, err = st.DB().ExecContext(ctx,
		`INSERT INTO conversation_participants (conversation_id, user_id) VALUES ('c1','alice'), ('c1','bob')`)
	require.NoError(t, err)

	papi := persistenceapi.New(st, "svc-token", 2*time.Minute, 7*24*time.Hour)
	papiSrv := httptest.NewServer(papi.Handler())
	t.Cleanup(papiSrv.Close)

	api := apiclient.New(papiSrv.URL, "svc-token")
	reg := registry.New(nil)
	rtr := router.New(reg, nil, api, time.Minute)

	cfg := DefaultConfig()
	cfg.LoginTimeout = 2 * time.Second
	cfg.SlowConsumerTimeout = 200 * time.Millisecond
	h := NewHandler(cfg, reg, rtr, api, fakeValidator{}, nil)

	wsSrv := httptest.NewServer(h)
	t.Cleanup(wsSrv.Close)

	return &testGateway{wsURL: "ws" + strings.TrimPrefix(wsSrv.URL, "http"), reg: reg}
}

func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return conn
}

func writePkt(t *testing.T, conn *websocket.Conn, typ proto.Opcode, seq string, payload interface{}) {
	t.Helper()
	pkt, err := proto.NewPacket(typ, seq, payload, time.Now())
	require.NoError(t, err)
	require.NoError(t, conn.SetWriteDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.WriteJSON(pkt))
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(*proto.Packet) bool) *proto.Packet {
	t.Helper()
	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(500*time.Millisecond)))
		var pkt proto.Packet
		err := conn.ReadJSON(&pkt)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			t.Fatalf("read json: %v", err)
		}
		if match(&pkt) {
			return &pkt
		}
	}
	t.Fatal("timed out waiting for matching packet")
	return nil
}

func login(t *testing.T, conn *websocket.Conn, token, deviceID string) *proto.Packet {
	t.Helper()
	writePkt(t, conn, proto.OpLogin, "seq-login", proto.LoginPayload{Token: token, DeviceID: deviceID, DeviceType: "ios"})
	return readUntil(t, conn, func(p *proto.Packet) bool { return p.Type == proto.OpLoginResponse })
}

func TestLoginSucceedsAndBindsRegistry(t *testing.T) {
	gw := startTestGateway(t)
	conn := dial(t, gw.wsURL)
	defer conn.Close()

	resp := login(t, conn, "user:alice", "d1")
	var payload proto.LoginResponsePayload
	require.NoError(t, resp.Decode(&payload))
	require.True(t, payload.Success)
	require.Equal(t, "alice", payload.UserID)

	require.Eventually(t, func() bool {
		_, ok := gw.reg.LookupDevice("alice", "d1")
		return ok
	}, time.Second, 10*time.Millisecond)
}

func TestLoginWithInvalidTokenFails(t *testing.T) {
	gw := startTestGateway(t)
	conn := dial(t, gw.wsURL)
	defer conn.Close()

	start := time.Now()
	resp := login(t, conn, "garbage", "d1")
	var payload proto.LoginResponsePayload
	require.NoError(t, resp.Decode(&payload))
	require.False(t, payload.Success)

	// The server holds the connection open for a 1s grace period after a
	// LOGIN failure (§4.4 step 1) before closing it.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	require.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
}

func TestHeartbeatReceivesResponse(t *testing.T) {
	gw := startTestGateway(t)
	conn := dial(t, gw.wsURL)
	defer conn.Close()
	login(t, conn, "user:alice", "d1")

	writePkt(t, conn, proto.OpHeartbeat, "seq-hb", nil)
	readUntil(t, conn, func(p *proto.Packet) bool { return p.Type == proto.OpHeartbeatResponse && p.Seq == "seq-hb" })
}

func TestChatMessageRoundTripsAckAndReceive(t *testing.T) {
	gw := startTestGateway(t)

	aliceConn := dial(t, gw.wsURL)
	defer aliceConn.Close()
	login(t, aliceConn, "user:alice", "d1")

	bobConn := dial(t, gw.wsURL)
	defer bobConn.Close()
	login(t, bobConn, "user:bob", "d1")

	writePkt(t, aliceConn, proto.OpChatMessage, "seq-chat", proto.ChatMessagePayload{
		MsgID: "m1", ConversationID: "c1", MsgType: "text", Content: "hi bob", ClientCreatedAt: time.Now().UnixMilli(),
	})

	ack := readUntil(t, aliceConn, func(p *proto.Packet) bool { return p.Type == proto.OpChatMessageAck && p.Seq == "seq-chat" })
	var ackPayload proto.ChatMessageAckPayload
	require.NoError(t, ack.Decode(&ackPayload))
	require.True(t, ackPayload.Success)

	recv := readUntil(t, bobConn, func(p *proto.Packet) bool { return p.Type == proto.OpReceiveMessage })
	var msg proto.MessageView
	require.NoError(t, recv.Decode(&msg))
	require.Equal(t, "m1", msg.MsgID)
}

func TestSecondLoginSameDeviceKicksFirst(t *testing.T) {
	gw := startTestGateway(t)

	first := dial(t, gw.wsURL)
	defer first.Close()
	login(t, first, "user:alice", "d1")

	second := dial(t, gw.wsURL)
	defer second.Close()
	login(t, second, "user:alice", "d1")

	kicked := readUntil(t, first, func(p *proto.Packet) bool { return p.Type == proto.OpKickedOffline })
	var payload proto.KickedOfflinePayload
	require.NoError(t, kicked.Decode(&payload))
	require.NotEmpty(t, payload.Reason)
}

func TestUnknownOpcodeIsDroppedNotClosed(t *testing.T) {
	gw := startTestGateway(t)
	conn := dial(t, gw.wsURL)
	defer conn.Close()
	login(t, conn, "user:alice", "d1")

	writePkt(t, conn, proto.Opcode(9999), "seq-unknown", map[string]string{"x": "y"})
	// The connection must stay usable: a heartbeat sent right after still
	// gets a response instead of the dropped read loop.
	writePkt(t, conn, proto.OpHeartbeat, "seq-hb", nil)
	readUntil(t, conn, func(p *proto.Packet) bool { return p.Type == proto.OpHeartbeatResponse })
}
