// Package connector implements the Client Connector (G8, §4.8): the thin
// reconnecting WebSocket client embedded in each end-user application.
// Tinode/chat has no client library of its own to generalize from, so
// this package is grounded on the other half of the same wire protocol,
// gatewaysession.Session: the same buffered-send-channel-plus-read/write-pump
// shape, reused here with the Connector as the requester instead of the
// responder, and internal/mux doing request/response correlation in the
// opposite direction.
package connector

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lumi-chat/gateway/internal/logging"
	"github.com/lumi-chat/gateway/internal/mux"
	"github.com/lumi-chat/gateway/internal/proto"
)

// State is the Client Connector's connection state (§4.8).
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ErrNotConnected is returned by Request when no session is currently
// connected.
var ErrNotConnected = errors.New("connector: not connected")

// ErrLoginRejected is returned by Connect when the server's
// LOGIN_RESPONSE reports failure.
var ErrLoginRejected = errors.New("connector: login rejected")

const (
	maxReconnectAttempts = 10
	minReconnectDelay    = time.Second
	maxReconnectDelay    = 30 * time.Second
	sendQueueCapacity    = 64
)

// Config configures a Connector.
type Config struct {
	URL            string
	Token          string
	DeviceID       string
	DeviceType     string
	RequestTimeout time.Duration // default mux.DefaultTimeout
	HeartbeatEvery time.Duration // default 45s, matching the server's §4.7 ceiling
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = mux.DefaultTimeout
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = 45 * time.Second
	}
	return c
}

// wire is one WebSocket connection generation: its own mux, outbound
// queue, and shutdown signal, exactly mirroring gatewaysession.Session's
// per-connection state so a reconnect never reuses stale channels.
type wire struct {
	conn *websocket.Conn
	mux  *mux.Mux
	send chan *proto.Packet

	closeOnce sync.Once
	closed    chan struct{}
}

func newWire(conn *websocket.Conn) *wire {
	return &wire{
		conn:   conn,
		mux:    mux.New(),
		send:   make(chan *proto.Packet, sendQueueCapacity),
		closed: make(chan struct{}),
	}
}

func (w *wire) close() {
	w.closeOnce.Do(func() {
		close(w.closed)
		w.mux.Shutdown()
		w.conn.Close()
	})
}

// Connector is the Client Connector (G8).
type Connector struct {
	cfg Config

	// OnConnected, OnReconnecting, OnDisconnected, and OnPush are
	// user-supplied callbacks; set them before calling Connect. Left
	// nil, each is simply skipped.
	OnConnected    func()
	OnReconnecting func(attempt int)
	OnDisconnected func(err error)
	OnPush         func(pkt *proto.Packet)

	mu             sync.Mutex
	state          State
	cur            *wire
	userID         string
	attempt        int
	stopped        bool
	reconnectTimer *time.Timer
}

// New builds a Connector. Call Connect to open the first connection.
func New(cfg Config) *Connector {
	return &Connector{cfg: cfg.withDefaults(), state: Disconnected}
}

// State returns the Connector's current state.
func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UserID returns the authenticated user id from the last successful
// LOGIN_RESPONSE, or "" if never connected.
func (c *Connector) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Connector) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Connect opens the WebSocket, sends LOGIN, and awaits LOGIN_RESPONSE
// (§4.8). On success it starts the heartbeat timer and fires
// OnConnected. On failure the socket is torn down and the error
// returned; Connect does not itself retry -- only a loss of an already
// established connection enters the reconnect loop.
func (c *Connector) Connect(ctx context.Context) error {
	c.setState(Connecting)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		c.setState(Disconnected)
		return err
	}

	w := newWire(conn)
	go c.writePump(w)
	go c.readPump(w)

	seq := uuid.NewString()
	loginPkt, err := proto.NewPacket(proto.OpLogin, seq, proto.LoginPayload{
		Token: c.cfg.Token, DeviceID: c.cfg.DeviceID, DeviceType: c.cfg.DeviceType,
	}, time.Now())
	if err != nil {
		w.close()
		c.setState(Disconnected)
		return err
	}

	wait := w.mux.Register(seq, c.cfg.RequestTimeout)
	select {
	case w.send <- loginPkt:
	case <-w.closed:
		c.setState(Disconnected)
		return ErrNotConnected
	}

	resp, err := wait(ctx)
	if err != nil {
		w.close()
		c.setState(Disconnected)
		return err
	}

	var body proto.LoginResponsePayload
	if err := json.Unmarshal(resp.Data, &body); err != nil {
		w.close()
		c.setState(Disconnected)
		return err
	}
	if !body.Success {
		w.close()
		c.setState(Disconnected)
		return ErrLoginRejected
	}

	c.mu.Lock()
	c.cur = w
	c.state = Connected
	c.userID = body.UserID
	c.attempt = 0
	c.stopped = false
	c.mu.Unlock()

	go c.heartbeatLoop(w)

	if c.OnConnected != nil {
		c.OnConnected()
	}
	return nil
}

// Disconnect sends a best-effort LOGOUT, closes the socket, rejects all
// pending requests, and clears any pending reconnect timer. It is
// synchronous: by the time it returns, no further OnPush calls or
// successful Requests will occur on the closed generation (§4.8
// cancellation semantics).
func (c *Connector) Disconnect() {
	c.mu.Lock()
	c.stopped = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	w := c.cur
	c.cur = nil
	c.state = Disconnected
	c.mu.Unlock()

	if w == nil {
		return
	}

	seq := uuid.NewString()
	if pkt, err := proto.NewPacket(proto.OpLogout, seq, nil, time.Now()); err == nil {
		wait := w.mux.Register(seq, 2*time.Second)
		select {
		case w.send <- pkt:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_, _ = wait(ctx)
			cancel()
		case <-w.closed:
		}
	}
	w.close()
}

// Request sends a request-class opcode and blocks for its matching
// response via the shared mux correlation rules (§4.3). Returns
// ErrNotConnected immediately if no session is currently connected.
func (c *Connector) Request(ctx context.Context, opcode proto.Opcode, payload interface{}) (*proto.Packet, error) {
	c.mu.Lock()
	w := c.cur
	timeout := c.cfg.RequestTimeout
	c.mu.Unlock()
	if w == nil {
		return nil, ErrNotConnected
	}

	seq := uuid.NewString()
	pkt, err := proto.NewPacket(opcode, seq, payload, time.Now())
	if err != nil {
		return nil, err
	}

	wait := w.mux.Register(seq, timeout)
	select {
	case w.send <- pkt:
	case <-w.closed:
		return nil, ErrNotConnected
	}
	return wait(ctx)
}

// Reply sends payload under opcode carrying seq as-is instead of minting
// a new one, answering a server-initiated request such as
// OFFLINE_SYNC_COMPLETE (§4.6 step 5): the caller reads seq off the
// pushed packet (delivered via OnPush) and echoes it back so the
// server's own AwaitAck resolves. Returns ErrNotConnected if no session
// is currently connected.
func (c *Connector) Reply(seq string, opcode proto.Opcode, payload interface{}) error {
	c.mu.Lock()
	w := c.cur
	c.mu.Unlock()
	if w == nil {
		return ErrNotConnected
	}

	pkt, err := proto.NewPacket(opcode, seq, payload, time.Now())
	if err != nil {
		return err
	}

	select {
	case w.send <- pkt:
		return nil
	case <-w.closed:
		return ErrNotConnected
	}
}

func (c *Connector) heartbeatLoop(w *wire) {
	ticker := time.NewTicker(c.cfg.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
			_, err := c.requestOn(ctx, w, proto.OpHeartbeat, nil)
			cancel()
			if err != nil {
				logging.Warnf("connector: heartbeat failed: %v", err)
			}
		case <-w.closed:
			return
		}
	}
}

// requestOn is Request's logic pinned to a specific wire generation,
// used by the heartbeat loop which already holds its own reference and
// must not race a concurrent reconnect swapping c.cur.
func (c *Connector) requestOn(ctx context.Context, w *wire, opcode proto.Opcode, payload interface{}) (*proto.Packet, error) {
	seq := uuid.NewString()
	pkt, err := proto.NewPacket(opcode, seq, payload, time.Now())
	if err != nil {
		return nil, err
	}
	wait := w.mux.Register(seq, c.cfg.RequestTimeout)
	select {
	case w.send <- pkt:
	case <-w.closed:
		return nil, ErrNotConnected
	}
	return wait(ctx)
}

func (c *Connector) writePump(w *wire) {
	for {
		select {
		case pkt, ok := <-w.send:
			if !ok {
				return
			}
			b, err := json.Marshal(pkt)
			if err != nil {
				logging.Errorf("connector: marshal packet type %d: %v", pkt.Type, err)
				continue
			}
			if err := w.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-w.closed:
			return
		}
	}
}

func (c *Connector) readPump(w *wire) {
	for {
		_, raw, err := w.conn.ReadMessage()
		if err != nil {
			c.onSocketClosed(w, err)
			return
		}

		var pkt proto.Packet
		if err := json.Unmarshal(raw, &pkt); err != nil {
			logging.Warnf("connector: malformed frame: %v", err)
			continue
		}
		if !pkt.Type.Known() {
			continue
		}
		if w.mux.Resolve(&pkt) {
			continue
		}
		if pkt.Type.IsPush() && c.OnPush != nil {
			c.OnPush(&pkt)
		}
	}
}

// onSocketClosed runs once per generation when its read loop ends.
// Per §4.8: while the token is still set and fewer than
// maxReconnectAttempts have been made, schedule a reconnect; otherwise
// settle into Disconnected.
func (c *Connector) onSocketClosed(w *wire, err error) {
	w.close()

	c.mu.Lock()
	if c.cur != w {
		// Superseded by Disconnect or a newer generation; nothing to do.
		c.mu.Unlock()
		return
	}
	c.cur = nil
	stopped := c.stopped
	c.mu.Unlock()

	if stopped || c.cfg.Token == "" {
		c.setState(Disconnected)
		if c.OnDisconnected != nil {
			c.OnDisconnected(err)
		}
		return
	}

	c.scheduleReconnect(err)
}

func (c *Connector) scheduleReconnect(cause error) {
	c.mu.Lock()
	c.attempt++
	attempt := c.attempt
	if attempt > maxReconnectAttempts {
		c.mu.Unlock()
		c.setState(Disconnected)
		if c.OnDisconnected != nil {
			c.OnDisconnected(cause)
		}
		return
	}
	c.state = Reconnecting
	c.mu.Unlock()

	if c.OnReconnecting != nil {
		c.OnReconnecting(attempt)
	}

	delay := backoff(attempt)
	c.mu.Lock()
	c.reconnectTimer = time.AfterFunc(delay, c.reconnectOnce)
	c.mu.Unlock()
}

func (c *Connector) reconnectOnce() {
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return
	}
	if err := c.Connect(context.Background()); err != nil {
		c.scheduleReconnect(err)
	}
}

// backoff implements §4.8's delay formula: min(1000*2^(attempt-1), 30000) ms.
func backoff(attempt int) time.Duration {
	d := minReconnectDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxReconnectDelay {
			return maxReconnectDelay
		}
	}
	return d
}
