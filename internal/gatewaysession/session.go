// Package gatewaysession implements G2-G4: it upgrades one HTTP request to
// a WebSocket connection, runs the LOGIN handshake, then reads and
// dispatches packets until the connection closes. Grounded on the
// teacher's session.go queueOut/dispatch/cleanUp shape, with the upgrade +
// read/write pump wiring grounded on the pack's rustyguts-bken ws handler
// (the teacher's own upgrade path sits outside the copied server/ tree).
package gatewaysession

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/lumi-chat/gateway/internal/apiclient"
	"github.com/lumi-chat/gateway/internal/auth"
	"github.com/lumi-chat/gateway/internal/logging"
	"github.com/lumi-chat/gateway/internal/metrics"
	"github.com/lumi-chat/gateway/internal/mux"
	"github.com/lumi-chat/gateway/internal/proto"
	"github.com/lumi-chat/gateway/internal/registry"
	"github.com/lumi-chat/gateway/internal/router"
)

// writeTimeout bounds a single WebSocket frame write.
const writeTimeout = 5 * time.Second

// loginFailureGracePeriod is how long a Session stays open after a failed
// LOGIN before the caller closes it (§4.4 step 1).
const loginFailureGracePeriod = 1 * time.Second

// Config is the subset of §6.4 settings a Session needs.
type Config struct {
	MaxFrameBytes         int64
	LoginTimeout          time.Duration
	HeartbeatTimeout      time.Duration
	OutboundQueueCapacity int
	SlowConsumerTimeout   time.Duration

	// OutboundRate and OutboundBurst throttle how fast writePump drains
	// a session's send queue (§5 Backpressure): a client sitting on a
	// slow link backs up the queue via waiting, not via dropped frames,
	// before SlowConsumerTimeout ever has to step in.
	OutboundRate  float64
	OutboundBurst int
}

// DefaultConfig returns the §6.4 defaults.
func DefaultConfig() Config {
	return Config{
		MaxFrameBytes:         1 << 20,
		LoginTimeout:          10 * time.Second,
		HeartbeatTimeout:      90 * time.Second,
		OutboundQueueCapacity: 256,
		SlowConsumerTimeout:   2 * time.Second,
		OutboundRate:          50,
		OutboundBurst:         100,
	}
}

// OfflineDest is the view of a freshly authenticated Session that an
// OfflineDrainer needs: push chunks and await the client's ack (§4.6).
type OfflineDest interface {
	UserID() string
	DeviceID() string
	SendPacket(pkt *proto.Packet) bool
	AwaitAck(ctx context.Context, seq string, timeout time.Duration) (*proto.Packet, error)
}

// OfflineDrainer delivers queued offline messages to a newly bound device
// (§4.4 step 5). Left nil, no offline drain runs.
type OfflineDrainer interface {
	Drain(ctx context.Context, dest OfflineDest)
}

// Handler upgrades incoming HTTP requests to WebSocket sessions.
type Handler struct {
	cfg       Config
	upgrader  websocket.Upgrader
	reg       *registry.Registry
	router    *router.Router
	api       *apiclient.Client
	validator auth.Validator
	offline   OfflineDrainer
}

// NewHandler builds a Handler. validator authenticates LOGIN tokens;
// offline may be nil.
func NewHandler(cfg Config, reg *registry.Registry, rtr *router.Router, api *apiclient.Client, validator auth.Validator, offline OfflineDrainer) *Handler {
	return &Handler{
		cfg:       cfg,
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		reg:       reg,
		router:    rtr,
		api:       api,
		validator: validator,
		offline:   offline,
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warnf("gatewaysession: upgrade failed: %v", err)
		return
	}
	s := newSession(conn, h.cfg, h.reg, h.router, h.api, h.validator, h.offline)
	s.serve()
}

// Session is one WebSocket connection, bound after a successful LOGIN to
// exactly one (userId, deviceId) (§3 Session).
type Session struct {
	conn      *websocket.Conn
	cfg       Config
	reg       *registry.Registry
	router    *router.Router
	api       *apiclient.Client
	validator auth.Validator
	offline   OfflineDrainer

	mux *mux.Mux

	ctx    context.Context
	cancel context.CancelFunc

	send      chan *proto.Packet
	limiter   *rate.Limiter
	closeOnce sync.Once
	closed    chan struct{}

	mu              sync.RWMutex
	userID          string
	deviceID        string
	lastHeartbeatAt time.Time
}

func newSession(conn *websocket.Conn, cfg Config, reg *registry.Registry, rtr *router.Router, api *apiclient.Client, validator auth.Validator, offline OfflineDrainer) *Session {
	conn.SetReadLimit(cfg.MaxFrameBytes)
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		conn: conn, cfg: cfg, reg: reg, router: rtr, api: api, validator: validator, offline: offline,
		mux:     mux.New(),
		ctx:     ctx,
		cancel:  cancel,
		send:    make(chan *proto.Packet, cfg.OutboundQueueCapacity),
		limiter: rate.NewLimiter(rate.Limit(cfg.OutboundRate), cfg.OutboundBurst),
		closed:  make(chan struct{}),
	}
}

// UserID implements registry.Handle / router.Sender.
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// DeviceID implements registry.Handle / router.Sender.
func (s *Session) DeviceID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deviceID
}

// Notify implements registry.Handle: pushes KICKED_OFFLINE, best-effort.
func (s *Session) Notify(reason string) {
	s.SendPacket(proto.KickedOffline(reason, time.Now()))
}

// Close implements registry.Handle: tears down the connection. Safe to
// call more than once or concurrently with the read/write pumps.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()
		s.conn.Close()
	})
}

// SendPacket implements router.Sender: enqueues pkt for delivery. If the
// outbound queue is full for more than SlowConsumerTimeout, the session is
// closed as a slow consumer (§4.5, §5) and the caller's fan-out falls
// through to the offline queue on its next check.
func (s *Session) SendPacket(pkt *proto.Packet) bool {
	select {
	case s.send <- pkt:
		return true
	case <-s.closed:
		return false
	default:
	}

	select {
	case s.send <- pkt:
		return true
	case <-time.After(s.cfg.SlowConsumerTimeout):
		logging.Warnf("gatewaysession: slow consumer %s/%s, closing", s.UserID(), s.DeviceID())
		metrics.SlowConsumerDisconnects.Inc()
		s.Close()
		return false
	case <-s.closed:
		return false
	}
}

// AwaitAck implements OfflineDest: registers seq in the session's request
// multiplexer and blocks for the client's matching reply (§4.6 step 5).
func (s *Session) AwaitAck(ctx context.Context, seq string, timeout time.Duration) (*proto.Packet, error) {
	wait := s.mux.Register(seq, timeout)
	return wait(ctx)
}

type readResult struct {
	pkt *proto.Packet
	err error
}

func (s *Session) serve() {
	defer s.teardown()

	go s.writePump()

	reads := make(chan readResult)
	go s.readPump(reads)

	if !s.awaitLogin(s.ctx, reads) {
		return
	}

	for {
		select {
		case res, ok := <-reads:
			if !ok || res.err != nil {
				return
			}
			s.dispatch(s.ctx, res.pkt)
		case <-s.closed:
			return
		}
	}
}

// readPump decodes one Packet per WebSocket text frame and forwards it to
// out. Malformed JSON is a ProtocolError that closes the connection after
// a SERVER_ERROR reply; an oversize frame is rejected by gorilla's read
// limit before it ever reaches here, also ending the loop (§4.2, §7).
func (s *Session) readPump(out chan<- readResult) {
	defer close(out)
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case out <- readResult{err: err}:
			case <-s.closed:
			}
			return
		}

		var pkt proto.Packet
		if err := json.Unmarshal(raw, &pkt); err != nil {
			s.sendServerError("malformed frame")
			return
		}
		if !pkt.Type.Known() {
			logging.Warnf("gatewaysession: dropping unknown opcode %d from %s/%s", pkt.Type, s.UserID(), s.DeviceID())
			continue
		}

		select {
		case out <- readResult{pkt: &pkt}:
		case <-s.closed:
			return
		}
	}
}

func (s *Session) writePump() {
	for {
		select {
		case pkt, ok := <-s.send:
			if !ok {
				return
			}
			if err := s.limiter.Wait(s.ctx); err != nil {
				return
			}
			b, err := json.Marshal(pkt)
			if err != nil {
				logging.Errorf("gatewaysession: marshal packet type %d: %v", pkt.Type, err)
				continue
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-s.closed:
			return
		}
	}
}

func (s *Session) sendServerError(msg string) {
	s.SendPacket(proto.ErrServerError("", msg, time.Now()))
}

// teardown runs once, after serve()'s loop exits for any reason: it closes
// the connection, rejects every pending request (§4.3 shutdown semantics),
// and unbinds from the Session Registry so presence reflects the
// disconnect (§4.1).
func (s *Session) teardown() {
	s.Close()
	s.mux.Shutdown()
	if uid := s.UserID(); uid != "" {
		s.reg.Unbind(uid, s.DeviceID())
	}
}
