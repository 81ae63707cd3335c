// Package mux implements the request/response correlation rules of §4.3:
// a sender registers seq -> pending entry before emitting a request
// packet; the first reply echoing that seq resolves it; an unanswered
// entry times out; a connection shutdown rejects everything outstanding.
//
// Both the Gateway (waiting for OFFLINE_SYNC_ACK) and the Client
// Connector (waiting for any *_RESPONSE) use the same Mux type.
package mux

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lumi-chat/gateway/internal/proto"
)

// DefaultTimeout is the default request/response timeout (§4.3, §5).
const DefaultTimeout = 10 * time.Second

// ErrTimeout is returned when no response arrives before the deadline.
var ErrTimeout = errors.New("request timeout")

// ErrClosed is returned to every pending caller when the Mux is shut
// down, and to any Register made after that. A caller whose own context
// is done gets ctx.Err() instead.
var ErrClosed = errors.New("connection closed")

type result struct {
	pkt *proto.Packet
	err error
}

type pendingEntry struct {
	ch    chan result
	timer *time.Timer
	once  sync.Once
}

func (e *pendingEntry) settle(r result) {
	e.once.Do(func() {
		e.ch <- r
		close(e.ch)
	})
}

// Mux is a per-connection request/response correlator.
type Mux struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry
	closed  bool
}

// New creates an empty Mux.
func New() *Mux {
	return &Mux{pending: make(map[string]*pendingEntry)}
}

// Register allocates a pending entry for seq with the given timeout (or
// DefaultTimeout if timeout <= 0) and returns a function the caller must
// invoke to await the matching response. seq must be unique among
// concurrently outstanding requests on this Mux.
func (m *Mux) Register(seq string, timeout time.Duration) func(ctx context.Context) (*proto.Packet, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return func(context.Context) (*proto.Packet, error) { return nil, ErrClosed }
	}

	entry := &pendingEntry{ch: make(chan result, 1)}
	entry.timer = time.AfterFunc(timeout, func() {
		m.settleAndRemove(seq, entry, result{err: ErrTimeout})
	})
	m.pending[seq] = entry
	m.mu.Unlock()

	return func(ctx context.Context) (*proto.Packet, error) {
		select {
		case r := <-entry.ch:
			return r.pkt, r.err
		case <-ctx.Done():
			m.remove(seq, entry)
			entry.timer.Stop()
			return nil, ctx.Err()
		}
	}
}

// Resolve delivers pkt to the pending entry registered under pkt.Seq, if
// any. It returns true if a pending entry was found and resolved.
func (m *Mux) Resolve(pkt *proto.Packet) bool {
	m.mu.Lock()
	entry, ok := m.pending[pkt.Seq]
	if ok {
		delete(m.pending, pkt.Seq)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	entry.timer.Stop()
	entry.settle(result{pkt: pkt})
	return true
}

// settleAndRemove is invoked by the timeout timer.
func (m *Mux) settleAndRemove(seq string, entry *pendingEntry, r result) {
	m.mu.Lock()
	if cur, ok := m.pending[seq]; !ok || cur != entry {
		m.mu.Unlock()
		return
	}
	delete(m.pending, seq)
	m.mu.Unlock()

	entry.settle(r)
}

func (m *Mux) remove(seq string, entry *pendingEntry) {
	m.mu.Lock()
	if cur, ok := m.pending[seq]; ok && cur == entry {
		delete(m.pending, seq)
	}
	m.mu.Unlock()
}

// Shutdown rejects every pending entry with ErrClosed and discards the
// table (§4.3 "Shutdown semantics").
func (m *Mux) Shutdown() {
	m.mu.Lock()
	m.closed = true
	pending := m.pending
	m.pending = make(map[string]*pendingEntry)
	m.mu.Unlock()

	for _, entry := range pending {
		entry.timer.Stop()
		entry.settle(result{err: ErrClosed})
	}
}

// Pending reports the number of outstanding requests, for tests and
// metrics.
func (m *Mux) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
