// Package cluster implements the Pub/Sub Adapter (G10, §4.10): the
// collaborator that lets a Gateway node reach a user's session living on
// a different node. It plays both roles the rest of the Gateway expects
// of it: registry.Coordinator (presence publication) and router.Cluster
// (remote packet delivery).
//
// The teacher routes cross-node traffic through ring-owned proxy
// sessions and a topic-ownership actor per remote topic (server/cluster.go),
// backed by net/rpc and its own ringhash package. That package isn't
// vendored into this tree, and the proxy-session model means forwarding
// every remote request through the topic's owning node rather than
// delivering directly. This package keeps the teacher's consistent-hash
// ring (reimplemented in ring.go) but replaces the proxy-actor model with
// a simpler one: every node gossips its local (userId, deviceId)
// presence to every peer over a persistent websocket link, and each node
// keeps a map of that gossip. Publish and RemoteDeviceIDs consult the
// gossip map directly; the ring is used only as a deterministic fallback
// when a user has no known remote presence yet, so a best-effort lookup
// (e.g. via HTTP) has somewhere principled to ask. Because message and
// presence delivery are already idempotent by design (message IDs are
// client-deduplicated; presence gossip is a set union), a node is free to
// both dial its configured peers and accept inbound links from them
// without deduplicating the resulting mesh.
package cluster

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lumi-chat/gateway/internal/logging"
	"github.com/lumi-chat/gateway/internal/metrics"
	"github.com/lumi-chat/gateway/internal/proto"
	"github.com/lumi-chat/gateway/internal/registry"
)

const reconnectBackoff = 3 * time.Second

// sender is the subset of registry.Handle a locally delivered remote
// packet needs; mirrors router.Sender without importing router (cluster
// is router's collaborator, not the other way around).
type sender interface {
	registry.Handle
	SendPacket(pkt *proto.Packet) bool
}

// LocalRegistry is the subset of *registry.Registry the cluster needs to
// deliver a remote Publish to sessions bound on this node and to replay
// current presence to a newly (re)established peer link.
type LocalRegistry interface {
	LookupUser(userID string) []registry.Handle
	All() []registry.Handle
}

// Config configures a Cluster node.
type Config struct {
	Self      string   // this node's identity, e.g. config.Gateway.NodeID
	PeerAddrs []string // ws(s):// URLs of peer /internal/cluster endpoints to dial
}

// Cluster is the G10 Pub/Sub Adapter for one Gateway node.
type Cluster struct {
	cfg      Config
	reg      LocalRegistry
	ring     *ring
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	links    map[string]*link                  // peer addr -> outbound link
	presence map[string]map[string]bool         // userId -> node -> true (remote only)
}

// New builds a Cluster. reg resolves local sessions when a remote node
// Publishes to a user who has a session on this node.
func New(cfg Config, reg LocalRegistry) *Cluster {
	r := newRing()
	r.add(cfg.Self)
	for _, addr := range cfg.PeerAddrs {
		r.add(addr)
	}
	return &Cluster{
		cfg:      cfg,
		reg:      reg,
		ring:     r,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		links:    make(map[string]*link),
		presence: make(map[string]map[string]bool),
	}
}

// Run dials every configured peer and keeps reconnecting until ctx is
// canceled, at which point it returns ctx.Err(). cmd/gateway runs it
// under reaper.RunGroup alongside the heartbeat reaper and the HTTP server.
func (c *Cluster) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, addr := range c.cfg.PeerAddrs {
		addr := addr
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.dialLoop(ctx, addr)
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

func (c *Cluster) dialLoop(ctx context.Context, addr string) {
	for {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
		if err != nil {
			logging.Warnf("cluster: dial %s: %v", addr, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectBackoff):
				continue
			}
		}
		l := newLink(conn, addr)
		c.registerLink(addr, l)
		go l.writePump()
		c.announceSelf(l)
		l.readPump(c.handleEnvelope)
		c.unregisterLink(addr)

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectBackoff):
		}
	}
}

func (c *Cluster) registerLink(addr string, l *link) {
	c.mu.Lock()
	c.links[addr] = l
	c.mu.Unlock()
}

func (c *Cluster) unregisterLink(addr string) {
	c.mu.Lock()
	delete(c.links, addr)
	c.mu.Unlock()
}

// announceSelf replays this node's current local presence to a
// newly-established link so a restarted peer catches up on bindings it
// missed while disconnected.
func (c *Cluster) announceSelf(l *link) {
	seen := make(map[string]bool)
	for _, h := range c.reg.All() {
		if seen[h.UserID()] {
			continue
		}
		seen[h.UserID()] = true
		l.sendEnvelope(&envelope{Type: envPresenceOnline, Node: c.cfg.Self, UserID: h.UserID(), DeviceID: h.DeviceID()})
	}
}

// Handler accepts inbound links from peers dialing this node, for
// deployments where the configured peer graph isn't fully symmetric.
func (c *Cluster) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := c.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		tempKey := r.RemoteAddr
		l := newLink(conn, tempKey)
		c.registerLink(tempKey, l)
		go l.writePump()
		c.announceSelf(l)

		identified := tempKey
		l.readPump(func(e *envelope) {
			if e.Node != "" && e.Node != identified {
				c.rekeyLink(identified, e.Node, l)
				identified = e.Node
			}
			c.handleEnvelope(e)
		})
		c.unregisterLink(identified)
	})
}

func (c *Cluster) rekeyLink(oldKey, newKey string, l *link) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.links[oldKey] == l {
		delete(c.links, oldKey)
	}
	c.links[newKey] = l
}

func (c *Cluster) handleEnvelope(e *envelope) {
	switch e.Type {
	case envPresenceOnline:
		c.setPresence(e.UserID, e.Node, true)
	case envPresenceOffline:
		c.setPresence(e.UserID, e.Node, false)
	case envDeliver:
		c.deliverLocal(e.UserID, e.Packet)
	}
}

func (c *Cluster) setPresence(userID, node string, online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	nodes := c.presence[userID]
	if nodes == nil {
		if !online {
			return
		}
		nodes = make(map[string]bool)
		c.presence[userID] = nodes
	}
	if online {
		nodes[node] = true
		return
	}
	delete(nodes, node)
	if len(nodes) == 0 {
		delete(c.presence, userID)
	}
}

func (c *Cluster) deliverLocal(userID string, pkt *proto.Packet) {
	for _, h := range c.reg.LookupUser(userID) {
		if s, ok := h.(sender); ok {
			s.SendPacket(pkt)
		}
	}
}

func (c *Cluster) broadcast(e *envelope) {
	c.mu.RLock()
	links := make([]*link, 0, len(c.links))
	for _, l := range c.links {
		links = append(links, l)
	}
	c.mu.RUnlock()
	for _, l := range links {
		l.sendEnvelope(e)
	}
}

// PublishOnline implements registry.Coordinator: gossips that a
// (userId, deviceId) session is now bound on this node.
func (c *Cluster) PublishOnline(userID, deviceID string) {
	c.broadcast(&envelope{Type: envPresenceOnline, Node: c.cfg.Self, UserID: userID, DeviceID: deviceID})
}

// PublishOffline implements registry.Coordinator: gossips that this
// node no longer has any session bound for userID.
func (c *Cluster) PublishOffline(userID string) {
	c.broadcast(&envelope{Type: envPresenceOffline, Node: c.cfg.Self, UserID: userID})
}

// RemoteDevices implements registry.Coordinator.
func (c *Cluster) RemoteDevices(userID string) []string {
	return c.RemoteDeviceIDs(userID)
}

// RemoteDeviceIDs implements router.Cluster: the set of remote node
// names currently known to hold a session for userID. The registry and
// router only need "is there anywhere else to reach this user", so node
// names double as opaque device identifiers here.
func (c *Cluster) RemoteDeviceIDs(userID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	nodes := c.presence[userID]
	if len(nodes) == 0 {
		return nil
	}
	out := make([]string, 0, len(nodes))
	for n := range nodes {
		out = append(out, n)
	}
	return out
}

// Publish implements router.Cluster: delivers pkt to userID's sessions
// on every remote node known to hold one. Falls back to the consistent
// hash ring's chosen owner when no gossip has arrived yet for userID, so
// a freshly restarted node isn't blind to users it hasn't heard about.
func (c *Cluster) Publish(userID string, pkt *proto.Packet) {
	targets := c.RemoteDeviceIDs(userID)
	if len(targets) == 0 {
		if owner := c.ring.owner(userID); owner != "" && owner != c.cfg.Self {
			targets = []string{owner}
		}
	}
	if len(targets) == 0 {
		metrics.ClusterPublishMiss.Inc()
		return
	}
	c.mu.RLock()
	links := make([]*link, 0, len(targets))
	for _, node := range targets {
		if l, ok := c.links[node]; ok {
			links = append(links, l)
		}
	}
	c.mu.RUnlock()
	e := &envelope{Type: envDeliver, Node: c.cfg.Self, UserID: userID, Packet: pkt}
	for _, l := range links {
		l.sendEnvelope(e)
	}
}
