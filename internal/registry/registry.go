// Package registry implements the Session Registry (G1): the
// node-local map of (user, device) -> live connection, generalizing the
// teacher's Hub (single sync.Map of topics) to a two-level, per-user
// striped-lock map of sessions, since G1's bind/unbind must serialize
// per user key without blocking on peer I/O (§4.1, §5).
package registry

import (
	"sync"

	"github.com/lumi-chat/gateway/internal/metrics"
)

// Handle is the registry's view of a live connection: just enough to
// notify and close it. The Gateway's session type implements this.
type Handle interface {
	DeviceID() string
	UserID() string
	Notify(kickReason string)
	Close()
}

// Coordinator is the Coordination Store collaborator (§2): presence
// publication and remote-session lookup when the Gateway is sharded
// (G10). A single-node deployment uses NoopCoordinator.
type Coordinator interface {
	PublishOnline(userID, deviceID string)
	PublishOffline(userID string)
	RemoteDevices(userID string) []string
}

// NoopCoordinator is the Coordinator for a single Gateway node.
type NoopCoordinator struct{}

func (NoopCoordinator) PublishOnline(string, string)     {}
func (NoopCoordinator) PublishOffline(string)            {}
func (NoopCoordinator) RemoteDevices(string) []string    { return nil }

// Registry is the node-local Session Registry.
type Registry struct {
	coord Coordinator

	mu       sync.RWMutex
	byDevice map[string]Handle   // key: userID + "\x00" + deviceID
	byUser   map[string]map[string]Handle // userID -> deviceID -> Handle

	// userLocks stripes mutation serialization per user key so a bind
	// for user A never waits on a bind for user B (§4.1 concurrency).
	userLocks   sync.Map // userID -> *sync.Mutex
}

// New builds a Registry backed by coord. If coord is nil,
// NoopCoordinator is used.
func New(coord Coordinator) *Registry {
	if coord == nil {
		coord = NoopCoordinator{}
	}
	return &Registry{
		coord:    coord,
		byDevice: make(map[string]Handle),
		byUser:   make(map[string]map[string]Handle),
	}
}

func deviceKey(userID, deviceID string) string {
	return userID + "\x00" + deviceID
}

func (r *Registry) lockFor(userID string) *sync.Mutex {
	v, _ := r.userLocks.LoadOrStore(userID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Bind atomically replaces any existing Session for deviceID, evicting
// it with a KICKED_OFFLINE notification if present (§4.1). Binds for
// different deviceIds never evict one another.
func (r *Registry) Bind(userID, deviceID string, h Handle) {
	lock := r.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	prev := r.byDevice[deviceKey(userID, deviceID)]
	r.byDevice[deviceKey(userID, deviceID)] = h
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]Handle)
	}
	r.byUser[userID][deviceID] = h
	r.mu.Unlock()

	metrics.SessionsBound.Inc()
	metrics.LiveSessions.Inc()

	if prev != nil {
		metrics.SessionsEvicted.Inc()
		metrics.LiveSessions.Dec()
		// Notify and close outside the lock: Notify/Close must never
		// block a registry mutation on network I/O (§4.1).
		go func() {
			prev.Notify("Another device logged in")
			prev.Close()
		}()
	}

	r.coord.PublishOnline(userID, deviceID)
}

// Unbind removes deviceID's Session. If the user has no remaining local
// sessions and the coordination store reports none remote, presence is
// published offline (§4.1).
func (r *Registry) Unbind(userID, deviceID string) {
	lock := r.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	key := deviceKey(userID, deviceID)
	if _, ok := r.byDevice[key]; ok {
		delete(r.byDevice, key)
		metrics.LiveSessions.Dec()
	}
	if devs, ok := r.byUser[userID]; ok {
		delete(devs, deviceID)
		if len(devs) == 0 {
			delete(r.byUser, userID)
		}
	}
	remainingLocal := len(r.byUser[userID])
	r.mu.Unlock()

	if remainingLocal == 0 && len(r.coord.RemoteDevices(userID)) == 0 {
		r.coord.PublishOffline(userID)
	}
}

// LookupDevice returns the local Session bound to deviceID, if any.
func (r *Registry) LookupDevice(userID, deviceID string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byDevice[deviceKey(userID, deviceID)]
	return h, ok
}

// LookupUser returns every local Session of userID.
func (r *Registry) LookupUser(userID string) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	devs := r.byUser[userID]
	out := make([]Handle, 0, len(devs))
	for _, h := range devs {
		out = append(out, h)
	}
	return out
}

// All returns every Session currently bound on this node, for the
// heartbeat reaper's sweep (G7). Order is unspecified.
func (r *Registry) All() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Handle, 0, len(r.byDevice))
	for _, h := range r.byDevice {
		out = append(out, h)
	}
	return out
}

// Online reports whether userID has any local or remote session.
func (r *Registry) Online(userID string) bool {
	r.mu.RLock()
	n := len(r.byUser[userID])
	r.mu.RUnlock()
	return n > 0 || len(r.coord.RemoteDevices(userID)) > 0
}

// ActiveDeviceIDs lists the local device ids currently bound for
// userID, used to build PresenceRecord.ActiveDevices.
func (r *Registry) ActiveDeviceIDs(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	devs := r.byUser[userID]
	out := make([]string, 0, len(devs))
	for d := range devs {
		out = append(out, d)
	}
	return out
}
