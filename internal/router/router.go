// Package router implements the Message Router (G5, §4.5): it persists
// each client opcode's effect via the Internal API Client and fans the
// resulting server packets out to every local, remote, and offline
// destination, grounded on the teacher's topic.go broadcast loop (a
// participant set resolved once per request, then pushed to each
// member's live Sessions; what the teacher keeps as a long-lived
// in-process Topic actor, G5 instead resolves per call against
// Persistence, backed by a short-TTL cache).
package router

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lumi-chat/gateway/internal/apiclient"
	"github.com/lumi-chat/gateway/internal/logging"
	"github.com/lumi-chat/gateway/internal/proto"
	"github.com/lumi-chat/gateway/internal/registry"
)

// Sender is a live destination a packet can be pushed to: the session
// actor that owns a (userId, deviceId) WebSocket connection.
type Sender interface {
	registry.Handle
	SendPacket(pkt *proto.Packet) bool
}

// Registry is the subset of the Session Registry the router needs to
// resolve local destinations.
type Registry interface {
	LookupUser(userID string) []registry.Handle
	LookupDevice(userID, deviceID string) (registry.Handle, bool)
}

// Cluster is the Pub/Sub Adapter (G10) collaborator: delivery to users
// with no local session but a session on another Gateway node (§4.5
// fan-out step 2, "publish a pub/sub event scoped to u").
type Cluster interface {
	RemoteDeviceIDs(userID string) []string
	Publish(userID string, pkt *proto.Packet)
}

// NoopCluster is the Cluster for a single, unsharded Gateway node.
type NoopCluster struct{}

func (NoopCluster) RemoteDeviceIDs(string) []string   { return nil }
func (NoopCluster) Publish(string, *proto.Packet)     {}

// Router is the Message Router (G5).
type Router struct {
	reg     Registry
	cluster Cluster
	api     *apiclient.Client
	cache   *participantCache
}

// New builds a Router. cacheTTL defaults to 30s (§4.5 step 1) if <= 0.
func New(reg Registry, cluster Cluster, api *apiclient.Client, cacheTTL time.Duration) *Router {
	if cluster == nil {
		cluster = NoopCluster{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	return &Router{reg: reg, cluster: cluster, api: api, cache: newParticipantCache(cacheTTL)}
}

// InvalidateConversation drops a conversation's cached participant set,
// called from the membership-changed webhook (SPEC_FULL.md).
func (r *Router) InvalidateConversation(conversationID string) {
	r.cache.invalidate(conversationID)
}

func newSeq() string { return uuid.NewString() }

// participants resolves conversationID's participant set, consulting the
// 30s TTL cache before calling Persistence (§4.5 step 1).
func (r *Router) participants(ctx context.Context, principal apiclient.Principal, conversationID string) ([]string, error) {
	if ids, ok := r.cache.get(conversationID); ok {
		return ids, nil
	}
	ids, err := r.api.ConversationParticipants(ctx, principal, conversationID)
	if err != nil {
		return nil, err
	}
	r.cache.put(conversationID, ids)
	return ids, nil
}

// fanOut delivers pkt to every device of userID except excludeDeviceID,
// preferring a local Session, falling back to a remote cluster publish,
// and finally an offline-queue entry when neither has a live session
// (§4.5 fan-out steps 2-3). originPrincipal is only used to authenticate
// the offline-enqueue call to Persistence.
func (r *Router) fanOut(ctx context.Context, originPrincipal apiclient.Principal, userID, excludeDeviceID string, messageID int64, pkt *proto.Packet) {
	// anyDelivered only flips true when a device actually received pkt
	// (or is reachable on another node); the excluded device itself
	// never counts, so a user whose only device is the sender's own
	// still enqueues offline for their other, genuinely-offline devices.
	anyDelivered := false

	for _, h := range r.reg.LookupUser(userID) {
		if h.DeviceID() == excludeDeviceID {
			continue
		}
		s, ok := h.(Sender)
		if ok && s.SendPacket(pkt) {
			anyDelivered = true
		}
	}

	remoteDeviceIDs := r.cluster.RemoteDeviceIDs(userID)
	for _, deviceID := range remoteDeviceIDs {
		if deviceID == excludeDeviceID {
			continue
		}
		anyDelivered = true
	}
	if len(remoteDeviceIDs) > 0 {
		r.cluster.Publish(userID, pkt)
	}

	if messageID == 0 {
		return // non-persisted pushes (TYPING) never enqueue offline
	}
	if !anyDelivered {
		if err := r.api.EnqueueOffline(ctx, originPrincipal, userID, "", messageID); err != nil {
			logging.Warnf("router: offline enqueue for %s: %v", userID, err)
		}
	}
}
