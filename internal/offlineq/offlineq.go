// Package offlineq implements G6: draining a newly authenticated device's
// pending offline queue from Persistence, chunked into OFFLINE_SYNC_RESPONSE
// packets, finished by an OFFLINE_SYNC_COMPLETE the server awaits an ack
// for before marking anything delivered (§4.6). Grounded on the teacher's
// store/adapter batch-load pattern generalized to this domain's entries,
// since the teacher has no analogous offline-delivery concept of its own.
package offlineq

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lumi-chat/gateway/internal/apiclient"
	"github.com/lumi-chat/gateway/internal/gatewaysession"
	"github.com/lumi-chat/gateway/internal/logging"
	"github.com/lumi-chat/gateway/internal/metrics"
	"github.com/lumi-chat/gateway/internal/proto"
)

const (
	defaultBatchLimit = 500
	defaultChunkSize  = 50
	defaultAckTimeout = 30 * time.Second
)

// Manager drains the offline queue for newly bound devices. It satisfies
// gatewaysession.OfflineDrainer.
type Manager struct {
	api        *apiclient.Client
	batchLimit int
	chunkSize  int
	ackTimeout time.Duration
}

// New builds a Manager with the §4.6 defaults (N=500, chunks of 50).
func New(api *apiclient.Client) *Manager {
	return &Manager{api: api, batchLimit: defaultBatchLimit, chunkSize: defaultChunkSize, ackTimeout: defaultAckTimeout}
}

// Drain implements gatewaysession.OfflineDrainer. It is always invoked in
// its own goroutine right after LOGIN_RESPONSE (§4.4 step 5); any error
// just leaves the entries pending for the next login (at-least-once).
func (m *Manager) Drain(ctx context.Context, dest gatewaysession.OfflineDest) {
	principal := apiclient.Principal{UserID: dest.UserID(), DeviceID: dest.DeviceID()}

	entries, err := m.api.OfflineQueuePending(ctx, principal, m.batchLimit)
	if err != nil {
		logging.Warnf("offlineq: pending lookup for %s/%s: %v", principal.UserID, principal.DeviceID, err)
		return
	}
	metrics.OfflineQueueDepth.Set(float64(len(entries)))
	if len(entries) == 0 {
		return
	}

	hasMore := len(entries) >= m.batchLimit

	for start := 0; start < len(entries); start += m.chunkSize {
		end := start + m.chunkSize
		if end > len(entries) {
			end = len(entries)
		}
		chunk := entries[start:end]

		messages := make([]proto.MessageView, len(chunk))
		for i, e := range chunk {
			messages[i] = e.Message
		}
		pkt, err := proto.NewPacket(proto.OpOfflineSyncResponse, "", proto.OfflineSyncResponsePayload{Messages: messages}, time.Now())
		if err != nil {
			logging.Warnf("offlineq: encode chunk for %s/%s: %v", principal.UserID, principal.DeviceID, err)
			return
		}
		if !dest.SendPacket(pkt) {
			// The session is gone (closed or slow-consumer dropped); the
			// entries are still pending and will redeliver next login.
			return
		}
	}

	completeSeq := uuid.NewString()
	complete, err := proto.NewPacket(proto.OpOfflineSyncComplete, completeSeq, proto.OfflineSyncCompletePayload{
		TotalDelivered: len(entries), HasMore: hasMore,
	}, time.Now())
	if err != nil {
		return
	}
	if !dest.SendPacket(complete) {
		return
	}

	ackPkt, err := dest.AwaitAck(ctx, completeSeq, m.ackTimeout)
	if err != nil {
		logging.Warnf("offlineq: no OFFLINE_SYNC_ACK from %s/%s: %v", principal.UserID, principal.DeviceID, err)
		return
	}

	var ack proto.OfflineSyncAckPayload
	if err := ackPkt.Decode(&ack); err != nil {
		logging.Warnf("offlineq: malformed OFFLINE_SYNC_ACK from %s/%s: %v", principal.UserID, principal.DeviceID, err)
		return
	}

	entryIDs := make([]int64, len(entries))
	for i, e := range entries {
		entryIDs[i] = e.ID
	}

	// The client may ack with markAllDelivered or an explicit message id
	// list (§9 open question: either is accepted); either way the server
	// marks delivered the exact batch of entry ids it just drained, since
	// that's the set that was actually pushed across the wire.
	if err := m.api.AckOfflineQueue(ctx, principal, entryIDs, false); err != nil {
		logging.Warnf("offlineq: mark-delivered for %s/%s: %v", principal.UserID, principal.DeviceID, err)
	}

	if hasMore {
		go m.Drain(ctx, dest)
	}
}
