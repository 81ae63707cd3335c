package persistenceapi

import (
	"context"
	"time"

	"github.com/lumi-chat/gateway/internal/logging"
)

// ReapExpiredOfflineQueue runs the §4.6 "Expiration" background task: every
// interval, delete undelivered offline queue entries whose expiredAt
// (createdAt plus the offline TTL, 7 days by default) has passed, so they
// never redeliver. cmd/persistence runs it under reaper.RunGroup
// alongside the Persistence HTTP server, cancelled together via ctx.
func (s *Server) ReapExpiredOfflineQueue(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := s.store.OfflineQueueReapExpired(ctx, time.Now())
			if err != nil {
				logging.Warnf("persistenceapi: offline queue reap: %v", err)
				continue
			}
			if n > 0 {
				logging.Infof("persistenceapi: reaped %d expired offline queue entries", n)
			}
		}
	}
}
