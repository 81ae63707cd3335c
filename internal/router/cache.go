package router

import (
	"sync"
	"time"
)

// participantCache is the §4.5 step 1 cache: conversationId ->
// participantIds, TTL 30s, invalidated early on a membership-changed
// event.
type participantCache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	ids       []string
	expiresAt time.Time
}

func newParticipantCache(ttl time.Duration) *participantCache {
	return &participantCache{ttl: ttl, entries: make(map[string]cacheEntry)}
}

func (c *participantCache) get(conversationID string) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[conversationID]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.ids, true
}

func (c *participantCache) put(conversationID string, ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[conversationID] = cacheEntry{ids: ids, expiresAt: time.Now().Add(c.ttl)}
}

func (c *participantCache) invalidate(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, conversationID)
}
