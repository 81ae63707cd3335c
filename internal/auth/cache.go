package auth

import (
	"sync"
	"time"
)

// tokenCache memoizes a validated token for its remaining lifetime
// (§4.4: "Validates token via the identity collaborator (one call;
// cacheable for the token lifetime)").
type tokenCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	id      Identity
	expires time.Time // zero means "no declared expiry", cached 1m
}

func newTokenCache() *tokenCache {
	return &tokenCache{entries: make(map[string]cacheEntry)}
}

func (c *tokenCache) get(token string) (Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[token]
	if !ok {
		return Identity{}, false
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		delete(c.entries, token)
		return Identity{}, false
	}
	return e.id, true
}

func (c *tokenCache) put(token string, id Identity, expires time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if expires.IsZero() {
		expires = time.Now().Add(time.Minute)
	}
	c.entries[token] = cacheEntry{id: id, expires: expires}
}
