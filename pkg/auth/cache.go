package auth

import (
	"strings"
	"sync"
	"time"
)

// identityCacheTTL caps how long a validated identity may be reused,
// regardless of the token's remaining lifetime.
const identityCacheTTL = 5 * time.Minute

// identityCache caches validated identities keyed by the token's signature
// segment. Only the mapping-independent identity is cached; access is
// recomputed from the live scope mapping on every request, which keeps
// scope reloads atomic from the caller's point of view.
type identityCache struct {
	mu      sync.RWMutex
	entries map[string]cachedIdentity
}

type cachedIdentity struct {
	identity *Identity
	expires  time.Time
}

func newIdentityCache() *identityCache {
	return &identityCache{entries: map[string]cachedIdentity{}}
}

// cacheKey extracts the signature segment of a JWS compact serialization.
// Returns "" for anything that does not look like a JWT, which disables
// caching for that credential.
func cacheKey(raw string) string {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 || parts[2] == "" {
		return ""
	}
	return parts[2]
}

func (c *identityCache) get(key string) (*Identity, bool) {
	if key == "" {
		return nil, false
	}
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expires) {
		return nil, false
	}
	return entry.identity, true
}

func (c *identityCache) put(key string, identity *Identity) {
	if key == "" {
		return
	}
	expires := time.Now().Add(identityCacheTTL)
	if identity.ExpiresAt.Before(expires) {
		expires = identity.ExpiresAt
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Opportunistic pruning keeps the map from accumulating dead tokens.
	if len(c.entries) > 1024 {
		now := time.Now()
		for k, e := range c.entries {
			if now.After(e.expires) {
				delete(c.entries, k)
			}
		}
	}
	c.entries[key] = cachedIdentity{identity: identity, expires: expires}
}
