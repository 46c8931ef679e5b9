package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

const (
	// jwksRefreshInterval is how long a fetched key set stays fresh.
	jwksRefreshInterval = time.Hour

	// jwksNegativeCacheTTL is how long a fetch failure suppresses retries.
	jwksNegativeCacheTTL = time.Minute
)

// jwksCache fetches and caches issuer key sets. jwk.Cache handles the
// positive TTL; on top of it we keep a negative cache (so a dead IdP is not
// hammered on every request) and the last known good set (so transient
// fetch failures do not immediately break validation of still-valid
// tokens).
type jwksCache struct {
	cache *jwk.Cache

	mu         sync.Mutex
	registered map[string]bool
	failedAt   map[string]time.Time
	lastGood   map[string]jwk.Set
}

func newJWKSCache(ctx context.Context) *jwksCache {
	return &jwksCache{
		cache:      jwk.NewCache(ctx),
		registered: map[string]bool{},
		failedAt:   map[string]time.Time{},
		lastGood:   map[string]jwk.Set{},
	}
}

// lookupKey returns the raw public key with the given kid from the issuer's
// key set.
func (c *jwksCache) lookupKey(ctx context.Context, jwksURL, kid string) (any, error) {
	set, err := c.get(ctx, jwksURL)
	if err != nil {
		return nil, err
	}

	key, found := set.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("%w: key ID %q not found in JWKS", ErrInvalidToken, kid)
	}

	var raw any
	if err := key.Raw(&raw); err != nil {
		return nil, fmt.Errorf("%w: failed to materialize key: %v", ErrJWKSUnavailable, err)
	}
	return raw, nil
}

func (c *jwksCache) get(ctx context.Context, jwksURL string) (jwk.Set, error) {
	c.mu.Lock()
	if !c.registered[jwksURL] {
		if err := c.cache.Register(jwksURL, jwk.WithMinRefreshInterval(jwksRefreshInterval)); err != nil {
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: %v", ErrJWKSUnavailable, err)
		}
		c.registered[jwksURL] = true
	}
	if failed, ok := c.failedAt[jwksURL]; ok && time.Since(failed) < jwksNegativeCacheTTL {
		last := c.lastGood[jwksURL]
		c.mu.Unlock()
		if last != nil {
			return last, nil
		}
		return nil, fmt.Errorf("%w: negative-cached failure for %s", ErrJWKSUnavailable, jwksURL)
	}
	c.mu.Unlock()

	set, err := c.cache.Get(ctx, jwksURL)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.failedAt[jwksURL] = time.Now()
		if last := c.lastGood[jwksURL]; last != nil {
			return last, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrJWKSUnavailable, err)
	}
	delete(c.failedAt, jwksURL)
	c.lastGood[jwksURL] = set
	return set, nil
}
