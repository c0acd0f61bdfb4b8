package keys

import (
	"context"
	"crypto/ed25519"
	"errors"
	"sync"
	"time"
)

// cacheEntry holds a cached resolution result. Negative results
// (unknown/revoked) are cached too, so a flapping identity layer cannot
// stampede the resolver.
type cacheEntry struct {
	pub       ed25519.PublicKey
	err       error
	expiresAt time.Time
}

func (e *cacheEntry) expired() bool {
	return time.Now().After(e.expiresAt)
}

// CachingResolver wraps a Resolver with a TTL cache. Entries expire after
// the configured TTL; expired entries are evicted lazily on lookup and in
// bulk via Evict.
type CachingResolver struct {
	mu      sync.RWMutex
	next    Resolver
	entries map[string]*cacheEntry
	ttl     time.Duration
}

// NewCachingResolver wraps next with a cache holding entries for ttl.
func NewCachingResolver(next Resolver, ttl time.Duration) *CachingResolver {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachingResolver{
		next:    next,
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
	}
}

// Resolve implements Resolver.
func (c *CachingResolver) Resolve(ctx context.Context, actorID string) (ed25519.PublicKey, error) {
	c.mu.RLock()
	e, ok := c.entries[actorID]
	c.mu.RUnlock()
	if ok && !e.expired() {
		return e.pub, e.err
	}

	pub, err := c.next.Resolve(ctx, actorID)
	if err != nil && !errors.Is(err, ErrUnknownActor) && !errors.Is(err, ErrRevokedActor) {
		// Transient failure: do not cache, surface to the caller.
		return nil, err
	}

	c.mu.Lock()
	c.entries[actorID] = &cacheEntry{
		pub:       pub,
		err:       err,
		expiresAt: time.Now().Add(c.ttl),
	}
	c.mu.Unlock()

	return pub, err
}

// Invalidate removes a specific actor from the cache, forcing the next
// Resolve to consult the identity layer. Called when the identity layer
// signals a key rotation or revocation.
func (c *CachingResolver) Invalidate(actorID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, actorID)
}

// Evict removes all expired entries and returns how many were removed.
func (c *CachingResolver) Evict() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if e.expired() {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of cached entries (including expired).
func (c *CachingResolver) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
