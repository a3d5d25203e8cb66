package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryCache is a process-local verification cache for development and
// tests. Entries are evicted lazily on read.
type MemoryCache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	v       Verification
	expires time.Time
}

var _ Cache = (*MemoryCache)(nil)

// NewMemoryCache returns an empty in-memory cache.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &MemoryCache{
		ttl:     ttl,
		entries: make(map[string]memoryEntry),
	}
}

func (c *MemoryCache) GetVerification(ctx context.Context, chain, txHash string) (Verification, bool) {
	key := verificationKey(chain, txHash)

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return Verification{}, false
	}
	if time.Now().After(entry.expires) {
		delete(c.entries, key)
		return Verification{}, false
	}
	return entry.v, true
}

func (c *MemoryCache) SetVerification(ctx context.Context, v Verification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[verificationKey(v.Chain, v.TxHash)] = memoryEntry{
		v:       v,
		expires: time.Now().Add(c.ttl),
	}
}

func (c *MemoryCache) Close() error { return nil }
