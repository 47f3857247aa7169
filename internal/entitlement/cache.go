package entitlement

import (
	"sync"
	"time"

	"github.com/wnt/rebalancer/internal/metrics"
)

// Cache TTLs. Subscription and credit state changes quickly; linked accounts
// and settings change rarely.
const (
	shortTTL = 60 * time.Second
	longTTL  = 5 * time.Minute
)

type cacheEntry struct {
	value     interface{}
	expiresAt time.Time
}

// ttlCache is a process-local TTL cache owned by one Gate instance. It is
// never the source of truth: entries expire implicitly and are invalidated
// explicitly when the caller knows the underlying value changed.
type ttlCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	now     func() time.Time
}

func newTTLCache() *ttlCache {
	return &ttlCache{
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

func (c *ttlCache) get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || c.now().After(entry.expiresAt) {
		delete(c.entries, key)
		metrics.RecordEntitlementCheck(false)
		return nil, false
	}
	metrics.RecordEntitlementCheck(true)
	return entry.value, true
}

func (c *ttlCache) put(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{value: value, expiresAt: c.now().Add(ttl)}
}

func (c *ttlCache) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}
