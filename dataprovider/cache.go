package dataprovider

import (
	"sync"
	"time"
)

type cacheEntry struct {
	expiresAt time.Time
	records   []RawRecord
}

// ResponseCache is a short-lived in-memory cache of raw upstream responses,
// keyed by endpoint+params. A hit is served without consuming budget, so
// adapters consult it before Budget.Acquire.
type ResponseCache struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]cacheEntry
}

// NewResponseCache returns an empty cache using the wall clock.
func NewResponseCache() *ResponseCache {
	return &ResponseCache{now: time.Now, entries: make(map[string]cacheEntry)}
}

// NewResponseCacheWithClock returns a cache with an injected time source.
func NewResponseCacheWithClock(now func() time.Time) *ResponseCache {
	return &ResponseCache{now: now, entries: make(map[string]cacheEntry)}
}

func cacheKey(endpoint, params string) string {
	return endpoint + "?" + params
}

// Get returns the cached records for (endpoint, params) if still fresh.
func (c *ResponseCache) Get(endpoint, params string) ([]RawRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[cacheKey(endpoint, params)]
	if !ok || c.now().After(e.expiresAt) {
		return nil, false
	}
	return e.records, true
}

// Put stores records for (endpoint, params) with the given TTL, evicting any
// expired entries opportunistically.
func (c *ResponseCache) Put(endpoint, params string, ttl time.Duration, records []RawRecord) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	c.entries[cacheKey(endpoint, params)] = cacheEntry{expiresAt: now.Add(ttl), records: records}
}
