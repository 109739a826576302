package validate

import "sync"

// Cache holds verdicts for the lifetime of the process. The first verdict
// stored for an identity wins; entries are never replaced or evicted.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Verdict
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]Verdict)}
}

// Get returns the cached verdict for id.
func (c *Cache) Get(id string) (Verdict, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[id]
	return v, ok
}

// Store caches v for id unless a verdict already exists, and returns the
// verdict that is cached after the call.
func (c *Cache) Store(id string, v Verdict) Verdict {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[id]; ok {
		return existing
	}
	c.entries[id] = v
	return v
}

// Len returns the number of cached verdicts.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
