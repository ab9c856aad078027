package rulebooks

import (
	"sync"
	"time"

	"github.com/liamcoop/rulestage/rules"
)

type cachedRulebook struct {
	rulebook *rules.Rulebook
	cachedAt time.Time
}

// InMemoryCompiledCache is a map-backed CompiledCache.
// Thread-safe for concurrent access
type InMemoryCompiledCache struct {
	entries map[string]cachedRulebook
	config  CacheConfig
	now     func() time.Time
	mu      sync.RWMutex
}

// NewInMemoryCompiledCache creates an empty cache.
func NewInMemoryCompiledCache(config CacheConfig) *InMemoryCompiledCache {
	return &InMemoryCompiledCache{
		entries: make(map[string]cachedRulebook),
		config:  config,
		now:     time.Now,
	}
}

func (c *InMemoryCompiledCache) Get(id string) *rules.Rulebook {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[id]
	if !ok || c.expired(entry) {
		return nil
	}
	return entry.rulebook
}

func (c *InMemoryCompiledCache) Set(id string, rb *rules.Rulebook) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[id] = cachedRulebook{rulebook: rb, cachedAt: c.now()}
}

func (c *InMemoryCompiledCache) Invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, id)
}

func (c *InMemoryCompiledCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]cachedRulebook)
}

func (c *InMemoryCompiledCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	for _, entry := range c.entries {
		if !c.expired(entry) {
			n++
		}
	}
	return n
}

func (c *InMemoryCompiledCache) expired(entry cachedRulebook) bool {
	return c.config.TTL > 0 && c.now().Sub(entry.cachedAt) > c.config.TTL
}
