package rulebooks

import (
	"time"

	"github.com/liamcoop/rulestage/rules"
)

// CompiledCache holds compiled rulebooks by ID so stages built from the same
// persisted source share one read-only Rulebook.
type CompiledCache interface {
	// Get returns the cached rulebook, or nil on a miss or expiry
	Get(id string) *rules.Rulebook

	// Set stores a compiled rulebook
	Set(id string, rb *rules.Rulebook)

	// Invalidate drops one entry, forcing a recompile on next Load
	Invalidate(id string)

	// Clear drops every entry
	Clear()

	// Len returns the number of live entries
	Len() int
}

// CacheConfig holds configuration for cache behavior.
type CacheConfig struct {
	// TTL is the time-to-live for cached entries.
	// Set to 0 for no expiration (manual invalidation only)
	TTL time.Duration
}

// DefaultCacheConfig invalidates on mutation only.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{TTL: 0}
}
