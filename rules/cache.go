package rules

import (
	"context"
	"time"
)

// RulesCache caches the enabled rules of each board.
// This allows swapping between in-memory, Redis, or other caching implementations
type RulesCache interface {
	// Get returns the cached rules of a board; false on miss or expiry
	Get(ctx context.Context, boardID string) ([]*Rule, bool)

	// Set stores the rules of a board
	Set(ctx context.Context, boardID string, rules []*Rule)

	// Invalidate drops one board, forcing a store read on next Get
	Invalidate(ctx context.Context, boardID string)

	// InvalidateAll drops every board
	InvalidateAll(ctx context.Context)
}

// CacheConfig holds configuration for cache behavior
type CacheConfig struct {
	// TTL is the time-to-live for cached entries
	// Set to 0 for no expiration (manual invalidation only)
	TTL time.Duration
}

// DefaultCacheConfig returns sensible defaults for rule caching
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL: 0, // No TTL - only invalidate on mutations
	}
}

func cloneRules(rules []*Rule) []*Rule {
	out := make([]*Rule, len(rules))
	for i, r := range rules {
		out[i] = r.Clone()
	}
	return out
}
