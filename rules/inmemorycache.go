package rules

import (
	"context"
	"sync"
	"time"
)

type cacheEntry struct {
	rules    []*Rule
	cachedAt time.Time
}

// InMemoryRulesCache is a simple in-memory implementation of RulesCache
// Thread-safe for concurrent access
type InMemoryRulesCache struct {
	entries map[string]cacheEntry
	config  CacheConfig
	mu      sync.RWMutex
}

// NewInMemoryRulesCache creates a new in-memory rules cache
func NewInMemoryRulesCache(config CacheConfig) *InMemoryRulesCache {
	return &InMemoryRulesCache{
		entries: make(map[string]cacheEntry),
		config:  config,
	}
}

// Get retrieves cached rules
// Returns false if the board is not cached or expired
func (c *InMemoryRulesCache) Get(ctx context.Context, boardID string) ([]*Rule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[boardID]
	if !ok {
		return nil, false
	}

	if c.config.TTL > 0 && time.Since(entry.cachedAt) > c.config.TTL {
		return nil, false
	}

	// Return copy to prevent external modifications
	return cloneRules(entry.rules), true
}

// Set stores rules in cache
func (c *InMemoryRulesCache) Set(ctx context.Context, boardID string, rules []*Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[boardID] = cacheEntry{
		rules:    cloneRules(rules),
		cachedAt: time.Now(),
	}
}

// Invalidate clears one board
func (c *InMemoryRulesCache) Invalidate(ctx context.Context, boardID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, boardID)
}

// InvalidateAll clears the cache
func (c *InMemoryRulesCache) InvalidateAll(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]cacheEntry)
}
