package rules

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RuleStore manages rule persistence and retrieval. The engine only reads
// through LoadRulesForBoard; the other methods serve the admin surface.
type RuleStore interface {
	// LoadRulesForBoard returns the enabled rules of a board in storage order.
	// No rules is an empty slice, not an error. Storage failures wrap ErrStoreUnavailable.
	LoadRulesForBoard(ctx context.Context, boardID string) ([]*Rule, error)

	// ListByBoard returns every rule of a board, enabled or not.
	ListByBoard(ctx context.Context, boardID string) ([]*Rule, error)

	Add(ctx context.Context, rule *Rule) error
	Get(ctx context.Context, id string) (*Rule, error)
	Update(ctx context.Context, rule *Rule) error
	Delete(ctx context.Context, id string) error

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}

// InMemoryRuleStore implements RuleStore with a map plus insertion order.
type InMemoryRuleStore struct {
	rules map[string]*Rule
	order []string
	mu    sync.RWMutex
}

// NewInMemoryRuleStore creates an empty in-memory store.
func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{
		rules: make(map[string]*Rule),
	}
}

// Add stores a copy of rule and sets its timestamps.
func (s *InMemoryRuleStore) Add(ctx context.Context, rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; exists {
		return fmt.Errorf("rule with ID %s: %w", rule.ID, ErrRuleExists)
	}

	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	s.rules[rule.ID] = rule.Clone()
	s.order = append(s.order, rule.ID)
	return nil
}

// Get retrieves a rule by ID
func (s *InMemoryRuleStore) Get(ctx context.Context, id string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, exists := s.rules[id]
	if !exists {
		return nil, fmt.Errorf("rule with ID %s: %w", id, ErrRuleNotFound)
	}
	return rule.Clone(), nil
}

func (s *InMemoryRuleStore) LoadRulesForBoard(ctx context.Context, boardID string) ([]*Rule, error) {
	return s.list(boardID, true), nil
}

func (s *InMemoryRuleStore) ListByBoard(ctx context.Context, boardID string) ([]*Rule, error) {
	return s.list(boardID, false), nil
}

func (s *InMemoryRuleStore) list(boardID string, enabledOnly bool) []*Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Rule, 0)
	for _, id := range s.order {
		rule := s.rules[id]
		if rule.BoardID != boardID {
			continue
		}
		if enabledOnly && !rule.Enabled {
			continue
		}
		out = append(out, rule.Clone())
	}
	return out
}

// Update replaces an existing rule, preserving CreatedAt.
func (s *InMemoryRuleStore) Update(ctx context.Context, rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[rule.ID]
	if !exists {
		return fmt.Errorf("rule with ID %s: %w", rule.ID, ErrRuleNotFound)
	}

	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now().UTC()
	s.rules[rule.ID] = rule.Clone()
	return nil
}

// Delete removes a rule from the store
func (s *InMemoryRuleStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[id]; !exists {
		return fmt.Errorf("rule with ID %s: %w", id, ErrRuleNotFound)
	}

	delete(s.rules, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *InMemoryRuleStore) Ping(ctx context.Context) error {
	return nil
}
