package automation

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/liamcoop/automations/events"
	"github.com/liamcoop/automations/rules"
)

// ExecContext is what an action knows about the execution it belongs to.
type ExecContext struct {
	Event    events.Event
	RuleID   string
	RuleName string
	// Index is the position of the action within its rule, starting at 0.
	Index int
}

// Action executes one kind of rule step. Implementations must honour ctx
// cancellation; a cancelled context means the rule ran out of time.
type Action interface {
	Kind() string
	Execute(ctx context.Context, spec rules.ActionSpec, ec ExecContext) error
}

// Registry maps action kinds to implementations. Lookups happen at call
// time, so kinds registered after a rule was stored are picked up.
type Registry struct {
	actions map[string]Action
	mu      sync.RWMutex
}

// NewRegistry creates a registry holding actions. It panics on a duplicate kind.
func NewRegistry(actions ...Action) *Registry {
	r := &Registry{actions: make(map[string]Action)}
	for _, a := range actions {
		if err := r.Register(a); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds an action. A kind may be registered once.
func (r *Registry) Register(a Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	kind := a.Kind()
	if kind == "" {
		return fmt.Errorf("action kind cannot be empty")
	}
	if _, exists := r.actions[kind]; exists {
		return fmt.Errorf("action kind %q already registered", kind)
	}
	r.actions[kind] = a
	return nil
}

func (r *Registry) Resolve(kind string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[kind]
	return a, ok
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.actions))
	for k := range r.actions {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// ValidateActions checks that every action names a registered kind.
func (r *Registry) ValidateActions(specs []rules.ActionSpec) error {
	for i, spec := range specs {
		if _, ok := r.Resolve(spec.Kind); !ok {
			return fmt.Errorf("action %d: %w %q", i, ErrUnknownAction, spec.Kind)
		}
	}
	return nil
}
