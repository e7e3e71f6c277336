package rules

import (
	"errors"
	"time"

	"github.com/liamcoop/automations/events"
)

var (
	// ErrStoreUnavailable wraps any failure of the underlying rule storage.
	ErrStoreUnavailable = errors.New("rule store unavailable")

	// ErrMalformedCondition marks a trigger condition that cannot be evaluated.
	ErrMalformedCondition = errors.New("malformed trigger condition")

	// ErrRuleNotFound is returned by Get, Update and Delete.
	ErrRuleNotFound = errors.New("rule not found")

	// ErrRuleExists is returned by Add for a duplicate ID.
	ErrRuleExists = errors.New("rule already exists")
)

// Rule is a user-defined automation scoped to one board.
type Rule struct {
	ID          string           `json:"id" yaml:"id"`
	WorkspaceID string           `json:"workspaceId" yaml:"workspaceId"`
	BoardID     string           `json:"boardId" yaml:"boardId"`
	Name        string           `json:"name" yaml:"name"`
	Condition   TriggerCondition `json:"condition" yaml:"condition"`
	Actions     []ActionSpec     `json:"actions" yaml:"actions"`
	Enabled     bool             `json:"enabled" yaml:"enabled"`
	CreatedAt   time.Time        `json:"createdAt" yaml:"-"`
	UpdatedAt   time.Time        `json:"updatedAt" yaml:"-"`
}

// TriggerCondition holds when a rule fires: the event type must equal
// EventType and every predicate must hold. Expression is an optional CEL
// expression ANDed with the predicates.
type TriggerCondition struct {
	EventType  events.Kind `json:"eventType" yaml:"eventType"`
	Predicates []Predicate `json:"predicates,omitempty" yaml:"predicates,omitempty"`
	Expression string      `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// Operator compares a payload field with a predicate value.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNeq      Operator = "neq"
	OpIn       Operator = "in"
	OpNotIn    Operator = "not_in"
	OpContains Operator = "contains"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpExists   Operator = "exists"
)

// Predicate is one field test. A field missing from the payload makes the
// predicate false.
type Predicate struct {
	Field string   `json:"field" yaml:"field"`
	Op    Operator `json:"op" yaml:"op"`
	Value any      `json:"value,omitempty" yaml:"value,omitempty"`
}

// ActionSpec is one ordered step of a rule.
type ActionSpec struct {
	Kind   string         `json:"kind" yaml:"kind"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// StringParam returns a string parameter, or "" when absent or not a string.
func (a ActionSpec) StringParam(name string) string {
	s, _ := a.Params[name].(string)
	return s
}

// MatchResult names a rule whose condition held for an event.
type MatchResult struct {
	RuleID   string `json:"ruleId"`
	RuleName string `json:"ruleName"`
}

// Clone returns a deep-enough copy for handing out of a store: slices and
// maps are copied, predicate values are shared.
func (r *Rule) Clone() *Rule {
	if r == nil {
		return nil
	}
	c := *r
	if r.Condition.Predicates != nil {
		c.Condition.Predicates = append([]Predicate(nil), r.Condition.Predicates...)
	}
	if r.Actions != nil {
		c.Actions = make([]ActionSpec, len(r.Actions))
		for i, a := range r.Actions {
			c.Actions[i] = ActionSpec{Kind: a.Kind}
			if a.Params != nil {
				c.Actions[i].Params = make(map[string]any, len(a.Params))
				for k, v := range a.Params {
					c.Actions[i].Params[k] = v
				}
			}
		}
	}
	return &c
}
