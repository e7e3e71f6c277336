package rules

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/liamcoop/automations/events"
	"github.com/liamcoop/automations/internal/logger"
)

const defaultCostLimit = 1000000

// Engine matches events against the rules of their board.
// Thread-safe: compiled programs live behind an RWMutex.
type Engine struct {
	env       *cel.Env
	store     RuleStore
	cache     RulesCache // nil means every match reads the store
	schema    events.Schema
	costLimit uint64
	programs  map[string]*compiledCondition  // ruleID -> compiled condition
	byBoard   map[string]map[string]struct{} // boardID -> ruleIDs in programs
	mu        sync.RWMutex
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithCache puts a rules cache in front of the store.
func WithCache(cache RulesCache) EngineOption {
	return func(en *Engine) { en.cache = cache }
}

// WithSchema sets the payload schema conditions are checked against.
// A nil schema disables field checks.
func WithSchema(schema events.Schema) EngineOption {
	return func(en *Engine) { en.schema = schema }
}

// WithCostLimit bounds the CEL evaluation cost of one condition.
func WithCostLimit(limit uint64) EngineOption {
	return func(en *Engine) { en.costLimit = limit }
}

// EvaluationResult is the outcome of evaluating one rule against one event.
type EvaluationResult struct {
	RuleID   string `json:"ruleId"`
	RuleName string `json:"ruleName"`
	Matched  bool   `json:"matched"`
	Error    string `json:"error,omitempty"`
}

// NewEngine creates a new rules engine with the board CEL environment
func NewEngine(store RuleStore, opts ...EngineOption) (*Engine, error) {
	env, err := newCELEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	en := &Engine{
		env:       env,
		store:     store,
		schema:    events.DefaultSchema(),
		costLimit: defaultCostLimit,
		programs:  make(map[string]*compiledCondition),
		byBoard:   make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(en)
	}

	if en.schema != nil {
		if err := events.ValidateSchema(en.schema); err != nil {
			return nil, fmt.Errorf("invalid event schema: %w", err)
		}
	}

	return en, nil
}

// ValidateCondition reports whether c is well formed. Errors wrap ErrMalformedCondition.
func (en *Engine) ValidateCondition(c TriggerCondition) error {
	_, err := compileCondition(en.env, c, en.schema, en.costLimit)
	return err
}

// CompileRule compiles and caches the condition of a rule.
func (en *Engine) CompileRule(rule *Rule) error {
	_, err := en.programFor(rule)
	return err
}

// programFor returns the cached program of a rule, recompiling when its
// condition changed since the last compile.
func (en *Engine) programFor(rule *Rule) (*compiledCondition, error) {
	fp := fingerprint(rule.Condition)

	en.mu.RLock()
	compiled, ok := en.programs[rule.ID]
	en.mu.RUnlock()
	if ok && compiled.fingerprint == fp && compiled.boardID == rule.BoardID {
		return compiled, nil
	}

	compiled, err := compileCondition(en.env, rule.Condition, en.schema, en.costLimit)
	if err != nil {
		return nil, err
	}

	en.remember(rule, compiled)
	return compiled, nil
}

func (en *Engine) remember(rule *Rule, compiled *compiledCondition) {
	compiled.boardID = rule.BoardID

	en.mu.Lock()
	defer en.mu.Unlock()

	en.dropLocked(rule.ID)
	en.programs[rule.ID] = compiled
	ids, ok := en.byBoard[rule.BoardID]
	if !ok {
		ids = make(map[string]struct{})
		en.byBoard[rule.BoardID] = ids
	}
	ids[rule.ID] = struct{}{}
}

func (en *Engine) forget(ruleID string) {
	en.mu.Lock()
	en.dropLocked(ruleID)
	en.mu.Unlock()
}

func (en *Engine) dropLocked(ruleID string) {
	compiled, ok := en.programs[ruleID]
	if !ok {
		return
	}
	delete(en.programs, ruleID)
	if ids := en.byBoard[compiled.boardID]; ids != nil {
		delete(ids, ruleID)
		if len(ids) == 0 {
			delete(en.byBoard, compiled.boardID)
		}
	}
}

// prune drops the programs of a board whose rules are no longer stored there.
// Rules can be removed from the store without going through the engine.
func (en *Engine) prune(boardID string, stored []*Rule) {
	en.mu.RLock()
	indexed := len(en.byBoard[boardID])
	en.mu.RUnlock()
	if indexed == 0 {
		return
	}

	live := make(map[string]struct{}, len(stored))
	for _, r := range stored {
		if r.BoardID == boardID {
			live[r.ID] = struct{}{}
		}
	}

	en.mu.Lock()
	defer en.mu.Unlock()
	for id := range en.byBoard[boardID] {
		if _, ok := live[id]; !ok {
			en.dropLocked(id)
		}
	}
}

func (en *Engine) loadRules(ctx context.Context, boardID string) ([]*Rule, error) {
	if en.cache != nil {
		if rules, ok := en.cache.Get(ctx, boardID); ok {
			return rules, nil
		}
	}

	rules, err := en.store.LoadRulesForBoard(ctx, boardID)
	if err != nil {
		if !errors.Is(err, ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
		return nil, err
	}
	en.prune(boardID, rules)

	if en.cache != nil {
		en.cache.Set(ctx, boardID, rules)
	}
	return rules, nil
}

func activation(ev events.Event, payload map[string]any, args []any) map[string]any {
	return map[string]any{
		"event_type":   string(ev.Type),
		"payload":      payload,
		"card_id":      ev.CardID,
		"board_id":     ev.BoardID,
		"triggered_by": ev.TriggeredBy,
		"args":         args,
	}
}

func (c *compiledCondition) eval(ev events.Event, payload map[string]any) (bool, error) {
	out, _, err := c.program.Eval(activation(ev, payload, c.args))
	if err != nil {
		return false, err
	}
	matched, _ := out.Value().(bool)
	return matched, nil
}

// Match returns the enabled rules of the event's board whose condition holds,
// in storage order. A store failure is logged and yields no matches.
func (en *Engine) Match(ctx context.Context, ev events.Event) []*Rule {
	ctx = logger.WithFields(ctx, logger.Fields{
		EventID:   ev.ID,
		EventType: string(ev.Type),
		BoardID:   ev.BoardID,
		CardID:    ev.CardID,
		Component: "matcher",
	})

	candidates, err := en.loadRules(ctx, ev.BoardID)
	if err != nil {
		logger.ErrorContext(ctx, "failed to load rules, matching nothing", "error", err)
		return []*Rule{}
	}

	payload := normalizePayload(ev.Payload)
	matched := make([]*Rule, 0)
	for _, rule := range candidates {
		if !rule.Enabled || rule.BoardID != ev.BoardID {
			continue
		}
		if rule.Condition.EventType != ev.Type {
			continue
		}

		compiled, err := en.programFor(rule)
		if err != nil {
			logger.WarnContext(ctx, "skipping rule with malformed condition", "rule_id", rule.ID, "error", err)
			continue
		}

		ok, err := compiled.eval(ev, payload)
		if err != nil {
			logger.DebugContext(ctx, "rule evaluation failed, treating as no match", "rule_id", rule.ID, "error", err)
			continue
		}
		if ok {
			matched = append(matched, rule)
		}
	}

	logger.DebugContext(ctx, "matched rules", "candidates", len(candidates), "matched", len(matched))
	return matched
}

// FindMatchingRules returns the id and name of every rule Match selects.
func (en *Engine) FindMatchingRules(ctx context.Context, ev events.Event) []MatchResult {
	rules := en.Match(ctx, ev)
	results := make([]MatchResult, len(rules))
	for i, r := range rules {
		results[i] = MatchResult{RuleID: r.ID, RuleName: r.Name}
	}
	return results
}

// Evaluate evaluates a single stored rule against ev, ignoring its enabled
// flag. Used for dry runs from the admin surface.
func (en *Engine) Evaluate(ctx context.Context, ruleID string, ev events.Event) (*EvaluationResult, error) {
	rule, err := en.store.Get(ctx, ruleID)
	if err != nil {
		return nil, err
	}

	result := &EvaluationResult{RuleID: rule.ID, RuleName: rule.Name}
	if rule.Condition.EventType != ev.Type {
		return result, nil
	}

	compiled, err := en.programFor(rule)
	if err != nil {
		return nil, err
	}

	matched, err := compiled.eval(ev, normalizePayload(ev.Payload))
	if err != nil {
		result.Error = err.Error()
		return result, nil
	}
	result.Matched = matched
	return result, nil
}

// AddRule validates a rule's condition and stores it
func (en *Engine) AddRule(ctx context.Context, r *Rule) error {
	compiled, err := compileCondition(en.env, r.Condition, en.schema, en.costLimit)
	if err != nil {
		return fmt.Errorf("rule validation failed: %w", err)
	}

	if err := en.store.Add(ctx, r); err != nil {
		return err
	}

	en.remember(r, compiled)
	en.invalidate(ctx, r.BoardID)
	return nil
}

// UpdateRule validates the new condition before replacing the stored rule
func (en *Engine) UpdateRule(ctx context.Context, r *Rule) error {
	if err := en.ValidateCondition(r.Condition); err != nil {
		return fmt.Errorf("rule validation failed: %w", err)
	}

	previous, err := en.store.Get(ctx, r.ID)
	if err != nil {
		return err
	}

	if err := en.store.Update(ctx, r); err != nil {
		return err
	}

	en.forget(r.ID)
	en.invalidate(ctx, previous.BoardID)
	if previous.BoardID != r.BoardID {
		en.invalidate(ctx, r.BoardID)
	}
	return nil
}

// DeleteRule removes a rule from the store and compiled programs
func (en *Engine) DeleteRule(ctx context.Context, ruleID string) error {
	rule, err := en.store.Get(ctx, ruleID)
	if err != nil {
		return err
	}

	if err := en.store.Delete(ctx, ruleID); err != nil {
		return err
	}

	en.forget(ruleID)
	en.invalidate(ctx, rule.BoardID)
	return nil
}

func (en *Engine) invalidate(ctx context.Context, boardID string) {
	if en.cache != nil {
		en.cache.Invalidate(ctx, boardID)
	}
}
