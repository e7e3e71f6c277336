package automation

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/liamcoop/automations/events"
	"github.com/liamcoop/automations/internal/logger"
	"github.com/liamcoop/automations/rules"
)

const (
	DefaultRuleTimeout        = 30 * time.Second
	DefaultMaxConcurrentRules = 64
)

// Matcher selects the rules an event triggers. *rules.Engine implements it.
type Matcher interface {
	Match(ctx context.Context, ev events.Event) []*rules.Rule
}

// Stats are cumulative dispatcher counters.
type Stats struct {
	Dispatched int64 `json:"dispatched"`
	Succeeded  int64 `json:"succeeded"`
	Failed     int64 `json:"failed"`
	Skipped    int64 `json:"skipped"`
	TimedOut   int64 `json:"timedOut"`
}

// Execution tracks the rules dispatched for one event. It exists for
// bookkeeping only; nothing on the request path waits on it.
type Execution struct {
	EventID  string
	done     chan struct{}
	outcomes []Outcome
}

func newExecution(eventID string) *Execution {
	return &Execution{EventID: eventID, done: make(chan struct{})}
}

func (e *Execution) finish(outcomes []Outcome) {
	e.outcomes = outcomes
	close(e.done)
}

// Done is closed once every rule has a terminal outcome.
func (e *Execution) Done() <-chan struct{} {
	return e.done
}

// Wait blocks until Done and returns the outcomes in rule order.
func (e *Execution) Wait() []Outcome {
	<-e.done
	return e.outcomes
}

// Dispatcher runs the action chains of matched rules in the background.
// Rules of one event run concurrently; the actions of a rule run in order
// and the first failure ends that rule. Nothing is retried.
type Dispatcher struct {
	matcher     Matcher
	registry    *Registry
	reporter    Reporter
	ruleTimeout time.Duration
	sem         *semaphore.Weighted

	mu     sync.RWMutex // guards closed against wg.Add
	closed bool
	wg     sync.WaitGroup

	dispatched atomic.Int64
	succeeded  atomic.Int64
	failed     atomic.Int64
	skipped    atomic.Int64
	timedOut   atomic.Int64
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithReporter sets where outcomes go. The default is LogReporter.
func WithReporter(r Reporter) DispatcherOption {
	return func(d *Dispatcher) { d.reporter = r }
}

// WithRuleTimeout sets the wall-clock budget of one rule's action chain.
func WithRuleTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.ruleTimeout = timeout
		}
	}
}

// WithMaxConcurrentRules bounds how many rules execute at once across all events.
func WithMaxConcurrentRules(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

func NewDispatcher(matcher Matcher, registry *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		matcher:     matcher,
		registry:    registry,
		reporter:    LogReporter{},
		ruleTimeout: DefaultRuleTimeout,
		sem:         semaphore.NewWeighted(DefaultMaxConcurrentRules),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// EvaluateRulesForEvent matches ev again in the background and runs whatever
// matches then. Rules edited since the caller's own match may be included or
// excluded; use Dispatch to run a known snapshot.
func (d *Dispatcher) EvaluateRulesForEvent(ctx context.Context, ev events.Event) *Execution {
	return d.start(ctx, ev, func(ctx context.Context) []*rules.Rule {
		if d.matcher == nil {
			return nil
		}
		return d.matcher.Match(ctx, ev)
	})
}

// Dispatch runs the given rule snapshot for ev in the background.
func (d *Dispatcher) Dispatch(ctx context.Context, ev events.Event, matched []*rules.Rule) *Execution {
	snapshot := make([]*rules.Rule, len(matched))
	for i, r := range matched {
		snapshot[i] = r.Clone()
	}
	return d.start(ctx, ev, func(context.Context) []*rules.Rule { return snapshot })
}

func (d *Dispatcher) start(ctx context.Context, ev events.Event, resolve func(context.Context) []*rules.Rule) *Execution {
	exec := newExecution(ev.ID)

	// detach from the request: keep its values, drop its deadline and cancellation
	ctx = logger.WithFields(context.WithoutCancel(ctx), logger.Fields{
		EventID:     ev.ID,
		EventType:   string(ev.Type),
		WorkspaceID: ev.WorkspaceID,
		BoardID:     ev.BoardID,
		CardID:      ev.CardID,
		Component:   "executor",
	})

	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		matched := resolve(ctx)
		outcomes := make([]Outcome, len(matched))
		for i, rule := range matched {
			outcomes[i] = d.skip(ev, rule, ReasonShuttingDown)
			d.record(outcomes[i])
			d.report(ctx, outcomes[i])
		}
		exec.finish(outcomes)
		return exec
	}
	d.wg.Add(1)
	d.mu.RUnlock()

	go func() {
		defer d.wg.Done()
		exec.finish(d.run(ctx, ev, resolve(ctx)))
	}()

	return exec
}

func (d *Dispatcher) run(ctx context.Context, ev events.Event, matched []*rules.Rule) []Outcome {
	outcomes := make([]Outcome, len(matched))

	var wg sync.WaitGroup
	for i, rule := range matched {
		wg.Add(1)
		go func(idx int, rule *rules.Rule) {
			defer wg.Done()

			ruleCtx := logger.WithFields(ctx, logger.Fields{RuleID: rule.ID})

			// ctx is never cancelled, so Acquire only returns once a slot frees up
			if err := d.sem.Acquire(ruleCtx, 1); err != nil {
				outcomes[idx] = d.skip(ev, rule, ReasonShuttingDown)
			} else {
				outcomes[idx] = d.executeRule(ruleCtx, ev, rule)
				d.sem.Release(1)
			}

			d.record(outcomes[idx])
			d.report(ruleCtx, outcomes[idx])
		}(i, rule)
	}
	wg.Wait()

	return outcomes
}

type chainResult struct {
	actionsRun int
	err        error
	desc       *ErrorDescriptor
}

func (d *Dispatcher) executeRule(ctx context.Context, ev events.Event, rule *rules.Rule) Outcome {
	started := time.Now()
	out := Outcome{
		RuleID:    rule.ID,
		RuleName:  rule.Name,
		EventID:   ev.ID,
		BoardID:   ev.BoardID,
		CardID:    ev.CardID,
		StartedAt: started.UTC(),
	}

	if len(rule.Actions) == 0 {
		out.Status = StatusSkipped
		out.Reason = ReasonNoActions
		return out
	}

	chainCtx, cancel := context.WithTimeout(ctx, d.ruleTimeout)
	defer cancel()

	// progress is the index of the action currently running
	var progress atomic.Int32
	results := make(chan chainResult, 1)
	go func() {
		results <- d.runChain(chainCtx, ev, rule, &progress)
	}()

	res, finished := awaitChain(results, chainCtx.Done())
	if !finished {
		// the running action is abandoned, not killed; its context is cancelled
		res = d.timeoutResult(rule, int(progress.Load()))
	}
	if res.err != nil && !errors.Is(res.err, ErrTimeout) &&
		errors.Is(res.err, context.DeadlineExceeded) && chainCtx.Err() == context.DeadlineExceeded {
		res = d.timeoutResult(rule, res.actionsRun)
	}

	out.ActionsRun = res.actionsRun
	out.Duration = time.Since(started)
	if res.err != nil {
		out.Status = StatusFailed
		out.Err = res.err
		out.Error = res.desc
		return out
	}
	out.Status = StatusSucceeded
	return out
}

// awaitChain waits for the chain result or the deadline. A chain that
// finished as the deadline fired still counts as finished.
func awaitChain(results <-chan chainResult, deadline <-chan struct{}) (chainResult, bool) {
	select {
	case res := <-results:
		return res, true
	case <-deadline:
		select {
		case res := <-results:
			return res, true
		default:
			return chainResult{}, false
		}
	}
}

func (d *Dispatcher) timeoutResult(rule *rules.Rule, index int) chainResult {
	return chainResult{
		actionsRun: index,
		err:        fmt.Errorf("%w after %s", ErrTimeout, d.ruleTimeout),
		desc: &ErrorDescriptor{
			Code:        CodeTimeout,
			Message:     fmt.Sprintf("rule exceeded its %s budget during action %d", d.ruleTimeout, index),
			ActionIndex: index,
			ActionKind:  rule.Actions[index].Kind,
		},
	}
}

// runChain executes the actions of rule in order, stopping at the first failure.
func (d *Dispatcher) runChain(ctx context.Context, ev events.Event, rule *rules.Rule, progress *atomic.Int32) (res chainResult) {
	defer func() {
		if r := recover(); r != nil {
			idx := int(progress.Load())
			logger.ErrorContext(ctx, "action panicked", "action_index", idx, "panic", r, "stack", string(debug.Stack()))
			res = chainResult{
				actionsRun: idx,
				err:        fmt.Errorf("%w: panic in action %d: %v", ErrActionFailure, idx, r),
				desc: &ErrorDescriptor{
					Code:        CodePanic,
					Message:     fmt.Sprint(r),
					ActionIndex: idx,
					ActionKind:  rule.Actions[idx].Kind,
				},
			}
		}
	}()

	for i, spec := range rule.Actions {
		// an abandoned chain must not start the actions after the one that overran
		if ctx.Err() != nil {
			return d.timeoutResult(rule, i)
		}
		progress.Store(int32(i))

		action, ok := d.registry.Resolve(spec.Kind)
		if !ok {
			return chainResult{
				actionsRun: i,
				err:        fmt.Errorf("action %d: %w %q", i, ErrUnknownAction, spec.Kind),
				desc: &ErrorDescriptor{
					Code:        CodeUnknownAction,
					Message:     fmt.Sprintf("no action registered for kind %q", spec.Kind),
					ActionIndex: i,
					ActionKind:  spec.Kind,
				},
			}
		}

		ec := ExecContext{Event: ev, RuleID: rule.ID, RuleName: rule.Name, Index: i}
		if err := action.Execute(ctx, spec, ec); err != nil {
			return chainResult{
				actionsRun: i,
				err:        fmt.Errorf("%w: action %d (%s): %w", ErrActionFailure, i, spec.Kind, err),
				desc: &ErrorDescriptor{
					Code:        CodeActionFailure,
					Message:     err.Error(),
					ActionIndex: i,
					ActionKind:  spec.Kind,
				},
			}
		}
	}

	return chainResult{actionsRun: len(rule.Actions)}
}

func (d *Dispatcher) skip(ev events.Event, rule *rules.Rule, reason string) Outcome {
	return Outcome{
		RuleID:    rule.ID,
		RuleName:  rule.Name,
		EventID:   ev.ID,
		BoardID:   ev.BoardID,
		CardID:    ev.CardID,
		Status:    StatusSkipped,
		Reason:    reason,
		StartedAt: time.Now().UTC(),
	}
}

func (d *Dispatcher) record(o Outcome) {
	d.dispatched.Add(1)
	switch o.Status {
	case StatusSucceeded:
		d.succeeded.Add(1)
	case StatusFailed:
		d.failed.Add(1)
		if errors.Is(o.Err, ErrTimeout) {
			d.timedOut.Add(1)
		}
	case StatusSkipped:
		d.skipped.Add(1)
	}
}

func (d *Dispatcher) report(ctx context.Context, o Outcome) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "outcome reporter panicked", "panic", r)
		}
	}()
	d.reporter.Report(ctx, o)
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Dispatched: d.dispatched.Load(),
		Succeeded:  d.succeeded.Load(),
		Failed:     d.failed.Load(),
		Skipped:    d.skipped.Load(),
		TimedOut:   d.timedOut.Load(),
	}
}

// Shutdown stops accepting work and waits for running executions until ctx
// is done. Events dispatched afterwards get skipped outcomes.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}
