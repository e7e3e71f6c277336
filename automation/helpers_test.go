package automation

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/automations/events"
	"github.com/liamcoop/automations/rules"
)

// MockAction is a testify mock of Action.
type MockAction struct {
	mock.Mock
	kind string
}

func (m *MockAction) Kind() string { return m.kind }

func (m *MockAction) Execute(ctx context.Context, spec rules.ActionSpec, ec ExecContext) error {
	args := m.Called(ctx, spec, ec)
	return args.Error(0)
}

// MockMatcher is a testify mock of Matcher.
type MockMatcher struct {
	mock.Mock
}

func (m *MockMatcher) Match(ctx context.Context, ev events.Event) []*rules.Rule {
	args := m.Called(ctx, ev)
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).([]*rules.Rule)
}

// funcAction adapts a function to Action.
type funcAction struct {
	kind string
	fn   func(ctx context.Context, spec rules.ActionSpec, ec ExecContext) error
}

func (f funcAction) Kind() string { return f.kind }

func (f funcAction) Execute(ctx context.Context, spec rules.ActionSpec, ec ExecContext) error {
	return f.fn(ctx, spec, ec)
}

// journal records which actions ran, in order.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, s)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

// recordAction appends params.name to j and succeeds.
func recordAction(kind string, j *journal) Action {
	return funcAction{kind: kind, fn: func(ctx context.Context, spec rules.ActionSpec, ec ExecContext) error {
		j.add(spec.StringParam("name"))
		return nil
	}}
}

var errBoom = errors.New("boom")

func failAction(kind string) Action {
	return funcAction{kind: kind, fn: func(context.Context, rules.ActionSpec, ExecContext) error {
		return errBoom
	}}
}

func step(kind, name string) rules.ActionSpec {
	return rules.ActionSpec{Kind: kind, Params: map[string]any{"name": name}}
}

func testRule(id string, actions ...rules.ActionSpec) *rules.Rule {
	return &rules.Rule{
		ID:      id,
		BoardID: "B1",
		Name:    "Rule " + id,
		Enabled: true,
		Condition: rules.TriggerCondition{
			EventType:  events.CardMoved,
			Predicates: []rules.Predicate{{Field: "toColumn", Op: rules.OpEq, Value: "Done"}},
		},
		Actions: actions,
	}
}

func testEvent(t *testing.T) events.Event {
	t.Helper()
	ev, err := events.Construct(events.Raw{
		Type:    string(events.CardMoved),
		BoardID: "B1",
		CardID:  "C1",
		Payload: map[string]any{"toColumn": "Done"},
	}, "user-1")
	require.NoError(t, err)
	return ev
}

// outcomeFor returns the outcome of ruleID.
func outcomeFor(t *testing.T, outcomes []Outcome, ruleID string) Outcome {
	t.Helper()
	for _, o := range outcomes {
		if o.RuleID == ruleID {
			return o
		}
	}
	t.Fatalf("no outcome for rule %s in %v", ruleID, outcomes)
	return Outcome{}
}

// silentReporter discards outcomes so tests stay quiet.
type silentReporter struct{}

func (silentReporter) Report(context.Context, Outcome) {}
