package automation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type MockJetStream struct {
	mock.Mock
	jetstream.JetStream
}

func (m *MockJetStream) Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	args := m.Called(ctx, subject, data)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*jetstream.PubAck), args.Error(1)
}

func (m *MockJetStream) CreateOrUpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	args := m.Called(ctx, cfg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(jetstream.Stream), args.Error(1)
}

type MockStream struct {
	mock.Mock
	jetstream.Stream
}

func failedOutcome() Outcome {
	return Outcome{
		RuleID:   "r1",
		RuleName: "Rule r1",
		EventID:  "e1",
		BoardID:  "B1",
		CardID:   "C1",
		Status:   StatusFailed,
		Error:    &ErrorDescriptor{Code: CodeActionFailure, Message: "boom", ActionIndex: 0, ActionKind: "notify"},
		Err:      errBoom,
	}
}

func TestNatsReporterPublishesOutcome(t *testing.T) {
	js := new(MockJetStream)
	js.On("Publish", mock.Anything, "automations.outcomes.B1.r1", mock.MatchedBy(func(data []byte) bool {
		var o Outcome
		if err := json.Unmarshal(data, &o); err != nil {
			return false
		}
		return o.RuleID == "r1" && o.Status == StatusFailed && o.Error.Code == CodeActionFailure
	})).Return(&jetstream.PubAck{Stream: OutcomeStream}, nil).Once()

	reporter := NewJetStreamReporter(js, "automations.outcomes")
	reporter.Report(context.Background(), failedOutcome())

	js.AssertExpectations(t)
}

func TestNatsReporterSwallowsPublishErrors(t *testing.T) {
	js := new(MockJetStream)
	js.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("no responders")).Once()

	reporter := NewJetStreamReporter(js, "automations.outcomes")
	assert.NotPanics(t, func() {
		reporter.Report(context.Background(), failedOutcome())
	})
	js.AssertExpectations(t)
}

func TestNatsReporterEnsureStream(t *testing.T) {
	js := new(MockJetStream)
	js.On("CreateOrUpdateStream", mock.Anything, mock.MatchedBy(func(cfg jetstream.StreamConfig) bool {
		return cfg.Name == OutcomeStream && len(cfg.Subjects) == 1 && cfg.Subjects[0] == "automations.outcomes.>"
	})).Return(new(MockStream), nil).Once()

	reporter := NewJetStreamReporter(js, "automations.outcomes")
	assert.NoError(t, reporter.EnsureStream(context.Background()))

	failing := new(MockJetStream)
	failing.On("CreateOrUpdateStream", mock.Anything, mock.Anything).Return(nil, errors.New("jetstream not enabled"))
	assert.Error(t, NewJetStreamReporter(failing, "automations.outcomes").EnsureStream(context.Background()))

	js.AssertExpectations(t)
}

func TestSubjectSanitizesTokens(t *testing.T) {
	reporter := NewJetStreamReporter(nil, "automations.outcomes")
	o := Outcome{BoardID: "team.alpha", RuleID: "r *1>"}
	assert.Equal(t, "automations.outcomes.team_alpha.r__1_", reporter.Subject(o))
	assert.Equal(t, "automations.outcomes._._", reporter.Subject(Outcome{}))
}

type countingReporter struct {
	calls *[]string
	name  string
}

func (c countingReporter) Report(context.Context, Outcome) {
	*c.calls = append(*c.calls, c.name)
}

func TestMultiReporterFansOutInOrder(t *testing.T) {
	var calls []string
	m := MultiReporter{countingReporter{&calls, "log"}, countingReporter{&calls, "nats"}}
	m.Report(context.Background(), failedOutcome())
	assert.Equal(t, []string{"log", "nats"}, calls)
}

func TestLogReporterHandlesEveryStatus(t *testing.T) {
	ctx := context.Background()
	assert.NotPanics(t, func() {
		LogReporter{}.Report(ctx, failedOutcome())
		LogReporter{}.Report(ctx, Outcome{RuleID: "r1", Status: StatusSucceeded})
		LogReporter{}.Report(ctx, Outcome{RuleID: "r1", Status: StatusSkipped, Reason: ReasonNoActions})
	})
}
