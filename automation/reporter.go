package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/liamcoop/automations/internal/logger"
)

// Reporter receives every outcome. Report must not block for long and must
// not fail the execution; errors are the reporter's to log.
type Reporter interface {
	Report(ctx context.Context, o Outcome)
}

// LogReporter logs outcomes: failures at error level, the rest at info.
type LogReporter struct{}

func (LogReporter) Report(ctx context.Context, o Outcome) {
	attrs := []any{
		"rule_id", o.RuleID,
		"rule_name", o.RuleName,
		"status", o.Status,
		"actions_run", o.ActionsRun,
		"duration_ms", o.Duration.Milliseconds(),
	}

	switch o.Status {
	case StatusFailed:
		attrs = append(attrs,
			"error_code", o.Error.Code,
			"error", o.Error.Message,
			"action_index", o.Error.ActionIndex,
			"action_kind", o.Error.ActionKind,
		)
		logger.ErrorContext(ctx, "rule execution failed", attrs...)
	case StatusSkipped:
		logger.InfoContext(ctx, "rule execution skipped", append(attrs, "reason", o.Reason)...)
	default:
		logger.InfoContext(ctx, "rule execution succeeded", attrs...)
	}
}

// MultiReporter fans an outcome out to several reporters in order.
type MultiReporter []Reporter

func (m MultiReporter) Report(ctx context.Context, o Outcome) {
	for _, r := range m {
		r.Report(ctx, o)
	}
}

const publishTimeout = 5 * time.Second

// OutcomeStream is the JetStream stream holding published outcomes.
const OutcomeStream = "AUTOMATION_OUTCOMES"

// NatsReporter publishes outcomes as JSON to JetStream on
// <prefix>.<boardId>.<ruleId>.
type NatsReporter struct {
	js     jetstream.JetStream
	prefix string
}

func NewNatsReporter(nc *nats.Conn, prefix string) (*NatsReporter, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, err
	}
	return NewJetStreamReporter(js, prefix), nil
}

func NewJetStreamReporter(js jetstream.JetStream, prefix string) *NatsReporter {
	return &NatsReporter{js: js, prefix: prefix}
}

// EnsureStream creates or updates the outcome stream.
// In production, streams should be managed by IaC; this is for development convenience.
func (r *NatsReporter) EnsureStream(ctx context.Context) error {
	_, err := r.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      OutcomeStream,
		Subjects:  []string{r.prefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream: %w", err)
	}
	return nil
}

// Subject returns the subject an outcome is published on.
func (r *NatsReporter) Subject(o Outcome) string {
	return fmt.Sprintf("%s.%s.%s", r.prefix, subjectToken(o.BoardID), subjectToken(o.RuleID))
}

// subjectToken makes an id safe as a single NATS subject token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

func (r *NatsReporter) Report(ctx context.Context, o Outcome) {
	data, err := json.Marshal(o)
	if err != nil {
		logger.WarnContext(ctx, "failed to encode outcome", "rule_id", o.RuleID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if _, err := r.js.Publish(ctx, r.Subject(o), data); err != nil {
		logger.WarnContext(ctx, "failed to publish outcome", "rule_id", o.RuleID, "error", err)
	}
}
