package logger

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

type contextKey string

const fieldsKey contextKey = "log_fields"

// Fields are attached to every record logged with a context carrying them.
type Fields struct {
	EventID     string
	EventType   string
	WorkspaceID string
	BoardID     string
	CardID      string
	RuleID      string
	RequestID   string
	Component   string
}

// WithFields merges fields into ctx. Non-empty values in f win over existing ones.
func WithFields(ctx context.Context, f Fields) context.Context {
	merged := merge(GetFields(ctx), f)
	return context.WithValue(ctx, fieldsKey, merged)
}

// GetFields returns the fields stored in ctx, or the zero value.
func GetFields(ctx context.Context) Fields {
	if ctx == nil {
		return Fields{}
	}
	if f, ok := ctx.Value(fieldsKey).(Fields); ok {
		return f
	}
	return Fields{}
}

func merge(existing, f Fields) Fields {
	pick := func(old, new string) string {
		if new != "" {
			return new
		}
		return old
	}
	return Fields{
		EventID:     pick(existing.EventID, f.EventID),
		EventType:   pick(existing.EventType, f.EventType),
		WorkspaceID: pick(existing.WorkspaceID, f.WorkspaceID),
		BoardID:     pick(existing.BoardID, f.BoardID),
		CardID:      pick(existing.CardID, f.CardID),
		RuleID:      pick(existing.RuleID, f.RuleID),
		RequestID:   pick(existing.RequestID, f.RequestID),
		Component:   pick(existing.Component, f.Component),
	}
}

// ContextHandler adds trace ids and context Fields to every record.
type ContextHandler struct {
	slog.Handler
}

func NewContextHandler(h slog.Handler) *ContextHandler {
	return &ContextHandler{Handler: h}
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}

	f := GetFields(ctx)
	add := func(key, val string) {
		if val != "" {
			r.AddAttrs(slog.String(key, val))
		}
	}
	add("event_id", f.EventID)
	add("event_type", f.EventType)
	add("workspace_id", f.WorkspaceID)
	add("board_id", f.BoardID)
	add("card_id", f.CardID)
	add("rule_id", f.RuleID)
	add("request_id", f.RequestID)
	add("component", f.Component)

	return h.Handler.Handle(ctx, r)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithGroup(name)}
}
