package events

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind identifies what happened on a board.
type Kind string

const (
	CardMoved     Kind = "card_moved"
	CardCreated   Kind = "card_created"
	CardUpdated   Kind = "card_updated"
	FieldChanged  Kind = "field_changed"
	CardAssigned  Kind = "card_assigned"
	CardCommented Kind = "card_commented"
)

// Raw is the inbound shape of an event before validation.
type Raw struct {
	Type        string         `json:"type"`
	WorkspaceID string         `json:"workspaceId,omitempty"`
	BoardID     string         `json:"boardId"`
	CardID      string         `json:"cardId"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// Event is a validated workspace occurrence. Construct builds it; nothing in
// this module mutates an Event after that, so it is shared freely between
// concurrently running rules.
type Event struct {
	ID          string         `json:"id"`
	Type        Kind           `json:"type"`
	WorkspaceID string         `json:"workspaceId,omitempty"`
	BoardID     string         `json:"boardId"`
	CardID      string         `json:"cardId"`
	TriggeredBy string         `json:"triggeredBy"`
	Payload     map[string]any `json:"payload"`
	OccurredAt  time.Time      `json:"occurredAt"`
}

// FieldError describes a single invalid field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) Error() string { return fmt.Sprintf("%s: %s", e.Field, e.Message) }

// ValidationError is returned by Construct for malformed input.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, fe := range e.Fields {
		parts[i] = fe.Error()
	}
	return "invalid event: " + strings.Join(parts, "; ")
}

// Construct validates raw and returns the event. type, boardId and cardId are
// required; a missing payload becomes an empty map.
func Construct(raw Raw, triggeredBy string) (Event, error) {
	var errs []FieldError
	if strings.TrimSpace(raw.Type) == "" {
		errs = append(errs, FieldError{"type", "required"})
	}
	if strings.TrimSpace(raw.BoardID) == "" {
		errs = append(errs, FieldError{"boardId", "required"})
	}
	if strings.TrimSpace(raw.CardID) == "" {
		errs = append(errs, FieldError{"cardId", "required"})
	}
	if len(errs) > 0 {
		return Event{}, &ValidationError{Fields: errs}
	}

	payload := make(map[string]any, len(raw.Payload))
	for k, v := range raw.Payload {
		payload[k] = v
	}

	return Event{
		ID:          uuid.NewString(),
		Type:        Kind(strings.TrimSpace(raw.Type)),
		WorkspaceID: raw.WorkspaceID,
		BoardID:     raw.BoardID,
		CardID:      raw.CardID,
		TriggeredBy: triggeredBy,
		Payload:     payload,
		OccurredAt:  time.Now().UTC(),
	}, nil
}

// Field returns a payload value.
func (e Event) Field(name string) (any, bool) {
	v, ok := e.Payload[name]
	return v, ok
}

// StringField returns a payload value when it is a non-empty string.
func (e Event) StringField(name string) (string, bool) {
	v, ok := e.Payload[name].(string)
	return v, ok && v != ""
}
