package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/template"
	"time"

	"github.com/liamcoop/automations/board"
	"github.com/liamcoop/automations/events"
	"github.com/liamcoop/automations/rules"
)

// Built-in action kinds.
const (
	KindNotify     = "notify"
	KindMoveCard   = "move_card"
	KindAssignUser = "assign_user"
	KindWebhook    = "webhook"
)

// NewBuiltinRegistry registers the built-in actions against the given collaborators.
func NewBuiltinRegistry(cards board.Store, notifier board.Notifier, client *http.Client) *Registry {
	return NewRegistry(
		NewNotifyAction(cards, notifier),
		NewMoveCardAction(cards),
		NewAssignUserAction(cards),
		NewWebhookAction(client),
	)
}

// resolveUser maps the symbolic recipients owner, assignee and actor to a user id.
// Anything else is taken as a user id.
func resolveUser(who string, card board.Card, ev events.Event) string {
	switch who {
	case "owner":
		return card.OwnerID
	case "assignee":
		return card.AssigneeID
	case "actor":
		return ev.TriggeredBy
	default:
		return who
	}
}

// NotifyAction sends a templated message to a user related to the card.
//
// Params: recipient (owner, assignee, actor or a user id; default owner),
// message (text/template over .Event, .Card and .Rule).
type NotifyAction struct {
	cards    board.Store
	notifier board.Notifier
}

func NewNotifyAction(cards board.Store, notifier board.Notifier) *NotifyAction {
	return &NotifyAction{cards: cards, notifier: notifier}
}

func (a *NotifyAction) Kind() string { return KindNotify }

type messageData struct {
	Event events.Event
	Card  board.Card
	Rule  struct{ ID, Name string }
}

func (a *NotifyAction) Execute(ctx context.Context, spec rules.ActionSpec, ec ExecContext) error {
	card, err := a.cards.GetCard(ctx, ec.Event.BoardID, ec.Event.CardID)
	if err != nil {
		return err
	}

	who := spec.StringParam("recipient")
	if who == "" {
		who = "owner"
	}
	recipient := resolveUser(who, card, ec.Event)
	if recipient == "" {
		return fmt.Errorf("card %s has no %s to notify", card.ID, who)
	}

	message, err := renderMessage(spec.StringParam("message"), ec, card)
	if err != nil {
		return err
	}

	return a.notifier.Notify(ctx, board.Notification{
		WorkspaceID: ec.Event.WorkspaceID,
		BoardID:     card.BoardID,
		CardID:      card.ID,
		Recipient:   recipient,
		Message:     message,
		RuleID:      ec.RuleID,
		CreatedAt:   time.Now().UTC(),
	})
}

func renderMessage(text string, ec ExecContext, card board.Card) (string, error) {
	if text == "" {
		return fmt.Sprintf("Automation %q ran on %q", ec.RuleName, card.Title), nil
	}

	tmpl, err := template.New("message").Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", fmt.Errorf("invalid message template: %w", err)
	}

	data := messageData{Event: ec.Event, Card: card}
	data.Rule.ID = ec.RuleID
	data.Rule.Name = ec.RuleName

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render message: %w", err)
	}
	return buf.String(), nil
}

// MoveCardAction moves the card to params.toColumn. A card already in that
// column is left alone.
type MoveCardAction struct {
	cards board.Store
}

func NewMoveCardAction(cards board.Store) *MoveCardAction {
	return &MoveCardAction{cards: cards}
}

func (a *MoveCardAction) Kind() string { return KindMoveCard }

func (a *MoveCardAction) Execute(ctx context.Context, spec rules.ActionSpec, ec ExecContext) error {
	column := spec.StringParam("toColumn")
	if column == "" {
		return fmt.Errorf("move_card requires toColumn")
	}

	card, err := a.cards.GetCard(ctx, ec.Event.BoardID, ec.Event.CardID)
	if err != nil {
		return err
	}
	if card.Column == column {
		return nil
	}
	return a.cards.MoveCard(ctx, card.BoardID, card.ID, column)
}

// AssignUserAction assigns params.userId, or the actor, to the card.
type AssignUserAction struct {
	cards board.Store
}

func NewAssignUserAction(cards board.Store) *AssignUserAction {
	return &AssignUserAction{cards: cards}
}

func (a *AssignUserAction) Kind() string { return KindAssignUser }

func (a *AssignUserAction) Execute(ctx context.Context, spec rules.ActionSpec, ec ExecContext) error {
	who := spec.StringParam("userId")
	if who == "" {
		return fmt.Errorf("assign_user requires userId")
	}

	card, err := a.cards.GetCard(ctx, ec.Event.BoardID, ec.Event.CardID)
	if err != nil {
		return err
	}

	userID := resolveUser(who, card, ec.Event)
	if userID == "" {
		return fmt.Errorf("cannot resolve %s for card %s", who, card.ID)
	}
	if card.AssigneeID == userID {
		return nil
	}
	return a.cards.AssignUser(ctx, card.BoardID, card.ID, userID)
}

// WebhookAction POSTs a JSON envelope describing the event to params.url.
// Optional params.headers adds string headers. A non-2xx response fails.
type WebhookAction struct {
	client *http.Client
}

func NewWebhookAction(client *http.Client) *WebhookAction {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookAction{client: client}
}

func (a *WebhookAction) Kind() string { return KindWebhook }

// WebhookPayload is the body sent by WebhookAction.
type WebhookPayload struct {
	RuleID   string       `json:"ruleId"`
	RuleName string       `json:"ruleName"`
	Event    events.Event `json:"event"`
	SentAt   time.Time    `json:"sentAt"`
}

func (a *WebhookAction) Execute(ctx context.Context, spec rules.ActionSpec, ec ExecContext) error {
	target := spec.StringParam("url")
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("webhook requires an http(s) url, got %q", target)
	}

	body, err := json.Marshal(WebhookPayload{
		RuleID:   ec.RuleID,
		RuleName: ec.RuleName,
		Event:    ec.Event,
		SentAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Automation-Rule", ec.RuleID)
	req.Header.Set("X-Automation-Event", ec.Event.ID)
	if headers, ok := spec.Params["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}
