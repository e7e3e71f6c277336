package main

import (
	"github.com/liamcoop/automations/automation"
	"github.com/liamcoop/automations/board"
	"github.com/liamcoop/automations/events"
	"github.com/liamcoop/automations/rules"
)

// API request and response models

// EvaluateResponse is returned once an event has been matched and its rules
// handed to the executor.
type EvaluateResponse struct {
	OK               bool     `json:"ok"`
	EventID          string   `json:"eventId"`
	MatchedRules     []string `json:"matchedRules"`
	CountdownSeconds int      `json:"countdownSeconds"`
}

// RuleRequest is the body of rule create and update calls.
type RuleRequest struct {
	ID          string                 `json:"id,omitempty"`
	WorkspaceID string                 `json:"workspaceId,omitempty"`
	BoardID     string                 `json:"boardId"`
	Name        string                 `json:"name"`
	Condition   rules.TriggerCondition `json:"condition"`
	Actions     []rules.ActionSpec     `json:"actions"`
	Enabled     *bool                  `json:"enabled,omitempty"` // defaults to true
}

func (req RuleRequest) toRule(id string) *rules.Rule {
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	return &rules.Rule{
		ID:          id,
		WorkspaceID: req.WorkspaceID,
		BoardID:     req.BoardID,
		Name:        req.Name,
		Condition:   req.Condition,
		Actions:     req.Actions,
		Enabled:     enabled,
	}
}

// RulesListResponse lists the rules of a board.
type RulesListResponse struct {
	Rules []*rules.Rule `json:"rules"`
}

// DryRunRequest carries the event a stored rule is evaluated against.
type DryRunRequest struct {
	Event events.Raw `json:"event"`
}

// CardRequest is the body of a card upsert; the ids come from the path.
type CardRequest struct {
	Title      string `json:"title"`
	Column     string `json:"column"`
	OwnerID    string `json:"ownerId"`
	AssigneeID string `json:"assigneeId,omitempty"`
}

func (req CardRequest) toCard(boardID, cardID string) board.Card {
	return board.Card{
		ID:         cardID,
		BoardID:    boardID,
		Title:      req.Title,
		Column:     req.Column,
		OwnerID:    req.OwnerID,
		AssigneeID: req.AssigneeID,
	}
}

// NotificationsResponse lists notifications recorded for one recipient.
type NotificationsResponse struct {
	Notifications []board.Notification `json:"notifications"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// MetricsResponse exposes log counters and executor stats.
type MetricsResponse struct {
	Counters map[string]int64 `json:"counters"`
	Executor automation.Stats `json:"executor"`
}

// Problem is an application/problem+json body.
type Problem struct {
	Title  string              `json:"title,omitempty"`
	Status int                 `json:"status,omitempty"`
	Detail string              `json:"detail,omitempty"`
	Errors map[string][]string `json:"errors,omitempty"`
}
