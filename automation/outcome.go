package automation

import "time"

// Status is the terminal state of one rule execution.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Reasons a rule is skipped.
const (
	ReasonNoActions    = "no_actions"
	ReasonShuttingDown = "shutting_down"
)

// ErrorDescriptor describes why a rule failed.
type ErrorDescriptor struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// ActionIndex is the failing action's position, -1 when no action was involved.
	ActionIndex int    `json:"actionIndex"`
	ActionKind  string `json:"actionKind,omitempty"`
}

// Outcome records one rule execution for logging and telemetry.
type Outcome struct {
	RuleID     string           `json:"ruleId"`
	RuleName   string           `json:"ruleName"`
	EventID    string           `json:"eventId"`
	BoardID    string           `json:"boardId"`
	CardID     string           `json:"cardId"`
	Status     Status           `json:"status"`
	Reason     string           `json:"reason,omitempty"`
	Error      *ErrorDescriptor `json:"error,omitempty"`
	ActionsRun int              `json:"actionsRun"`
	StartedAt  time.Time        `json:"startedAt"`
	Duration   time.Duration    `json:"durationNs"`

	// Err is the wrapped Go error behind Error. Not serialised.
	Err error `json:"-"`
}
