package automation

import (
	"errors"
	"fmt"
)

var (
	// ErrActionFailure marks a rule whose action chain stopped on a failing action.
	ErrActionFailure = errors.New("action failed")

	// ErrTimeout marks a rule that exceeded its execution budget. It is an ErrActionFailure.
	ErrTimeout = fmt.Errorf("%w: rule execution timed out", ErrActionFailure)

	// ErrUnknownAction marks an action kind with no registered implementation. It is an ErrActionFailure.
	ErrUnknownAction = fmt.Errorf("%w: unknown action kind", ErrActionFailure)
)

// Error codes carried by ErrorDescriptor.
const (
	CodeActionFailure = "action_failure"
	CodeTimeout       = "timeout"
	CodeUnknownAction = "unknown_action"
	CodePanic         = "panic"
)
