package rules

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInitialized is returned by Infer when Initialize has not been called.
	ErrNotInitialized = errors.New("inference engine is not initialized")
	// ErrAlreadyInitialized is returned by a second call to Initialize.
	ErrAlreadyInitialized = errors.New("inference engine is already initialized")
)

// CompilationError reports a rulebook that cannot be compiled. Line and Column are 1-based
// positions in the rulebook source; zero means unknown.
type CompilationError struct {
	Line    int
	Column  int
	Rule    string
	Message string
	Err     error
}

func (e *CompilationError) Error() string {
	msg := "rulebook compilation failed"
	if e.Line > 0 {
		msg += fmt.Sprintf(" at line %d", e.Line)
		if e.Column > 0 {
			msg += fmt.Sprintf(", column %d", e.Column)
		}
	}
	if e.Rule != "" {
		msg += fmt.Sprintf(" in rule %q", e.Rule)
	}
	msg += ": " + e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CompilationError) Unwrap() error { return e.Err }

// ActionError reports a matched rule whose action could not be applied to a row.
// It fails the row, not the engine.
type ActionError struct {
	Rule   string
	Action Action
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("rule %q: action %q failed: %v", e.Rule, e.Action.String(), e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }
