package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned for unknown stories, waves and escalations.
var ErrNotFound = errors.New("not found")

// ConfigurationError aborts an operation before anything is appended.
type ConfigurationError struct {
	Op  string
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error in %s: %v", e.Op, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func configErr(op string, format string, args ...any) error {
	return &ConfigurationError{Op: op, Err: fmt.Errorf(format, args...)}
}

// ValidationError rejects a malformed inbound report.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Problems, "; ")
}

func invalid(format string, args ...any) error {
	return &ValidationError{Problems: []string{fmt.Sprintf(format, args...)}}
}

// EscalationRequired is returned when work is attempted on a story or wave
// blocked by an open escalation.
type EscalationRequired struct {
	StoryID     string
	Wave        int
	Escalations []string
}

func (e *EscalationRequired) Error() string {
	target := e.StoryID
	if target == "" {
		target = fmt.Sprintf("wave %d", e.Wave)
	}
	return fmt.Sprintf("%s is blocked by open escalation %s", target, strings.Join(e.Escalations, ","))
}

// IrreversibleRollbackRefusal is returned when a rollback targets irreversible data impact.
// The escalation raised in its place is named by EscalationID.
type IrreversibleRollbackRefusal struct {
	StoryID      string
	EscalationID string
}

func (e *IrreversibleRollbackRefusal) Error() string {
	return fmt.Sprintf("rollback of %s refused: data impact is irreversible (escalation %s opened)", e.StoryID, e.EscalationID)
}
