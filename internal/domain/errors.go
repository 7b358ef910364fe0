package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks records rejected before persistence.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidState marks an operation not allowed in the session's current state.
	ErrInvalidState = errors.New("invalid session state")
	// ErrAnswerCount marks an answer batch that does not match the pending questions.
	ErrAnswerCount = errors.New("answer count mismatch")
	// ErrNotFound marks a session that does not exist or belongs to another user.
	ErrNotFound = errors.New("session not found")
	// ErrSessionBusy marks a session already being processed by another request.
	ErrSessionBusy = errors.New("session busy")
)

// ValidationError describes a single invalid field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Unwrap lets callers match ErrValidation with errors.Is.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// StateError reports an operation attempted in the wrong state.
type StateError struct {
	Op    string
	State SessionState
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s session in state %q", e.Op, e.State)
}

func (e *StateError) Unwrap() error {
	return ErrInvalidState
}

// AnswerCountError reports how many answers were expected.
type AnswerCountError struct {
	Want int
	Got  int
}

func (e *AnswerCountError) Error() string {
	return fmt.Sprintf("expected %d answers, got %d", e.Want, e.Got)
}

func (e *AnswerCountError) Unwrap() error {
	return ErrAnswerCount
}
