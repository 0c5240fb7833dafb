package leads

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks invalid caller input.
	ErrValidation = errors.New("leads: validation failed")
	// ErrConflict marks an operation blocked by the current lead state.
	ErrConflict = errors.New("leads: conflict")
	// ErrNotFound marks a missing lead.
	ErrNotFound = errors.New("leads: not found")
	// ErrNotification marks a failed customer message that blocked a transition.
	ErrNotification = errors.New("leads: notification failed")
)

// ValidationError reports a bad transition input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ConflictError reports the precondition that blocked an operation.
type ConflictError struct {
	Track  Track
	Reason string
}

func (e *ConflictError) Error() string {
	if e.Track == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s track: %s", e.Track, e.Reason)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// NotFoundError reports a missing lead.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("lead %s not found", e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NotificationError wraps a primary notification failure. The lead is left unchanged.
type NotificationError struct {
	Op  string
	Err error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NotificationError) Unwrap() []error { return []error{ErrNotification, e.Err} }

func conflict(t Track, format string, args ...any) error {
	return &ConflictError{Track: t, Reason: fmt.Sprintf(format, args...)}
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}
