// Package domain defines the attendance entities, their state machines and the store contract.
package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks input that can never succeed as submitted.
	ErrValidation = errors.New("validation failed")
	// ErrConflict marks a request that clashes with current state; the caller may resolve and retry.
	ErrConflict = errors.New("conflict")
	// ErrNotFound is returned when a gym, schedule, presence or user cannot be located.
	ErrNotFound = errors.New("not found")
	// ErrForbidden is returned when the acting identity may not act for the target user.
	ErrForbidden = errors.New("forbidden")
	// ErrStore wraps failures reported by the document store.
	ErrStore = errors.New("store failure")
	// ErrInvalidTransition is returned by the state machines for a disallowed status change.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Error carries a caller-facing detail alongside one of the sentinel kinds.
type Error struct {
	Kind   error
	Detail string
	// Ref optionally names the entity the caller must act on, e.g. the gym to check out of.
	Ref string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Kind.Error()
	}
	return e.Detail
}

func (e *Error) Unwrap() error { return e.Kind }

// Validationf builds an ErrValidation error.
func Validationf(format string, args ...interface{}) error {
	return &Error{Kind: ErrValidation, Detail: fmt.Sprintf(format, args...)}
}

// Conflictf builds an ErrConflict error.
func Conflictf(format string, args ...interface{}) error {
	return &Error{Kind: ErrConflict, Detail: fmt.Sprintf(format, args...)}
}

// NotFoundf builds an ErrNotFound error.
func NotFoundf(format string, args ...interface{}) error {
	return &Error{Kind: ErrNotFound, Detail: fmt.Sprintf(format, args...)}
}

// Forbidden builds the generic authorization denial.
func Forbidden() error {
	return &Error{Kind: ErrForbidden, Detail: "not allowed to act for this user"}
}

// StoreError wraps err as ErrStore unless it already carries a domain kind.
func StoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	var derr *Error
	if errors.As(err, &derr) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStore, err)
}
