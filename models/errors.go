package models

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by every component. Classify with errors.Is.
var (
	// ErrConflict: duplicate pending request, duplicate active call, or a
	// transition that lost against a competing one.
	ErrConflict = errors.New("conflict")

	// ErrNotAuthorized: the actor may not perform this transition.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrNoLiveTarget: the addressed user has no live connection.
	ErrNoLiveTarget = errors.New("no live target")

	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition: the entity's current state does not permit the event.
	ErrInvalidTransition = errors.New("invalid state transition")

	ErrInvalidInput = errors.New("invalid input")
)

// PersistenceError wraps a failed storage operation.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Persistence wraps err as a *PersistenceError. A nil err stays nil.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// ErrorKind maps err to the reason string carried by a fail reply.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNotAuthorized):
		return "not_authorized"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_state"
	case errors.Is(err, ErrInvalidInput):
		return "invalid"
	case errors.Is(err, ErrNoLiveTarget):
		return "no_live_target"
	case IsPersistence(err):
		return "persistence"
	}
	return "internal"
}
