package domain

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyMessage    = errors.New("message text is empty")
	ErrMessageTooLong  = errors.New("message text too long")
	ErrMessageNotFound = errors.New("message not found")
	ErrTodoNotFound    = errors.New("todo not found")
	ErrEmptyTask       = errors.New("todo task is empty")
	ErrUnauthenticated = errors.New("session not authenticated")
	ErrSessionNotFound = errors.New("session not found")
	ErrForbidden       = errors.New("operation not permitted")
	ErrEmptyQuery      = errors.New("search query is empty")
)

// PersistenceError reports a failed store operation. Callers may retry.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// NewPersistenceError wraps err unless it is nil.
func NewPersistenceError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

// IsPersistence reports whether err is or wraps a PersistenceError.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// AuthError is a failed websocket or HTTP authentication.
type AuthError struct {
	Code string
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth %s: %v", e.Code, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}
