// Package apperr holds the error taxonomy shared by the API, the orchestrator
// and the worker. Kinds are sentinels so callers can branch with errors.Is.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation error")
	ErrTransientProvider = errors.New("transient provider error")
	ErrConfiguration     = errors.New("configuration error")
)

// Error carries a user-facing message and the kind it belongs to.
type Error struct {
	Kind error
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func (e *Error) Unwrap() error { return e.Kind }

func newErr(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) error {
	return newErr(ErrNotFound, format, args...)
}

func Validation(format string, args ...any) error {
	return newErr(ErrValidation, format, args...)
}

func TransientProvider(format string, args ...any) error {
	return newErr(ErrTransientProvider, format, args...)
}

func Configuration(format string, args ...any) error {
	return newErr(ErrConfiguration, format, args...)
}

// Message returns the user-facing text of err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
