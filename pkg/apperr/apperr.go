// Package apperr defines the business error taxonomy shared by the
// service and API layers. Every expected failure is one of four kinds;
// anything else is treated as an internal fault and surfaced generically.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an expected business failure.
type Kind int

const (
	// KindNotFound means a referenced plan, case, run or device does
	// not exist (or is soft-deleted).
	KindNotFound Kind = iota

	// KindValidation means the request payload is malformed: forged or
	// undecodable timestamps, end before start, a missing required
	// device axis, or an invalid enum value.
	KindValidation

	// KindConflict means a uniqueness rule was violated, such as
	// selecting the same case twice in one linking call.
	KindConflict

	// KindInvalidState means an operation was attempted against a
	// terminal run or a transition was applied twice.
	KindInvalidState
)

// Error is a business-level failure with a stable kind and message.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// HTTPStatus maps the error kind to its HTTP status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindInvalidState, KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// NotFound returns a KindNotFound error with a formatted message.
func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Validation returns a KindValidation error with a formatted message.
func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Conflict returns a KindConflict error with a formatted message.
func Conflict(format string, args ...any) error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// InvalidState returns a KindInvalidState error with a formatted message.
func InvalidState(format string, args ...any) error {
	return &Error{Kind: KindInvalidState, Message: fmt.Sprintf(format, args...)}
}

// As extracts an *Error from err's chain, or nil if err is an
// internal fault.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}

	return nil
}

// IsKind reports whether err is a business error of the given kind.
func IsKind(err error, kind Kind) bool {
	e := As(err)

	return e != nil && e.Kind == kind
}
