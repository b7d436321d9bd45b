// Package apperrors defines the error taxonomy shared by every component of
// the intake pipeline and its mapping onto HTTP status codes.
package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for retry and surfacing decisions.
type Kind string

const (
	// KindValidation marks malformed input. Never retried.
	KindValidation Kind = "validation"
	// KindAuthorization marks a missing credential or a tenant mismatch. Never retried.
	KindAuthorization Kind = "authorization"
	// KindNotFound marks an unknown id or an id owned by another tenant. Never retried.
	KindNotFound Kind = "not_found"
	// KindConflict marks a state disagreement such as a duplicate callback with a different result.
	KindConflict Kind = "conflict"
	// KindTransient marks store or network unavailability. Retried with a bounded budget.
	KindTransient Kind = "transient"
)

// Error is the concrete error type carried through the pipeline.
type Error struct {
	Kind Kind
	Msg  string
	Err  error

	// Unauthenticated distinguishes a missing or unknown credential (401)
	// from a resolved caller that is not allowed to act (403).
	Unauthenticated bool
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	if e.Msg == "" {
		return e.Err.Error()
	}
	return e.Msg + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validationf builds a ValidationError.
func Validationf(format string, args ...any) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// Unauthenticated builds an AuthorizationError for a missing or unknown credential.
func Unauthenticated(msg string) error {
	return &Error{Kind: KindAuthorization, Msg: msg, Unauthenticated: true}
}

// Forbidden builds an AuthorizationError for a caller whose tenant cannot act.
func Forbidden(msg string) error {
	return &Error{Kind: KindAuthorization, Msg: msg}
}

// NotFoundf builds a NotFoundError.
func NotFoundf(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// Conflictf builds a ConflictError.
func Conflictf(format string, args ...any) error {
	return &Error{Kind: KindConflict, Msg: fmt.Sprintf(format, args...)}
}

// Transient wraps err as a TransientError.
func Transient(msg string, err error) error {
	return &Error{Kind: KindTransient, Msg: msg, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" when none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsAuthorization reports whether err is an AuthorizationError.
func IsAuthorization(err error) bool { return KindOf(err) == KindAuthorization }

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// IsTransient reports whether err is worth retrying. Context deadline errors
// count as transient; cancellation does not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return KindOf(err) == KindTransient
}

// HTTPStatus maps err onto the status code returned to API callers.
func HTTPStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthorization:
		if e.Unauthenticated {
			return http.StatusUnauthorized
		}
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the text safe to show to an API caller.
// Validation messages are surfaced verbatim; internal failures are not.
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "Internal server error"
	}
	switch e.Kind {
	case KindValidation, KindConflict, KindNotFound, KindAuthorization:
		return e.Msg
	case KindTransient:
		return "Service temporarily unavailable"
	default:
		return "Internal server error"
	}
}
