package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Base error types
var (
	ErrValidation  = errors.New("validation failed")
	ErrAuth        = errors.New("unauthorized")
	ErrForbidden   = errors.New("forbidden")
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrRateLimited = errors.New("rate limited")
	ErrInternal    = errors.New("internal error")
)

// Kind represents the category of error
type Kind string

const (
	KindValidation  Kind = "validation"
	KindAuth        Kind = "auth"
	KindForbidden   Kind = "forbidden"
	KindNotFound    Kind = "not_found"
	KindConflict    Kind = "conflict"
	KindRateLimited Kind = "rate_limited"
	KindInternal    Kind = "internal"
)

// Error is the structured error returned by entitlement, linking and slot
// operations. Reason is a short machine-usable code and Message a stable
// user-facing sentence; neither ever carries store or signing detail, which
// lives only in Err.
type Error struct {
	Kind       Kind
	Op         string // Operation that failed (e.g., "link.confirm", "credits.sync")
	Reason     string
	Message    string
	RetryAfter time.Duration // only set for KindRateLimited
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrAuth:
		return e.Kind == KindAuth
	case ErrForbidden:
		return e.Kind == KindForbidden
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrConflict:
		return e.Kind == KindConflict
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	case ErrInternal:
		return e.Kind == KindInternal
	}
	return false
}

// New creates an Error of the given kind.
func New(kind Kind, op, reason, message string) *Error {
	return &Error{Kind: kind, Op: op, Reason: reason, Message: message}
}

// Wrap attaches an underlying cause to a new Error.
func Wrap(kind Kind, op, reason, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Reason: reason, Message: message, Err: err}
}

// Validation reports malformed or oversized input.
func Validation(op, reason, message string) *Error {
	return New(KindValidation, op, reason, message)
}

// Auth reports a missing, invalid or expired credential.
func Auth(op, reason, message string) *Error {
	return New(KindAuth, op, reason, message)
}

// Forbidden reports an authenticated caller without the required entitlement.
func Forbidden(op, reason, message string) *Error {
	return New(KindForbidden, op, reason, message)
}

// NotFound reports an unknown record.
func NotFound(op, reason, message string) *Error {
	return New(KindNotFound, op, reason, message)
}

// Conflict reports state that is already claimed.
func Conflict(op, reason, message string) *Error {
	return New(KindConflict, op, reason, message)
}

// RateLimited reports a rejected request with its retry hint.
func RateLimited(op string, retryAfter time.Duration) *Error {
	e := New(KindRateLimited, op, "rate_limited", "Too many requests. Please try again later.")
	e.RetryAfter = retryAfter
	return e
}

// Internal wraps an unexpected store or signing failure.
func Internal(op string, err error) *Error {
	return Wrap(KindInternal, op, "internal_error", "Internal server error", err)
}

// KindOf returns the Kind of err, or KindInternal when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error onto its HTTP status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Public returns the reason and message that are safe to show a caller.
// Errors that are not *Error collapse to the generic internal pair.
func Public(err error) (reason, message string) {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Reason, e.Message
	}
	return "internal_error", "Internal server error"
}
