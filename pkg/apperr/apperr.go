// Package apperr defines the closed error taxonomy shared by every subsystem.
// Handlers map a Kind to an HTTP status; internal callers branch on KindOf.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error into the service-wide taxonomy.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuthRequired
	KindForbidden
	KindNotFound
	KindConflict
	KindPreconditionFailed
	KindRateLimited
	KindUpstreamUnavailable
	KindTimeout
	KindCancelled
)

// Code returns the stable machine-readable code for the kind.
func (k Kind) Code() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthRequired:
		return "auth_required"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindPreconditionFailed:
		return "precondition_failed"
	case KindRateLimited:
		return "rate_limited"
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	default:
		return "internal"
	}
}

// HTTPStatus returns the HTTP status code the kind maps to.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthRequired:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindPreconditionFailed:
		return http.StatusUnprocessableEntity
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstreamUnavailable:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindCancelled:
		// Client went away; the status is mostly for logs.
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// Title returns the human-readable summary for the kind.
func (k Kind) Title() string {
	switch k {
	case KindValidation:
		return "Validation Failed"
	case KindAuthRequired:
		return "Authentication Required"
	case KindForbidden:
		return "Forbidden"
	case KindNotFound:
		return "Not Found"
	case KindConflict:
		return "Conflict"
	case KindPreconditionFailed:
		return "Precondition Failed"
	case KindRateLimited:
		return "Rate Limited"
	case KindUpstreamUnavailable:
		return "Upstream Unavailable"
	case KindTimeout:
		return "Timeout"
	case KindCancelled:
		return "Cancelled"
	default:
		return "Internal Error"
	}
}

// Error is a kinded error. Detail is safe to surface to callers for every
// kind except Internal.
type Error struct {
	Kind   Kind
	Detail string
	Field  string // optional; set on validation errors tied to one input field
	Err    error  // wrapped cause
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind.Code(), e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind.Code(), e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a kinded error with a formatted detail message.
func New(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and detail to an underlying cause.
func Wrap(k Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: k, Detail: fmt.Sprintf(format, args...), Err: err}
}

// WithField returns a copy carrying the offending input field name.
func (e *Error) WithField(field string) *Error {
	c := *e
	c.Field = field
	return &c
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

func AuthRequired(format string, args ...any) *Error {
	return New(KindAuthRequired, format, args...)
}

func Forbidden(format string, args ...any) *Error {
	return New(KindForbidden, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return New(KindConflict, format, args...)
}

func PreconditionFailed(format string, args ...any) *Error {
	return New(KindPreconditionFailed, format, args...)
}

func RateLimited(format string, args ...any) *Error {
	return New(KindRateLimited, format, args...)
}

func UpstreamUnavailable(format string, args ...any) *Error {
	return New(KindUpstreamUnavailable, format, args...)
}

func Timeout(format string, args ...any) *Error {
	return New(KindTimeout, format, args...)
}

func Cancelled(format string, args ...any) *Error {
	return New(KindCancelled, format, args...)
}

func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Detail: "internal error", Err: err}
}

// KindOf extracts the kind from an error chain. Unrecognized errors are
// Internal; context errors map to Timeout/Cancelled.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, k Kind) bool { return KindOf(err) == k }
