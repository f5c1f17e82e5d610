// Package errs defines the error taxonomy shared by all warden components.
//
// Every error that crosses a component boundary is classified by a Kind.
// Internal causes are carried via wrapping and never serialized, so
// storage-layer detail cannot leak to a transport adapter.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers and transport adapters
type Kind string

const (
	// KindUnauthenticated means no valid session was presented
	KindUnauthenticated Kind = "unauthenticated"
	// KindNoTenant means a tenant-scoped operation had no resolvable tenant
	KindNoTenant Kind = "no_tenant_context"
	// KindPermissionDenied means the caller is authenticated but lacks the
	// required permission. Messages never enumerate what the caller does hold.
	KindPermissionDenied Kind = "permission_denied"
	// KindInvalidInput means the input contract was violated
	KindInvalidInput Kind = "invalid_input"
	// KindNotFound covers true absence and tenant-mismatched rows alike
	KindNotFound Kind = "not_found"
	// KindConflict means the operation collides with existing state
	KindConflict Kind = "conflict"
	// KindInvalidTransition means a membership lifecycle rule was violated
	KindInvalidTransition Kind = "invalid_transition"
	// KindInternal is any unexpected failure in a handler or backing store
	KindInternal Kind = "internal"
)

// Error is the taxonomy error type
type Error struct {
	Kind        Kind
	Message     string
	FieldErrors map[string]string // populated only for KindInvalidInput
	cause       error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the internal cause for errors.Is/As chains
func (e *Error) Unwrap() error {
	return e.cause
}

// New creates a taxonomy error with a caller-facing message
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a taxonomy error with a formatted message
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches an internal cause to a taxonomy error. The cause is kept
// for logs and errors.Is but does not appear in the caller-facing message.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// Invalid creates a KindInvalidInput error carrying field-level detail
func Invalid(fieldErrors map[string]string) *Error {
	return &Error{
		Kind:        KindInvalidInput,
		Message:     "invalid input",
		FieldErrors: fieldErrors,
	}
}

// KindOf returns the Kind of err, or KindInternal for unclassified errors.
// A nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsNotFound reports whether err is a not-found error
func IsNotFound(err error) bool { return Is(err, KindNotFound) }

// IsConflict reports whether err is a conflict error
func IsConflict(err error) bool { return Is(err, KindConflict) }

// IsPermissionDenied reports whether err is a permission denial
func IsPermissionDenied(err error) bool { return Is(err, KindPermissionDenied) }

// IsInvalidTransition reports whether err is a lifecycle rule violation
func IsInvalidTransition(err error) bool { return Is(err, KindInvalidTransition) }

// Fields returns the field-level detail of an invalid-input error, or nil
func Fields(err error) map[string]string {
	var e *Error
	if errors.As(err, &e) {
		return e.FieldErrors
	}
	return nil
}

// Message returns the caller-facing message for err. Unclassified errors
// get a generic message so internal detail never crosses the boundary.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

// HTTPStatus maps an error kind to an HTTP status code
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindNoTenant, KindInvalidInput:
		return http.StatusBadRequest
	case KindPermissionDenied:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindInvalidTransition:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
