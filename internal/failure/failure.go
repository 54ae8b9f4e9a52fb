// Package failure defines the error taxonomy shared by the routing tier and
// the ledger tier. Every error that reaches an HTTP client carries a stable
// Kind, and the Kind alone decides the response status.
package failure

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the stable, machine-readable class of a failure.
type Kind string

const (
	KindInvalidAmount         Kind = "InvalidAmount"
	KindInsufficientFunds     Kind = "InsufficientFunds"
	KindNotFound              Kind = "NotFound"
	KindForbidden             Kind = "Forbidden"
	KindMissingIdentifier     Kind = "MissingIdentifier"
	KindNoHealthyNodes        Kind = "NoHealthyNodes"
	KindAssignedNodeUnhealthy Kind = "AssignedNodeUnhealthy"
	KindUpstreamUnavailable   Kind = "UpstreamUnavailable"
	KindTimeout               Kind = "Timeout"
	KindInvalidTransfer       Kind = "InvalidTransfer"
	KindOverflow              Kind = "Overflow"
	KindInvalidInput          Kind = "InvalidInput"
	KindUnauthorized          Kind = "Unauthorized"
	KindRateLimited           Kind = "RateLimited"
	KindInternal              Kind = "Internal"
)

// Sentinels for errors.Is. Matching is by Kind, so a wrapped or re-worded
// error of the same Kind still matches.
var (
	ErrInvalidAmount         = New(KindInvalidAmount, "amount must be greater than zero")
	ErrInsufficientFunds     = New(KindInsufficientFunds, "insufficient funds")
	ErrNotFound              = New(KindNotFound, "account not found")
	ErrForbidden             = New(KindForbidden, "you do not have access to this account")
	ErrMissingIdentifier     = New(KindMissingIdentifier, "X-Client-Id header is required")
	ErrNoHealthyNodes        = New(KindNoHealthyNodes, "no healthy nodes available")
	ErrAssignedNodeUnhealthy = New(KindAssignedNodeUnhealthy, "assigned node is not healthy")
	ErrUpstreamUnavailable   = New(KindUpstreamUnavailable, "service unavailable")
	ErrTimeout               = New(KindTimeout, "upstream timed out")
	ErrInvalidTransfer       = New(KindInvalidTransfer, "cannot transfer to the same account")
	ErrOverflow              = New(KindOverflow, "balance would overflow")
	ErrUnauthorized          = New(KindUnauthorized, "invalid or missing credentials")
	ErrRateLimited           = New(KindRateLimited, "rate limit exceeded")
)

// Error is a classified failure with a human-readable message.
type Error struct {
	Err     error
	Kind    Kind
	Message string
}

// New returns a classified error without a cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies err under kind. The message is what clients see; err is
// kept for logs and errors.As/Is chains.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Errorf returns a classified error with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a *Error of the same Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf extracts the Kind of err. Unclassified errors are KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf returns the client-facing message for err. Unclassified errors
// never leak their text.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

// HTTPStatus maps a Kind to the response status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidAmount, KindInsufficientFunds, KindInvalidTransfer,
		KindOverflow, KindMissingIdentifier, KindInvalidInput:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindNoHealthyNodes, KindAssignedNodeUnhealthy, KindUpstreamUnavailable, KindTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
