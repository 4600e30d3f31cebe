// Package gwerrors defines the error kinds surfaced across the gateway core.
// Every subsystem classifies its failures into one of these kinds so the wire
// layer can map them to stable client-facing error events and the orchestrator
// can decide whether a failure terminates the turn or is fed back to the model
// as a tool result.
package gwerrors

import (
	"errors"
	"fmt"
)

// Kind identifies a gateway error category.
type Kind string

const (
	KindNotFound            Kind = "NOT_FOUND"
	KindConcurrencyConflict Kind = "CONCURRENCY_CONFLICT"
	KindInvalidState        Kind = "INVALID_STATE"
	KindValidation          Kind = "VALIDATION_ERROR"
	KindUnauthorized        Kind = "UNAUTHORIZED"
	KindForbidden           Kind = "FORBIDDEN"
	KindTokenExchange       Kind = "TOKEN_EXCHANGE_FAILED"
	KindUpstream            Kind = "UPSTREAM_ERROR"
	KindTimeout             Kind = "TIMEOUT"
	KindRateLimited         Kind = "RATE_LIMITED"
	KindCancelled           Kind = "CANCELLED"
	KindInternal            Kind = "INTERNAL_ERROR"
)

// Error carries a gateway error kind alongside the underlying cause. The
// Retryable flag tells clients whether retrying the same request can succeed
// without operator intervention.
type Error struct {
	Kind      Kind
	Message   string
	Retryable bool
	cause     error
}

// New builds a gateway error with the given kind and message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf builds a gateway error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error, preserving the cause for
// errors.Is/As chains.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, cause: cause}
}

// WithRetryable marks the error as retryable and returns it for chaining.
func (e *Error) WithRetryable() *Error {
	e.Retryable = true
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// KindOf extracts the gateway kind from err, walking the wrap chain. Unknown
// errors map to KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether err is marked retryable.
func Retryable(err error) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Retryable
	}
	return false
}
