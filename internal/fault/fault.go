// Package fault defines the error taxonomy shared by every lotsync
// component.
//
// Each error carries a machine code for programmatic handling and a
// human-readable message for the user surface. The two are always
// distinct: the code routes retry/propagation policy, the message is
// shown verbatim.
//
// Policy summary:
//   - Validation, NotFound, Conflict, PermissionDenied: surfaced
//     directly, never retried internally.
//   - TransientNetwork: absorbed and retried by the connection layer
//     with capped backoff; surfaced only after the policy is exhausted.
//   - NonFatal: logged and swallowed (auxiliary side effects only).
package fault

import (
	"errors"
	"fmt"
)

// Code categorizes an error for propagation and retry policy.
type Code string

const (
	// CodeValidation is bad input. Never retried, surfaced verbatim.
	CodeValidation Code = "VALIDATION"

	// CodeNotFound is a missing entity or an entity in the wrong state.
	CodeNotFound Code = "NOT_FOUND"

	// CodeConflict is an invariant violation, e.g. a concurrent shift
	// start losing the active slot. Callers must re-read state before
	// retrying.
	CodeConflict Code = "CONFLICT"

	// CodePermissionDenied is a failed role check. Never retried.
	CodePermissionDenied Code = "PERMISSION_DENIED"

	// CodeTransientNetwork is a connection or timeout failure, retried
	// internally with capped backoff.
	CodeTransientNetwork Code = "TRANSIENT_NETWORK"

	// CodeNonFatal is an auxiliary side-effect failure (e.g. report
	// generation) that must not roll back the primary operation.
	CodeNonFatal Code = "NON_FATAL_SIDE_EFFECT"

	// CodeInternal is an unexpected server-side failure.
	CodeInternal Code = "INTERNAL"
)

// Error is a coded error with a user-facing message.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Message is the human-readable description, safe to surface.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a coded error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the code from an error chain.
// Returns CodeInternal for nil-safe unknown errors.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return CodeInternal
}

// MessageOf extracts the user-facing message from an error chain,
// falling back to the raw error string.
func MessageOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Message
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

// Is reports whether the error chain carries the given code.
func Is(err error, code Code) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code == code
	}
	return false
}

// IsConflict reports whether the error is an invariant-violation conflict.
func IsConflict(err error) bool { return Is(err, CodeConflict) }

// IsNotFound reports whether the error is a missing-entity failure.
func IsNotFound(err error) bool { return Is(err, CodeNotFound) }

// IsPermissionDenied reports whether the error is a failed role check.
func IsPermissionDenied(err error) bool { return Is(err, CodePermissionDenied) }

// IsTransient reports whether the error should be absorbed and retried
// by the connection layer.
func IsTransient(err error) bool { return Is(err, CodeTransientNetwork) }
