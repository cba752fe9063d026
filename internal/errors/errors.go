// Package errors provides the coded error taxonomy shared by the negotiation,
// finality and service layers.
package errors

import (
	stderrors "errors"
)

// Code is a machine-readable error code.
type Code string

const (
	CodeUnknown Code = "UNKNOWN"

	// CodeValidationFailed means the rule engine rejected a transition.
	CodeValidationFailed Code = "VALIDATION_FAILED"
	// CodeSignatureInvalid means a signature was missing or did not verify.
	CodeSignatureInvalid Code = "SIGNATURE_INVALID"
	// CodeConflict means the notary saw the input version consumed by another transition.
	CodeConflict Code = "DOUBLE_SPEND"
	// CodeTimeout means a counterparty or the notary did not answer in time.
	CodeTimeout Code = "TIMEOUT"
	// CodePartialCompletion means a multi-step operation committed some steps before failing.
	CodePartialCompletion Code = "PARTIAL_COMPLETION"
	// CodeRejected means the counterparty refused the proposal for a reason other than the above.
	CodeRejected Code = "COUNTERPARTY_REJECTED"
	// CodeOutcomeUnknown means a transition left this party but whether it
	// committed could not be established. Retrying may commit it twice.
	CodeOutcomeUnknown Code = "OUTCOME_UNKNOWN"

	CodeNotFound       Code = "NOT_FOUND"
	CodeInvalidRequest Code = "INVALID_REQUEST"
	CodeInternal       Code = "INTERNAL"
)

// Error is the domain error type with structured metadata.
type Error struct {
	Code     Code              // Machine-readable error code
	Message  string            // Human-readable reason
	Metadata map[string]string // Additional context (clause, tx id, ...)
	Cause    error             // Wrapped underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates a simple domain error with a code and message.
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// WithMetadata creates a domain error carrying metadata.
func WithMetadata(code Code, message string, metadata map[string]string) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Metadata: metadata,
	}
}

// Wrap creates a domain error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// CodeOf returns the code of the first *Error in err's chain, or CodeUnknown.
func CodeOf(err error) Code {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// Retryable reports whether the caller may restart the operation against
// freshly resolved state. Conflicts are retryable after re-deriving. A timeout
// is only reported once the notary confirmed the transition can no longer
// commit; anything less is CodeOutcomeUnknown.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeConflict, CodeTimeout:
		return true
	}
	return false
}
