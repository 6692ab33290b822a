package errors

import (
	"errors"
	"fmt"
)

// Code identifies a caller-facing failure category. Codes are part of the
// protocol surface and must stay stable across releases.
type Code string

const (
	CodeRouteNotFound        Code = "RouteNotFound"
	CodeInsufficientCapacity Code = "InsufficientCapacity"
	CodeTrustLimitExceeded   Code = "TrustLimitExceeded"
	CodeTrustLineNotActive   Code = "TrustLineNotActive"
	CodeInvalidSignature     Code = "InvalidSignature"
	CodeUnauthorized         Code = "Unauthorized"
	CodeOperationTimeout     Code = "OperationTimeout"
	CodeStateConflict        Code = "StateConflict"
	CodeValidationError      Code = "ValidationError"
	CodeInternalError        Code = "InternalError"
	CodeConflict             Code = "Conflict"
	CodeIntegrityLocked      Code = "IntegrityLocked"
	CodeExpiredRequest       Code = "ExpiredRequest"
	CodeRoutingTimeout       Code = "RoutingTimeout"
)

// Error carries a stable code, a short human message and structured details
// (requested vs. available capacity, trust line identifier, and so on).
type Error struct {
	Code    Code
	Message string
	Details map[string]string
	cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// New constructs a coded error without a cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithDetail returns the error with an extra detail attached. The receiver is
// mutated; coded errors are constructed per call site, never shared.
func (e *Error) WithDetail(key, value string) *Error {
	if e == nil {
		return nil
	}
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// CodeOf extracts the stable code from err, walking the wrap chain. Unknown
// errors map to InternalError.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeInternalError
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
