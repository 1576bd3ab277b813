// Package fault defines the gateway error taxonomy.
//
// Every error that crosses a component boundary carries a stable code so
// callers can branch on kind without string matching. Transient kinds are
// retried internally; terminal kinds surface to clients as error frames.
package fault

import (
	"errors"
	"fmt"
)

// Code identifies an error kind. Codes are part of the wire protocol:
// error frames carry them verbatim.
type Code string

const (
	CodeProtocol        Code = "PROTOCOL"
	CodeSchema          Code = "SCHEMA"
	CodePermission      Code = "PERMISSION"
	CodeQuota           Code = "QUOTA"
	CodePolicy          Code = "POLICY"
	CodeRateLimit       Code = "RATE_LIMIT"
	CodeQuotaExceeded   Code = "QUOTA_EXCEEDED"
	CodeContextOverflow Code = "CONTEXT_OVERFLOW"
	CodeAuth            Code = "AUTH"
	CodeTimeout         Code = "TIMEOUT"
	CodeTransient       Code = "TRANSIENT"
	CodeFatal           Code = "FATAL"
	CodeBusy            Code = "BUSY"
	CodeNoModels        Code = "NO_MODELS"
	CodeNoRecipient     Code = "NO_RECIPIENT"
	CodeInvalidFrame    Code = "INVALID_FRAME"
	CodeNoSession       Code = "NO_SESSION"
)

// Error is a coded error. Wraps an optional cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a coded error.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a coded error with a cause.
func Wrap(code Code, cause error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// CodeOf extracts the code from err, or CodeFatal if err carries none.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return CodeFatal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Code == code
}

// Retriable reports whether the router may retry the same model after err.
func Retriable(err error) bool {
	switch CodeOf(err) {
	case CodeRateLimit, CodeTimeout, CodeTransient:
		return true
	}
	return false
}
