package whatsapp

import (
	"errors"
	"fmt"
)

// Code classifies session lifecycle failures.
type Code string

const (
	CodeInitializationFailed Code = "INITIALIZATION_FAILED"
	CodeInvalidSession       Code = "INVALID_SESSION"
	CodeAuthFailed           Code = "AUTH_FAILED"
	CodeRestoreUnavailable   Code = "RESTORE_UNAVAILABLE"
	CodeTimeout              Code = "TIMEOUT"
	CodeInvalidPhone         Code = "INVALID_PHONE"
	CodeSendFailed           Code = "SEND_MESSAGE_FAILED"
	CodeFileSystem           Code = "FILE_SYSTEM_ERROR"
	CodeUnknown              Code = "UNKNOWN_ERROR"
)

// retryableCodes marks the failure classes the reconnect budget applies
// to. Auth failures are terminal: the stored credentials are presumed
// invalid and a fresh pairing is required.
var retryableCodes = map[Code]bool{
	CodeInitializationFailed: true,
	CodeTimeout:              true,
}

// Error is a classified session error. errors.Is matches on Code so
// callers can compare against the sentinel values below.
type Error struct {
	Code  Code
	Msg   string
	cause error
}

// Sentinels for errors.Is comparisons.
var (
	ErrRestoreUnavailable = &Error{Code: CodeRestoreUnavailable, Msg: "no valid session to restore"}
	ErrInvalidSession     = &Error{Code: CodeInvalidSession, Msg: "no active session found"}
	ErrAuthFailed         = &Error{Code: CodeAuthFailed, Msg: "authentication failed"}
	ErrTimeout            = &Error{Code: CodeTimeout, Msg: "timed out"}
)

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// NewError builds a classified error.
func NewError(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// WrapError classifies an underlying error. If err is already a
// classified error it is returned unchanged so the original code wins.
func WrapError(code Code, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), cause: err}
}

// CodeOf extracts the classification from an error chain.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// IsRetryable reports whether the reconnect budget applies to err.
func IsRetryable(err error) bool {
	return retryableCodes[CodeOf(err)]
}
