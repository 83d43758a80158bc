package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode represents a unified error code across the orchestration layer.
type ErrorCode string

const (
	ErrInvalidRequest    ErrorCode = "INVALID_REQUEST"
	ErrRateLimited       ErrorCode = "RATE_LIMITED"
	ErrQuotaExceeded     ErrorCode = "QUOTA_EXCEEDED"
	ErrUpstreamTransient ErrorCode = "UPSTREAM_TRANSIENT"
	ErrUpstreamTerminal  ErrorCode = "UPSTREAM_TERMINAL"
	ErrInternalError     ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode     `json:"code"`
	Message    string        `json:"message"`
	Scope      string        `json:"scope,omitempty"`       // violated rate-limit scope or quota window
	RetryAfter time.Duration `json:"retry_after,omitempty"` // hint for when a retry may succeed
	Retryable  bool          `json:"retryable"`
	Cause      error         `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithScope sets the violated scope or window.
func (e *Error) WithScope(scope string) *Error {
	e.Scope = scope
	return e
}

// WithRetryAfter sets the retry hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// RetryAfterOf extracts the retry hint from an error, or zero.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
