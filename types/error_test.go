package types

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestError_Error(t *testing.T) {
	e := NewError(ErrRateLimited, "per-identity limit exceeded")
	assert.Contains(t, e.Error(), "RATE_LIMITED")
	assert.Contains(t, e.Error(), "per-identity limit exceeded")

	cause := errors.New("window full")
	e = e.WithCause(cause)
	assert.Contains(t, e.Error(), "window full")
	assert.ErrorIs(t, e, cause)
}

func TestError_Builders(t *testing.T) {
	e := NewError(ErrQuotaExceeded, "would exceed budget").
		WithScope("cost_units_per_minute").
		WithRetryAfter(42 * time.Second).
		WithRetryable(false)

	assert.Equal(t, "cost_units_per_minute", e.Scope)
	assert.Equal(t, 42*time.Second, e.RetryAfter)
	assert.False(t, e.Retryable)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewError(ErrUpstreamTransient, "timeout").WithRetryable(true)))
	assert.False(t, IsRetryable(NewError(ErrUpstreamTerminal, "bad request")))
	assert.False(t, IsRetryable(errors.New("plain error")))
	assert.False(t, IsRetryable(nil))
}

func TestGetErrorCode_Wrapped(t *testing.T) {
	inner := NewError(ErrInvalidRequest, "empty operation")
	wrapped := fmt.Errorf("submit: %w", inner)

	assert.Equal(t, ErrInvalidRequest, GetErrorCode(wrapped))
	assert.Equal(t, ErrorCode(""), GetErrorCode(errors.New("other")))
}

func TestRetryAfterOf(t *testing.T) {
	e := NewError(ErrRateLimited, "blocked").WithRetryAfter(time.Minute)
	assert.Equal(t, time.Minute, RetryAfterOf(fmt.Errorf("wrap: %w", e)))
	assert.Zero(t, RetryAfterOf(errors.New("plain")))
}
