package compute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arbiterhq/arbiter/types"
)

// Verdict is one row of the classification table.
type Verdict struct {
	Code       types.ErrorCode `yaml:"code" json:"code"`
	Retryable  bool            `yaml:"retryable" json:"retryable"`
	RetryAfter time.Duration   `yaml:"retry_after" json:"retry_after"`
}

// Classifier maps provider error classes to the local taxonomy. Provider
// taxonomies vary, so the table is supplied at construction rather than
// hardcoded.
type Classifier struct {
	table   map[ErrorClass]Verdict
	unknown Verdict
}

// DefaultTable covers the common provider failure modes.
func DefaultTable() map[ErrorClass]Verdict {
	return map[ErrorClass]Verdict{
		ClassTimeout:     {Code: types.ErrUpstreamTransient, Retryable: true},
		ClassThrottled:   {Code: types.ErrUpstreamTransient, Retryable: true, RetryAfter: time.Second},
		ClassServerError: {Code: types.ErrUpstreamTransient, Retryable: true},
		ClassBadRequest:  {Code: types.ErrUpstreamTerminal, Retryable: false},
		ClassAuthFailure: {Code: types.ErrUpstreamTerminal, Retryable: false},
	}
}

// NewClassifier builds a classifier from a table. A nil table uses
// DefaultTable. Unknown classes are treated as transient; a provider
// inventing new failure modes should not brick callers that could retry.
func NewClassifier(table map[ErrorClass]Verdict) *Classifier {
	if table == nil {
		table = DefaultTable()
	}
	return &Classifier{
		table:   table,
		unknown: Verdict{Code: types.ErrUpstreamTransient, Retryable: true},
	}
}

// Classify converts an upstream failure into a *types.Error. Context
// cancellation passes through untouched so callers can distinguish their
// own cancellation from provider failures.
func (c *Classifier) Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	verdict := c.unknown
	message := "upstream call failed"
	var ue *UpstreamError
	if errors.As(err, &ue) {
		message = fmt.Sprintf("upstream %s", ue.Class)
		if v, ok := c.table[ue.Class]; ok {
			verdict = v
		}
	}

	out := types.NewError(verdict.Code, message).
		WithCause(err).
		WithRetryable(verdict.Retryable)
	if verdict.RetryAfter > 0 {
		out = out.WithRetryAfter(verdict.RetryAfter)
	}
	return out
}
