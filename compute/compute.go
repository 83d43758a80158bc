// Package compute defines the boundary to the upstream compute service:
// the client contract, cost estimation ahead of dispatch, and the
// configurable classification of upstream errors into retryable and
// terminal outcomes.
package compute

import (
	"context"
	"encoding/json"
	"fmt"
)

// Response is a successful upstream call. CostUnits is the true consumed
// cost reported by the provider, used to correct the pre-dispatch estimate.
type Response struct {
	Value     json.RawMessage `json:"value"`
	CostUnits int64           `json:"cost_units"`
}

// Client is the upstream compute service.
type Client interface {
	// Compute performs the operation. Errors should be *UpstreamError so
	// the classifier can map them; anything else classifies as transient.
	Compute(ctx context.Context, operation string, params map[string]any) (*Response, error)

	// EstimateCost predicts the cost units the call will consume. Called
	// before dispatch for quota admission.
	EstimateCost(operation string, params map[string]any) (int64, error)
}

// ErrorClass names an upstream failure mode. Classes are provider-defined
// strings matched against the classification table.
type ErrorClass string

const (
	ClassTimeout     ErrorClass = "timeout"
	ClassThrottled   ErrorClass = "throttled"
	ClassServerError ErrorClass = "server_error"
	ClassBadRequest  ErrorClass = "bad_request"
	ClassAuthFailure ErrorClass = "auth_failure"
)

// UpstreamError is a raw provider failure before classification.
type UpstreamError struct {
	Class      ErrorClass `json:"class"`
	StatusCode int        `json:"status_code,omitempty"`
	Message    string     `json:"message"`
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream %s (status %d): %s", e.Class, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("upstream %s: %s", e.Class, e.Message)
}
