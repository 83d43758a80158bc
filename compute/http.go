package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

// HTTPClientConfig configures the HTTP-backed compute client.
type HTTPClientConfig struct {
	BaseURL string        `yaml:"base_url" json:"base_url"`
	APIKey  string        `yaml:"api_key" json:"api_key"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	Estimator EstimatorConfig `yaml:"estimator" json:"estimator"`
}

// HTTPClient calls a compute service over HTTP POST. The wire contract is
// a JSON body {operation, params} answered by {value, cost_units}.
type HTTPClient struct {
	config    HTTPClientConfig
	client    *http.Client
	estimator *CostEstimator
	logger    *zap.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates an HTTP compute client.
func NewHTTPClient(config HTTPClientConfig, logger *zap.Logger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if h2, err := http2.ConfigureTransports(transport); err == nil {
		// Ping idle connections so a dead backend surfaces as a prompt
		// transport error instead of burning the full request timeout.
		h2.ReadIdleTimeout = 30 * time.Second
	}
	return &HTTPClient{
		config:    config,
		client:    &http.Client{Timeout: timeout, Transport: transport},
		estimator: NewCostEstimator(config.Estimator),
		logger:    logger.With(zap.String("component", "compute")),
	}
}

type computeRequest struct {
	Operation string         `json:"operation"`
	Params    map[string]any `json:"params"`
}

type computeResponse struct {
	Value     json.RawMessage `json:"value"`
	CostUnits int64           `json:"cost_units"`
	Error     string          `json:"error,omitempty"`
}

// Compute implements Client.
func (c *HTTPClient) Compute(ctx context.Context, operation string, params map[string]any) (*Response, error) {
	body, err := json.Marshal(computeRequest{Operation: operation, Params: params})
	if err != nil {
		return nil, &UpstreamError{Class: ClassBadRequest, Message: fmt.Sprintf("encode request: %v", err)}
	}

	endpoint := strings.TrimRight(c.config.BaseURL, "/") + "/v1/compute"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &UpstreamError{Class: ClassBadRequest, Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &UpstreamError{Class: ClassTimeout, Message: err.Error()}
		}
		return nil, &UpstreamError{Class: ClassServerError, Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, &UpstreamError{Class: ClassServerError, StatusCode: resp.StatusCode, Message: err.Error()}
	}

	c.logger.Debug("compute call finished",
		zap.String("operation", operation),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)))

	if resp.StatusCode != http.StatusOK {
		return nil, &UpstreamError{
			Class:      classFromStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Message:    errMessage(raw),
		}
	}

	var out computeResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &UpstreamError{Class: ClassServerError, StatusCode: resp.StatusCode, Message: fmt.Sprintf("decode response: %v", err)}
	}
	return &Response{Value: out.Value, CostUnits: out.CostUnits}, nil
}

// EstimateCost implements Client.
func (c *HTTPClient) EstimateCost(operation string, params map[string]any) (int64, error) {
	return c.estimator.EstimateCost(operation, params)
}

func classFromStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ClassThrottled
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ClassTimeout
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ClassAuthFailure
	case status >= 500:
		return ClassServerError
	default:
		return ClassBadRequest
	}
}

func errMessage(raw []byte) string {
	var out computeResponse
	if err := json.Unmarshal(raw, &out); err == nil && out.Error != "" {
		return out.Error
	}
	msg := strings.TrimSpace(string(raw))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
