package main

import (
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	arbiter "github.com/arbiterhq/arbiter"
	"github.com/arbiterhq/arbiter/fanout"
	"github.com/arbiterhq/arbiter/ratelimit"
	"github.com/arbiterhq/arbiter/types"
)

type submitRequest struct {
	Operation string         `json:"operation"`
	Params    map[string]any `json:"params"`
	Priority  string         `json:"priority"`
}

type batchRequest struct {
	Items          []submitRequest `json:"items"`
	MaxConcurrency int             `json:"max_concurrency"`
}

type batchItemResponse struct {
	Index    int           `json:"index"`
	Result   *types.Result `json:"result,omitempty"`
	Error    *errorBody    `json:"error,omitempty"`
	Attempts int           `json:"attempts"`
}

type errorBody struct {
	Code       types.ErrorCode `json:"code"`
	Message    string          `json:"message"`
	Scope      string          `json:"scope,omitempty"`
	RetryAfter float64         `json:"retry_after_seconds,omitempty"`
	Retryable  bool            `json:"retryable"`
}

func newHandler(orch *arbiter.Orchestrator, registry *prometheus.Registry, logger *zap.Logger) http.Handler {
	mux := http.NewServeMux()
	h := &apiHandler{orch: orch, logger: logger.With(zap.String("component", "api"))}

	mux.HandleFunc("POST /v1/submit", h.submit)
	mux.HandleFunc("POST /v1/batch", h.batch)
	mux.HandleFunc("POST /v1/invalidate", h.invalidate)
	mux.HandleFunc("GET /v1/stats", h.stats)
	mux.HandleFunc("GET /healthz", h.healthz)
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return mux
}

type apiHandler struct {
	orch   *arbiter.Orchestrator
	logger *zap.Logger
}

// callerOf builds the identity resolution input from transport facts. The
// principal header is only trusted here because authentication is expected
// to happen at the edge in front of this service.
func callerOf(r *http.Request) ratelimit.RequestContext {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	apiKey := r.Header.Get("X-API-Key")
	if apiKey == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			apiKey = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	return ratelimit.RequestContext{
		Principal:  r.Header.Get("X-Principal"),
		APIKey:     apiKey,
		RemoteAddr: host,
	}
}

func parsePriority(s string) types.Priority {
	switch s {
	case "high":
		return types.PriorityHigh
	case "low":
		return types.PriorityLow
	default:
		return types.PriorityMedium
	}
}

func (h *apiHandler) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, types.NewError(types.ErrInvalidRequest, "malformed request body"))
		return
	}

	result, err := h.orch.Submit(r.Context(), arbiter.Request{
		Operation: req.Operation,
		Params:    req.Params,
		Priority:  parsePriority(req.Priority),
		Caller:    callerOf(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *apiHandler) batch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, types.NewError(types.ErrInvalidRequest, "malformed request body"))
		return
	}

	items := make([]fanout.Item, len(req.Items))
	for i, it := range req.Items {
		items[i] = fanout.Item{
			Operation: it.Operation,
			Params:    it.Params,
			Priority:  parsePriority(it.Priority),
		}
	}

	results := h.orch.SubmitBatch(r.Context(), callerOf(r), items, req.MaxConcurrency)

	out := make([]batchItemResponse, len(results))
	for i, res := range results {
		out[i] = batchItemResponse{Index: res.Index, Result: res.Result, Attempts: res.Attempts}
		if res.Err != nil {
			out[i].Error = bodyOf(res.Err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

func (h *apiHandler) invalidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Operation string         `json:"operation"`
		Params    map[string]any `json:"params"`
		Namespace string         `json:"namespace"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, types.NewError(types.ErrInvalidRequest, "malformed request body"))
		return
	}

	var err error
	if req.Operation != "" {
		err = h.orch.Invalidate(r.Context(), req.Operation, req.Params)
	} else {
		err = h.orch.InvalidateNamespace(r.Context(), req.Namespace)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *apiHandler) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.Stats())
}

func (h *apiHandler) healthz(w http.ResponseWriter, r *http.Request) {
	if h.orch.Healthy() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "degraded"})
}

func bodyOf(err error) *errorBody {
	var e *types.Error
	if errors.As(err, &e) {
		return &errorBody{
			Code:       e.Code,
			Message:    e.Message,
			Scope:      e.Scope,
			RetryAfter: e.RetryAfter.Seconds(),
			Retryable:  e.Retryable,
		}
	}
	return &errorBody{Code: types.ErrInternalError, Message: err.Error()}
}

func statusOf(code types.ErrorCode) int {
	switch code {
	case types.ErrInvalidRequest:
		return http.StatusBadRequest
	case types.ErrRateLimited, types.ErrQuotaExceeded:
		return http.StatusTooManyRequests
	case types.ErrUpstreamTerminal:
		return http.StatusBadGateway
	case types.ErrUpstreamTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	body := bodyOf(err)
	if body.RetryAfter > 0 {
		secs := int(math.Ceil(body.RetryAfter))
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	writeJSON(w, statusOf(body.Code), map[string]any{"error": body})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
