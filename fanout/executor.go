// Package fanout drives batches of sub-requests through the single-item
// pipeline with bounded concurrency and per-item retry. Results come back
// in submission order regardless of completion order; partial success is
// normal and reported per item.
package fanout

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/arbiterhq/arbiter/types"
)

// Item is one batch element.
type Item struct {
	Operation string         `json:"operation"`
	Params    map[string]any `json:"params"`
	Priority  types.Priority `json:"priority"`
}

// ItemResult is the terminal outcome of one item. Exactly one of Result
// and Err is set.
type ItemResult struct {
	Index    int           `json:"index"`
	Result   *types.Result `json:"result,omitempty"`
	Err      error         `json:"-"`
	Attempts int           `json:"attempts"`
}

// Handler executes one item end to end. The executor retries it on
// retryable errors only.
type Handler func(ctx context.Context, item Item) (*types.Result, error)

// Config configures the executor.
type Config struct {
	// DefaultConcurrency applies when a batch asks for zero or less.
	DefaultConcurrency int `yaml:"default_concurrency" json:"default_concurrency"`

	// GlobalCap bounds any batch's concurrency so a single batch cannot
	// starve other traffic.
	GlobalCap int `yaml:"global_cap" json:"global_cap"`

	Retry Policy `yaml:"retry" json:"retry"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultConcurrency: 4,
		GlobalCap:          32,
		Retry:              DefaultPolicy(),
	}
}

// Stats reports executor counters.
type Stats struct {
	Batches   int64 `json:"batches"`
	Items     int64 `json:"items"`
	Retries   int64 `json:"retries"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}

// Executor is a bounded-concurrency batch driver.
type Executor struct {
	config  Config
	handler Handler
	logger  *zap.Logger

	batches   atomic.Int64
	items     atomic.Int64
	retries   atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
}

// NewExecutor creates an executor around the given single-item handler.
func NewExecutor(config Config, handler Handler, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.DefaultConcurrency <= 0 {
		config.DefaultConcurrency = 4
	}
	if config.GlobalCap <= 0 {
		config.GlobalCap = 32
	}
	config.Retry = config.Retry.normalized()
	return &Executor{
		config:  config,
		handler: handler,
		logger:  logger.With(zap.String("component", "fanout")),
	}
}

// bound resolves the effective concurrency for a batch request.
func (e *Executor) bound(maxConcurrency int) int {
	if maxConcurrency <= 0 {
		maxConcurrency = e.config.DefaultConcurrency
	}
	if maxConcurrency > e.config.GlobalCap {
		maxConcurrency = e.config.GlobalCap
	}
	return maxConcurrency
}

// Run drives items to terminal results. Dispatch order favors higher
// priority items when slots are contended; result order always matches
// input order. Cancelling ctx stops further retries and dispatch but does
// not abort sub-calls already in flight.
func (e *Executor) Run(ctx context.Context, items []Item, maxConcurrency int) []ItemResult {
	e.batches.Add(1)
	e.items.Add(int64(len(items)))

	results := make([]ItemResult, len(items))
	if len(items) == 0 {
		return results
	}

	// Stable sort by priority so equal-priority items keep submission
	// order when competing for the same slots.
	order := make([]int, len(items))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return items[order[a]].Priority > items[order[b]].Priority
	})

	sem := semaphore.NewWeighted(int64(e.bound(maxConcurrency)))
	var wg sync.WaitGroup

	for _, idx := range order {
		if err := sem.Acquire(ctx, 1); err != nil {
			results[idx] = ItemResult{Index: idx, Err: ctx.Err()}
			e.failed.Add(1)
			continue
		}

		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			defer sem.Release(1)
			results[idx] = e.runItem(ctx, idx, items[idx])
		}(idx)
	}
	wg.Wait()

	return results
}

// runItem executes one item with retry. Only retryable errors are retried;
// a RetryAfter hint on the error stretches the computed backoff when it is
// longer.
func (e *Executor) runItem(ctx context.Context, idx int, item Item) ItemResult {
	var lastErr error
	attempts := 0

	for attempt := 1; attempt <= e.config.Retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := e.config.Retry.delay(attempt - 1)
			if hint := types.RetryAfterOf(lastErr); hint > delay && hint <= e.config.Retry.MaxDelay {
				delay = hint
			}
			e.retries.Add(1)
			e.logger.Debug("retrying batch item",
				zap.Int("index", idx),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			if err := sleep(ctx, delay); err != nil {
				e.failed.Add(1)
				return ItemResult{Index: idx, Err: err, Attempts: attempts}
			}
		}

		result, err := e.handler(ctx, item)
		attempts = attempt
		if err == nil {
			e.succeeded.Add(1)
			return ItemResult{Index: idx, Result: result, Attempts: attempts}
		}
		lastErr = err

		if !types.IsRetryable(err) {
			break
		}
	}

	e.failed.Add(1)
	return ItemResult{Index: idx, Err: lastErr, Attempts: attempts}
}

// Stats returns executor counters.
func (e *Executor) Stats() Stats {
	return Stats{
		Batches:   e.batches.Load(),
		Items:     e.items.Load(),
		Retries:   e.retries.Load(),
		Succeeded: e.succeeded.Load(),
		Failed:    e.failed.Load(),
	}
}
