// Package quota tracks consumption against four independent rolling budgets
// (requests and cost units, per minute and per day) and serves last-resort
// fallback values when a budget is exhausted.
package quota

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter/types"
)

// LimitType names one of the four tracked windows.
type LimitType string

const (
	LimitRequestsPerMinute LimitType = "requests_per_minute"
	LimitRequestsPerDay    LimitType = "requests_per_day"
	LimitUnitsPerMinute    LimitType = "cost_units_per_minute"
	LimitUnitsPerDay       LimitType = "cost_units_per_day"
)

// Config configures the tracker. Limits are the upstream provider's hard
// limits; the tracker admits only up to HeadroomFraction of each, leaving
// room for estimation error.
type Config struct {
	MaxRequestsPerMinute int64 `yaml:"max_requests_per_minute" json:"max_requests_per_minute"`
	MaxRequestsPerDay    int64 `yaml:"max_requests_per_day" json:"max_requests_per_day"`
	MaxUnitsPerMinute    int64 `yaml:"max_units_per_minute" json:"max_units_per_minute"`
	MaxUnitsPerDay       int64 `yaml:"max_units_per_day" json:"max_units_per_day"`

	// HeadroomFraction scales each hard limit into the effective budget.
	HeadroomFraction float64 `yaml:"headroom_fraction" json:"headroom_fraction"`

	// AlertThreshold fires registered alert handlers when a window's
	// utilization crosses it (0.0-1.0).
	AlertThreshold float64 `yaml:"alert_threshold" json:"alert_threshold"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxRequestsPerMinute: 600,
		MaxRequestsPerDay:    50000,
		MaxUnitsPerMinute:    1000000,
		MaxUnitsPerDay:       50000000,
		HeadroomFraction:     0.8,
		AlertThreshold:       0.8,
	}
}

// Alert describes a crossed utilization threshold.
type Alert struct {
	Limit       LimitType `json:"limit"`
	Utilization float64   `json:"utilization"`
	Threshold   float64   `json:"threshold"`
	Timestamp   time.Time `json:"timestamp"`
}

// AlertHandler receives budget alerts.
type AlertHandler func(Alert)

// window is one rolling budget. The counter never reflects events outside
// the declared span; rollover happens lazily on first access after expiry.
type window struct {
	limit   LimitType
	span    time.Duration
	budget  int64
	count   int64
	start   time.Time
	alerted bool
}

func (w *window) rollIfStale(now time.Time) {
	if now.Sub(w.start) >= w.span {
		w.count = 0
		w.start = now
		w.alerted = false
	}
}

func (w *window) retryAfter(now time.Time) time.Duration {
	d := w.start.Add(w.span).Sub(now)
	if d < 0 {
		d = 0
	}
	return d
}

// Status is a snapshot of all four windows.
type Status struct {
	RequestsMinute     int64                 `json:"requests_minute"`
	RequestsDay        int64                 `json:"requests_day"`
	UnitsMinute        int64                 `json:"units_minute"`
	UnitsDay           int64                 `json:"units_day"`
	Utilization        map[LimitType]float64 `json:"utilization"`
	AdmittedCount      int64                 `json:"admitted_count"`
	DeniedCount        int64                 `json:"denied_count"`
	FallbackServeCount int64                 `json:"fallback_serve_count"`
}

// Tracker enforces the four budgets. Admission is a single compound
// check-and-reserve under one short mutex so concurrent admits can never
// overshoot a window.
type Tracker struct {
	mu       sync.Mutex
	reqMin   window
	reqDay   window
	unitMin  window
	unitDay  window
	admitted int64
	denied   int64
	served   int64

	config   Config
	fallback FallbackStore
	handlers []AlertHandler
	logger   *zap.Logger
}

// NewTracker creates a tracker. fallback may be nil to disable degraded
// serving.
func NewTracker(config Config, fallback FallbackStore, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.HeadroomFraction <= 0 || config.HeadroomFraction > 1 {
		config.HeadroomFraction = 0.8
	}

	now := time.Now()
	budget := func(hard int64) int64 {
		return int64(float64(hard) * config.HeadroomFraction)
	}
	return &Tracker{
		reqMin:   window{limit: LimitRequestsPerMinute, span: time.Minute, budget: budget(config.MaxRequestsPerMinute), start: now},
		reqDay:   window{limit: LimitRequestsPerDay, span: 24 * time.Hour, budget: budget(config.MaxRequestsPerDay), start: now},
		unitMin:  window{limit: LimitUnitsPerMinute, span: time.Minute, budget: budget(config.MaxUnitsPerMinute), start: now},
		unitDay:  window{limit: LimitUnitsPerDay, span: 24 * time.Hour, budget: budget(config.MaxUnitsPerDay), start: now},
		config:   config,
		fallback: fallback,
		logger:   logger.With(zap.String("component", "quota")),
	}
}

// OnAlert registers an alert handler.
func (t *Tracker) OnAlert(handler AlertHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = append(t.handlers, handler)
}

// Reservation ties a provisional cost reservation to the unit windows it
// was counted in. Corrections apply only while those windows are current;
// once a window rolls over, its reservation expired with it and the delta
// is dropped rather than charged to the fresh window.
type Reservation struct {
	estimate     int64
	unitMinStart time.Time
	unitDayStart time.Time
}

// TryAdmit atomically checks all four windows against the estimated cost
// and, if admitted, increments request counters and provisionally reserves
// the estimate in the unit counters. Denial names the first violated limit
// and when its window rolls over.
func (t *Tracker) TryAdmit(costEstimate int64) (*Reservation, error) {
	if costEstimate <= 0 {
		return nil, types.NewError(types.ErrInvalidRequest,
			fmt.Sprintf("cost estimate must be positive, got %d", costEstimate))
	}

	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, w := range t.windows() {
		w.rollIfStale(now)
	}

	checks := []struct {
		w    *window
		need int64
	}{
		{&t.reqMin, 1},
		{&t.reqDay, 1},
		{&t.unitMin, costEstimate},
		{&t.unitDay, costEstimate},
	}
	for _, c := range checks {
		if c.w.count+c.need > c.w.budget {
			t.denied++
			retryAfter := c.w.retryAfter(now)
			t.logger.Warn("quota admission denied",
				zap.String("limit", string(c.w.limit)),
				zap.Int64("estimate", costEstimate),
				zap.Duration("retry_after", retryAfter))
			return nil, types.NewError(types.ErrQuotaExceeded,
				fmt.Sprintf("would exceed %s budget", c.w.limit)).
				WithScope(string(c.w.limit)).
				WithRetryAfter(retryAfter).
				WithRetryable(true)
		}
	}

	t.reqMin.count++
	t.reqDay.count++
	t.unitMin.count += costEstimate
	t.unitDay.count += costEstimate
	t.admitted++

	t.checkAlertsLocked(now)
	return &Reservation{
		estimate:     costEstimate,
		unitMinStart: t.unitMin.start,
		unitDayStart: t.unitDay.start,
	}, nil
}

// RecordActual corrects the provisional reservation once the true consumed
// cost is known. The delta may be negative when the estimate overshot; a
// window's counter is never corrected below zero, and a window that rolled
// over since admission is left untouched.
func (t *Tracker) RecordActual(res *Reservation, costActual int64) {
	if res == nil {
		return
	}
	delta := costActual - res.estimate
	if delta == 0 {
		return
	}

	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, c := range []struct {
		w        *window
		reserved time.Time
	}{
		{&t.unitMin, res.unitMinStart},
		{&t.unitDay, res.unitDayStart},
	} {
		c.w.rollIfStale(now)
		if !c.w.start.Equal(c.reserved) {
			continue
		}
		c.w.count += delta
		if c.w.count < 0 {
			c.w.count = 0
		}
	}
	t.checkAlertsLocked(now)
}

// Status returns a snapshot of the windows and counters.
func (t *Tracker) Status() Status {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	util := make(map[LimitType]float64, 4)
	for _, w := range t.windows() {
		w.rollIfStale(now)
		if w.budget > 0 {
			util[w.limit] = float64(w.count) / float64(w.budget)
		}
	}

	return Status{
		RequestsMinute:     t.reqMin.count,
		RequestsDay:        t.reqDay.count,
		UnitsMinute:        t.unitMin.count,
		UnitsDay:           t.unitDay.count,
		Utilization:        util,
		AdmittedCount:      t.admitted,
		DeniedCount:        t.denied,
		FallbackServeCount: t.served,
	}
}

func (t *Tracker) windows() [4]*window {
	return [4]*window{&t.reqMin, &t.reqDay, &t.unitMin, &t.unitDay}
}

func (t *Tracker) checkAlertsLocked(now time.Time) {
	threshold := t.config.AlertThreshold
	if threshold <= 0 {
		return
	}
	for _, w := range t.windows() {
		if w.budget <= 0 || w.alerted {
			continue
		}
		util := float64(w.count) / float64(w.budget)
		if util >= threshold {
			w.alerted = true
			alert := Alert{Limit: w.limit, Utilization: util, Threshold: threshold, Timestamp: now}
			t.logger.Warn("quota utilization threshold crossed",
				zap.String("limit", string(w.limit)),
				zap.Float64("utilization", util))
			for _, h := range t.handlers {
				go h(alert)
			}
		}
	}
}
