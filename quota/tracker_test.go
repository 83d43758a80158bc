package quota

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/arbiterhq/arbiter/types"
)

func newTracker(cfg Config) *Tracker {
	return NewTracker(cfg, NewMemoryFallbackStore(), zap.NewNop())
}

func TestTracker_AdmitWithinBudget(t *testing.T) {
	tr := newTracker(DefaultConfig())
	res, err := tr.TryAdmit(100)
	require.NoError(t, err)
	require.NotNil(t, res)

	status := tr.Status()
	assert.Equal(t, int64(1), status.RequestsMinute)
	assert.Equal(t, int64(100), status.UnitsMinute)
	assert.Equal(t, int64(1), status.AdmittedCount)
}

func TestTracker_RejectsNonPositiveEstimate(t *testing.T) {
	tr := newTracker(DefaultConfig())

	_, err := tr.TryAdmit(0)
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))

	_, err = tr.TryAdmit(-5)
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))
}

func TestTracker_EstimateDeniedPreDispatch(t *testing.T) {
	// A single request whose estimate alone exceeds the effective minute
	// budget is denied before dispatch, even with no prior consumption.
	cfg := DefaultConfig()
	cfg.MaxUnitsPerMinute = 1000000
	cfg.HeadroomFraction = 0.8
	tr := newTracker(cfg)

	_, err := tr.TryAdmit(2000000)
	require.Error(t, err)
	assert.Equal(t, types.ErrQuotaExceeded, types.GetErrorCode(err))

	var e *types.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, string(LimitUnitsPerMinute), e.Scope)
	assert.Greater(t, e.RetryAfter, time.Duration(0))

	status := tr.Status()
	assert.Zero(t, status.UnitsMinute, "denied estimate must not be reserved")
	assert.Equal(t, int64(1), status.DeniedCount)
}

func TestTracker_RequestWindowDenial(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRequestsPerMinute = 5
	cfg.HeadroomFraction = 1.0
	tr := newTracker(cfg)

	for i := 0; i < 5; i++ {
		_, err := tr.TryAdmit(1)
		require.NoError(t, err)
	}

	_, err := tr.TryAdmit(1)
	require.Error(t, err)
	var e *types.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, string(LimitRequestsPerMinute), e.Scope)
}

func TestTracker_RecordActualCorrection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeadroomFraction = 1.0
	tr := newTracker(cfg)

	res, err := tr.TryAdmit(1000)
	require.NoError(t, err)
	tr.RecordActual(res, 1400) // actual overshot the estimate

	status := tr.Status()
	assert.Equal(t, int64(1400), status.UnitsMinute)
	assert.Equal(t, int64(1400), status.UnitsDay)

	res, err = tr.TryAdmit(200)
	require.NoError(t, err)
	tr.RecordActual(res, 50) // estimate overshot the actual

	status = tr.Status()
	assert.Equal(t, int64(1450), status.UnitsMinute)
}

func TestTracker_CorrectionNeverGoesNegative(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeadroomFraction = 1.0
	tr := newTracker(cfg)

	res, err := tr.TryAdmit(100)
	require.NoError(t, err)
	tr.RecordActual(res, 0)
	tr.RecordActual(res, 0) // double correction must clamp, not underflow

	assert.GreaterOrEqual(t, tr.Status().UnitsMinute, int64(0))
}

func TestTracker_CorrectionDroppedAfterWindowRolls(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeadroomFraction = 1.0
	tr := newTracker(cfg)

	res, err := tr.TryAdmit(100)
	require.NoError(t, err)

	// Push the minute unit window past its span so the correction arrives
	// after a rollover; the day window stays current.
	tr.mu.Lock()
	tr.unitMin.start = time.Now().Add(-2 * time.Minute)
	tr.mu.Unlock()

	tr.RecordActual(res, 150)

	status := tr.Status()
	assert.Zero(t, status.UnitsMinute,
		"a correction for an expired window must not land in the fresh one")
	assert.Equal(t, int64(150), status.UnitsDay,
		"the still-current day window takes the correction")
}

func TestTracker_LazyWindowRollover(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRequestsPerMinute = 2
	cfg.HeadroomFraction = 1.0
	tr := newTracker(cfg)

	_, err := tr.TryAdmit(1)
	require.NoError(t, err)
	_, err = tr.TryAdmit(1)
	require.NoError(t, err)
	_, err = tr.TryAdmit(1)
	require.Error(t, err)

	// Backdate the minute windows; the next access must roll them over
	// without losing the day counters.
	tr.mu.Lock()
	tr.reqMin.start = time.Now().Add(-2 * time.Minute)
	tr.unitMin.start = time.Now().Add(-2 * time.Minute)
	tr.mu.Unlock()

	_, err = tr.TryAdmit(1)
	require.NoError(t, err)
	status := tr.Status()
	assert.Equal(t, int64(1), status.RequestsMinute)
	assert.Equal(t, int64(3), status.RequestsDay)
}

func TestTracker_Alerts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxUnitsPerMinute = 100
	cfg.HeadroomFraction = 1.0
	cfg.AlertThreshold = 0.5
	tr := newTracker(cfg)

	var fired atomic.Int32
	done := make(chan Alert, 4)
	tr.OnAlert(func(a Alert) {
		fired.Add(1)
		done <- a
	})

	_, err := tr.TryAdmit(60)
	require.NoError(t, err)

	select {
	case a := <-done:
		assert.Equal(t, LimitUnitsPerMinute, a.Limit)
		assert.GreaterOrEqual(t, a.Utilization, 0.5)
	case <-time.After(time.Second):
		t.Fatal("expected an alert")
	}
}

func TestTracker_Fallback(t *testing.T) {
	tr := newTracker(DefaultConfig())
	ctx := context.Background()

	_, found := tr.GetFallback(ctx, "fp1")
	assert.False(t, found)

	tr.PutFallback(ctx, "fp1", json.RawMessage(`{"text":"stale but fine"}`))

	entry, found := tr.GetFallback(ctx, "fp1")
	require.True(t, found)
	assert.Equal(t, json.RawMessage(`{"text":"stale but fine"}`), entry.Value)
	assert.False(t, entry.WrittenAt.IsZero())
	assert.Equal(t, int64(1), tr.Status().FallbackServeCount)
}

// TestProperty_Tracker_NoOvershootUnderConcurrentAdmits storms the tracker
// with concurrent admissions and verifies the reserved unit total never
// exceeds the effective budget.
func TestProperty_Tracker_NoOvershootUnderConcurrentAdmits(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		budget := rapid.Int64Range(100, 10000).Draw(rt, "budget")
		workers := rapid.IntRange(2, 16).Draw(rt, "workers")
		perWorker := rapid.IntRange(1, 50).Draw(rt, "perWorker")
		estimate := rapid.Int64Range(1, 500).Draw(rt, "estimate")

		cfg := Config{
			MaxRequestsPerMinute: 1 << 40,
			MaxRequestsPerDay:    1 << 40,
			MaxUnitsPerMinute:    budget,
			MaxUnitsPerDay:       1 << 40,
			HeadroomFraction:     1.0,
		}
		tr := NewTracker(cfg, nil, zap.NewNop())

		var admitted atomic.Int64
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < perWorker; i++ {
					if _, err := tr.TryAdmit(estimate); err == nil {
						admitted.Add(1)
					}
				}
			}()
		}
		wg.Wait()

		total := admitted.Load() * estimate
		assert.LessOrEqual(rt, total, budget,
			"reserved units must never exceed the budget under concurrent admission")
		assert.Equal(rt, total, tr.Status().UnitsMinute)
	})
}
