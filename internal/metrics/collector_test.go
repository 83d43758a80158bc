package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("arbiter", reg)

	c.RecordSubmission("upstream")
	c.RecordSubmission("upstream")
	c.RecordSubmission("cache")
	c.RecordRateDenied("identity")
	c.RecordQuotaDenied("cost_units_per_minute")
	c.RecordCacheHit("hot")
	c.RecordCacheMiss()
	c.RecordFallbackServed()
	c.RecordDedupFollower()

	assert.Equal(t, float64(2), testutil.ToFloat64(c.submissionsTotal.WithLabelValues("upstream")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.submissionsTotal.WithLabelValues("cache")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.rateDenied.WithLabelValues("identity")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.quotaDenied.WithLabelValues("cost_units_per_minute")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.cacheHits.WithLabelValues("hot")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.cacheMisses))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.fallbackServed))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.dedupFollowers))
}

func TestCollector_Gauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("arbiter", reg)

	c.SetQuotaUtilization("requests_per_minute", 0.75)
	assert.Equal(t, 0.75, testutil.ToFloat64(c.quotaUtilization.WithLabelValues("requests_per_minute")))

	c.SetQuotaUtilization("requests_per_minute", 0.5)
	assert.Equal(t, 0.5, testutil.ToFloat64(c.quotaUtilization.WithLabelValues("requests_per_minute")))
}

func TestCollector_HistogramRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("arbiter", reg)

	c.RecordUpstreamLatency(120 * time.Millisecond)

	families, err := reg.Gather()
	require.NoError(t, err)

	found := false
	for _, f := range families {
		if f.GetName() == "arbiter_upstream_latency_seconds" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestNewNopCollector(t *testing.T) {
	c := NewNopCollector()
	require.NotNil(t, c)
	c.RecordSubmission("upstream")
}
