// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector exports orchestration metrics. Construct one per registry;
// NewNopCollector gives a registry-less instance for tests and embedders
// that do not scrape.
type Collector struct {
	submissionsTotal *prometheus.CounterVec
	upstreamLatency  prometheus.Histogram

	rateAdmitted *prometheus.CounterVec
	rateDenied   *prometheus.CounterVec

	quotaDenied      *prometheus.CounterVec
	quotaUtilization *prometheus.GaugeVec
	fallbackServed   prometheus.Counter

	cacheHits   *prometheus.CounterVec
	cacheMisses prometheus.Counter

	dedupFollowers prometheus.Counter
}

// NewCollector creates a collector registered on reg.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		submissionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "submissions_total",
				Help:      "Total submissions by terminal source or error code",
			},
			[]string{"outcome"},
		),
		upstreamLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upstream_latency_seconds",
				Help:      "Upstream compute call latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		rateAdmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ratelimit_admitted_total",
				Help:      "Rate limit admissions by identity kind",
			},
			[]string{"kind"},
		),
		rateDenied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ratelimit_denied_total",
				Help:      "Rate limit denials by violated scope",
			},
			[]string{"scope"},
		),
		quotaDenied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "quota_denied_total",
				Help:      "Quota denials by violated window",
			},
			[]string{"limit"},
		),
		quotaUtilization: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "quota_utilization",
				Help:      "Quota window utilization (0-1)",
			},
			[]string{"limit"},
		),
		fallbackServed: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fallback_served_total",
				Help:      "Responses served from the fallback store after quota denial",
			},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Cache hits by tier",
			},
			[]string{"tier"},
		),
		cacheMisses: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_misses_total",
				Help:      "Cache misses across both tiers",
			},
		),
		dedupFollowers: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dedup_followers_total",
				Help:      "Requests that joined an in-flight identical request",
			},
		),
	}
}

// NewNopCollector creates a collector backed by a throwaway registry.
func NewNopCollector() *Collector {
	return NewCollector("arbiter", prometheus.NewRegistry())
}

// RecordSubmission records a terminal submission outcome label.
func (c *Collector) RecordSubmission(outcome string) {
	c.submissionsTotal.WithLabelValues(outcome).Inc()
}

// RecordUpstreamLatency records one upstream call duration.
func (c *Collector) RecordUpstreamLatency(d time.Duration) {
	c.upstreamLatency.Observe(d.Seconds())
}

// RecordRateAdmitted records a rate limit admission.
func (c *Collector) RecordRateAdmitted(kind string) {
	c.rateAdmitted.WithLabelValues(kind).Inc()
}

// RecordRateDenied records a rate limit denial.
func (c *Collector) RecordRateDenied(scope string) {
	c.rateDenied.WithLabelValues(scope).Inc()
}

// RecordQuotaDenied records a quota denial.
func (c *Collector) RecordQuotaDenied(limit string) {
	c.quotaDenied.WithLabelValues(limit).Inc()
}

// SetQuotaUtilization publishes a window's current utilization.
func (c *Collector) SetQuotaUtilization(limit string, utilization float64) {
	c.quotaUtilization.WithLabelValues(limit).Set(utilization)
}

// RecordFallbackServed records a fallback response.
func (c *Collector) RecordFallbackServed() {
	c.fallbackServed.Inc()
}

// RecordCacheHit records a cache hit on the given tier.
func (c *Collector) RecordCacheHit(tier string) {
	c.cacheHits.WithLabelValues(tier).Inc()
}

// RecordCacheMiss records a total cache miss.
func (c *Collector) RecordCacheMiss() {
	c.cacheMisses.Inc()
}

// RecordDedupFollower records a request that shared an in-flight outcome.
func (c *Collector) RecordDedupFollower() {
	c.dedupFollowers.Inc()
}
