// Package arbiter orchestrates requests to a slow, rate-limited,
// cost-metered compute service. Every submission passes identity
// resolution, rate limiting, a two-tier response cache, in-flight
// deduplication, and quota admission before a single upstream call is
// made on behalf of all identical concurrent requests.
package arbiter

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter/cache"
	"github.com/arbiterhq/arbiter/compute"
	"github.com/arbiterhq/arbiter/dedup"
	"github.com/arbiterhq/arbiter/fanout"
	"github.com/arbiterhq/arbiter/fingerprint"
	"github.com/arbiterhq/arbiter/internal/metrics"
	"github.com/arbiterhq/arbiter/quota"
	"github.com/arbiterhq/arbiter/ratelimit"
	"github.com/arbiterhq/arbiter/types"
)

// Request is one orchestrated submission.
type Request struct {
	Operation string                   `json:"operation"`
	Params    map[string]any           `json:"params"`
	Priority  types.Priority           `json:"priority"`
	Caller    ratelimit.RequestContext `json:"caller"`
}

// Options bundles the orchestrator's collaborators. Everything but
// Client is optional: a nil Cache, Quota, or Limiter disables that stage,
// a nil Classifier uses the default table.
type Options struct {
	Client     compute.Client
	Classifier *compute.Classifier
	Cache      *cache.MultiLayerCache
	Quota      *quota.Tracker
	Limiter    *ratelimit.Limiter
	Fanout     fanout.Config
	Metrics    *metrics.Collector
	Logger     *zap.Logger
}

// Stats aggregates observability across all components.
type Stats struct {
	Cache     cache.Stats     `json:"cache"`
	HitRate   float64         `json:"hit_rate"`
	Quota     quota.Status    `json:"quota"`
	RateLimit ratelimit.Stats `json:"rate_limit"`
	Dedup     dedup.Stats     `json:"dedup"`
	Fanout    fanout.Stats    `json:"fanout"`
}

// Orchestrator is the exposed API.
type Orchestrator struct {
	client     compute.Client
	classifier *compute.Classifier
	cache      *cache.MultiLayerCache
	quota      *quota.Tracker
	limiter    *ratelimit.Limiter
	dedup      *dedup.Deduplicator
	executor   *fanout.Executor
	metrics    *metrics.Collector
	logger     *zap.Logger
}

// New creates an orchestrator.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Classifier == nil {
		opts.Classifier = compute.NewClassifier(nil)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNopCollector()
	}

	o := &Orchestrator{
		client:     opts.Client,
		classifier: opts.Classifier,
		cache:      opts.Cache,
		quota:      opts.Quota,
		limiter:    opts.Limiter,
		dedup:      dedup.New(logger),
		metrics:    opts.Metrics,
		logger:     logger.With(zap.String("component", "arbiter")),
	}
	o.executor = fanout.NewExecutor(opts.Fanout, o.batchHandler, logger)
	return o
}

// Submit runs one request through the full pipeline and returns its
// terminal result. Result.Source tells the caller where the value came
// from: upstream, cache, a shared in-flight call, or the fallback store.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (*types.Result, error) {
	result, err := o.submit(ctx, req)
	if err != nil {
		o.metrics.RecordSubmission(string(types.GetErrorCode(err)))
		return nil, err
	}
	o.metrics.RecordSubmission(string(result.Source))
	return result, nil
}

func (o *Orchestrator) submit(ctx context.Context, req Request) (*types.Result, error) {
	id := ratelimit.ResolveIdentity(req.Caller)

	if o.limiter != nil {
		if err := o.limiter.TryAdmit(id, req.Caller.RemoteAddr, req.Priority); err != nil {
			o.metrics.RecordRateDenied(scopeOf(err))
			return nil, err
		}
		o.metrics.RecordRateAdmitted(string(id.Kind))
	}

	fp, err := fingerprint.Canonicalize(req.Operation, req.Params)
	if err != nil {
		return nil, err
	}
	key := fp.String()

	if entry, ok := o.cacheGet(ctx, key); ok {
		return &types.Result{
			Value:     entry.Value,
			Source:    types.SourceCache,
			WrittenAt: entry.CreatedAt,
		}, nil
	}

	lead, ticket := o.dedup.JoinOrLead(key)
	if ticket != nil {
		o.metrics.RecordDedupFollower()
		out, err := ticket.Wait(ctx)
		if err != nil {
			return nil, err
		}
		if out.Err != nil {
			return nil, out.Err
		}
		return &types.Result{
			Value:     out.Value,
			CostUnits: out.CostUnits,
			Source:    types.SourceDedup,
		}, nil
	}

	result, err := o.lead(ctx, key, req)
	if err != nil {
		lead.Resolve(dedup.Outcome{Err: err})
		return nil, err
	}
	lead.Resolve(dedup.Outcome{Value: result.Value, CostUnits: result.CostUnits})
	return result, nil
}

// lead performs the leader's side of the pipeline: cache re-check, quota
// admission with fallback consultation on denial, the upstream call, and
// the write-backs.
func (o *Orchestrator) lead(ctx context.Context, key string, req Request) (*types.Result, error) {
	// Another leader may have populated the cache between our miss and
	// winning the in-flight slot.
	if entry, ok := o.cacheGet(ctx, key); ok {
		return &types.Result{
			Value:     entry.Value,
			Source:    types.SourceCache,
			WrittenAt: entry.CreatedAt,
		}, nil
	}

	estimate, err := o.client.EstimateCost(req.Operation, req.Params)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "cost estimation failed").WithCause(err)
	}

	var reservation *quota.Reservation
	if o.quota != nil {
		res, admitErr := o.quota.TryAdmit(estimate)
		if admitErr != nil {
			if types.GetErrorCode(admitErr) == types.ErrQuotaExceeded {
				o.metrics.RecordQuotaDenied(scopeOf(admitErr))
				if entry, ok := o.quota.GetFallback(ctx, key); ok {
					o.metrics.RecordFallbackServed()
					o.logger.Info("serving fallback after quota denial",
						zap.String("fingerprint", key),
						zap.Time("written_at", entry.WrittenAt))
					return &types.Result{
						Value:     entry.Value,
						Source:    types.SourceFallback,
						WrittenAt: entry.WrittenAt,
					}, nil
				}
			}
			return nil, admitErr
		}
		reservation = res
	}

	start := time.Now()
	resp, err := o.client.Compute(ctx, req.Operation, req.Params)
	o.metrics.RecordUpstreamLatency(time.Since(start))
	if err != nil {
		if o.quota != nil {
			// Nothing was consumed upstream; release the reservation.
			o.quota.RecordActual(reservation, 0)
		}
		return nil, o.classifier.Classify(err)
	}

	if o.cache != nil {
		if err := o.cache.Put(ctx, key, resp.Value, 0); err != nil {
			o.logger.Warn("cache write failed", zap.String("fingerprint", key), zap.Error(err))
		}
	}
	if o.quota != nil {
		o.quota.PutFallback(ctx, key, resp.Value)
		o.quota.RecordActual(reservation, resp.CostUnits)
	}

	return &types.Result{
		Value:     resp.Value,
		CostUnits: resp.CostUnits,
		Source:    types.SourceUpstream,
	}, nil
}

type callerKey struct{}

// SubmitBatch drives items through the single-item pipeline with bounded
// concurrency and per-item retry. Results match input order; partial
// success is reported per item, never as a batch-wide failure.
func (o *Orchestrator) SubmitBatch(ctx context.Context, caller ratelimit.RequestContext, items []fanout.Item, maxConcurrency int) []fanout.ItemResult {
	ctx = context.WithValue(ctx, callerKey{}, caller)
	return o.executor.Run(ctx, items, maxConcurrency)
}

func (o *Orchestrator) batchHandler(ctx context.Context, item fanout.Item) (*types.Result, error) {
	caller, _ := ctx.Value(callerKey{}).(ratelimit.RequestContext)
	return o.Submit(ctx, Request{
		Operation: item.Operation,
		Params:    item.Params,
		Priority:  item.Priority,
		Caller:    caller,
	})
}

// Invalidate removes the cached value for one logical request.
func (o *Orchestrator) Invalidate(ctx context.Context, operation string, params map[string]any) error {
	fp, err := fingerprint.Canonicalize(operation, params)
	if err != nil {
		return err
	}
	if o.cache == nil {
		return nil
	}
	return o.cache.Invalidate(ctx, fp.String())
}

// InvalidateNamespace removes every cached value whose fingerprint starts
// with prefix.
func (o *Orchestrator) InvalidateNamespace(ctx context.Context, prefix string) error {
	if o.cache == nil {
		return nil
	}
	return o.cache.InvalidateNamespace(ctx, prefix)
}

// Healthy reports whether the persistent cache tier is reachable.
func (o *Orchestrator) Healthy() bool {
	return o.cache == nil || o.cache.Healthy()
}

// Stats returns an aggregated observability snapshot and refreshes the
// exported quota utilization gauges.
func (o *Orchestrator) Stats() Stats {
	s := Stats{
		Dedup:  o.dedup.Stats(),
		Fanout: o.executor.Stats(),
	}
	if o.cache != nil {
		s.Cache = o.cache.Stats()
		s.HitRate = s.Cache.HitRate()
	}
	if o.quota != nil {
		s.Quota = o.quota.Status()
		for limit, util := range s.Quota.Utilization {
			o.metrics.SetQuotaUtilization(string(limit), util)
		}
	}
	if o.limiter != nil {
		s.RateLimit = o.limiter.Stats()
	}
	return s
}

func (o *Orchestrator) cacheGet(ctx context.Context, key string) (*cache.Entry, bool) {
	if o.cache == nil {
		return nil, false
	}
	entry, ok := o.cache.Get(ctx, key)
	if ok {
		o.metrics.RecordCacheHit(string(entry.TierOrigin))
	} else {
		o.metrics.RecordCacheMiss()
	}
	return entry, ok
}

func scopeOf(err error) string {
	var e *types.Error
	if errors.As(err, &e) {
		return e.Scope
	}
	return ""
}
