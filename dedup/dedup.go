// Package dedup collapses concurrent identical requests into a single
// upstream call. The first caller for a fingerprint becomes the leader and
// performs the work; everyone who joins while it is outstanding becomes a
// follower and shares the leader's exact outcome.
package dedup

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const shardCount = 16

// Outcome is the broadcast result of a leader's call: either a value with
// its consumed cost, or the leader's classified error. Followers never
// retry on their own; a failed leader fails them all.
type Outcome struct {
	Value     json.RawMessage
	CostUnits int64
	Err       error
}

// pendingRequest is one in-flight fingerprint. The outcome is written once
// by the leader, then done is closed to release every waiter atomically.
type pendingRequest struct {
	leaderToken string
	startedAt   time.Time
	done        chan struct{}
	outcome     Outcome
	resolveOnce sync.Once
}

type shard struct {
	mu       sync.Mutex
	inflight map[string]*pendingRequest
}

// Deduplicator is the in-flight table. State is ephemeral: nothing
// survives a process restart.
type Deduplicator struct {
	shards [shardCount]shard
	logger *zap.Logger

	leaders   atomic.Int64
	followers atomic.Int64
}

// New creates a deduplicator.
func New(logger *zap.Logger) *Deduplicator {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Deduplicator{
		logger: logger.With(zap.String("component", "dedup")),
	}
	for i := range d.shards {
		d.shards[i].inflight = make(map[string]*pendingRequest)
	}
	return d
}

// Leadership is held by the single caller responsible for the upstream
// call for a fingerprint.
type Leadership struct {
	d       *Deduplicator
	fp      string
	pending *pendingRequest
}

// Token returns the leader token, useful in logs.
func (l *Leadership) Token() string { return l.pending.leaderToken }

// Resolve publishes the outcome, removes the in-flight entry, and releases
// every waiter. Exactly the first call takes effect.
func (l *Leadership) Resolve(outcome Outcome) {
	l.pending.resolveOnce.Do(func() {
		sh := l.d.shardFor(l.fp)
		sh.mu.Lock()
		if sh.inflight[l.fp] == l.pending {
			delete(sh.inflight, l.fp)
		}
		sh.mu.Unlock()

		l.pending.outcome = outcome
		close(l.pending.done)
	})
}

// Ticket is a follower's handle on a pending outcome.
type Ticket struct {
	pending *pendingRequest
}

// Wait blocks until the leader resolves or ctx is cancelled. Cancelling a
// wait abandons only this follower; the leader's call and other followers
// are unaffected.
func (t *Ticket) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-t.pending.done:
		return t.pending.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// JoinOrLead atomically checks the in-flight table for fp. The first caller
// gets a Leadership (ticket nil); every later caller while the entry is
// pending gets a Ticket (leadership nil). The invariant: at most one
// pendingRequest per fingerprint, so the upstream call count for fp while
// one is outstanding is exactly one.
func (d *Deduplicator) JoinOrLead(fp string) (*Leadership, *Ticket) {
	sh := d.shardFor(fp)

	sh.mu.Lock()
	if pending, ok := sh.inflight[fp]; ok {
		sh.mu.Unlock()
		d.followers.Add(1)
		return nil, &Ticket{pending: pending}
	}

	pending := &pendingRequest{
		leaderToken: uuid.NewString(),
		startedAt:   time.Now(),
		done:        make(chan struct{}),
	}
	sh.inflight[fp] = pending
	sh.mu.Unlock()

	d.leaders.Add(1)
	return &Leadership{d: d, fp: fp, pending: pending}, nil
}

// InFlight returns the current number of pending fingerprints.
func (d *Deduplicator) InFlight() int {
	n := 0
	for i := range d.shards {
		d.shards[i].mu.Lock()
		n += len(d.shards[i].inflight)
		d.shards[i].mu.Unlock()
	}
	return n
}

// Stats reports leader/follower counts.
type Stats struct {
	Leaders   int64 `json:"leaders"`
	Followers int64 `json:"followers"`
	InFlight  int   `json:"in_flight"`
}

// Stats returns dedup counters.
func (d *Deduplicator) Stats() Stats {
	return Stats{
		Leaders:   d.leaders.Load(),
		Followers: d.followers.Load(),
		InFlight:  d.InFlight(),
	}
}

func (d *Deduplicator) shardFor(fp string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(fp))
	return &d.shards[h.Sum32()%shardCount]
}
