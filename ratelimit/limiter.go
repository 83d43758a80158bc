// Package ratelimit provides identity resolution and multi-scope sliding
// window rate limiting with burst allowance and escalating blocks.
package ratelimit

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/arbiterhq/arbiter/types"
)

// Scope identifies a limiting dimension. Every admission checks all three.
type Scope string

const (
	ScopeIdentity Scope = "identity"
	ScopeAddress  Scope = "address"
	ScopeGlobal   Scope = "global"
)

// ScopeLimit configures one scope's sliding window.
type ScopeLimit struct {
	// Limit is the steady-state maximum within Window.
	Limit int `yaml:"limit" json:"limit"`

	// Burst is extra capacity absorbed on top of Limit before denial.
	Burst int `yaml:"burst" json:"burst"`

	// Window is the sliding window span.
	Window time.Duration `yaml:"window" json:"window"`
}

func (s ScopeLimit) capacity() int { return s.Limit + s.Burst }

// Config configures the limiter.
type Config struct {
	Identity ScopeLimit `yaml:"identity" json:"identity"`
	Address  ScopeLimit `yaml:"address" json:"address"`
	Global   ScopeLimit `yaml:"global" json:"global"`

	// BlockDuration is the base temporary block applied when arrivals in
	// a window reach twice the scope limit; three times the limit doubles
	// it. A block overrides window counters until it expires.
	BlockDuration time.Duration `yaml:"block_duration" json:"block_duration"`

	// IdleTTL controls garbage collection of per-key state.
	IdleTTL time.Duration `yaml:"idle_ttl" json:"idle_ttl"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Identity:      ScopeLimit{Limit: 60, Burst: 5, Window: time.Minute},
		Address:       ScopeLimit{Limit: 240, Burst: 20, Window: time.Minute},
		Global:        ScopeLimit{Limit: 1200, Burst: 100, Window: time.Minute},
		BlockDuration: 5 * time.Minute,
		IdleTTL:       30 * time.Minute,
	}
}

// Stats reports limiter counters.
type Stats struct {
	Admitted      int64 `json:"admitted"`
	Denied        int64 `json:"denied"`
	TrackedKeys   int   `json:"tracked_keys"`
	ActiveBlocks  int   `json:"active_blocks"`
	BlocksApplied int64 `json:"blocks_applied"`
}

// keyState is one key's window within one scope. Each key has its own
// mutex so unrelated identities never serialize on each other.
type keyState struct {
	mu           sync.Mutex
	admitted     []time.Time // admissions within the window
	arrivals     []time.Time // all attempts, for violation escalation
	blockedUntil time.Time
	lastSeen     time.Time
}

func prune(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	return times[i:]
}

// Limiter enforces the three scopes. The maps are guarded by a read-mostly
// mutex; all window work happens under the per-key lock.
type Limiter struct {
	config Config
	logger *zap.Logger

	mu     sync.RWMutex
	states map[Scope]map[string]*keyState

	admitted atomic.Int64
	denied   atomic.Int64
	blocks   atomic.Int64

	gcMu   sync.Mutex
	lastGC time.Time
}

// NewLimiter creates a limiter.
func NewLimiter(config Config, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		config: config,
		logger: logger.With(zap.String("component", "ratelimit")),
		states: map[Scope]map[string]*keyState{
			ScopeIdentity: make(map[string]*keyState),
			ScopeAddress:  make(map[string]*keyState),
			ScopeGlobal:   make(map[string]*keyState),
		},
		lastGC: time.Now(),
	}
}

// TryAdmit checks all three scopes and records the admission in each, as
// one compound operation per scope. Denial names the most restrictive
// violated scope (identity before address before global) with an accurate
// retry hint. Priority never exempts a request from limits; it only orders
// dispatch elsewhere.
func (l *Limiter) TryAdmit(id Identity, networkAddress string, _ types.Priority) error {
	now := time.Now()
	l.maybeGC(now)

	checks := []struct {
		scope Scope
		key   string
		limit ScopeLimit
	}{
		{ScopeIdentity, id.Key(), l.config.Identity},
		{ScopeAddress, networkAddress, l.config.Address},
		{ScopeGlobal, "global", l.config.Global},
	}

	// Resolve all three key states before locking any of them: state()
	// takes the map lock, which must never be acquired while a key lock is
	// held. With every state in hand, lock them in a fixed order so the
	// check-then-record across scopes is atomic with respect to concurrent
	// admissions.
	states := make([]*keyState, len(checks))
	for i, c := range checks {
		states[i] = l.state(c.scope, c.key)
	}
	for _, st := range states {
		st.mu.Lock()
	}
	defer func() {
		for i := len(states) - 1; i >= 0; i-- {
			states[i].mu.Unlock()
		}
	}()

	for i, c := range checks {
		if err := l.checkScope(states[i], c.scope, c.limit, now); err != nil {
			l.denied.Add(1)
			return err
		}
	}

	for _, st := range states {
		st.admitted = append(st.admitted, now)
	}
	l.admitted.Add(1)
	return nil
}

// checkScope evaluates one scope under its key lock. Arrivals are recorded
// whether or not the request is admitted, so sustained abuse escalates to a
// block even while being denied.
func (l *Limiter) checkScope(st *keyState, scope Scope, limit ScopeLimit, now time.Time) error {
	cutoff := now.Add(-limit.Window)
	st.admitted = prune(st.admitted, cutoff)
	st.arrivals = prune(st.arrivals, cutoff)
	st.arrivals = append(st.arrivals, now)
	st.lastSeen = now

	// Escalate repeated violations to a temporary block whose duration
	// scales with severity. An existing block is extended, never shortened.
	if limit.Limit > 0 && len(st.arrivals) >= 2*limit.Limit && len(st.arrivals) > limit.capacity() {
		block := l.config.BlockDuration
		if len(st.arrivals) >= 3*limit.Limit {
			block *= 2
		}
		if until := now.Add(block); until.After(st.blockedUntil) {
			st.blockedUntil = until
			l.blocks.Add(1)
			l.logger.Warn("rate limit violations escalated to block",
				zap.String("scope", string(scope)),
				zap.Int("arrivals_in_window", len(st.arrivals)),
				zap.Duration("block", block))
		}
	}

	if now.Before(st.blockedUntil) {
		return l.deny(scope, st.blockedUntil.Sub(now), "temporarily blocked")
	}

	if len(st.admitted) < limit.capacity() {
		return nil
	}

	retryAfter := limit.Window
	if len(st.admitted) > 0 {
		retryAfter = st.admitted[0].Add(limit.Window).Sub(now)
	}
	if retryAfter < 0 {
		retryAfter = 0
	}
	return l.deny(scope, retryAfter, "window limit exceeded")
}

func (l *Limiter) deny(scope Scope, retryAfter time.Duration, reason string) error {
	return types.NewError(types.ErrRateLimited,
		fmt.Sprintf("per-%s %s", scope, reason)).
		WithScope(string(scope)).
		WithRetryAfter(retryAfter).
		WithRetryable(true)
}

// state returns the keyState for (scope, key), creating it lazily.
func (l *Limiter) state(scope Scope, key string) *keyState {
	l.mu.RLock()
	st, ok := l.states[scope][key]
	l.mu.RUnlock()
	if ok {
		return st
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok = l.states[scope][key]; ok {
		return st
	}
	st = &keyState{}
	l.states[scope][key] = st
	return st
}

// maybeGC opportunistically drops idle key state. Runs at most once per
// IdleTTL, piggybacked on admissions rather than a background timer.
func (l *Limiter) maybeGC(now time.Time) {
	if l.config.IdleTTL <= 0 {
		return
	}

	l.gcMu.Lock()
	if now.Sub(l.lastGC) < l.config.IdleTTL {
		l.gcMu.Unlock()
		return
	}
	l.lastGC = now
	l.gcMu.Unlock()

	cutoff := now.Add(-l.config.IdleTTL)

	// Snapshot the tracked states under the read lock, inspect them with
	// no map lock held, and only then take the write lock to drop the idle
	// ones. Idleness is rechecked before each delete since a key may have
	// been admitted between the inspection and the sweep.
	type candidate struct {
		scope Scope
		key   string
		st    *keyState
	}
	var all []candidate
	l.mu.RLock()
	for scope, keys := range l.states {
		for key, st := range keys {
			all = append(all, candidate{scope, key, st})
		}
	}
	l.mu.RUnlock()

	var idle []candidate
	for _, c := range all {
		c.st.mu.Lock()
		if c.st.lastSeen.Before(cutoff) && now.After(c.st.blockedUntil) {
			idle = append(idle, c)
		}
		c.st.mu.Unlock()
	}
	if len(idle) == 0 {
		return
	}

	removed := 0
	l.mu.Lock()
	for _, c := range idle {
		c.st.mu.Lock()
		if l.states[c.scope][c.key] == c.st && c.st.lastSeen.Before(cutoff) {
			delete(l.states[c.scope], c.key)
			removed++
		}
		c.st.mu.Unlock()
	}
	l.mu.Unlock()

	if removed > 0 {
		l.logger.Debug("idle rate limit state collected", zap.Int("removed", removed))
	}
}

// Stats returns limiter counters.
func (l *Limiter) Stats() Stats {
	now := time.Now()

	l.mu.RLock()
	defer l.mu.RUnlock()

	tracked := 0
	blocked := 0
	for _, keys := range l.states {
		tracked += len(keys)
		for _, st := range keys {
			st.mu.Lock()
			if now.Before(st.blockedUntil) {
				blocked++
			}
			st.mu.Unlock()
		}
	}

	return Stats{
		Admitted:      l.admitted.Load(),
		Denied:        l.denied.Load(),
		TrackedKeys:   tracked,
		ActiveBlocks:  blocked,
		BlocksApplied: l.blocks.Load(),
	}
}
