package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// FallbackEntry is the most recent successful value for a fingerprint,
// kept as a last-resort degraded-service response. Entries have no TTL;
// WrittenAt lets callers bound staleness themselves.
type FallbackEntry struct {
	Value     json.RawMessage `json:"value"`
	WrittenAt time.Time       `json:"written_at"`
}

// FallbackStore persists fallback entries, keyed by fingerprint. Distinct
// from the response cache: not subject to TTL or eviction, written on every
// successful upstream completion regardless of cache state.
type FallbackStore interface {
	Get(ctx context.Context, fp string) (*FallbackEntry, bool, error)
	Put(ctx context.Context, fp string, value json.RawMessage) error
}

// GetFallback consults the fallback store after a quota denial. A found
// result counts toward the fallback-serve statistic.
func (t *Tracker) GetFallback(ctx context.Context, fp string) (*FallbackEntry, bool) {
	if t.fallback == nil {
		return nil, false
	}

	entry, found, err := t.fallback.Get(ctx, fp)
	if err != nil {
		t.logger.Warn("fallback lookup failed", zap.String("fingerprint", fp), zap.Error(err))
		return nil, false
	}
	if !found {
		return nil, false
	}

	t.mu.Lock()
	t.served++
	t.mu.Unlock()
	return entry, true
}

// PutFallback records a successful value for later degraded serving.
// Failures are logged, never surfaced: the fallback is best-effort.
func (t *Tracker) PutFallback(ctx context.Context, fp string, value json.RawMessage) {
	if t.fallback == nil {
		return
	}
	if err := t.fallback.Put(ctx, fp, value); err != nil {
		t.logger.Warn("fallback write failed", zap.String("fingerprint", fp), zap.Error(err))
	}
}

// redisFallbackStore keeps fallback entries in redis without expiry.
type redisFallbackStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisFallbackStore creates a redis-backed fallback store.
func NewRedisFallbackStore(rdb *redis.Client, prefix string) FallbackStore {
	if prefix == "" {
		prefix = "arb:fallback:"
	}
	return &redisFallbackStore{rdb: rdb, prefix: prefix}
}

func (s *redisFallbackStore) Get(ctx context.Context, fp string) (*FallbackEntry, bool, error) {
	data, err := s.rdb.Get(ctx, s.prefix+fp).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("fallback get: %w", err)
	}

	var entry FallbackEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false, fmt.Errorf("decode fallback entry: %w", err)
	}
	return &entry, true, nil
}

func (s *redisFallbackStore) Put(ctx context.Context, fp string, value json.RawMessage) error {
	entry := FallbackEntry{Value: value, WrittenAt: time.Now()}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode fallback entry: %w", err)
	}
	if err := s.rdb.Set(ctx, s.prefix+fp, data, 0).Err(); err != nil {
		return fmt.Errorf("fallback set: %w", err)
	}
	return nil
}

// memoryFallbackStore is an in-process store for tests and redis-less runs.
type memoryFallbackStore struct {
	mu      sync.RWMutex
	entries map[string]*FallbackEntry
}

// NewMemoryFallbackStore creates an in-memory fallback store.
func NewMemoryFallbackStore() FallbackStore {
	return &memoryFallbackStore{entries: make(map[string]*FallbackEntry)}
}

func (s *memoryFallbackStore) Get(_ context.Context, fp string) (*FallbackEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[fp]
	if !ok {
		return nil, false, nil
	}
	return entry, true, nil
}

func (s *memoryFallbackStore) Put(_ context.Context, fp string, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[fp] = &FallbackEntry{Value: value, WrittenAt: time.Now()}
	return nil
}
