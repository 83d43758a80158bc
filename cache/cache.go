// Package cache provides the two-tier response cache: a bounded in-process
// hot tier backed by a larger Redis persistent tier.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Tier identifies where an entry came from.
type Tier string

const (
	TierHot        Tier = "hot"
	TierPersistent Tier = "persistent"
)

// Entry is a cached response plus its metadata.
type Entry struct {
	Fingerprint    string          `json:"fingerprint"`
	Value          json.RawMessage `json:"value"`
	CreatedAt      time.Time       `json:"created_at"`
	LastAccessedAt time.Time       `json:"last_accessed_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
	SizeHint       int             `json:"size_hint"`
	TierOrigin     Tier            `json:"tier_origin"`
	Version        int             `json:"version"`
}

// Config configures the cache.
type Config struct {
	// Namespace prefixes every persistent key.
	Namespace string `yaml:"namespace" json:"namespace"`

	// Version stamps every key; bumping it orphans all old entries
	// without an explicit sweep.
	Version int `yaml:"version" json:"version"`

	// HotCapacity bounds the hot tier entry count.
	HotCapacity int `yaml:"hot_capacity" json:"hot_capacity"`

	// HotTTL bounds how long a hot copy may be served without revisiting
	// the persistent tier.
	HotTTL time.Duration `yaml:"hot_ttl" json:"hot_ttl"`

	// PersistentTTL is the default persistent-tier expiry.
	PersistentTTL time.Duration `yaml:"persistent_ttl" json:"persistent_ttl"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Namespace:     "arb",
		Version:       1,
		HotCapacity:   512,
		HotTTL:        5 * time.Minute,
		PersistentTTL: 1 * time.Hour,
	}
}

// Stats reports cache health and hit counters.
type Stats struct {
	HotHits        int64 `json:"hot_hits"`
	PersistentHits int64 `json:"persistent_hits"`
	Misses         int64 `json:"misses"`
	Degraded       bool  `json:"degraded"`
}

// HitRate returns the overall hit rate across both tiers.
func (s Stats) HitRate() float64 {
	total := s.HotHits + s.PersistentHits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.HotHits+s.PersistentHits) / float64(total)
}

// MultiLayerCache is the two-tier cache. The hot tier is always a cache of
// the persistent tier, never a source of truth; when the persistent tier is
// unavailable the cache degrades to hot-only operation and reports it via
// Stats rather than failing requests.
type MultiLayerCache struct {
	hot    *LRUCache
	rdb    *redis.Client
	config Config
	logger *zap.Logger

	hotHits        atomic.Int64
	persistentHits atomic.Int64
	misses         atomic.Int64
	degraded       atomic.Bool
}

// New creates a multi-layer cache. rdb may be nil, in which case the cache
// runs hot-tier-only and reports itself degraded.
func New(rdb *redis.Client, config Config, logger *zap.Logger) *MultiLayerCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &MultiLayerCache{
		hot:    NewLRUCache(config.HotCapacity, config.HotTTL),
		rdb:    rdb,
		config: config,
		logger: logger.With(zap.String("component", "cache")),
	}
	if rdb == nil {
		c.degraded.Store(true)
	}
	return c
}

// Get looks up the hot tier first, then the persistent tier. A persistent
// hit is promoted into the hot tier.
func (c *MultiLayerCache) Get(ctx context.Context, fp string) (*Entry, bool) {
	key := c.key(fp)

	if entry, ok := c.hot.Get(key); ok {
		c.hotHits.Add(1)
		return entry, true
	}

	if c.rdb != nil {
		data, err := c.rdb.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			c.degraded.Store(false)
			var entry Entry
			if err := json.Unmarshal(data, &entry); err != nil {
				c.logger.Warn("corrupt persistent entry dropped",
					zap.String("fingerprint", fp), zap.Error(err))
				break
			}
			entry.TierOrigin = TierPersistent
			entry.LastAccessedAt = time.Now()
			c.hot.Set(key, &entry)
			c.persistentHits.Add(1)
			return &entry, true
		case errors.Is(err, redis.Nil):
			c.degraded.Store(false)
		default:
			c.markDegraded("get", err)
		}
	}

	c.misses.Add(1)
	return nil, false
}

// Put writes the persistent tier synchronously and the hot tier
// opportunistically. Persistent-tier failure degrades the cache but does not
// fail the request; ttl <= 0 uses the configured default.
func (c *MultiLayerCache) Put(ctx context.Context, fp string, value json.RawMessage, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.config.PersistentTTL
	}

	now := time.Now()
	entry := &Entry{
		Fingerprint:    fp,
		Value:          value,
		CreatedAt:      now,
		LastAccessedAt: now,
		ExpiresAt:      now.Add(ttl),
		SizeHint:       len(value),
		TierOrigin:     TierHot,
		Version:        c.config.Version,
	}
	key := c.key(fp)

	if c.rdb != nil {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal cache entry: %w", err)
		}
		if err := c.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
			c.markDegraded("put", err)
		} else {
			c.degraded.Store(false)
		}
	}

	c.hot.Set(key, entry)
	return nil
}

// Invalidate removes a single fingerprint from both tiers.
func (c *MultiLayerCache) Invalidate(ctx context.Context, fp string) error {
	key := c.key(fp)
	c.hot.Delete(key)

	if c.rdb != nil {
		if err := c.rdb.Del(ctx, key).Err(); err != nil {
			c.markDegraded("invalidate", err)
			return fmt.Errorf("persistent invalidate: %w", err)
		}
		c.degraded.Store(false)
	}
	return nil
}

// InvalidateNamespace removes every entry whose fingerprint starts with
// prefix, in both tiers.
func (c *MultiLayerCache) InvalidateNamespace(ctx context.Context, prefix string) error {
	keyPrefix := c.key(prefix)
	c.hot.DeletePrefix(keyPrefix)

	if c.rdb == nil {
		return nil
	}

	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, keyPrefix+"*", 200).Result()
		if err != nil {
			c.markDegraded("invalidate_namespace", err)
			return fmt.Errorf("persistent namespace scan: %w", err)
		}
		if len(keys) > 0 {
			if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
				c.markDegraded("invalidate_namespace", err)
				return fmt.Errorf("persistent namespace delete: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	c.degraded.Store(false)
	return nil
}

// Healthy reports whether the persistent tier is reachable.
func (c *MultiLayerCache) Healthy() bool {
	return !c.degraded.Load()
}

// Stats returns hit counters and health.
func (c *MultiLayerCache) Stats() Stats {
	return Stats{
		HotHits:        c.hotHits.Load(),
		PersistentHits: c.persistentHits.Load(),
		Misses:         c.misses.Load(),
		Degraded:       c.degraded.Load(),
	}
}

func (c *MultiLayerCache) key(fp string) string {
	return fmt.Sprintf("%s:v%d:%s", c.config.Namespace, c.config.Version, fp)
}

func (c *MultiLayerCache) markDegraded(op string, err error) {
	if !c.degraded.Swap(true) {
		c.logger.Warn("persistent tier unavailable, serving hot tier only",
			zap.String("op", op), zap.Error(err))
	}
}
