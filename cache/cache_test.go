package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupCache(t *testing.T) (*miniredis.Miniredis, *MultiLayerCache) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return mr, New(rdb, DefaultConfig(), zap.NewNop())
}

func TestMultiLayerCache_PutGetRoundTrip(t *testing.T) {
	_, c := setupCache(t)
	ctx := context.Background()

	value := json.RawMessage(`{"text":"bonjour"}`)
	require.NoError(t, c.Put(ctx, "fp1", value, time.Minute))

	entry, ok := c.Get(ctx, "fp1")
	require.True(t, ok)
	assert.Equal(t, value, entry.Value)
	assert.Equal(t, "fp1", entry.Fingerprint)
	assert.Equal(t, len(value), entry.SizeHint)
}

func TestMultiLayerCache_PersistentHitPromotes(t *testing.T) {
	mr, c := setupCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "fp1", json.RawMessage(`1`), time.Minute))

	// Fresh cache sharing the same redis: hot tier is empty, so the first
	// read must come from the persistent tier and be promoted.
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	c2 := New(rdb, DefaultConfig(), zap.NewNop())

	entry, ok := c2.Get(ctx, "fp1")
	require.True(t, ok)
	assert.Equal(t, TierPersistent, entry.TierOrigin)
	assert.Equal(t, int64(1), c2.Stats().PersistentHits)

	// Second read is served from the promoted hot copy.
	_, ok = c2.Get(ctx, "fp1")
	require.True(t, ok)
	assert.Equal(t, int64(1), c2.Stats().HotHits)
}

func TestMultiLayerCache_Invalidate(t *testing.T) {
	_, c := setupCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "fp1", json.RawMessage(`1`), time.Minute))
	require.NoError(t, c.Invalidate(ctx, "fp1"))

	_, ok := c.Get(ctx, "fp1")
	assert.False(t, ok)
}

func TestMultiLayerCache_InvalidateNamespace(t *testing.T) {
	_, c := setupCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "translate:fp1", json.RawMessage(`1`), time.Minute))
	require.NoError(t, c.Put(ctx, "translate:fp2", json.RawMessage(`2`), time.Minute))
	require.NoError(t, c.Put(ctx, "summarize:fp3", json.RawMessage(`3`), time.Minute))

	require.NoError(t, c.InvalidateNamespace(ctx, "translate:"))

	_, ok := c.Get(ctx, "translate:fp1")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "translate:fp2")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "summarize:fp3")
	assert.True(t, ok)
}

func TestMultiLayerCache_VersionBumpOrphansOldEntries(t *testing.T) {
	mr, _ := setupCache(t)
	ctx := context.Background()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfgV1 := DefaultConfig()
	c1 := New(rdb, cfgV1, zap.NewNop())
	require.NoError(t, c1.Put(ctx, "fp1", json.RawMessage(`1`), time.Minute))

	cfgV2 := cfgV1
	cfgV2.Version = 2
	c2 := New(rdb, cfgV2, zap.NewNop())

	_, ok := c2.Get(ctx, "fp1")
	assert.False(t, ok, "version bump must make old entries invisible")
}

func TestMultiLayerCache_DegradedMode(t *testing.T) {
	mr, c := setupCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "fp1", json.RawMessage(`1`), time.Minute))
	assert.True(t, c.Healthy())

	mr.Close()

	// Hot-tier reads still succeed.
	entry, ok := c.Get(ctx, "fp1")
	require.True(t, ok)
	assert.Equal(t, json.RawMessage(`1`), entry.Value)

	// Puts still succeed hot-only, and the cache reports degraded health.
	require.NoError(t, c.Put(ctx, "fp2", json.RawMessage(`2`), time.Minute))
	_, ok = c.Get(ctx, "fp2")
	assert.True(t, ok)

	_, _ = c.Get(ctx, "not-cached-anywhere")
	assert.False(t, c.Healthy())
	assert.True(t, c.Stats().Degraded)
}

func TestMultiLayerCache_NilRedis(t *testing.T) {
	c := New(nil, DefaultConfig(), zap.NewNop())
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "fp1", json.RawMessage(`1`), time.Minute))
	_, ok := c.Get(ctx, "fp1")
	assert.True(t, ok)
	assert.False(t, c.Healthy())
}

func TestMultiLayerCache_TTLExpiry(t *testing.T) {
	mr, c := setupCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "fp1", json.RawMessage(`1`), 20*time.Millisecond))

	// Wait out the hot copy and advance miniredis past the persistent TTL.
	time.Sleep(40 * time.Millisecond)
	mr.FastForward(time.Second)

	_, ok := c.Get(ctx, "fp1")
	assert.False(t, ok)
}

func TestStats_HitRate(t *testing.T) {
	s := Stats{HotHits: 6, PersistentHits: 2, Misses: 2}
	assert.InDelta(t, 0.8, s.HitRate(), 1e-9)
	assert.Zero(t, Stats{}.HitRate())
}
