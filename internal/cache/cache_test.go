package cache

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grassroots-hq/decision-engine/internal/config"
	"github.com/grassroots-hq/decision-engine/internal/model"
	"github.com/grassroots-hq/decision-engine/internal/store"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return New(st, config.CacheConfig{TTLHours: 1}, nil)
}

func staticProducer(payload string, calls *atomic.Int64) Producer {
	return func(ctx context.Context) ([]byte, float64, error) {
		calls.Add(1)
		return []byte(payload), 90, nil
	}
}

func TestKey_DeterministicAndSensitive(t *testing.T) {
	params := map[string]any{"model": "fast", "depth": 2}

	k1, err := Key("summarize", "input-a", params)
	require.NoError(t, err)
	k2, err := Key("summarize", "input-a", map[string]any{"depth": 2, "model": "fast"})
	require.NoError(t, err)
	assert.Equal(t, k1, k2, "map key order must not change the key")

	k3, err := Key("summarize", "input-b", params)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)

	k4, err := Key("translate", "input-a", params)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k4, "operation kind is part of the address")
}

func TestCache_MissThenHit(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	var calls atomic.Int64

	key, err := Key("op", "in", nil)
	require.NoError(t, err)

	entry, hit, err := c.GetOrCreate(ctx, key, staticProducer("artifact", &calls))
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "artifact", string(entry.Artifact))
	assert.Equal(t, int64(1), calls.Load())

	entry, hit, err = c.GetOrCreate(ctx, key, staticProducer("never", &calls))
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "artifact", string(entry.Artifact))
	assert.Equal(t, int64(1), calls.Load(), "hit must not re-produce")
	assert.Equal(t, 1, entry.HitCount)
}

func TestCache_HitCountAccumulates(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	var calls atomic.Int64

	key, err := Key("op", "in", nil)
	require.NoError(t, err)

	_, _, err = c.GetOrCreate(ctx, key, staticProducer("a", &calls))
	require.NoError(t, err)

	var last int
	for i := 0; i < 3; i++ {
		entry, hit, err := c.GetOrCreate(ctx, key, staticProducer("a", &calls))
		require.NoError(t, err)
		require.True(t, hit)
		last = entry.HitCount
	}
	assert.Equal(t, 3, last)
}

func TestCache_ConcurrentMissProducesOnce(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	var calls atomic.Int64

	key, err := Key("op", "concurrent", nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry, _, err := c.GetOrCreate(ctx, key, staticProducer("shared", &calls))
			assert.NoError(t, err)
			assert.Equal(t, "shared", string(entry.Artifact))
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load())
}

// hiddenFirstReadStore hides the cache row from the first read, so the
// double-check inside the flight is the one that finds it.
type hiddenFirstReadStore struct {
	store.Store
	reads atomic.Int64
}

func (s *hiddenFirstReadStore) GetValidCacheEntry(ctx context.Context, key string) (*model.CacheEntry, error) {
	if s.reads.Add(1) == 1 {
		return nil, nil
	}
	return s.Store.GetValidCacheEntry(ctx, key)
}

func TestCache_EntryFoundInFlightIsAHit(t *testing.T) {
	inner, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { inner.Close() }) //nolint:errcheck
	ctx := context.Background()
	require.NoError(t, inner.Migrate(ctx))

	key, err := Key("op", "raced", nil)
	require.NoError(t, err)

	// The entry a concurrent caller would have stored between the outer
	// lookup and entering the flight.
	now := time.Now().UTC()
	require.NoError(t, inner.UpsertCacheEntry(ctx, model.CacheEntry{
		Key: key, Artifact: []byte("already there"), Size: 13,
		Quality: 90, CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}))

	c := New(&hiddenFirstReadStore{Store: inner}, config.CacheConfig{TTLHours: 1}, nil)

	var calls atomic.Int64
	entry, hit, err := c.GetOrCreate(ctx, key, staticProducer("never", &calls))
	require.NoError(t, err)
	assert.True(t, hit, "an entry found inside the flight is a hit")
	assert.Equal(t, "already there", string(entry.Artifact))
	assert.Equal(t, int64(0), calls.Load())
}

func TestCache_ProducerErrorNotCached(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	key, err := Key("op", "failing", nil)
	require.NoError(t, err)

	boom := func(ctx context.Context) ([]byte, float64, error) {
		return nil, 0, assert.AnError
	}
	_, _, err = c.GetOrCreate(ctx, key, boom)
	require.Error(t, err)

	// A later attempt with a working producer succeeds.
	var calls atomic.Int64
	entry, hit, err := c.GetOrCreate(ctx, key, staticProducer("ok", &calls))
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "ok", string(entry.Artifact))
}

func TestCache_SweepRemovesExpired(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	var calls atomic.Int64

	key, err := Key("op", "live", nil)
	require.NoError(t, err)
	_, _, err = c.GetOrCreate(ctx, key, staticProducer("x", &calls))
	require.NoError(t, err)

	// Nothing has expired yet.
	n, err := c.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Entries)
}
