// Package cache is the content-addressed artifact store. Keys are derived
// from the producing input and parameters, so identical requests reuse the
// stored artifact until it expires.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/grassroots-hq/decision-engine/internal/config"
	"github.com/grassroots-hq/decision-engine/internal/metrics"
	"github.com/grassroots-hq/decision-engine/internal/model"
	"github.com/grassroots-hq/decision-engine/internal/store"
)

// Producer generates an artifact on a cache miss. Quality is the
// producer's own 0-100 assessment of the artifact, stored for readers
// that want to skip low-grade entries.
type Producer func(ctx context.Context) (artifact []byte, quality float64, err error)

// Cache fronts the persistent artifact store. Concurrent misses on the
// same key collapse into a single production via singleflight.
type Cache struct {
	store   store.Store
	ttl     time.Duration
	metrics *metrics.Metrics
	group   singleflight.Group
}

func New(st store.Store, cfg config.CacheConfig, m *metrics.Metrics) *Cache {
	ttl := time.Duration(cfg.TTLHours) * time.Hour
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Cache{store: st, ttl: ttl, metrics: m}
}

// Key derives the content address for a producing operation: a hash over
// the operation kind, its input, and its parameters. Params must be a
// deterministically marshalable value; map keys are fine since
// encoding/json sorts them.
func Key(kind string, input, params any) (string, error) {
	payload, err := json.Marshal(struct {
		Kind   string `json:"kind"`
		Input  any    `json:"input"`
		Params any    `json:"params"`
	}{kind, input, params})
	if err != nil {
		return "", eris.Wrap(err, "cache: marshal key payload")
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// GetOrCreate returns the cached artifact for key, producing and storing
// it on a miss. The returned bool reports whether the call was a hit.
// Expired entries are misses; their hit counts survive the refresh.
func (c *Cache) GetOrCreate(ctx context.Context, key string, produce Producer) (*model.CacheEntry, bool, error) {
	entry, err := c.lookup(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if entry != nil {
		return entry, true, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// A concurrent caller may have produced while we waited; their
		// entry is a hit for us.
		if entry, err := c.lookup(ctx, key); err != nil {
			return flightResult{}, err
		} else if entry != nil {
			return flightResult{entry: entry, hit: true}, nil
		}

		start := time.Now()
		artifact, quality, err := produce(ctx)
		if err != nil {
			return flightResult{}, eris.Wrap(err, "cache: produce artifact")
		}

		e := model.CacheEntry{
			Key:       key,
			Artifact:  artifact,
			Size:      len(artifact),
			Duration:  time.Since(start),
			Quality:   quality,
			CreatedAt: time.Now().UTC(),
		}
		e.ExpiresAt = e.CreatedAt.Add(c.ttl)

		if err := c.store.UpsertCacheEntry(ctx, e); err != nil {
			return flightResult{}, eris.Wrap(err, "cache: store artifact")
		}
		c.metrics.IncrementCacheLookup(false)
		return flightResult{entry: &e}, nil
	})
	if err != nil {
		return nil, false, err
	}
	result := v.(flightResult)
	if result.entry == nil {
		return nil, false, eris.Errorf("cache: no entry produced for %s", key)
	}
	return result.entry, result.hit, nil
}

// flightResult carries the produced-or-found entry out of a singleflight
// call together with whether it counted as a hit.
type flightResult struct {
	entry *model.CacheEntry
	hit   bool
}

// lookup fetches a live entry and accounts the hit.
func (c *Cache) lookup(ctx context.Context, key string) (*model.CacheEntry, error) {
	entry, err := c.store.GetValidCacheEntry(ctx, key)
	if err != nil {
		return nil, eris.Wrap(err, "cache: lookup")
	}
	if entry == nil {
		return nil, nil
	}
	if err := c.store.TouchCacheHit(ctx, key); err != nil {
		return nil, err
	}
	entry.HitCount++
	c.metrics.IncrementCacheLookup(true)
	return entry, nil
}

// Sweep deletes expired entries and returns how many were removed.
func (c *Cache) Sweep(ctx context.Context) (int, error) {
	n, err := c.store.DeleteExpiredCacheEntries(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "cache: sweep")
	}
	if n > 0 {
		zap.L().Info("swept expired cache entries", zap.Int("removed", n))
	}
	return n, nil
}

// Stats reports aggregate cache accounting.
func (c *Cache) Stats(ctx context.Context) (*store.CacheStats, error) {
	stats, err := c.store.GetCacheStats(ctx)
	return stats, eris.Wrap(err, "cache: stats")
}
