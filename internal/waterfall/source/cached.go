package source

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/grassroots-hq/decision-engine/internal/cache"
	"github.com/grassroots-hq/decision-engine/internal/model"
)

// CachedAdapter fronts a paid external source with the artifact cache.
// Repeat lookups for the same person within the TTL reuse the stored
// response instead of spending another vendor call.
type CachedAdapter struct {
	inner Adapter
	cache *cache.Cache
}

// WithCache wraps adapter so its lookups are cached. A nil cache
// returns the adapter unchanged.
func WithCache(adapter Adapter, c *cache.Cache) Adapter {
	if c == nil {
		return adapter
	}
	return &CachedAdapter{inner: adapter, cache: c}
}

func (a *CachedAdapter) ID() string { return a.inner.ID() }

// lookupIdentity is the cache-key portion of an entity: the fields a
// source matches on. Enriched fields stay out so a lookup made before
// enrichment still hits afterwards.
type lookupIdentity struct {
	FullName string `json:"full_name,omitempty"`
	State    string `json:"state,omitempty"`
	City     string `json:"city,omitempty"`
	ZipCode  string `json:"zip_code,omitempty"`
}

func (a *CachedAdapter) Lookup(ctx context.Context, target model.Entity, fields []string) (*Result, error) {
	// The requested fields are key params: a narrow response must not
	// satisfy a later, broader request.
	key, err := cache.Key("source:"+a.inner.ID(), lookupIdentity{
		FullName: target.FullName,
		State:    target.State,
		City:     target.City,
		ZipCode:  target.ZipCode,
	}, fields)
	if err != nil {
		return nil, eris.Wrapf(err, "source %s: cache key", a.inner.ID())
	}

	entry, _, err := a.cache.GetOrCreate(ctx, key, func(ctx context.Context) ([]byte, float64, error) {
		res, err := a.inner.Lookup(ctx, target, fields)
		if err != nil {
			return nil, 0, err
		}
		raw, err := json.Marshal(res)
		if err != nil {
			return nil, 0, eris.Wrapf(err, "source %s: marshal result", a.inner.ID())
		}
		return raw, resultQuality(res), nil
	})
	if err != nil {
		return nil, err
	}

	var res Result
	if err := json.Unmarshal(entry.Artifact, &res); err != nil {
		return nil, eris.Wrapf(err, "source %s: decode cached result", a.inner.ID())
	}
	return &res, nil
}

// resultQuality scores a lookup response 0-100 by how much it returned.
func resultQuality(res *Result) float64 {
	q := float64(len(res.Fields)+len(res.SocialIDs)) * 20
	if q > 100 {
		q = 100
	}
	return q
}
