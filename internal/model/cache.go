package model

import "time"

// CacheEntry is one content-addressed artifact. The payload is immutable
// once written; only HitCount and ExpiresAt change afterwards, and
// HitCount only ever increases.
type CacheEntry struct {
	Key       string        `json:"key"` // hash(input, params)
	Artifact  []byte        `json:"artifact"`
	Size      int           `json:"size"`
	Duration  time.Duration `json:"duration"` // time spent producing the artifact
	Quality   float64       `json:"quality,omitempty"`
	HitCount  int           `json:"hit_count"`
	CreatedAt time.Time     `json:"created_at"`
	LastHitAt *time.Time    `json:"last_hit_at,omitempty"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// Valid reports whether the entry is live at the given instant. Expired
// but not yet swept entries are treated as misses.
func (e CacheEntry) Valid(now time.Time) bool {
	return e.ExpiresAt.After(now)
}
