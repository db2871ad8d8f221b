// Package source defines the adapter interface and implementations for
// enrichment data sources.
package source

import (
	"context"
	"sync"

	"github.com/grassroots-hq/decision-engine/internal/model"
)

// InternalMatchID is the source that consults already-held records. It is
// free, so the waterfall always tries it before any external source.
const InternalMatchID = "internal_match"

// Result holds the fields a source produced for one target. Empty values
// are omitted; the waterfall only merges what a source actually found.
type Result struct {
	Fields    map[string]string `json:"fields"` // "email", "phone", "full_name", "address", "city", "zip_code"
	SocialIDs map[string]string `json:"social_ids,omitempty"`
}

// Empty reports whether the result carries no data at all.
func (r *Result) Empty() bool {
	return r == nil || (len(r.Fields) == 0 && len(r.SocialIDs) == 0)
}

// Adapter is one enrichment source.
type Adapter interface {
	// ID returns the source identifier (matches source names in the
	// waterfall config).
	ID() string
	// Lookup fetches what the source knows about the target, limited to
	// the requested fields; an empty list requests everything. A source
	// that finds nothing returns an empty Result and no error; errors are
	// reserved for lookup failures.
	Lookup(ctx context.Context, target model.Entity, fields []string) (*Result, error)
}

// Wants reports whether a requested-field list includes key. An empty
// list requests everything.
func Wants(fields []string, key string) bool {
	if len(fields) == 0 {
		return true
	}
	for _, f := range fields {
		if f == key {
			return true
		}
	}
	return false
}

// Registry manages available source adapters.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]Adapter)}
}

// Register adds an adapter to the registry.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[a.ID()] = a
}

// Get returns an adapter by ID, or nil if not registered.
func (r *Registry) Get(id string) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sources[id]
}

// List returns all registered adapter IDs.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sources))
	for id := range r.sources {
		ids = append(ids, id)
	}
	return ids
}
