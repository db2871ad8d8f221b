// Package scope resolves an action context (the office or race a trigger
// concerns) to the grading scope that governs it.
package scope

import (
	"strings"

	"go.uber.org/zap"

	"github.com/grassroots-hq/decision-engine/internal/config"
	"github.com/grassroots-hq/decision-engine/internal/model"
)

// Resolver maps action contexts to grade scope types. Unmapped contexts
// fall back to the broadest configured scope rather than failing: a
// mis-specified trigger still gets a usable grade.
type Resolver struct {
	contexts map[string]model.GradeScopeType
	fallback model.GradeScopeType
}

// NewResolver builds a Resolver from configuration. Entries with an
// unrecognized scope type are skipped with a warning.
func NewResolver(cfg config.ScopeConfig) *Resolver {
	r := &Resolver{
		contexts: make(map[string]model.GradeScopeType, len(cfg.Contexts)),
		fallback: model.ScopeState,
	}
	if t, ok := parseScopeType(cfg.Default); ok {
		r.fallback = t
	}

	for ctx, raw := range cfg.Contexts {
		t, ok := parseScopeType(raw)
		if !ok {
			zap.L().Warn("skipping scope mapping with unknown scope type",
				zap.String("context", ctx),
				zap.String("scope_type", raw))
			continue
		}
		r.contexts[normalize(ctx)] = t
	}
	return r
}

// Resolve returns the scope type for an action context. Unknown contexts
// resolve to the fallback scope and are logged, never rejected.
func (r *Resolver) Resolve(actionContext string) model.GradeScopeType {
	if t, ok := r.contexts[normalize(actionContext)]; ok {
		return t
	}
	zap.L().Warn("unmapped action context, using fallback scope",
		zap.String("context", actionContext),
		zap.String("fallback", string(r.fallback)))
	return r.fallback
}

// ScopeFor resolves the concrete scope for an entity under an action
// context, using the entity's own geography tags.
func (r *Resolver) ScopeFor(actionContext string, e model.Entity) model.GradeScope {
	t := r.Resolve(actionContext)
	return model.GradeScope{Type: t, Key: e.ScopeTag(t)}
}

func parseScopeType(raw string) (model.GradeScopeType, bool) {
	switch model.GradeScopeType(normalize(raw)) {
	case model.ScopeState:
		return model.ScopeState, true
	case model.ScopeDistrict:
		return model.ScopeDistrict, true
	case model.ScopeCounty:
		return model.ScopeCounty, true
	default:
		return "", false
	}
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
