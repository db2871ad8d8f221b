// Package grading computes percentile ranks and letter grades for
// entities within geographic scope partitions.
package grading

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/grassroots-hq/decision-engine/internal/model"
	"github.com/grassroots-hq/decision-engine/internal/scope"
	"github.com/grassroots-hq/decision-engine/internal/store"
)

// Engine recomputes grade partitions and answers contextual grade
// lookups. Recomputes swap an entire partition atomically; a reader
// either sees the previous complete ranking or the new one.
type Engine struct {
	store    store.Store
	resolver *scope.Resolver
}

func New(st store.Store, resolver *scope.Resolver) *Engine {
	return &Engine{store: st, resolver: resolver}
}

// ComputeAssignments ranks entities within one scope. Entities with a
// positive metric are sorted by metric descending (entity ID ascending on
// ties) and receive 1-based ranks; percentile is (1 - rank/n) * 100 over
// the n ranked entities. Zero-metric entities take no rank slot and are
// assigned the ungraded band.
func ComputeAssignments(sc model.GradeScope, entities []model.Entity, now time.Time) ([]model.GradeAssignment, model.ScopeStats) {
	ranked := make([]model.Entity, 0, len(entities))
	var total float64
	for _, e := range entities {
		total += e.Metric
		if e.Metric > 0 {
			ranked = append(ranked, e)
		}
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Metric != ranked[j].Metric {
			return ranked[i].Metric > ranked[j].Metric
		}
		return ranked[i].ID < ranked[j].ID
	})

	n := float64(len(ranked))
	assignments := make([]model.GradeAssignment, 0, len(entities))
	for i, e := range ranked {
		rank := i + 1
		pct := (1 - float64(rank)/n) * 100
		assignments = append(assignments, model.GradeAssignment{
			EntityID:   e.ID,
			Scope:      sc,
			Rank:       rank,
			Percentile: pct,
			Band:       model.BandForPercentile(pct),
			ComputedAt: now,
		})
	}
	for _, e := range entities {
		if e.Metric > 0 {
			continue
		}
		assignments = append(assignments, model.GradeAssignment{
			EntityID:   e.ID,
			Scope:      sc,
			Band:       model.BandUngraded,
			ComputedAt: now,
		})
	}

	stats := model.ScopeStats{
		Scope:       sc,
		EntityCount: len(entities),
		TotalValue:  total,
		ComputedAt:  now,
	}
	if len(entities) > 0 {
		stats.AvgValue = total / float64(len(entities))
	}
	return assignments, stats
}

// RecomputeScope re-ranks one partition and swaps it into place.
// It returns the number of assignments written.
func (e *Engine) RecomputeScope(ctx context.Context, sc model.GradeScope) (int, error) {
	entities, err := e.store.ListEntitiesByScope(ctx, sc)
	if err != nil {
		return 0, eris.Wrapf(err, "grading: load entities for %s", sc)
	}

	assignments, stats := ComputeAssignments(sc, entities, time.Now().UTC())
	if err := e.store.ReplaceGradeAssignments(ctx, sc, assignments, stats); err != nil {
		return 0, eris.Wrapf(err, "grading: swap partition %s", sc)
	}

	zap.L().Info("recomputed grade partition",
		zap.String("scope", sc.String()),
		zap.Int("entities", len(entities)),
		zap.Int("assignments", len(assignments)))
	return len(assignments), nil
}

// RecomputeAll re-ranks every known partition of every scope type.
func (e *Engine) RecomputeAll(ctx context.Context) error {
	for _, t := range []model.GradeScopeType{model.ScopeState, model.ScopeDistrict, model.ScopeCounty} {
		keys, err := e.store.ListScopeKeys(ctx, t)
		if err != nil {
			return eris.Wrapf(err, "grading: list %s keys", t)
		}
		for _, key := range keys {
			if ctx.Err() != nil {
				return eris.Wrap(ctx.Err(), "grading: recompute all")
			}
			if _, err := e.RecomputeScope(ctx, model.GradeScope{Type: t, Key: key}); err != nil {
				return err
			}
		}
	}
	return nil
}

// fallback order from narrowest to broadest. A lookup that misses at the
// resolved scope walks forward through this list.
var fallbackOrder = []model.GradeScopeType{model.ScopeDistrict, model.ScopeCounty, model.ScopeState}

// ContextualGrade returns the entity's grade under an action context.
// The context picks the scope type; if the entity holds no assignment
// there, broader scopes are consulted in turn. An entity with no
// assignment anywhere gets the ungraded band.
func (e *Engine) ContextualGrade(ctx context.Context, entityID, actionContext string) (*model.GradeAssignment, error) {
	resolved := e.resolver.Resolve(actionContext)

	start := 0
	for i, t := range fallbackOrder {
		if t == resolved {
			start = i
			break
		}
	}

	for _, t := range fallbackOrder[start:] {
		a, err := e.store.GetGradeAssignment(ctx, entityID, t)
		if err != nil {
			return nil, eris.Wrapf(err, "grading: lookup %s grade for %s", t, entityID)
		}
		if a != nil {
			if t != resolved {
				zap.L().Debug("grade fallback to broader scope",
					zap.String("entity", entityID),
					zap.String("resolved", string(resolved)),
					zap.String("used", string(t)))
			}
			return a, nil
		}
	}

	return &model.GradeAssignment{EntityID: entityID, Band: model.BandUngraded}, nil
}
