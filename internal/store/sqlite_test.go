package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grassroots-hq/decision-engine/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// --- Entities ---

func TestSQLite_Entity_UpsertAndGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	e := model.Entity{
		ID:       "donor-1",
		Type:     model.EntityDonor,
		FullName: "Ada Garcia",
		Email:    "ada@example.org",
		State:    "TX",
		District: "TX-21",
		County:   "Travis",
		Metric:   2500,
		SocialIDs: map[string]string{
			"twitter": "@ada",
		},
	}
	require.NoError(t, st.UpsertEntity(ctx, e))

	got, err := st.GetEntity(ctx, "donor-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Ada Garcia", got.FullName)
	assert.Equal(t, "TX-21", got.District)
	assert.Equal(t, "@ada", got.SocialIDs["twitter"])
}

func TestSQLite_Entity_Missing(t *testing.T) {
	st := newTestSQLiteStore(t)

	got, err := st.GetEntity(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLite_Entity_ListByScope(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertEntity(ctx, model.Entity{ID: "a", State: "TX", Metric: 10}))
	require.NoError(t, st.UpsertEntity(ctx, model.Entity{ID: "b", State: "TX", Metric: 20}))
	require.NoError(t, st.UpsertEntity(ctx, model.Entity{ID: "c", State: "CA", Metric: 30}))

	entities, err := st.ListEntitiesByScope(ctx, model.GradeScope{Type: model.ScopeState, Key: "TX"})
	require.NoError(t, err)
	assert.Len(t, entities, 2)
}

// --- Grades ---

func TestSQLite_GradeSwap_ReplacesPartition(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	scope := model.GradeScope{Type: model.ScopeState, Key: "TX"}
	now := time.Now().UTC()

	first := []model.GradeAssignment{
		{EntityID: "a", Scope: scope, Rank: 1, Percentile: 50, Band: "C-", ComputedAt: now},
		{EntityID: "b", Scope: scope, Rank: 2, Percentile: 0, Band: "U", ComputedAt: now},
	}
	require.NoError(t, st.ReplaceGradeAssignments(ctx, scope, first, model.ScopeStats{
		Scope: scope, EntityCount: 2, TotalValue: 30, AvgValue: 15, ComputedAt: now,
	}))

	// Second swap drops "b" entirely.
	second := []model.GradeAssignment{
		{EntityID: "a", Scope: scope, Rank: 1, Percentile: 0, Band: "U", ComputedAt: now},
	}
	require.NoError(t, st.ReplaceGradeAssignments(ctx, scope, second, model.ScopeStats{
		Scope: scope, EntityCount: 1, TotalValue: 10, AvgValue: 10, ComputedAt: now,
	}))

	got, err := st.GetGradeAssignment(ctx, "a", model.ScopeState)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "U", got.Band)

	gone, err := st.GetGradeAssignment(ctx, "b", model.ScopeState)
	require.NoError(t, err)
	assert.Nil(t, gone)

	stats, err := st.GetScopeStats(ctx, scope)
	require.NoError(t, err)
	require.NotNil(t, stats)
	assert.Equal(t, 1, stats.EntityCount)
}

func TestSQLite_GradeAssignment_IndependentScopes(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	stateScope := model.GradeScope{Type: model.ScopeState, Key: "TX"}
	districtScope := model.GradeScope{Type: model.ScopeDistrict, Key: "TX-21"}

	require.NoError(t, st.ReplaceGradeAssignments(ctx, stateScope, []model.GradeAssignment{
		{EntityID: "a", Scope: stateScope, Rank: 500, Percentile: 50, Band: "C-", ComputedAt: now},
	}, model.ScopeStats{Scope: stateScope, ComputedAt: now}))
	require.NoError(t, st.ReplaceGradeAssignments(ctx, districtScope, []model.GradeAssignment{
		{EntityID: "a", Scope: districtScope, Rank: 1, Percentile: 99.9, Band: "A++", ComputedAt: now},
	}, model.ScopeStats{Scope: districtScope, ComputedAt: now}))

	stateGrade, err := st.GetGradeAssignment(ctx, "a", model.ScopeState)
	require.NoError(t, err)
	districtGrade, err := st.GetGradeAssignment(ctx, "a", model.ScopeDistrict)
	require.NoError(t, err)

	assert.Equal(t, "C-", stateGrade.Band)
	assert.Equal(t, "A++", districtGrade.Band)
}

// --- Decisions ---

func seedAllocation(t *testing.T, st *SQLiteStore, category, period string, allocated, contingency int64) {
	t.Helper()
	require.NoError(t, st.UpsertAllocation(context.Background(), model.BudgetAllocation{
		Period:      period,
		Category:    category,
		Allocated:   decimal.NewFromInt(allocated),
		Contingency: decimal.NewFromInt(contingency),
	}))
}

func TestSQLite_Decision_InsertAndGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	d := &model.Decision{
		TriggerID: "trig-1",
		Scores:    model.ModelScore{Relevance: 80, FitScore: 90, Confidence: 70, BudgetApproved: true},
		Composite: 85,
		Outcome:   model.OutcomeGo,
	}
	require.NoError(t, st.InsertDecision(ctx, d, "video", "2026-08"))
	require.NotEmpty(t, d.ID)

	got, err := st.GetDecision(ctx, d.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.OutcomeGo, got.Outcome)
	assert.Equal(t, 90, got.Scores.FitScore)
	assert.False(t, got.Executed)

	byTrigger, err := st.GetDecisionByTrigger(ctx, "trig-1")
	require.NoError(t, err)
	require.NotNil(t, byTrigger)
	assert.Equal(t, d.ID, byTrigger.ID)
}

func TestSQLite_Decision_DuplicateTriggerRejected(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	d1 := &model.Decision{TriggerID: "trig-dup", Outcome: model.OutcomeGo}
	require.NoError(t, st.InsertDecision(ctx, d1, "video", "2026-08"))

	d2 := &model.Decision{TriggerID: "trig-dup", Outcome: model.OutcomeNoGo}
	err := st.InsertDecision(ctx, d2, "video", "2026-08")
	require.Error(t, err)
}

func TestSQLite_ExecuteDecision_PostsCostAndLocks(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedAllocation(t, st, "video", "2026-08", 1000, 100)

	d := &model.Decision{TriggerID: "trig-2", Outcome: model.OutcomeGo}
	require.NoError(t, st.InsertDecision(ctx, d, "video", "2026-08"))

	require.NoError(t, st.ExecuteDecision(ctx, ExecuteParams{
		DecisionID: d.ID,
		ActualCost: decimal.NewFromInt(50),
		Success:    true,
		Reference:  d.ID,
	}))

	got, err := st.GetDecision(ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, got.Executed)
	require.NotNil(t, got.ActualCost)
	assert.True(t, got.ActualCost.Equal(decimal.NewFromInt(50)))
	require.NotNil(t, got.ActualSuccess)
	assert.True(t, *got.ActualSuccess)

	spent, err := st.SpentInPeriod(ctx, "video", "2026-08")
	require.NoError(t, err)
	assert.True(t, spent.Equal(decimal.NewFromInt(50)))

	// A second execution must fail: the decision is immutable now.
	err = st.ExecuteDecision(ctx, ExecuteParams{DecisionID: d.ID, ActualCost: decimal.NewFromInt(1)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already executed")
}

func TestSQLite_ExecuteDecision_RequiresGoOutcome(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedAllocation(t, st, "video", "2026-08", 1000, 100)

	for i, outcome := range []model.DecisionOutcome{
		model.OutcomeNoGo, model.OutcomeDefer, model.OutcomeManualReview,
	} {
		d := &model.Decision{TriggerID: fmt.Sprintf("trig-ng-%d", i), Outcome: outcome}
		require.NoError(t, st.InsertDecision(ctx, d, "video", "2026-08"))

		err := st.ExecuteDecision(ctx, ExecuteParams{
			DecisionID: d.ID,
			ActualCost: decimal.NewFromInt(10),
		})
		require.ErrorIs(t, err, ErrDecisionNotGo, "outcome %s must not execute", outcome)

		// Override bypasses the budget re-check, never the outcome gate.
		err = st.ExecuteDecision(ctx, ExecuteParams{
			DecisionID: d.ID,
			ActualCost: decimal.NewFromInt(10),
			Override:   true,
		})
		require.ErrorIs(t, err, ErrDecisionNotGo)

		got, err := st.GetDecision(ctx, d.ID)
		require.NoError(t, err)
		assert.False(t, got.Executed)
	}

	// No costs were posted for any of the rejected executions.
	spent, err := st.SpentInPeriod(ctx, "video", "2026-08")
	require.NoError(t, err)
	assert.True(t, spent.IsZero())
}

func TestSQLite_ExecuteDecision_BudgetRecheckFails(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedAllocation(t, st, "video", "2026-08", 100, 0)

	// Burn the budget between approval and execution.
	require.NoError(t, st.InsertTransaction(ctx, &model.BudgetTransaction{
		Category: "video", Period: "2026-08",
		Quantity: decimal.NewFromInt(1), UnitCost: decimal.NewFromInt(90),
		TotalCost: decimal.NewFromInt(90),
	}))

	d := &model.Decision{TriggerID: "trig-3", Outcome: model.OutcomeGo}
	require.NoError(t, st.InsertDecision(ctx, d, "video", "2026-08"))

	err := st.ExecuteDecision(ctx, ExecuteParams{
		DecisionID: d.ID,
		ActualCost: decimal.NewFromInt(50),
	})
	require.ErrorIs(t, err, ErrBudgetExceeded)

	// Override makes overspend explicit, never silent.
	require.NoError(t, st.ExecuteDecision(ctx, ExecuteParams{
		DecisionID: d.ID,
		ActualCost: decimal.NewFromInt(50),
		Override:   true,
	}))
}

func TestSQLite_FlagDecisionForReview(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	d := &model.Decision{TriggerID: "trig-4", Outcome: model.OutcomeDefer}
	require.NoError(t, st.InsertDecision(ctx, d, "video", "2026-08"))

	require.NoError(t, st.FlagDecisionForReview(ctx, d.ID))

	got, err := st.GetDecision(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeManualReview, got.Outcome)
}

func TestSQLite_ListDecisions_FilterOutcome(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertDecision(ctx, &model.Decision{TriggerID: "t1", Outcome: model.OutcomeGo}, "video", "2026-08"))
	require.NoError(t, st.InsertDecision(ctx, &model.Decision{TriggerID: "t2", Outcome: model.OutcomeNoGo}, "video", "2026-08"))
	require.NoError(t, st.InsertDecision(ctx, &model.Decision{TriggerID: "t3", Outcome: model.OutcomeGo}, "video", "2026-08"))

	gos, err := st.ListDecisions(ctx, DecisionFilter{Outcome: model.OutcomeGo})
	require.NoError(t, err)
	assert.Len(t, gos, 2)
}

// --- Budget ---

func TestSQLite_SpentInPeriod_SumsTransactions(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for _, cost := range []int64{100, 250, 75} {
		require.NoError(t, st.InsertTransaction(ctx, &model.BudgetTransaction{
			Category: "sms", Period: "2026-08",
			Quantity: decimal.NewFromInt(1), UnitCost: decimal.NewFromInt(cost),
			TotalCost: decimal.NewFromInt(cost),
		}))
	}

	spent, err := st.SpentInPeriod(ctx, "sms", "2026-08")
	require.NoError(t, err)
	assert.True(t, spent.Equal(decimal.NewFromInt(425)), "got %s", spent)

	other, err := st.SpentInPeriod(ctx, "sms", "2026-09")
	require.NoError(t, err)
	assert.True(t, other.IsZero())
}

func TestSQLite_SnapshotForApproval(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedAllocation(t, st, "email", "2026-08", 500, 50)

	snap, err := st.SnapshotForApproval(ctx, "email", "2026-08")
	require.NoError(t, err)
	assert.True(t, snap.Found)
	assert.True(t, snap.Allocated.Equal(decimal.NewFromInt(500)))
	assert.True(t, snap.Contingency.Equal(decimal.NewFromInt(50)))
	assert.True(t, snap.Spent.IsZero())

	missing, err := st.SnapshotForApproval(ctx, "email", "2026-09")
	require.NoError(t, err)
	assert.False(t, missing.Found)
}

// --- Cache ---

func TestSQLite_Cache_UpsertPreservesHitCount(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	entry := model.CacheEntry{
		Key:       "k1",
		Artifact:  []byte("v1"),
		Size:      2,
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	}
	require.NoError(t, st.UpsertCacheEntry(ctx, entry))

	require.NoError(t, st.TouchCacheHit(ctx, "k1"))
	require.NoError(t, st.TouchCacheHit(ctx, "k1"))

	// Refresh the entry: hit_count must carry over.
	entry.Artifact = []byte("v2")
	entry.ExpiresAt = time.Now().UTC().Add(2 * time.Hour)
	require.NoError(t, st.UpsertCacheEntry(ctx, entry))

	got, err := st.GetValidCacheEntry(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2, got.HitCount)
	assert.Equal(t, "v2", string(got.Artifact))
}

func TestSQLite_Cache_ExpiredIsMiss(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertCacheEntry(ctx, model.CacheEntry{
		Key:       "stale",
		Artifact:  []byte("old"),
		ExpiresAt: time.Now().UTC().Add(-time.Hour),
	}))

	got, err := st.GetValidCacheEntry(ctx, "stale")
	require.NoError(t, err)
	assert.Nil(t, got)

	n, err := st.DeleteExpiredCacheEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLite_Cache_Stats(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertCacheEntry(ctx, model.CacheEntry{
		Key: "a", Artifact: []byte("xx"), Size: 2,
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	}))
	require.NoError(t, st.TouchCacheHit(ctx, "a"))

	stats, err := st.GetCacheStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, 1, stats.TotalHits)
	assert.Equal(t, int64(2), stats.TotalSize)
}

// --- Enrichment ---

func TestSQLite_InsertAttempt(t *testing.T) {
	st := newTestSQLiteStore(t)

	err := st.InsertAttempt(context.Background(), model.EnrichmentAttempt{
		TargetType:   "donor",
		TargetID:     "donor-1",
		Goal:         "contact_info",
		StepOrder:    0,
		SourceID:     "internal_match",
		Success:      true,
		FieldsFilled: []string{"email", "phone"},
		ConfDelta:    50,
	})
	require.NoError(t, err)
}
