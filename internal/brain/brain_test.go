package brain

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grassroots-hq/decision-engine/internal/budget"
	"github.com/grassroots-hq/decision-engine/internal/config"
	"github.com/grassroots-hq/decision-engine/internal/grading"
	"github.com/grassroots-hq/decision-engine/internal/model"
	"github.com/grassroots-hq/decision-engine/internal/scope"
	"github.com/grassroots-hq/decision-engine/internal/store"
)

// fixedScorer returns the same estimate for every trigger.
type fixedScorer struct {
	estimate ScoreEstimate
	err      error
}

func (f fixedScorer) Score(context.Context, model.DecisionTrigger, model.Entity, model.GradeAssignment) (ScoreEstimate, error) {
	return f.estimate, f.err
}

func newTestBrain(t *testing.T, scorer Scorer) (*Brain, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	resolver := scope.NewResolver(config.ScopeConfig{
		Contexts: map[string]string{"governor": "state", "state_senate": "district"},
		Default:  "state",
	})
	eng := grading.New(st, resolver)
	ledger := budget.NewLedger(st, config.BudgetConfig{}, nil)
	return New(st, eng, ledger, scorer, nil), st
}

func currentPeriod() string {
	return time.Now().UTC().Format("2006-01")
}

// seedTopDonor creates a well-graded, contactable donor with budget headroom.
func seedTopDonor(t *testing.T, st store.Store) model.Entity {
	t.Helper()
	ctx := context.Background()

	donor := model.Entity{
		ID: "donor-top", Type: model.EntityDonor, FullName: "Ada Garcia",
		Email: "ada@example.org", Phone: "+15125550100", Address: "1 Main St",
		SocialIDs: map[string]string{"twitter": "@ada"},
		State:     "TX", Metric: 100000,
	}
	require.NoError(t, st.UpsertEntity(ctx, donor))
	for i := 0; i < 99; i++ {
		require.NoError(t, st.UpsertEntity(ctx, model.Entity{
			ID: fmt.Sprintf("filler-%02d", i), Type: model.EntityDonor,
			State: "TX", Metric: float64(100 + i),
		}))
	}

	resolver := scope.NewResolver(config.ScopeConfig{Default: "state"})
	eng := grading.New(st, resolver)
	_, err := eng.RecomputeScope(ctx, model.GradeScope{Type: model.ScopeState, Key: "TX"})
	require.NoError(t, err)

	require.NoError(t, st.UpsertAllocation(ctx, model.BudgetAllocation{
		Period: currentPeriod(), Category: "outreach",
		Allocated: decimal.NewFromInt(10000), Contingency: decimal.NewFromInt(1000),
	}))
	return donor
}

func trigger(id string) model.DecisionTrigger {
	return model.DecisionTrigger{
		ID:           id,
		TriggerType:  "donation_spike",
		TargetType:   "donor",
		TargetID:     "donor-top",
		Context:      "governor",
		CostCategory: "outreach",
		ExpectedCost: decimal.NewFromInt(100),
	}
}

func TestComposite(t *testing.T) {
	s := model.ModelScore{Relevance: 100, FitScore: 100, Confidence: 100, BudgetApproved: true}
	assert.InDelta(t, 100.0, Composite(s), 1e-9)

	s.BudgetApproved = false
	assert.InDelta(t, 80.0, Composite(s), 1e-9)

	zero := model.ModelScore{}
	assert.InDelta(t, 0.0, Composite(zero), 1e-9)
}

func TestOutcomeFor(t *testing.T) {
	assert.Equal(t, model.OutcomeGo, OutcomeFor(80))
	assert.Equal(t, model.OutcomeGo, OutcomeFor(100))
	assert.Equal(t, model.OutcomeDefer, OutcomeFor(79.99))
	assert.Equal(t, model.OutcomeDefer, OutcomeFor(50))
	assert.Equal(t, model.OutcomeNoGo, OutcomeFor(49.99))
	assert.Equal(t, model.OutcomeNoGo, OutcomeFor(0))
}

func TestBrain_Evaluate_Go(t *testing.T) {
	b, st := newTestBrain(t, fixedScorer{estimate: ScoreEstimate{
		Relevance: 90, ExpectedROI: 2.5, SuccessProbability: 0.7,
	}})
	seedTopDonor(t, st)

	d, err := b.Evaluate(context.Background(), trigger("trig-1"))
	require.NoError(t, err)

	// Top donor: fit 99, confidence 100, budget approved.
	assert.Equal(t, model.OutcomeGo, d.Outcome)
	assert.True(t, d.Scores.BudgetApproved)
	assert.Equal(t, 100, d.Scores.Confidence)
	assert.Equal(t, 99, d.Scores.FitScore)
	assert.InDelta(t, 0.2*90+0.3*99+0.3*100+20, d.Composite, 1e-9)
}

func TestBrain_Evaluate_DedupesByTrigger(t *testing.T) {
	b, st := newTestBrain(t, fixedScorer{estimate: ScoreEstimate{Relevance: 90, SuccessProbability: 0.7}})
	seedTopDonor(t, st)
	ctx := context.Background()

	first, err := b.Evaluate(ctx, trigger("trig-dup"))
	require.NoError(t, err)
	second, err := b.Evaluate(ctx, trigger("trig-dup"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)

	all, err := st.ListDecisions(ctx, store.DecisionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestBrain_Evaluate_BudgetDeniedDrops20Points(t *testing.T) {
	b, st := newTestBrain(t, fixedScorer{estimate: ScoreEstimate{Relevance: 90, SuccessProbability: 0.7}})
	seedTopDonor(t, st)
	ctx := context.Background()

	tr := trigger("trig-expensive")
	tr.ExpectedCost = decimal.NewFromInt(50000) // exceeds allocation + contingency

	d, err := b.Evaluate(ctx, tr)
	require.NoError(t, err)
	assert.False(t, d.Scores.BudgetApproved)
	assert.Equal(t, model.OutcomeDefer, d.Outcome)
	assert.InDelta(t, 0.2*90+0.3*99+0.3*100, d.Composite, 1e-9)
}

func TestBrain_Evaluate_UnknownTarget(t *testing.T) {
	b, _ := newTestBrain(t, fixedScorer{})

	tr := trigger("trig-x")
	tr.TargetID = "ghost"
	_, err := b.Evaluate(context.Background(), tr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown target")
}

func TestBrain_Evaluate_InvalidTrigger(t *testing.T) {
	b, _ := newTestBrain(t, fixedScorer{})

	tr := trigger("trig-bad")
	tr.CostCategory = ""
	_, err := b.Evaluate(context.Background(), tr)
	require.Error(t, err)
}

func TestBrain_Evaluate_RejectsOutOfRangeScores(t *testing.T) {
	b, st := newTestBrain(t, fixedScorer{estimate: ScoreEstimate{
		Relevance: 150, SuccessProbability: 0.5,
	}})
	seedTopDonor(t, st)

	_, err := b.Evaluate(context.Background(), trigger("trig-oob"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relevance out of range")
}

func TestBrain_RecordExecution_PostsToLedger(t *testing.T) {
	b, st := newTestBrain(t, fixedScorer{estimate: ScoreEstimate{Relevance: 90, SuccessProbability: 0.7}})
	seedTopDonor(t, st)
	ctx := context.Background()

	d, err := b.Evaluate(ctx, trigger("trig-exec"))
	require.NoError(t, err)
	require.Equal(t, model.OutcomeGo, d.Outcome)

	require.NoError(t, b.RecordExecution(ctx, d.ID, store.ExecuteParams{
		ActualCost: decimal.NewFromInt(120),
		Success:    true,
	}))

	spent, err := st.SpentInPeriod(ctx, "outreach", currentPeriod())
	require.NoError(t, err)
	assert.True(t, spent.Equal(decimal.NewFromInt(120)))

	got, err := st.GetDecision(ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, got.Executed)
}

func TestBrain_RecordExecution_RejectsNonGoDecision(t *testing.T) {
	b, st := newTestBrain(t, fixedScorer{estimate: ScoreEstimate{Relevance: 90, SuccessProbability: 0.7}})
	seedTopDonor(t, st)
	ctx := context.Background()

	tr := trigger("trig-defer-exec")
	tr.ExpectedCost = decimal.NewFromInt(50000)
	d, err := b.Evaluate(ctx, tr)
	require.NoError(t, err)
	require.Equal(t, model.OutcomeDefer, d.Outcome)

	err = b.RecordExecution(ctx, d.ID, store.ExecuteParams{
		ActualCost: decimal.NewFromInt(120),
		Override:   true,
	})
	require.ErrorIs(t, err, store.ErrDecisionNotGo)

	got, err := st.GetDecision(ctx, d.ID)
	require.NoError(t, err)
	assert.False(t, got.Executed)
}

func TestBrain_FlagForReview(t *testing.T) {
	b, st := newTestBrain(t, fixedScorer{estimate: ScoreEstimate{Relevance: 90, SuccessProbability: 0.7}})
	seedTopDonor(t, st)
	ctx := context.Background()

	d, err := b.Evaluate(ctx, trigger("trig-review"))
	require.NoError(t, err)

	require.NoError(t, b.FlagForReview(ctx, d.ID))
	got, err := st.GetDecision(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeManualReview, got.Outcome)
}

func TestHeuristicScorer(t *testing.T) {
	s := HeuristicScorer{}

	est, err := s.Score(context.Background(),
		model.DecisionTrigger{TriggerType: "donation_spike"},
		model.Entity{},
		model.GradeAssignment{Percentile: 90})
	require.NoError(t, err)
	assert.Equal(t, 85, est.Relevance)
	assert.InDelta(t, 0.74, est.SuccessProbability, 1e-9)

	unknown, err := s.Score(context.Background(),
		model.DecisionTrigger{TriggerType: "carrier_pigeon"},
		model.Entity{},
		model.GradeAssignment{})
	require.NoError(t, err)
	assert.Equal(t, 40, unknown.Relevance)
}
