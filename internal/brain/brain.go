// Package brain evaluates decision triggers into GO/NO-GO outcomes by
// combining grades, contact confidence, budget headroom, and model scores.
package brain

import (
	"context"
	"math"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/grassroots-hq/decision-engine/internal/budget"
	"github.com/grassroots-hq/decision-engine/internal/grading"
	"github.com/grassroots-hq/decision-engine/internal/metrics"
	"github.com/grassroots-hq/decision-engine/internal/model"
	"github.com/grassroots-hq/decision-engine/internal/store"
	"github.com/grassroots-hq/decision-engine/internal/waterfall"
)

// Composite weights and outcome thresholds. Budget approval is a gate
// factor: its 20 points decide most borderline composites on their own.
const (
	weightRelevance  = 0.2
	weightFit        = 0.3
	weightConfidence = 0.3
	weightBudget     = 20.0

	goThreshold    = 80.0
	deferThreshold = 50.0
)

// ScoreEstimate holds the model-supplied factors: the ones no local
// lookup can produce.
type ScoreEstimate struct {
	Relevance          int     `json:"relevance"` // 0-100
	ExpectedROI        float64 `json:"expected_roi"`
	SuccessProbability float64 `json:"success_probability"` // 0-1
}

// Scorer produces model estimates for a trigger against a target.
type Scorer interface {
	Score(ctx context.Context, trigger model.DecisionTrigger, target model.Entity, grade model.GradeAssignment) (ScoreEstimate, error)
}

// Brain wires the factor producers together.
type Brain struct {
	store   store.Store
	grading *grading.Engine
	ledger  *budget.Ledger
	scorer  Scorer
	metrics *metrics.Metrics
}

func New(st store.Store, eng *grading.Engine, ledger *budget.Ledger, scorer Scorer, m *metrics.Metrics) *Brain {
	if scorer == nil {
		scorer = HeuristicScorer{}
	}
	return &Brain{store: st, grading: eng, ledger: ledger, scorer: scorer, metrics: m}
}

// Composite collapses a validated score into a single 0-100 number.
func Composite(s model.ModelScore) float64 {
	c := weightRelevance*float64(s.Relevance) +
		weightFit*float64(s.FitScore) +
		weightConfidence*float64(s.Confidence)
	if s.BudgetApproved {
		c += weightBudget
	}
	return c
}

// OutcomeFor maps a composite to its categorical outcome. Manual review
// is never produced here; it only enters through an explicit flag.
func OutcomeFor(composite float64) model.DecisionOutcome {
	switch {
	case composite >= goThreshold:
		return model.OutcomeGo
	case composite >= deferThreshold:
		return model.OutcomeDefer
	default:
		return model.OutcomeNoGo
	}
}

// Evaluate runs the full decision for one trigger and persists it.
// Re-evaluating a trigger returns the stored decision unchanged, so
// upstream retries cannot double-decide.
func (b *Brain) Evaluate(ctx context.Context, trigger model.DecisionTrigger) (*model.Decision, error) {
	start := time.Now()
	defer func() { b.metrics.ObserveEvaluateLatency(time.Since(start)) }()

	if err := trigger.Validate(); err != nil {
		return nil, err
	}

	if trigger.ID != "" {
		existing, err := b.store.GetDecisionByTrigger(ctx, trigger.ID)
		if err != nil {
			return nil, eris.Wrapf(err, "brain: dedupe trigger %s", trigger.ID)
		}
		if existing != nil {
			return existing, nil
		}
	}

	target, err := b.store.GetEntity(ctx, trigger.TargetID)
	if err != nil {
		return nil, eris.Wrapf(err, "brain: load target %s", trigger.TargetID)
	}
	if target == nil {
		return nil, eris.Errorf("brain: unknown target %s", trigger.TargetID)
	}

	grade, err := b.grading.ContextualGrade(ctx, target.ID, trigger.Context)
	if err != nil {
		return nil, err
	}

	period := b.ledger.CurrentPeriod(time.Now())
	approved, err := b.ledger.Approved(ctx, trigger.CostCategory, period, trigger.ExpectedCost)
	if err != nil {
		return nil, err
	}

	estimate, err := b.scorer.Score(ctx, trigger, *target, *grade)
	if err != nil {
		return nil, eris.Wrap(err, "brain: model score")
	}

	scores := model.ModelScore{
		ExpectedROI:        estimate.ExpectedROI,
		SuccessProbability: estimate.SuccessProbability,
		Relevance:          estimate.Relevance,
		ExpectedCost:       trigger.ExpectedCost,
		FitScore:           int(math.Round(grade.Percentile)),
		BudgetApproved:     approved,
		Confidence:         int(waterfall.Confidence(*target)),
	}
	if err := scores.Validate(); err != nil {
		return nil, err
	}

	decision := &model.Decision{
		TriggerID: trigger.ID,
		Scores:    scores,
		Composite: Composite(scores),
	}
	decision.Outcome = OutcomeFor(decision.Composite)

	if err := b.store.InsertDecision(ctx, decision, trigger.CostCategory, period); err != nil {
		return nil, eris.Wrapf(err, "brain: persist decision for trigger %s", trigger.ID)
	}

	b.metrics.IncrementOutcome(string(decision.Outcome), trigger.TriggerType)
	b.metrics.ObserveComposite(decision.Composite)
	zap.L().Info("evaluated trigger",
		zap.String("trigger", trigger.ID),
		zap.String("target", trigger.TargetID),
		zap.Float64("composite", decision.Composite),
		zap.String("outcome", string(decision.Outcome)))
	return decision, nil
}

// RecordExecution marks a GO decision as executed and posts its real
// cost to the ledger. The budget gate re-checks at execution time unless
// the caller explicitly overrides.
func (b *Brain) RecordExecution(ctx context.Context, decisionID string, p store.ExecuteParams) error {
	p.DecisionID = decisionID
	if p.Reference == "" {
		p.Reference = decisionID
	}
	if err := b.store.ExecuteDecision(ctx, p); err != nil {
		return err
	}
	zap.L().Info("recorded decision execution",
		zap.String("decision", decisionID),
		zap.String("actual_cost", p.ActualCost.String()),
		zap.Bool("success", p.Success))
	return nil
}

// FlagForReview routes an unexecuted decision to a human. This is the
// only path that produces the manual-review outcome.
func (b *Brain) FlagForReview(ctx context.Context, decisionID string) error {
	return b.store.FlagDecisionForReview(ctx, decisionID)
}

// HeuristicScorer is the default model when no external scorer is wired:
// deterministic estimates from the trigger and grade alone.
type HeuristicScorer struct{}

// triggerRelevance maps trigger types to baseline relevance.
var triggerRelevance = map[string]int{
	"donation_spike":   85,
	"event_rsvp":       70,
	"volunteer_signup": 65,
	"petition_signed":  50,
	"email_open":       30,
}

func (HeuristicScorer) Score(_ context.Context, trigger model.DecisionTrigger, _ model.Entity, grade model.GradeAssignment) (ScoreEstimate, error) {
	relevance, ok := triggerRelevance[trigger.TriggerType]
	if !ok {
		relevance = 40
	}

	// Better-graded targets convert better.
	prob := 0.2 + 0.6*(grade.Percentile/100)

	return ScoreEstimate{
		Relevance:          relevance,
		ExpectedROI:        prob * float64(relevance) / 50,
		SuccessProbability: prob,
	}, nil
}
