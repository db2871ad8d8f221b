package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
)

// DecisionOutcome is the categorical result of evaluating a trigger.
type DecisionOutcome string

const (
	OutcomeGo           DecisionOutcome = "GO"
	OutcomeNoGo         DecisionOutcome = "NO_GO"
	OutcomeDefer        DecisionOutcome = "DEFER"
	OutcomeManualReview DecisionOutcome = "MANUAL_REVIEW"
)

// DecisionTrigger is an event raised by an external source that asks the
// brain whether a costed downstream action should run.
type DecisionTrigger struct {
	ID           string          `json:"id"`
	TriggerType  string          `json:"trigger_type"` // e.g. "donation_spike", "event_rsvp"
	TargetType   string          `json:"target_type"`  // e.g. "donor"
	TargetID     string          `json:"target_id"`
	Context      string          `json:"context"`       // action context, e.g. "state_senate"
	CostCategory string          `json:"cost_category"` // budget category the action draws from
	ExpectedCost decimal.Decimal `json:"expected_cost"`
	ReceivedAt   time.Time       `json:"received_at"`
}

// Validate checks a trigger for the fields the brain requires.
func (t DecisionTrigger) Validate() error {
	var errs []string
	if t.TriggerType == "" {
		errs = append(errs, "trigger_type is required")
	}
	if t.TargetType == "" {
		errs = append(errs, "target_type is required")
	}
	if t.TargetID == "" {
		errs = append(errs, "target_id is required")
	}
	if t.CostCategory == "" {
		errs = append(errs, "cost_category is required")
	}
	if t.ExpectedCost.IsNegative() {
		errs = append(errs, "expected_cost must be >= 0")
	}
	if len(errs) > 0 {
		return eris.Errorf("trigger validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ModelScore holds the seven weighted factors behind a decision.
// Range violations are rejected at the boundary, never clamped.
type ModelScore struct {
	ExpectedROI        float64         `json:"expected_roi"`
	SuccessProbability float64         `json:"success_probability"` // 0-1
	Relevance          int             `json:"relevance"`           // 0-100
	ExpectedCost       decimal.Decimal `json:"expected_cost"`
	FitScore           int             `json:"fit_score"` // 0-100
	BudgetApproved     bool            `json:"budget_approved"`
	Confidence         int             `json:"confidence"` // 0-100
}

// Validate rejects out-of-range factor values.
func (m ModelScore) Validate() error {
	var errs []string
	if m.SuccessProbability < 0 || m.SuccessProbability > 1 {
		errs = append(errs, fmt.Sprintf("success_probability out of range [0,1]: %v", m.SuccessProbability))
	}
	if m.Relevance < 0 || m.Relevance > 100 {
		errs = append(errs, fmt.Sprintf("relevance out of range [0,100]: %d", m.Relevance))
	}
	if m.FitScore < 0 || m.FitScore > 100 {
		errs = append(errs, fmt.Sprintf("fit_score out of range [0,100]: %d", m.FitScore))
	}
	if m.Confidence < 0 || m.Confidence > 100 {
		errs = append(errs, fmt.Sprintf("confidence out of range [0,100]: %d", m.Confidence))
	}
	if m.ExpectedCost.IsNegative() {
		errs = append(errs, "expected_cost must be >= 0")
	}
	if len(errs) > 0 {
		return eris.Errorf("model score validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Decision is the persisted outcome of evaluating one trigger.
// Once Executed is set the row is immutable.
type Decision struct {
	ID            string           `json:"id"`
	TriggerID     string           `json:"trigger_id"`
	Scores        ModelScore       `json:"scores"`
	Composite     float64          `json:"composite"`
	Outcome       DecisionOutcome  `json:"outcome"`
	Executed      bool             `json:"executed"`
	ActualCost    *decimal.Decimal `json:"actual_cost,omitempty"`
	ActualSuccess *bool            `json:"actual_success,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	ExecutedAt    *time.Time       `json:"executed_at,omitempty"`
}
