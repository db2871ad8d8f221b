// Package budget maintains the append-only spend ledger and gates costed
// actions against period allocations.
package budget

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/grassroots-hq/decision-engine/internal/config"
	"github.com/grassroots-hq/decision-engine/internal/metrics"
	"github.com/grassroots-hq/decision-engine/internal/model"
	"github.com/grassroots-hq/decision-engine/internal/store"
)

// Threshold fractions for status labels.
var (
	criticalAt = decimal.NewFromFloat(0.95)
	warningAt  = decimal.NewFromFloat(0.80)
	onTrackAt  = decimal.NewFromFloat(0.50)
)

// Ledger is the budget authority. All spend flows through transactions;
// spent-to-date is always derived by summing them, never cached.
type Ledger struct {
	store        store.Store
	periodFormat string
	metrics      *metrics.Metrics
}

func NewLedger(st store.Store, cfg config.BudgetConfig, m *metrics.Metrics) *Ledger {
	format := cfg.PeriodFormat
	if format == "" {
		format = "2006-01"
	}
	return &Ledger{store: st, periodFormat: format, metrics: m}
}

// CurrentPeriod derives the ledger period for an instant.
func (l *Ledger) CurrentPeriod(now time.Time) string {
	return now.UTC().Format(l.periodFormat)
}

// RecordTransaction appends one ledger entry. TotalCost is always derived
// from quantity and unit cost; callers cannot supply a conflicting total.
func (l *Ledger) RecordTransaction(ctx context.Context, category, period string, quantity, unitCost decimal.Decimal, reference string) (*model.BudgetTransaction, error) {
	if category == "" {
		return nil, eris.New("budget: category is required")
	}
	if period == "" {
		return nil, eris.New("budget: period is required")
	}
	if quantity.IsNegative() || unitCost.IsNegative() {
		return nil, eris.Errorf("budget: negative quantity or unit cost for %s/%s", category, period)
	}

	txn := &model.BudgetTransaction{
		Category:  category,
		Period:    period,
		Quantity:  quantity,
		UnitCost:  unitCost,
		TotalCost: quantity.Mul(unitCost),
		Reference: reference,
	}
	if err := l.store.InsertTransaction(ctx, txn); err != nil {
		return nil, eris.Wrapf(err, "budget: record transaction %s/%s", category, period)
	}

	zap.L().Info("recorded budget transaction",
		zap.String("category", category),
		zap.String("period", period),
		zap.String("total_cost", txn.TotalCost.String()))
	return txn, nil
}

// Status computes the spend position for one (category, period).
// A category with no allocation reports zero allocated; any spend against
// it is immediately critical.
func (l *Ledger) Status(ctx context.Context, category, period string) (*model.BudgetStatus, error) {
	spent, err := l.store.SpentInPeriod(ctx, category, period)
	if err != nil {
		return nil, eris.Wrapf(err, "budget: spent for %s/%s", category, period)
	}

	var allocated decimal.Decimal
	alloc, err := l.store.GetAllocation(ctx, category, period)
	if err != nil {
		return nil, eris.Wrapf(err, "budget: allocation for %s/%s", category, period)
	}
	if alloc != nil {
		allocated = alloc.Allocated
	}

	return &model.BudgetStatus{
		Period:    period,
		Category:  category,
		Allocated: allocated,
		Spent:     spent,
		Variance:  allocated.Sub(spent),
		Label:     LabelFor(allocated, spent),
	}, nil
}

// LabelFor classifies spend against allocation.
func LabelFor(allocated, spent decimal.Decimal) model.BudgetStatusLabel {
	if allocated.IsZero() {
		if spent.IsPositive() {
			return model.BudgetCritical
		}
		return model.BudgetUnderBudget
	}

	ratio := spent.Div(allocated)
	switch {
	case ratio.GreaterThanOrEqual(criticalAt):
		return model.BudgetCritical
	case ratio.GreaterThanOrEqual(warningAt):
		return model.BudgetWarning
	case ratio.GreaterThanOrEqual(onTrackAt):
		return model.BudgetOnTrack
	default:
		return model.BudgetUnderBudget
	}
}

// Approved reports whether a projected cost fits within the remaining
// allocation plus contingency. The snapshot comes from a single statement
// so concurrent ledger writes cannot straddle the read. No allocation
// means no approval: unbudgeted categories never pass the gate.
func (l *Ledger) Approved(ctx context.Context, category, period string, projected decimal.Decimal) (bool, error) {
	snap, err := l.store.SnapshotForApproval(ctx, category, period)
	if err != nil {
		return false, eris.Wrapf(err, "budget: approval snapshot %s/%s", category, period)
	}
	if !snap.Found {
		zap.L().Warn("approval requested for unbudgeted category",
			zap.String("category", category),
			zap.String("period", period))
		return false, nil
	}

	ceiling := snap.Allocated.Add(snap.Contingency)
	return snap.Spent.Add(projected).LessThanOrEqual(ceiling), nil
}

// SnapshotPeriod recomputes and persists the status of every allocated
// category in a period. Run on a schedule so dashboards read precomputed
// rows instead of summing the ledger.
func (l *Ledger) SnapshotPeriod(ctx context.Context, period string) (int, error) {
	allocs, err := l.store.ListAllocations(ctx, period)
	if err != nil {
		return 0, eris.Wrapf(err, "budget: list allocations for %s", period)
	}

	for _, a := range allocs {
		status, err := l.Status(ctx, a.Category, period)
		if err != nil {
			return 0, err
		}
		if err := l.store.UpsertBudgetStatus(ctx, *status); err != nil {
			return 0, eris.Wrapf(err, "budget: persist status %s/%s", a.Category, period)
		}
		if !status.Allocated.IsZero() {
			ratio, _ := status.Spent.Div(status.Allocated).Float64()
			l.metrics.SetBudgetSpendRatio(a.Category, ratio)
		}
		if status.Label == model.BudgetCritical {
			zap.L().Warn("budget critical",
				zap.String("category", a.Category),
				zap.String("period", period),
				zap.String("spent", status.Spent.String()),
				zap.String("allocated", status.Allocated.String()))
		}
	}
	return len(allocs), nil
}
