package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// BudgetStatusLabel classifies spend against allocation for a period.
type BudgetStatusLabel string

const (
	BudgetCritical    BudgetStatusLabel = "CRITICAL"     // >= 95% spent
	BudgetWarning     BudgetStatusLabel = "WARNING"      // >= 80% spent
	BudgetOnTrack     BudgetStatusLabel = "ON_TRACK"     // >= 50% spent
	BudgetUnderBudget BudgetStatusLabel = "UNDER_BUDGET" // otherwise
)

// BudgetAllocation is the planned budget for one (period, category).
type BudgetAllocation struct {
	Period      string          `json:"period"` // "2026-08"
	Category    string          `json:"category"`
	Allocated   decimal.Decimal `json:"allocated"`
	Reserved    decimal.Decimal `json:"reserved"`
	Contingency decimal.Decimal `json:"contingency"`
}

// BudgetTransaction is one append-only ledger entry. Totals are never
// retroactively edited; corrections are new transactions.
type BudgetTransaction struct {
	ID        string          `json:"id"`
	Category  string          `json:"category"`
	Period    string          `json:"period"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
	TotalCost decimal.Decimal `json:"total_cost"`
	Reference string          `json:"reference,omitempty"` // decision ID, invoice, etc.
	CreatedAt time.Time       `json:"created_at"`
}

// BudgetStatus is the computed spend position for one (period, category).
type BudgetStatus struct {
	Period    string            `json:"period"`
	Category  string            `json:"category"`
	Allocated decimal.Decimal   `json:"allocated"`
	Spent     decimal.Decimal   `json:"spent"`
	Variance  decimal.Decimal   `json:"variance"` // allocated - spent
	Label     BudgetStatusLabel `json:"label"`
}
