package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/grassroots-hq/decision-engine/internal/model"
)

// ErrBudgetExceeded is returned by ExecuteDecision when the execution-time
// budget re-check fails. It is a signal, not a fault: the caller decides
// whether to surface it or retry with an explicit override.
var ErrBudgetExceeded = errors.New("store: budget exceeded")

// ErrDecisionNotGo is returned by ExecuteDecision when the decision's
// outcome does not authorize a costed action. Only GO decisions execute;
// NO_GO, DEFER, and MANUAL_REVIEW ones never post costs.
var ErrDecisionNotGo = errors.New("store: decision outcome is not GO")

// DecisionFilter specifies criteria for listing decisions.
type DecisionFilter struct {
	Outcome      model.DecisionOutcome `json:"outcome,omitempty"`
	TargetID     string                `json:"target_id,omitempty"`
	CreatedAfter time.Time             `json:"created_after,omitempty"`
	Limit        int                   `json:"limit,omitempty"`
	Offset       int                   `json:"offset,omitempty"`
}

// BudgetSnapshot is a consistent read of spend position for one
// (category, period), taken in a single statement so concurrent approval
// checks never see a torn view.
type BudgetSnapshot struct {
	Spent       decimal.Decimal
	Allocated   decimal.Decimal
	Contingency decimal.Decimal
	Found       bool // false when no allocation row exists
}

// ExecuteParams carries the execution result reported back after a GO
// decision's downstream action ran.
type ExecuteParams struct {
	DecisionID string
	ActualCost decimal.Decimal
	Success    bool
	Reference  string
	// Override skips the execution-time budget re-check. Overspend is
	// only ever explicit, never silent.
	Override bool
}

// CacheStats summarizes the cache/cost store.
type CacheStats struct {
	Entries   int   `json:"entries"`
	TotalHits int   `json:"total_hits"`
	TotalSize int64 `json:"total_size"`
}

// Store defines the persistence interface for the scoring and
// decision-gating engine.
type Store interface {
	// Entities
	UpsertEntity(ctx context.Context, e model.Entity) error
	ImportEntities(ctx context.Context, entities []model.Entity) (int64, error)
	GetEntity(ctx context.Context, id string) (*model.Entity, error)
	ListEntitiesByScope(ctx context.Context, scope model.GradeScope) ([]model.Entity, error)
	ListEntitiesByType(ctx context.Context, t model.EntityType, limit int) ([]model.Entity, error)
	ListScopeKeys(ctx context.Context, scopeType model.GradeScopeType) ([]string, error)
	UpdateEntityContact(ctx context.Context, e model.Entity) error

	// Grades. ReplaceGradeAssignments swaps the full partition in one
	// transaction; readers never see a partially recomputed partition.
	ReplaceGradeAssignments(ctx context.Context, scope model.GradeScope, assignments []model.GradeAssignment, stats model.ScopeStats) error
	GetGradeAssignment(ctx context.Context, entityID string, scopeType model.GradeScopeType) (*model.GradeAssignment, error)
	GetScopeStats(ctx context.Context, scope model.GradeScope) (*model.ScopeStats, error)

	// Decisions
	InsertDecision(ctx context.Context, d *model.Decision, category, period string) error
	GetDecision(ctx context.Context, id string) (*model.Decision, error)
	GetDecisionByTrigger(ctx context.Context, triggerID string) (*model.Decision, error)
	ListDecisions(ctx context.Context, filter DecisionFilter) ([]model.Decision, error)
	FlagDecisionForReview(ctx context.Context, id string) error
	// ExecuteDecision re-checks the budget, posts the cost transaction,
	// and marks the decision executed, all in one transaction.
	ExecuteDecision(ctx context.Context, p ExecuteParams) error

	// Budget
	InsertTransaction(ctx context.Context, t *model.BudgetTransaction) error
	SpentInPeriod(ctx context.Context, category, period string) (decimal.Decimal, error)
	GetAllocation(ctx context.Context, category, period string) (*model.BudgetAllocation, error)
	UpsertAllocation(ctx context.Context, a model.BudgetAllocation) error
	ListAllocations(ctx context.Context, period string) ([]model.BudgetAllocation, error)
	SnapshotForApproval(ctx context.Context, category, period string) (BudgetSnapshot, error)
	UpsertBudgetStatus(ctx context.Context, s model.BudgetStatus) error

	// Enrichment
	InsertAttempt(ctx context.Context, a model.EnrichmentAttempt) error
	ListAttempts(ctx context.Context, targetID string) ([]model.EnrichmentAttempt, error)

	// Cache
	GetValidCacheEntry(ctx context.Context, key string) (*model.CacheEntry, error)
	TouchCacheHit(ctx context.Context, key string) error
	UpsertCacheEntry(ctx context.Context, e model.CacheEntry) error
	DeleteExpiredCacheEntries(ctx context.Context) (int, error)
	GetCacheStats(ctx context.Context) (*CacheStats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
