package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grassroots-hq/decision-engine/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_GetEntity_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .* FROM entities WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	e, err := s.GetEntity(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, e)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetGradeAssignment(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT entity_id, scope_type, scope_key, rank, percentile, band, computed_at FROM grade_assignments`).
		WithArgs("donor-1", "district").
		WillReturnRows(pgxmock.NewRows([]string{"entity_id", "scope_type", "scope_key", "rank", "percentile", "band", "computed_at"}).
			AddRow("donor-1", "district", "TX-21", 3, 99.2, "A+", now))

	a, err := s.GetGradeAssignment(context.Background(), "donor-1", model.ScopeDistrict)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, model.ScopeDistrict, a.Scope.Type)
	assert.Equal(t, "TX-21", a.Scope.Key)
	assert.Equal(t, "A+", a.Band)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetGradeAssignment_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT entity_id, scope_type, scope_key, rank, percentile, band, computed_at FROM grade_assignments`).
		WithArgs("donor-1", "county").
		WillReturnRows(pgxmock.NewRows([]string{"entity_id"}))

	a, err := s.GetGradeAssignment(context.Background(), "donor-1", model.ScopeCounty)
	require.NoError(t, err)
	assert.Nil(t, a)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertDecision(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO decisions`).
		WithArgs(pgxmock.AnyArg(), "trig-1", "video", "2026-08", pgxmock.AnyArg(),
			85.0, "GO", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	d := &model.Decision{TriggerID: "trig-1", Composite: 85, Outcome: model.OutcomeGo}
	require.NoError(t, s.InsertDecision(context.Background(), d, "video", "2026-08"))
	assert.NotEmpty(t, d.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FlagDecisionForReview_AlreadyExecuted(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE decisions SET outcome = \$1 WHERE id = \$2 AND executed = false`).
		WithArgs("MANUAL_REVIEW", "dec-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.FlagDecisionForReview(context.Background(), "dec-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already executed")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SpentInPeriod(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT COALESCE\(SUM\(total_cost\), 0\) FROM budget_transactions`).
		WithArgs("sms", "2026-08").
		WillReturnRows(pgxmock.NewRows([]string{"sum"}).AddRow(decimal.NewFromInt(425)))

	spent, err := s.SpentInPeriod(context.Background(), "sms", "2026-08")
	require.NoError(t, err)
	assert.True(t, spent.Equal(decimal.NewFromInt(425)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SnapshotForApproval_NoAllocation(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT a.allocated, a.contingency`).
		WithArgs("email", "2026-09").
		WillReturnRows(pgxmock.NewRows([]string{"allocated"}))

	snap, err := s.SnapshotForApproval(context.Background(), "email", "2026-09")
	require.NoError(t, err)
	assert.False(t, snap.Found)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ExecuteDecision_BudgetExceeded(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.Serializable})
	mock.ExpectQuery(`SELECT category, period, outcome, executed FROM decisions WHERE id = \$1 FOR UPDATE`).
		WithArgs("dec-1").
		WillReturnRows(pgxmock.NewRows([]string{"category", "period", "outcome", "executed"}).
			AddRow("video", "2026-08", "GO", false))
	mock.ExpectQuery(`SELECT a.allocated, a.contingency`).
		WithArgs("video", "2026-08").
		WillReturnRows(pgxmock.NewRows([]string{"allocated", "contingency", "spent"}).
			AddRow(decimal.NewFromInt(100), decimal.NewFromInt(0), decimal.NewFromInt(90)))
	mock.ExpectRollback()

	err := s.ExecuteDecision(context.Background(), ExecuteParams{
		DecisionID: "dec-1",
		ActualCost: decimal.NewFromInt(50),
	})
	require.ErrorIs(t, err, ErrBudgetExceeded)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ExecuteDecision_RequiresGoOutcome(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.Serializable})
	mock.ExpectQuery(`SELECT category, period, outcome, executed FROM decisions WHERE id = \$1 FOR UPDATE`).
		WithArgs("dec-2").
		WillReturnRows(pgxmock.NewRows([]string{"category", "period", "outcome", "executed"}).
			AddRow("video", "2026-08", "NO_GO", false))
	mock.ExpectRollback()

	err := s.ExecuteDecision(context.Background(), ExecuteParams{
		DecisionID: "dec-2",
		ActualCost: decimal.NewFromInt(50),
		Override:   true,
	})
	require.ErrorIs(t, err, ErrDecisionNotGo)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TouchCacheHit(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE cache_entries SET hit_count = hit_count \+ 1`).
		WithArgs("k1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.TouchCacheHit(context.Background(), "k1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertCacheEntry_PreservesHitCount(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	// The upsert statement must carry hit_count over on conflict.
	mock.ExpectExec(`hit_count = cache_entries\.hit_count`).
		WithArgs("k1", []byte("v"), 1, int64(1500), 80.0,
			pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.UpsertCacheEntry(context.Background(), model.CacheEntry{
		Key:       "k1",
		Artifact:  []byte("v"),
		Size:      1,
		Duration:  1500 * time.Millisecond,
		Quality:   80,
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteExpiredCacheEntries(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`DELETE FROM cache_entries WHERE expires_at <= now\(\)`).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	n, err := s.DeleteExpiredCacheEntries(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
