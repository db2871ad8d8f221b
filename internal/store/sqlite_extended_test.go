package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grassroots-hq/decision-engine/internal/model"
)

// TestNewSQLite_InvalidDSN verifies that NewSQLite returns an error for
// a path inside a nonexistent directory.
func TestNewSQLite_InvalidDSN(t *testing.T) {
	_, err := NewSQLite(filepath.Join(t.TempDir(), "no", "such", "dir", "test.db"))
	require.Error(t, err)
}

func TestSQLite_UpdateEntityContact_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	err := st.UpdateEntityContact(context.Background(), model.Entity{
		ID:    "ghost",
		Email: "ghost@example.org",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSQLite_UpdateEntityContact_PreservesScopeAndMetric(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertEntity(ctx, model.Entity{
		ID: "donor-1", Type: model.EntityDonor, State: "TX", Metric: 500,
	}))

	require.NoError(t, st.UpdateEntityContact(ctx, model.Entity{
		ID:    "donor-1",
		Email: "new@example.org",
		Phone: "+15125550123",
	}))

	got, err := st.GetEntity(ctx, "donor-1")
	require.NoError(t, err)
	assert.Equal(t, "new@example.org", got.Email)
	assert.Equal(t, "TX", got.State)
	assert.Equal(t, float64(500), got.Metric)
}

func TestSQLite_ListEntitiesByType_Limit(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, st.UpsertEntity(ctx, model.Entity{ID: id, Type: model.EntityVolunteer}))
	}
	require.NoError(t, st.UpsertEntity(ctx, model.Entity{ID: "d", Type: model.EntityDonor}))

	vols, err := st.ListEntitiesByType(ctx, model.EntityVolunteer, 2)
	require.NoError(t, err)
	assert.Len(t, vols, 2)

	all, err := st.ListEntitiesByType(ctx, model.EntityVolunteer, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestSQLite_ListAllocations(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	seedAllocation(t, st, "video", "2026-08", 1000, 100)
	seedAllocation(t, st, "sms", "2026-08", 200, 0)
	seedAllocation(t, st, "sms", "2026-09", 300, 0)

	allocs, err := st.ListAllocations(ctx, "2026-08")
	require.NoError(t, err)
	require.Len(t, allocs, 2)
	// Ordered by category.
	assert.Equal(t, "sms", allocs[0].Category)
	assert.Equal(t, "video", allocs[1].Category)
}

func TestSQLite_UpsertAllocation_Overwrites(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	seedAllocation(t, st, "video", "2026-08", 1000, 100)
	seedAllocation(t, st, "video", "2026-08", 1500, 150)

	a, err := st.GetAllocation(ctx, "video", "2026-08")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.True(t, a.Allocated.Equal(decimal.NewFromInt(1500)))
	assert.True(t, a.Contingency.Equal(decimal.NewFromInt(150)))
}

func TestSQLite_UpsertBudgetStatus(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	status := model.BudgetStatus{
		Period:    "2026-08",
		Category:  "video",
		Allocated: decimal.NewFromInt(1000),
		Spent:     decimal.NewFromInt(960),
		Variance:  decimal.NewFromInt(-40),
		Label:     model.BudgetCritical,
	}
	require.NoError(t, st.UpsertBudgetStatus(ctx, status))

	// Re-upsert with a new label: primary key (period, category) must hold.
	status.Label = model.BudgetWarning
	require.NoError(t, st.UpsertBudgetStatus(ctx, status))
}

func TestSQLite_ImportEntities(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	n, err := st.ImportEntities(ctx, []model.Entity{
		{ID: "d1", Type: model.EntityDonor, FullName: "A", State: "TX", Metric: 100},
		{ID: "d2", Type: model.EntityDonor, FullName: "B", State: "TX", Metric: 200},
		{Type: model.EntityVolunteer, FullName: "C", State: "TX"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	e, err := st.GetEntity(ctx, "d2")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "B", e.FullName)
	assert.Equal(t, 200.0, e.Metric)

	// Re-import overwrites by ID, not appends.
	n, err = st.ImportEntities(ctx, []model.Entity{
		{ID: "d2", Type: model.EntityDonor, FullName: "B2", State: "TX", Metric: 250},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	e, err = st.GetEntity(ctx, "d2")
	require.NoError(t, err)
	assert.Equal(t, "B2", e.FullName)
	assert.Equal(t, 250.0, e.Metric)

	donors, err := st.ListEntitiesByType(ctx, model.EntityDonor, 0)
	require.NoError(t, err)
	assert.Len(t, donors, 2)
}

func TestSQLite_ImportEntities_Empty(t *testing.T) {
	st := newTestSQLiteStore(t)

	n, err := st.ImportEntities(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}
