package service

import (
	"context"
	"testing"

	"parkwise/internal/domain"
	"parkwise/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLotServiceCRUD(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.lots.CreateLot(ctx, worker, "North", "")
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)
	_, err = f.lots.CreateLot(ctx, admin, "   ", "")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	lot, err := f.lots.CreateLot(ctx, admin, " North ", " Gate 2 ")
	require.NoError(t, err)
	assert.Equal(t, "North", lot.Name)
	assert.Equal(t, "Gate 2", lot.Location)

	updated, err := f.lots.UpdateLotInfo(ctx, admin, lot.ID, "North Deck", "Gate 3")
	require.NoError(t, err)
	assert.Equal(t, "North Deck", updated.Name)
	assert.Equal(t, "Gate 3", updated.Location)

	_, err = f.lots.UpdateLotInfo(ctx, admin, "ghost", "x", "")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	lots, err := f.lots.ListLots(ctx)
	require.NoError(t, err)
	assert.Len(t, lots, 1)

	_, err = f.spaces.CreateMultipleSpaces(ctx, admin, lot.ID, 1, 3)
	require.NoError(t, err)

	assert.ErrorIs(t, f.lots.DeleteLot(ctx, guest, lot.ID), domain.ErrPermissionDenied)
	require.NoError(t, f.lots.DeleteLot(ctx, admin, lot.ID))

	_, err = f.lots.GetLot(ctx, lot.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.spaces.ListSpaces(ctx, lot.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReconcileRepairsDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lot := f.lot(t)
	_, err := f.spaces.CreateMultipleSpaces(ctx, admin, lot.ID, 1, 4)
	require.NoError(t, err)

	drift := models.LotAggregate{Total: 99, Available: 1, Occupied: 50, Booked: 48}
	require.NoError(t, f.db.UpdateLotCounts(ctx, lot.ID, f.counters(t, lot.ID), drift))

	_, _, err = f.lots.Reconcile(ctx, student, lot.ID)
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	changed, agg, err := f.lots.Reconcile(ctx, worker, lot.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.LotAggregate{Total: 4, Available: 4}, agg)

	changed, _, err = f.lots.Reconcile(ctx, worker, lot.ID)
	require.NoError(t, err)
	assert.False(t, changed, "second reconcile is a no-op")

	_, _, err = f.lots.Reconcile(ctx, worker, "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReconcileAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.lot(t)
	b, err := f.lots.CreateLot(ctx, admin, "South", "")
	require.NoError(t, err)

	require.NoError(t, f.db.UpdateLotCounts(ctx, a.ID, models.LotAggregate{}, models.LotAggregate{Total: 3, Available: 3}))

	n, err := f.lots.ReconcileAll(ctx, admin)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.LotAggregate{}, f.counters(t, a.ID))
	assert.Equal(t, models.LotAggregate{}, f.counters(t, b.ID))

	_, err = f.lots.ReconcileAll(ctx, guest)
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)
}

func TestTally(t *testing.T) {
	spaces := []*models.ParkingSpace{
		{ID: "1", Status: models.StatusVacant},
		{ID: "2", Status: models.StatusOccupied},
		{ID: "3", Status: models.StatusBooked},
		{ID: "4", Status: models.StatusBooked},
	}
	agg, err := Tally(spaces)
	require.NoError(t, err)
	assert.Equal(t, models.LotAggregate{Total: 4, Available: 1, Occupied: 1, Booked: 2}, agg)

	_, err = Tally([]*models.ParkingSpace{{ID: "x"}})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestBilledRole(t *testing.T) {
	assert.Equal(t, models.RoleStudent, billedRole(student, models.RoleGuest))
	assert.Equal(t, models.RoleGuest, billedRole(guest, models.RoleStudent))
	assert.Equal(t, models.RoleStudent, billedRole(admin, models.RoleStudent))
	assert.Equal(t, models.RoleGuest, billedRole(worker, 0))
}
