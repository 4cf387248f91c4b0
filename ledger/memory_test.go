package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreAccrualVersioning(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.PutBudget(ctx, &Budget{ID: "b1", EntityName: "retail"}))

	upd := AccrualUpdate{
		Forecasted:            decimal.NewFromInt(10),
		MarkForecastProcessed: true,
		ProcessedAt:           time.Now().UTC(),
	}
	require.NoError(t, store.UpdateBudgetAccruals(ctx, "b1", upd, 0))

	// A writer holding the stale version loses.
	err := store.UpdateBudgetAccruals(ctx, "b1", upd, 0)
	assert.ErrorIs(t, err, ErrVersionConflict)

	b, err := store.GetBudget(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.Version)
	assert.True(t, b.ForecastProcessed)
	require.NotNil(t, b.ForecastProcessedAt)
}

func TestMemoryStoreUpdateRequestPrecondition(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.PutRequest(ctx, &Request{ID: "r1", Status: StatusPending}))

	st := StatusApprovedAdmin
	err := store.UpdateRequest(ctx, "r1", RequestUpdate{
		Status:       &st,
		ExpectStatus: []RequestStatus{StatusPending, StatusBlocked},
	})
	require.NoError(t, err)

	// The precondition no longer holds on a second identical update.
	err = store.UpdateRequest(ctx, "r1", RequestUpdate{
		Status:       &st,
		ExpectStatus: []RequestStatus{StatusPending, StatusBlocked},
	})
	assert.ErrorIs(t, err, ErrPreconditionFailed)
}

func TestMemoryStoreListRequestsPreservesInsertionOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for _, id := range []string{"r3", "r1", "r2"} {
		require.NoError(t, store.PutRequest(ctx, &Request{ID: id, Status: StatusSaved}))
	}

	reqs, err := store.ListRequestsByStatus(ctx, StatusSaved)
	require.NoError(t, err)
	require.Len(t, reqs, 3)
	assert.Equal(t, "r3", reqs[0].ID)
	assert.Equal(t, "r1", reqs[1].ID)
	assert.Equal(t, "r2", reqs[2].ID)
}

func TestMemoryStoreNotFound(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.GetBudget(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetRequest(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.UpdateRequest(ctx, "missing", RequestUpdate{}), ErrNotFound)
	assert.ErrorIs(t, store.ResetApprovedSpend(ctx, "missing"), ErrNotFound)
}
