package admission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"costgate/audit"
	"costgate/callback"
	"costgate/ledger"
)

func newTestLifecycle(store ledger.Store) (*Lifecycle, *fakeSignaler, *fakeRecorder) {
	signaler := &fakeSignaler{}
	recorder := &fakeRecorder{}
	l := NewLifecycle(store, signaler, recorder, testLogger())
	l.now = func() time.Time { return testTime }
	return l, signaler, recorder
}

func TestLifecycleApprove(t *testing.T) {
	store := ledger.NewMemoryStore()
	b := seedBudget(t, store, "retail", "100", "90", true)
	b.AccruedBlockedSpend = dec("60")
	require.NoError(t, store.PutBudget(context.Background(), b))
	seedRequest(t, store, "stack-1", "retail", ledger.StatusPending, "60", "20")
	l, signaler, recorder := newTestLifecycle(store)

	require.NoError(t, l.Approve(context.Background(), "stack-1"))

	r, err := store.GetRequest(context.Background(), "stack-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusApprovedAdmin, r.Status)
	assert.Equal(t, ledger.ResourceActive, r.ResourceStatus)
	require.NotNil(t, r.ApprovedAt)

	got, err := store.GetBudget(context.Background(), "budget-retail")
	require.NoError(t, err)
	assert.True(t, got.AccruedBlockedSpend.IsZero(), "blocked = %s", got.AccruedBlockedSpend)
	assert.True(t, dec("110").Equal(got.AccruedForecastedSpend), "forecasted = %s", got.AccruedForecastedSpend)
	assert.True(t, dec("40").Equal(got.AccruedApprovedSpend), "approved = %s", got.AccruedApprovedSpend)

	require.Len(t, signaler.results, 1)
	assert.Equal(t, callback.StatusSuccess, signaler.results[0].Status)
	assert.Equal(t, "Approved", signaler.results[0].Reason)
	assert.Equal(t, "stack-1", signaler.results[0].UniqueID)

	require.Len(t, recorder.entries, 1)
	assert.Equal(t, audit.ActionAdminApproved, recorder.entries[0].Action)
}

func TestLifecycleApproveIsIdempotent(t *testing.T) {
	store := ledger.NewMemoryStore()
	b := seedBudget(t, store, "retail", "100", "90", true)
	b.AccruedBlockedSpend = dec("60")
	require.NoError(t, store.PutBudget(context.Background(), b))
	seedRequest(t, store, "stack-1", "retail", ledger.StatusPending, "60", "20")
	l, signaler, _ := newTestLifecycle(store)

	require.NoError(t, l.Approve(context.Background(), "stack-1"))
	require.NoError(t, l.Approve(context.Background(), "stack-1"))

	got, err := store.GetBudget(context.Background(), "budget-retail")
	require.NoError(t, err)
	// A second click must not deduct the budget twice.
	assert.True(t, got.AccruedBlockedSpend.IsZero(), "blocked = %s", got.AccruedBlockedSpend)
	assert.True(t, dec("40").Equal(got.AccruedApprovedSpend), "approved = %s", got.AccruedApprovedSpend)
	assert.Len(t, signaler.results, 1)
}

func TestLifecycleReject(t *testing.T) {
	store := ledger.NewMemoryStore()
	b := seedBudget(t, store, "retail", "100", "90", true)
	b.AccruedBlockedSpend = dec("60")
	require.NoError(t, store.PutBudget(context.Background(), b))
	seedRequest(t, store, "stack-1", "retail", ledger.StatusPending, "60", "20")
	l, signaler, recorder := newTestLifecycle(store)

	require.NoError(t, l.Reject(context.Background(), "stack-1"))

	r, err := store.GetRequest(context.Background(), "stack-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusRejectedAdmin, r.Status)
	assert.Equal(t, ledger.ResourceRejected, r.ResourceStatus)
	require.NotNil(t, r.RejectedAt)

	got, err := store.GetBudget(context.Background(), "budget-retail")
	require.NoError(t, err)
	assert.True(t, got.AccruedBlockedSpend.IsZero(), "blocked = %s", got.AccruedBlockedSpend)
	assert.True(t, dec("90").Equal(got.AccruedForecastedSpend), "forecasted = %s", got.AccruedForecastedSpend)

	require.Len(t, signaler.results, 1)
	assert.Equal(t, callback.StatusFailure, signaler.results[0].Status)
	assert.Equal(t, "Rejected", signaler.results[0].Reason)

	require.Len(t, recorder.entries, 1)
	assert.Equal(t, audit.ActionAdminRejected, recorder.entries[0].Action)
}

func TestLifecycleDecisionOnUnheldRequestIsNoop(t *testing.T) {
	store := ledger.NewMemoryStore()
	seedBudget(t, store, "retail", "100", "0", true)
	seedRequest(t, store, "stack-1", "retail", ledger.StatusApprovedSystem, "60", "20")
	l, signaler, _ := newTestLifecycle(store)

	require.NoError(t, l.Approve(context.Background(), "stack-1"))
	require.NoError(t, l.Reject(context.Background(), "stack-1"))

	r, err := store.GetRequest(context.Background(), "stack-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusApprovedSystem, r.Status)
	assert.Empty(t, signaler.results)
}

func TestLifecycleTerminateReleasesHeldReservation(t *testing.T) {
	store := ledger.NewMemoryStore()
	b := seedBudget(t, store, "retail", "100", "90", true)
	b.AccruedBlockedSpend = dec("40")
	require.NoError(t, store.PutBudget(context.Background(), b))
	seedRequest(t, store, "stack-1", "retail", ledger.StatusBlocked, "40", "15")
	l, _, recorder := newTestLifecycle(store)

	require.NoError(t, l.Terminate(context.Background(), "stack-1"))

	got, err := store.GetBudget(context.Background(), "budget-retail")
	require.NoError(t, err)
	assert.True(t, got.AccruedBlockedSpend.IsZero(), "blocked = %s", got.AccruedBlockedSpend)

	r, err := store.GetRequest(context.Background(), "stack-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusRejectedSystem, r.Status)
	assert.Equal(t, ledger.ResourceTerminated, r.ResourceStatus)
	require.NotNil(t, r.TerminatedAt)

	require.Len(t, recorder.entries, 1)
	assert.Equal(t, audit.ActionTerminated, recorder.entries[0].Action)
}

func TestLifecycleTerminateStatusMapping(t *testing.T) {
	testCases := []struct {
		prior ledger.RequestStatus
		want  ledger.RequestStatus
	}{
		{ledger.StatusSaved, ledger.StatusRejectedSystem},
		{ledger.StatusApprovedSystem, ledger.StatusApprovedSystemTerminated},
		{ledger.StatusApprovedAdmin, ledger.StatusApprovedAdminTerminated},
		{ledger.StatusRejectedSystem, ledger.StatusRejectedSystemTerminated},
		{ledger.StatusRejectedAdmin, ledger.StatusRejectedAdmin},
	}

	for _, tc := range testCases {
		t.Run(string(tc.prior), func(t *testing.T) {
			store := ledger.NewMemoryStore()
			seedBudget(t, store, "retail", "100", "0", true)
			seedRequest(t, store, "stack-1", "retail", tc.prior, "40", "15")
			l, _, _ := newTestLifecycle(store)

			require.NoError(t, l.Terminate(context.Background(), "stack-1"))

			r, err := store.GetRequest(context.Background(), "stack-1")
			require.NoError(t, err)
			assert.Equal(t, tc.want, r.Status)
			assert.Equal(t, ledger.ResourceTerminated, r.ResourceStatus)
		})
	}
}

// decidedUnderneathStore simulates a concurrent admin decision landing
// between the terminate load and its conditional status flip.
type decidedUnderneathStore struct {
	ledger.Store
}

func (s *decidedUnderneathStore) UpdateRequest(ctx context.Context, id string, upd ledger.RequestUpdate) error {
	if len(upd.ExpectStatus) > 0 {
		return ledger.ErrPreconditionFailed
	}
	return s.Store.UpdateRequest(ctx, id, upd)
}

func TestLifecycleTerminateLosingRaceLeavesReservation(t *testing.T) {
	mem := ledger.NewMemoryStore()
	b := seedBudget(t, mem, "retail", "100", "90", true)
	b.AccruedBlockedSpend = dec("40")
	require.NoError(t, mem.PutBudget(context.Background(), b))
	seedRequest(t, mem, "stack-1", "retail", ledger.StatusPending, "40", "15")
	l, _, recorder := newTestLifecycle(&decidedUnderneathStore{Store: mem})

	require.NoError(t, l.Terminate(context.Background(), "stack-1"))

	// The concurrent decision settles the reservation itself; the losing
	// terminate must not release it a second time.
	got, err := mem.GetBudget(context.Background(), "budget-retail")
	require.NoError(t, err)
	assert.True(t, dec("40").Equal(got.AccruedBlockedSpend), "blocked = %s", got.AccruedBlockedSpend)
	assert.Equal(t, b.Version, got.Version)
	assert.Empty(t, recorder.entries)
}

func TestLifecycleTerminateUnknownRequest(t *testing.T) {
	store := ledger.NewMemoryStore()
	l, _, recorder := newTestLifecycle(store)

	require.NoError(t, l.Terminate(context.Background(), "missing"))
	assert.Empty(t, recorder.entries)
}
