package admission

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"costgate/audit"
	"costgate/callback"
	"costgate/ledger"
)

var testTime = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeNotifier struct {
	requests []string
}

func (n *fakeNotifier) ApprovalRequested(ctx context.Context, b *ledger.Budget, r *ledger.Request) error {
	n.requests = append(n.requests, r.ID)
	return nil
}

type fakeSignaler struct {
	urls    []string
	results []callback.Result
}

func (s *fakeSignaler) Signal(ctx context.Context, url string, res callback.Result) error {
	s.urls = append(s.urls, url)
	s.results = append(s.results, res)
	return nil
}

type fakeRecorder struct {
	entries []audit.Entry
}

func (r *fakeRecorder) Record(ctx context.Context, e audit.Entry) error {
	r.entries = append(r.entries, e)
	return nil
}

func newTestProcessor(store ledger.Store) (*Processor, *fakeNotifier, *fakeSignaler, *fakeRecorder) {
	notifier := &fakeNotifier{}
	signaler := &fakeSignaler{}
	recorder := &fakeRecorder{}
	p := NewProcessor(store, notifier, signaler, recorder, testLogger())
	p.now = func() time.Time { return testTime }
	return p, notifier, signaler, recorder
}

func seedBudget(t *testing.T, store ledger.Store, entity, limit, forecasted string, processed bool) *ledger.Budget {
	t.Helper()
	b := &ledger.Budget{
		ID:                "budget-" + entity,
		EntityName:        entity,
		BudgetName:        entity + "-monthly",
		BudgetLimit:       dec(limit),
		ForecastedSpend:   dec(forecasted),
		ForecastProcessed: processed,
	}
	if processed {
		b.AccruedForecastedSpend = dec(forecasted)
	}
	require.NoError(t, store.PutBudget(context.Background(), b))
	return b
}

func seedRequest(t *testing.T, store ledger.Store, id, entity string, status ledger.RequestStatus, monthly, current string) *ledger.Request {
	t.Helper()
	r := &ledger.Request{
		ID:             id,
		Entity:         entity,
		Status:         status,
		ResourceStatus: ledger.ResourcePending,
		Pricing: ledger.PricingSnapshot{
			MonthlyEquivalent: dec(monthly),
			CurrentMonth:      dec(current),
		},
		WaitURL: "https://wait.example.com/" + id,
	}
	if status != ledger.StatusSaved {
		r.EntityID = "budget-" + entity
	}
	require.NoError(t, store.PutRequest(context.Background(), r))
	return r
}

func TestProcessorAutoApprovesWithinBudget(t *testing.T) {
	store := ledger.NewMemoryStore()
	seedBudget(t, store, "retail", "1000", "50", false)
	seedRequest(t, store, "stack-1", "retail", ledger.StatusSaved, "80", "30")
	p, notifier, signaler, recorder := newTestProcessor(store)

	require.NoError(t, p.Run(context.Background()))

	r, err := store.GetRequest(context.Background(), "stack-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusApprovedSystem, r.Status)
	assert.Equal(t, ledger.ResourceActive, r.ResourceStatus)
	assert.Equal(t, "budget-retail", r.EntityID)
	require.NotNil(t, r.ApprovedAt)

	b, err := store.GetBudget(context.Background(), "budget-retail")
	require.NoError(t, err)
	assert.True(t, dec("80").Equal(b.AccruedForecastedSpend), "forecasted = %s", b.AccruedForecastedSpend)
	assert.True(t, dec("50").Equal(b.AccruedApprovedSpend), "approved = %s", b.AccruedApprovedSpend)
	assert.True(t, b.AccruedBlockedSpend.IsZero())
	assert.True(t, b.ForecastProcessed)
	assert.Equal(t, int64(1), b.Version)

	require.Len(t, signaler.results, 1)
	assert.Equal(t, "https://wait.example.com/stack-1", signaler.urls[0])
	assert.Equal(t, callback.StatusSuccess, signaler.results[0].Status)
	assert.Equal(t, "APPROVED", signaler.results[0].Reason)
	assert.Empty(t, notifier.requests)

	require.Len(t, recorder.entries, 1)
	assert.Equal(t, audit.ActionAutoApproved, recorder.entries[0].Action)
}

func TestProcessorHoldsWhenOverBudget(t *testing.T) {
	store := ledger.NewMemoryStore()
	seedBudget(t, store, "retail", "100", "90", false)
	seedRequest(t, store, "stack-1", "retail", ledger.StatusSaved, "60", "20")
	p, notifier, signaler, _ := newTestProcessor(store)

	require.NoError(t, p.Run(context.Background()))

	r, err := store.GetRequest(context.Background(), "stack-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, r.Status)
	assert.Equal(t, "budget-retail", r.EntityID)

	b, err := store.GetBudget(context.Background(), "budget-retail")
	require.NoError(t, err)
	assert.True(t, dec("60").Equal(b.AccruedBlockedSpend), "blocked = %s", b.AccruedBlockedSpend)
	assert.True(t, b.ForecastProcessed)

	assert.Equal(t, []string{"stack-1"}, notifier.requests)
	assert.Empty(t, signaler.results)
}

func TestProcessorOrderGivesEarlierRequestsPriority(t *testing.T) {
	store := ledger.NewMemoryStore()
	seedBudget(t, store, "retail", "100", "0", true)
	seedRequest(t, store, "stack-1", "retail", ledger.StatusSaved, "60", "10")
	seedRequest(t, store, "stack-2", "retail", ledger.StatusSaved, "60", "10")
	p, notifier, signaler, _ := newTestProcessor(store)

	require.NoError(t, p.Run(context.Background()))

	r1, err := store.GetRequest(context.Background(), "stack-1")
	require.NoError(t, err)
	r2, err := store.GetRequest(context.Background(), "stack-2")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusApprovedSystem, r1.Status)
	assert.Equal(t, ledger.StatusPending, r2.Status)

	b, err := store.GetBudget(context.Background(), "budget-retail")
	require.NoError(t, err)
	assert.True(t, dec("10").Equal(b.AccruedForecastedSpend), "forecasted = %s", b.AccruedForecastedSpend)
	assert.True(t, dec("50").Equal(b.AccruedApprovedSpend), "approved = %s", b.AccruedApprovedSpend)
	assert.True(t, dec("60").Equal(b.AccruedBlockedSpend), "blocked = %s", b.AccruedBlockedSpend)

	assert.Equal(t, []string{"stack-2"}, notifier.requests)
	require.Len(t, signaler.results, 1)
	assert.Equal(t, "stack-1", signaler.results[0].UniqueID)
}

func TestProcessorBlocksBehindExistingPending(t *testing.T) {
	store := ledger.NewMemoryStore()
	b := seedBudget(t, store, "retail", "100", "90", true)
	b.AccruedBlockedSpend = dec("60")
	require.NoError(t, store.PutBudget(context.Background(), b))
	seedRequest(t, store, "stack-1", "retail", ledger.StatusPending, "60", "20")
	seedRequest(t, store, "stack-2", "retail", ledger.StatusSaved, "60", "20")
	p, notifier, signaler, _ := newTestProcessor(store)

	require.NoError(t, p.Run(context.Background()))

	r1, err := store.GetRequest(context.Background(), "stack-1")
	require.NoError(t, err)
	r2, err := store.GetRequest(context.Background(), "stack-2")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, r1.Status)
	assert.Equal(t, ledger.StatusBlocked, r2.Status)

	got, err := store.GetBudget(context.Background(), "budget-retail")
	require.NoError(t, err)
	assert.True(t, dec("120").Equal(got.AccruedBlockedSpend), "blocked = %s", got.AccruedBlockedSpend)

	// The held request stays silent; only the state change mattered.
	assert.Empty(t, notifier.requests)
	assert.Empty(t, signaler.results)
}

func TestProcessorPromotesLoneBlockedRequest(t *testing.T) {
	store := ledger.NewMemoryStore()
	b := seedBudget(t, store, "retail", "100", "90", true)
	b.AccruedBlockedSpend = dec("60")
	require.NoError(t, store.PutBudget(context.Background(), b))
	// Its pending peer was decided out of band; the queued request is now
	// first in line and must surface to the approver.
	seedRequest(t, store, "stack-2", "retail", ledger.StatusBlocked, "60", "20")
	p, notifier, signaler, recorder := newTestProcessor(store)

	require.NoError(t, p.Run(context.Background()))

	r, err := store.GetRequest(context.Background(), "stack-2")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, r.Status)
	assert.Equal(t, []string{"stack-2"}, notifier.requests)
	assert.Empty(t, signaler.results)
	require.Len(t, recorder.entries, 1)
	assert.Equal(t, audit.ActionHeldPending, recorder.entries[0].Action)

	// The reservation was already held for the blocked request, so no
	// accrual moved and the budget write is skipped entirely.
	got, err := store.GetBudget(context.Background(), "budget-retail")
	require.NoError(t, err)
	assert.True(t, dec("60").Equal(got.AccruedBlockedSpend), "blocked = %s", got.AccruedBlockedSpend)
	assert.Equal(t, b.Version, got.Version)
}

func TestProcessorAbsorbsForecastExactlyOnce(t *testing.T) {
	store := ledger.NewMemoryStore()
	seedBudget(t, store, "retail", "1000", "200", false)
	p, _, _, _ := newTestProcessor(store)

	require.NoError(t, p.Run(context.Background()))
	b, err := store.GetBudget(context.Background(), "budget-retail")
	require.NoError(t, err)
	assert.True(t, dec("200").Equal(b.AccruedForecastedSpend))
	assert.True(t, b.ForecastProcessed)
	assert.Equal(t, int64(1), b.Version)

	// The upstream figure drifting afterwards must not be re-copied until
	// the next rebase clears the processed flag.
	b.ForecastedSpend = dec("400")
	require.NoError(t, store.PutBudget(context.Background(), b))

	require.NoError(t, p.Run(context.Background()))
	b, err = store.GetBudget(context.Background(), "budget-retail")
	require.NoError(t, err)
	assert.True(t, dec("200").Equal(b.AccruedForecastedSpend), "forecasted = %s", b.AccruedForecastedSpend)
	assert.Equal(t, int64(1), b.Version)
}

func TestProcessorRependsPendingAfterRebase(t *testing.T) {
	store := ledger.NewMemoryStore()
	b := seedBudget(t, store, "retail", "100", "90", false)
	b.AccruedBlockedSpend = dec("60")
	require.NoError(t, store.PutBudget(context.Background(), b))
	seedRequest(t, store, "stack-1", "retail", ledger.StatusPending, "60", "20")
	p, notifier, _, _ := newTestProcessor(store)

	require.NoError(t, p.Run(context.Background()))

	r, err := store.GetRequest(context.Background(), "stack-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, r.Status)

	// The fresh forecast re-triggers the approver alert for the held request.
	assert.Equal(t, []string{"stack-1"}, notifier.requests)

	got, err := store.GetBudget(context.Background(), "budget-retail")
	require.NoError(t, err)
	assert.True(t, dec("60").Equal(got.AccruedBlockedSpend), "blocked = %s", got.AccruedBlockedSpend)
	assert.True(t, got.ForecastProcessed)
}

// conflictOnceStore fails the first accrual write with a version conflict.
type conflictOnceStore struct {
	ledger.Store
	fired bool
}

func (c *conflictOnceStore) UpdateBudgetAccruals(ctx context.Context, entityID string, upd ledger.AccrualUpdate, expectedVersion int64) error {
	if !c.fired {
		c.fired = true
		return ledger.ErrVersionConflict
	}
	return c.Store.UpdateBudgetAccruals(ctx, entityID, upd, expectedVersion)
}

func TestProcessorRetriesOnVersionConflict(t *testing.T) {
	mem := ledger.NewMemoryStore()
	seedBudget(t, mem, "retail", "1000", "50", true)
	seedRequest(t, mem, "stack-1", "retail", ledger.StatusSaved, "80", "30")
	store := &conflictOnceStore{Store: mem}
	p, _, _, _ := newTestProcessor(store)

	require.NoError(t, p.Run(context.Background()))

	r, err := mem.GetRequest(context.Background(), "stack-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusApprovedSystem, r.Status)
	b, err := mem.GetBudget(context.Background(), "budget-retail")
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.Version)
}

// failEntityStore fails every accrual write for one entity.
type failEntityStore struct {
	ledger.Store
	failID string
}

func (f *failEntityStore) UpdateBudgetAccruals(ctx context.Context, entityID string, upd ledger.AccrualUpdate, expectedVersion int64) error {
	if entityID == f.failID {
		return errors.New("write throttled")
	}
	return f.Store.UpdateBudgetAccruals(ctx, entityID, upd, expectedVersion)
}

func TestProcessorIsolatesEntityFailures(t *testing.T) {
	mem := ledger.NewMemoryStore()
	seedBudget(t, mem, "alpha", "1000", "0", true)
	seedBudget(t, mem, "beta", "1000", "0", true)
	seedRequest(t, mem, "stack-a", "alpha", ledger.StatusSaved, "80", "30")
	seedRequest(t, mem, "stack-b", "beta", ledger.StatusSaved, "80", "30")
	store := &failEntityStore{Store: mem, failID: "budget-alpha"}
	p, _, _, _ := newTestProcessor(store)

	err := p.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entity alpha")

	b, err := mem.GetBudget(context.Background(), "budget-beta")
	require.NoError(t, err)
	assert.True(t, dec("50").Equal(b.AccruedApprovedSpend), "approved = %s", b.AccruedApprovedSpend)
	r, err := mem.GetRequest(context.Background(), "stack-b")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusApprovedSystem, r.Status)
}

func TestProcessorSkipsRequestWithoutBudget(t *testing.T) {
	store := ledger.NewMemoryStore()
	seedBudget(t, store, "retail", "1000", "0", true)
	seedRequest(t, store, "stack-1", "orphaned", ledger.StatusSaved, "80", "30")
	p, _, _, _ := newTestProcessor(store)

	require.NoError(t, p.Run(context.Background()))

	r, err := store.GetRequest(context.Background(), "stack-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSaved, r.Status)
}
