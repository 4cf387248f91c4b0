package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"costgate/audit"
	"costgate/callback"
	"costgate/ledger"
)

// Lifecycle applies single-request transitions: human approval or rejection
// of a held request, and teardown of a provisioned resource.
type Lifecycle struct {
	store    ledger.Store
	signaler callback.Signaler
	recorder audit.Recorder
	logger   *slog.Logger
	now      func() time.Time
}

func NewLifecycle(store ledger.Store, signaler callback.Signaler, recorder audit.Recorder, logger *slog.Logger) *Lifecycle {
	return &Lifecycle{
		store:    store,
		signaler: signaler,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
	}
}

// heldStatuses is the precondition for admin decisions. The conditional
// update on the prior status is what makes a repeated approve or reject a
// no-op instead of a double deduction.
var heldStatuses = []ledger.RequestStatus{ledger.StatusPending, ledger.StatusBlocked}

// Approve applies a human approval to a held request: the blocked
// reservation moves into the forecast and approved accruals, the request
// becomes APPROVED_ADMIN, and the wait handle is signaled SUCCESS.
func (l *Lifecycle) Approve(ctx context.Context, requestID string) error {
	r, err := l.store.GetRequest(ctx, requestID)
	if err != nil {
		return fmt.Errorf("load request %s: %w", requestID, err)
	}
	if !r.Status.IsHeld() {
		l.logger.Info("approve skipped, request not held", "request_id", requestID, "status", r.Status)
		return nil
	}

	at := l.now().UTC()
	st := ledger.StatusApprovedAdmin
	rs := ledger.ResourceActive
	err = l.store.UpdateRequest(ctx, requestID, ledger.RequestUpdate{
		Status: &st, ResourceStatus: &rs, ApprovedAt: &at,
		ExpectStatus: heldStatuses,
	})
	if errors.Is(err, ledger.ErrPreconditionFailed) {
		l.logger.Info("approve skipped, request already decided", "request_id", requestID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("approve request %s: %w", requestID, err)
	}

	// The wait handle must resolve even if the accrual update below fails:
	// leaving the provisioning pipeline stuck is worse than a ledger drift
	// the next evaluation pass cannot see.
	defer l.signal(ctx, r.WaitURL, callback.AdminApproved(requestID))

	monthly := r.Pricing.MonthlyEquivalent
	current := r.Pricing.CurrentMonth
	if err := l.adjustAccruals(ctx, r.EntityID, func(b *ledger.Budget) {
		b.AccruedBlockedSpend = b.AccruedBlockedSpend.Sub(monthly)
		b.AccruedForecastedSpend = b.AccruedForecastedSpend.Add(current)
		b.AccruedApprovedSpend = b.AccruedApprovedSpend.Add(monthly.Sub(current))
	}); err != nil {
		return fmt.Errorf("reconcile budget for %s: %w", requestID, err)
	}

	l.record(ctx, audit.Entry{
		RequestID: requestID, EntityID: r.EntityID, Action: audit.ActionAdminApproved,
		Status: string(st), Actor: "admin", At: at,
	})
	l.logger.Info("request approved by admin", "request_id", requestID)
	return nil
}

// Reject applies a human rejection to a held request: the blocked
// reservation is released, the request becomes REJECTED_ADMIN, and the wait
// handle is signaled FAILURE.
func (l *Lifecycle) Reject(ctx context.Context, requestID string) error {
	r, err := l.store.GetRequest(ctx, requestID)
	if err != nil {
		return fmt.Errorf("load request %s: %w", requestID, err)
	}
	if !r.Status.IsHeld() {
		l.logger.Info("reject skipped, request not held", "request_id", requestID, "status", r.Status)
		return nil
	}

	at := l.now().UTC()
	st := ledger.StatusRejectedAdmin
	rs := ledger.ResourceRejected
	err = l.store.UpdateRequest(ctx, requestID, ledger.RequestUpdate{
		Status: &st, ResourceStatus: &rs, RejectedAt: &at,
		ExpectStatus: heldStatuses,
	})
	if errors.Is(err, ledger.ErrPreconditionFailed) {
		l.logger.Info("reject skipped, request already decided", "request_id", requestID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("reject request %s: %w", requestID, err)
	}

	defer l.signal(ctx, r.WaitURL, callback.AdminRejected(requestID))

	monthly := r.Pricing.MonthlyEquivalent
	if err := l.adjustAccruals(ctx, r.EntityID, func(b *ledger.Budget) {
		b.AccruedBlockedSpend = b.AccruedBlockedSpend.Sub(monthly)
	}); err != nil {
		return fmt.Errorf("reconcile budget for %s: %w", requestID, err)
	}

	l.record(ctx, audit.Entry{
		RequestID: requestID, EntityID: r.EntityID, Action: audit.ActionAdminRejected,
		Status: string(st), Actor: "admin", At: at,
	})
	l.logger.Info("request rejected by admin", "request_id", requestID)
	return nil
}

// Terminate finalizes a request when its resource is torn down. The status
// collapses through the terminal transition table and the resource is marked
// TERMINATED; a held request's reservation is released only after that
// conditional flip lands, so losing a race with a concurrent decision (which
// settles the reservation itself) cannot release it twice.
func (l *Lifecycle) Terminate(ctx context.Context, requestID string) error {
	r, err := l.store.GetRequest(ctx, requestID)
	if errors.Is(err, ledger.ErrNotFound) {
		l.logger.Info("terminate skipped, request unknown", "request_id", requestID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load request %s: %w", requestID, err)
	}

	at := l.now().UTC()
	rs := ledger.ResourceTerminated
	upd := ledger.RequestUpdate{ResourceStatus: &rs, TerminatedAt: &at}
	if next := ledger.TerminalStatus(r.Status); next != r.Status {
		upd.Status = &next
		// Guard against racing with a concurrent transition on the same
		// request.
		upd.ExpectStatus = []ledger.RequestStatus{r.Status}
	}
	err = l.store.UpdateRequest(ctx, requestID, upd)
	if errors.Is(err, ledger.ErrPreconditionFailed) {
		l.logger.Info("terminate raced with another transition", "request_id", requestID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("terminate request %s: %w", requestID, err)
	}

	if r.EntityID != "" && r.Status.IsHeld() {
		monthly := r.Pricing.MonthlyEquivalent
		if err := l.adjustAccruals(ctx, r.EntityID, func(b *ledger.Budget) {
			b.AccruedBlockedSpend = b.AccruedBlockedSpend.Sub(monthly)
		}); err != nil {
			return fmt.Errorf("release reservation for %s: %w", requestID, err)
		}
	}

	l.record(ctx, audit.Entry{
		RequestID: requestID, EntityID: r.EntityID, Action: audit.ActionTerminated,
		Status: string(ledger.TerminalStatus(r.Status)), Actor: "system", At: at,
	})
	l.logger.Info("request terminated", "request_id", requestID, "prior_status", r.Status)
	return nil
}

// adjustAccruals applies fn to a fresh budget snapshot and persists with
// compare-and-swap, retrying on conflicts.
func (l *Lifecycle) adjustAccruals(ctx context.Context, entityID string, fn func(*ledger.Budget)) error {
	for attempt := 0; attempt < defaultMaxRetries; attempt++ {
		b, err := l.store.GetBudget(ctx, entityID)
		if err != nil {
			return err
		}
		fn(b)
		err = l.store.UpdateBudgetAccruals(ctx, entityID, ledger.AccrualUpdate{
			Forecasted: b.AccruedForecastedSpend,
			Blocked:    b.AccruedBlockedSpend,
			Approved:   b.AccruedApprovedSpend,
		}, b.Version)
		if !errors.Is(err, ledger.ErrVersionConflict) {
			return err
		}
		l.logger.Warn("budget version conflict, retrying accrual update", "entity", entityID, "attempt", attempt+1)
	}
	return ledger.ErrVersionConflict
}

func (l *Lifecycle) signal(ctx context.Context, url string, res callback.Result) {
	if err := l.signaler.Signal(ctx, url, res); err != nil {
		l.logger.Warn("wait callback failed", "request_id", res.UniqueID, "error", err)
	}
}

func (l *Lifecycle) record(ctx context.Context, e audit.Entry) {
	if err := l.recorder.Record(ctx, e); err != nil {
		l.logger.Warn("audit record failed", "request_id", e.RequestID, "error", err)
	}
}
