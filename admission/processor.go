package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"costgate/audit"
	"costgate/callback"
	"costgate/ledger"
	"costgate/notify"
)

// defaultMaxRetries bounds per-entity re-evaluation after a version conflict.
const defaultMaxRetries = 3

// Processor re-evaluates every outstanding request against remaining budget
// capacity. Each invocation loads all budgets and all PENDING, BLOCKED and
// SAVED requests, accumulates accrual mutations in memory, and persists one
// conditional budget update per entity at the end.
type Processor struct {
	store    ledger.Store
	notifier notify.Notifier
	signaler callback.Signaler
	recorder audit.Recorder
	logger   *slog.Logger

	maxRetries int
	now        func() time.Time
}

func NewProcessor(store ledger.Store, notifier notify.Notifier, signaler callback.Signaler, recorder audit.Recorder, logger *slog.Logger) *Processor {
	return &Processor{
		store:      store,
		notifier:   notifier,
		signaler:   signaler,
		recorder:   recorder,
		logger:     logger,
		maxRetries: defaultMaxRetries,
		now:        time.Now,
	}
}

// entityPass is the working state for one entity within a single invocation.
type entityPass struct {
	budget  *ledger.Budget
	version int64

	pending []*ledger.Request
	blocked []*ledger.Request
	saved   []*ledger.Request
}

// Run executes one evaluation pass. Entities are processed independently:
// a failure on one entity discards that entity's in-memory mutations and
// does not abort the others. The returned error aggregates per-entity
// failures.
func (p *Processor) Run(ctx context.Context) error {
	entities, err := p.load(ctx)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(entities))
	for name := range entities {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if err := p.processEntity(ctx, entities[name]); err != nil {
			p.logger.Error("entity pass failed", "entity", name, "error", err)
			errs = append(errs, fmt.Errorf("entity %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (p *Processor) load(ctx context.Context) (map[string]*entityPass, error) {
	budgets, err := p.store.ListBudgets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list budgets: %w", err)
	}
	entities := make(map[string]*entityPass, len(budgets))
	for _, b := range budgets {
		entities[b.EntityName] = &entityPass{budget: b, version: b.Version}
	}

	for _, status := range []ledger.RequestStatus{ledger.StatusPending, ledger.StatusBlocked, ledger.StatusSaved} {
		reqs, err := p.store.ListRequestsByStatus(ctx, status)
		if err != nil {
			return nil, fmt.Errorf("list %s requests: %w", status, err)
		}
		for _, r := range reqs {
			e, ok := entities[r.Entity]
			if !ok {
				// No budget for the entity: skip this record, keep the pass going.
				p.logger.Error("no budget for request entity", "request_id", r.ID, "entity", r.Entity)
				continue
			}
			switch status {
			case ledger.StatusPending:
				e.pending = append(e.pending, r)
			case ledger.StatusBlocked:
				e.blocked = append(e.blocked, r)
			default:
				e.saved = append(e.saved, r)
			}
		}
	}
	return entities, nil
}

func (p *Processor) processEntity(ctx context.Context, e *entityPass) error {
	for attempt := 0; ; attempt++ {
		err := p.runEntityPass(ctx, e)
		if !errors.Is(err, ledger.ErrVersionConflict) {
			return err
		}
		if attempt+1 >= p.maxRetries {
			return fmt.Errorf("giving up after %d attempts: %w", attempt+1, err)
		}
		p.logger.Warn("budget version conflict, re-evaluating entity",
			"entity", e.budget.EntityName, "attempt", attempt+1)
		reloaded, rerr := p.reloadEntity(ctx, e.budget)
		if rerr != nil {
			return rerr
		}
		e = reloaded
	}
}

// reloadEntity refetches the budget and the entity's outstanding requests so
// a conflicted pass re-evaluates against fresh state.
func (p *Processor) reloadEntity(ctx context.Context, old *ledger.Budget) (*entityPass, error) {
	b, err := p.store.GetBudget(ctx, old.ID)
	if err != nil {
		return nil, fmt.Errorf("reload budget: %w", err)
	}
	e := &entityPass{budget: b, version: b.Version}
	for _, status := range []ledger.RequestStatus{ledger.StatusPending, ledger.StatusBlocked, ledger.StatusSaved} {
		reqs, err := p.store.ListRequestsByStatus(ctx, status)
		if err != nil {
			return nil, fmt.Errorf("reload %s requests: %w", status, err)
		}
		for _, r := range reqs {
			if r.Entity != b.EntityName {
				continue
			}
			switch status {
			case ledger.StatusPending:
				e.pending = append(e.pending, r)
			case ledger.StatusBlocked:
				e.blocked = append(e.blocked, r)
			default:
				e.saved = append(e.saved, r)
			}
		}
	}
	return e, nil
}

// runEntityPass evaluates the entity's requests in PENDING, BLOCKED, SAVED
// order against a working copy of the budget. The accruals commit first in
// one conditional write; request transitions, notifications and callbacks
// are buffered and applied only after the write lands, so a version
// conflict re-evaluates a pass that had no visible effect yet. A decision
// that moves no money, such as promoting a blocked request whose pending
// peer is gone, skips the budget write but still applies its effects.
func (p *Processor) runEntityPass(ctx context.Context, e *entityPass) error {
	b := *e.budget

	freshForecast := false
	if !b.ForecastProcessed {
		p.logger.Info("absorbing new external forecast", "entity", b.EntityName, "forecast", b.ForecastedSpend)
		b.AccruedForecastedSpend = b.ForecastedSpend
		freshForecast = true
	}

	pendingExists := len(e.pending) > 0
	mutated := freshForecast
	var effects []func(context.Context) error

	for _, batch := range [][]*ledger.Request{e.pending, e.blocked, e.saved} {
		for _, r := range batch {
			changed := p.admit(&b, r, &pendingExists, freshForecast, &effects)
			mutated = mutated || changed
		}
	}

	if !mutated && len(effects) == 0 {
		return nil
	}
	if mutated {
		upd := ledger.AccrualUpdate{
			Forecasted:            b.AccruedForecastedSpend,
			Blocked:               b.AccruedBlockedSpend,
			Approved:              b.AccruedApprovedSpend,
			MarkForecastProcessed: freshForecast,
			ProcessedAt:           p.now().UTC(),
		}
		if err := p.store.UpdateBudgetAccruals(ctx, b.ID, upd, e.version); err != nil {
			return err
		}
		p.logger.Info("persisted budget accruals", "entity", b.EntityName,
			"forecasted", b.AccruedForecastedSpend, "blocked", b.AccruedBlockedSpend, "approved", b.AccruedApprovedSpend)
	}

	var errs []error
	for _, fn := range effects {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// admit applies the admission decision for one request, mutating the working
// budget copy in place and appending the deferred side effects. It reports
// whether any accrual changed. A buffered store write failure surfaces after
// the accrual commit; notification and callback failures only log.
func (p *Processor) admit(b *ledger.Budget, r *ledger.Request, pendingExists *bool, freshForecast bool, effects *[]func(context.Context) error) bool {
	ev := Evaluate(b, r)
	monthly := r.Pricing.MonthlyEquivalent
	p.logger.Info("evaluated request", "request_id", r.ID, "entity", b.EntityName,
		"status", r.Status, "remaining", ev.Remaining, "approve", ev.Approve)

	if !ev.Approve {
		switch {
		case !*pendingExists || (freshForecast && r.Status == ledger.StatusPending):
			// No pending request covers the entity yet, or a forecast rebase
			// invalidated the previous pending decision: hold for a human.
			changed := false
			if r.Status == ledger.StatusSaved {
				b.AccruedBlockedSpend = b.AccruedBlockedSpend.Add(monthly)
				changed = true
			}
			prior := r.Status
			r.Status = ledger.StatusPending
			r.EntityID = b.ID
			*pendingExists = true
			budget, req := *b, *r
			*effects = append(*effects, func(ctx context.Context) error {
				st := ledger.StatusPending
				if err := p.store.UpdateRequest(ctx, req.ID, ledger.RequestUpdate{Status: &st, EntityID: &budget.ID}); err != nil {
					return fmt.Errorf("hold request %s: %w", req.ID, err)
				}
				if err := p.notifier.ApprovalRequested(ctx, &budget, &req); err != nil {
					p.logger.Warn("approval notification failed", "request_id", req.ID, "error", err)
				}
				p.record(ctx, audit.Entry{
					RequestID: req.ID, EntityID: budget.ID, Action: audit.ActionHeldPending,
					Status: string(ledger.StatusPending), Remaining: ev.Remaining, Actor: "system", At: p.now().UTC(),
				})
				p.logger.Info("request held for approval", "request_id", req.ID, "prior_status", prior)
				return nil
			})
			return changed

		case r.Status == ledger.StatusSaved:
			// Another request is already awaiting approval; queue behind it.
			b.AccruedBlockedSpend = b.AccruedBlockedSpend.Add(monthly)
			r.Status = ledger.StatusBlocked
			r.EntityID = b.ID
			id, entityID := r.ID, b.ID
			*effects = append(*effects, func(ctx context.Context) error {
				st := ledger.StatusBlocked
				if err := p.store.UpdateRequest(ctx, id, ledger.RequestUpdate{Status: &st, EntityID: &entityID}); err != nil {
					return fmt.Errorf("block request %s: %w", id, err)
				}
				p.record(ctx, audit.Entry{
					RequestID: id, EntityID: entityID, Action: audit.ActionHeldBlocked,
					Status: string(ledger.StatusBlocked), Remaining: ev.Remaining, Actor: "system", At: p.now().UTC(),
				})
				p.logger.Info("request blocked behind pending request", "request_id", id)
				return nil
			})
			return true

		default:
			// Already held and nothing changed; stay silent to avoid
			// duplicate approver alerts.
			return false
		}
	}

	// Capacity available: recognize the cost permanently into the budget.
	current := r.Pricing.CurrentMonth
	b.AccruedForecastedSpend = b.ForecastBase().Add(current)
	b.AccruedApprovedSpend = b.AccruedApprovedSpend.Add(monthly.Sub(current))
	if r.Status.IsHeld() {
		// Release the reservation made when the request was held.
		b.AccruedBlockedSpend = b.AccruedBlockedSpend.Sub(monthly)
		*pendingExists = false
	}
	r.Status = ledger.StatusApprovedSystem
	r.EntityID = b.ID
	id, entityID, waitURL := r.ID, b.ID, r.WaitURL
	*effects = append(*effects, func(ctx context.Context) error {
		if err := p.signaler.Signal(ctx, waitURL, callback.Approved(id)); err != nil {
			p.logger.Warn("approval callback failed", "request_id", id, "error", err)
		}
		st := ledger.StatusApprovedSystem
		rs := ledger.ResourceActive
		at := p.now().UTC()
		if err := p.store.UpdateRequest(ctx, id, ledger.RequestUpdate{
			Status: &st, EntityID: &entityID, ResourceStatus: &rs, ApprovedAt: &at,
		}); err != nil {
			return fmt.Errorf("approve request %s: %w", id, err)
		}
		p.record(ctx, audit.Entry{
			RequestID: id, EntityID: entityID, Action: audit.ActionAutoApproved,
			Status: string(ledger.StatusApprovedSystem), Remaining: ev.Remaining, Actor: "system", At: at,
		})
		p.logger.Info("request auto-approved", "request_id", id, "remaining", ev.Remaining)
		return nil
	})
	return true
}

func (p *Processor) record(ctx context.Context, e audit.Entry) {
	if err := p.recorder.Record(ctx, e); err != nil {
		p.logger.Warn("audit record failed", "request_id", e.RequestID, "error", err)
	}
}
