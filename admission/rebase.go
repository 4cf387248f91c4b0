package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"costgate/budgetdef"
	"costgate/ledger"
)

// Rebaser reconciles the ledger against the external budget-definition
// service and performs the monthly approved-spend reset. Entities are
// independent: a failure on one never blocks the others.
type Rebaser struct {
	store   ledger.Store
	defs    budgetdef.Service
	logger  *slog.Logger
	account string
	now     func() time.Time
}

func NewRebaser(store ledger.Store, defs budgetdef.Service, accountID string, logger *slog.Logger) *Rebaser {
	return &Rebaser{
		store:   store,
		defs:    defs,
		logger:  logger,
		account: accountID,
		now:     time.Now,
	}
}

// RebaseAll refetches every entity's budget definition and overwrites the
// externally sourced figures, clearing the forecast-processed flag so the
// next evaluation pass absorbs the new forecast exactly once.
func (r *Rebaser) RebaseAll(ctx context.Context) error {
	budgets, err := r.store.ListBudgets(ctx)
	if err != nil {
		return fmt.Errorf("list budgets: %w", err)
	}

	var errs []error
	for _, b := range budgets {
		def, err := r.defs.Describe(ctx, r.account, b.BudgetName)
		if err != nil {
			r.logger.Error("budget definition fetch failed", "entity", b.EntityName, "budget", b.BudgetName, "error", err)
			errs = append(errs, fmt.Errorf("entity %s: %w", b.EntityName, err))
			continue
		}
		upd := ledger.RebaseUpdate{
			BudgetLimit:     def.Limit,
			ActualSpend:     def.ActualSpend,
			ForecastedSpend: def.ForecastedSpend,
			UpdatedAt:       r.now().UTC(),
		}
		if err := r.store.RebaseBudget(ctx, b.ID, upd); err != nil {
			r.logger.Error("budget rebase failed", "entity", b.EntityName, "error", err)
			errs = append(errs, fmt.Errorf("entity %s: %w", b.EntityName, err))
			continue
		}
		r.logger.Info("budget rebased", "entity", b.EntityName,
			"limit", def.Limit, "actual", def.ActualSpend, "forecasted", def.ForecastedSpend)
	}
	return errors.Join(errs...)
}

// RebaseFromManifest triggers a rebase when a cost-and-usage manifest lands.
// Only a manifest object (.json key) triggers: report exports drop several
// files per delivery and rebasing once per delivery is enough.
func (r *Rebaser) RebaseFromManifest(ctx context.Context, keys []string) error {
	for _, key := range keys {
		if strings.HasSuffix(key, ".json") {
			r.logger.Info("manifest file found, rebasing budgets", "key", key)
			return r.RebaseAll(ctx)
		}
	}
	r.logger.Info("no manifest file in event, skipping rebase")
	return nil
}

// ResetApprovedSpend zeroes every entity's accruedApprovedSpend at the
// calendar month boundary. Forecast and blocked accruals carry over.
func (r *Rebaser) ResetApprovedSpend(ctx context.Context) error {
	budgets, err := r.store.ListBudgets(ctx)
	if err != nil {
		return fmt.Errorf("list budgets: %w", err)
	}

	var errs []error
	for _, b := range budgets {
		if err := r.store.ResetApprovedSpend(ctx, b.ID); err != nil {
			r.logger.Error("approved-spend reset failed", "entity", b.EntityName, "error", err)
			errs = append(errs, fmt.Errorf("entity %s: %w", b.EntityName, err))
			continue
		}
		r.logger.Info("approved spend reset", "entity", b.EntityName)
	}
	return errors.Join(errs...)
}
