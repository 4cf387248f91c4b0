// Package admission implements the budget-ledger admission control engine:
// the capacity evaluator, the batch request processor, the admin lifecycle
// transitions, and the budget rebase handlers.
package admission

import (
	"github.com/shopspring/decimal"

	"costgate/ledger"
)

// Evaluation is the outcome of checking one request against its budget.
type Evaluation struct {
	Approve   bool
	Remaining decimal.Decimal
}

// Evaluate checks whether the budget has capacity for the request's full
// monthly-equivalent cost on top of everything already recognized or
// reserved. The full monthly cost is subtracted up front, so later requests
// in the same pass observe the cumulative effect of earlier decisions.
func Evaluate(b *ledger.Budget, r *ledger.Request) Evaluation {
	remaining := b.BudgetLimit.
		Sub(b.ForecastBase()).
		Sub(r.Pricing.MonthlyEquivalent).
		Sub(b.AccruedBlockedSpend).
		Sub(b.AccruedApprovedSpend)
	return Evaluation{
		Approve:   !remaining.IsNegative(),
		Remaining: remaining,
	}
}
