// Package budgetdef reads the authoritative budget figures from the external
// budget-definition service.
package budgetdef

import (
	"context"

	"github.com/shopspring/decimal"
)

// Definition is the externally reported state of one budget.
type Definition struct {
	Limit           decimal.Decimal
	ActualSpend     decimal.Decimal
	ForecastedSpend decimal.Decimal
}

// Service is the read-only source of truth for budget limits and reported
// spend.
type Service interface {
	Describe(ctx context.Context, accountID, budgetName string) (Definition, error)
}
