// Package pricing produces the monthly cost quote that becomes a request's
// immutable pricing snapshot.
package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"costgate/ledger"
)

// monthlyEquivalentHours is the flat 31-day month used for the
// monthly-equivalent (reservation) figure.
const monthlyEquivalentHours = 31 * 24

// UnitPriceSource resolves the hourly on-demand price for an instance shape.
type UnitPriceSource interface {
	UnitPrice(ctx context.Context, operatingSystem, instanceType, region, termType string) (decimal.Decimal, error)
}

// Quoter turns a unit price into the per-month figures the ledger tracks.
type Quoter struct {
	source UnitPriceSource
	region string
	logger *slog.Logger
	now    func() time.Time
}

func NewQuoter(source UnitPriceSource, region string, logger *slog.Logger) *Quoter {
	return &Quoter{
		source: source,
		region: region,
		logger: logger,
		now:    time.Now,
	}
}

// Quote prices an instance for the remainder of the current month, a flat
// 31-day month, and the next calendar month.
func (q *Quoter) Quote(ctx context.Context, operatingSystem, instanceType, termType string) (ledger.PricingSnapshot, error) {
	unit, err := q.source.UnitPrice(ctx, operatingSystem, instanceType, q.region, termType)
	if err != nil {
		return ledger.PricingSnapshot{}, fmt.Errorf("resolve unit price: %w", err)
	}

	now := q.now().UTC()
	hoursLeft := HoursLeftInMonth(now)
	nextMonthHours := HoursInNextMonth(now)

	snap := ledger.PricingSnapshot{
		InstanceType:      instanceType,
		OperatingSystem:   operatingSystem,
		TermType:          termType,
		UnitPrice:         unit,
		CurrentMonth:      unit.Mul(decimal.NewFromInt(int64(hoursLeft))),
		MonthlyEquivalent: unit.Mul(decimal.NewFromInt(monthlyEquivalentHours)),
		NextMonth:         unit.Mul(decimal.NewFromInt(int64(nextMonthHours))),
		HoursLeft:         hoursLeft,
		QuotedAt:          now,
	}
	q.logger.Info("priced instance", "instance_type", instanceType,
		"unit_price", unit, "hours_left", hoursLeft, "monthly_equivalent", snap.MonthlyEquivalent)
	return snap, nil
}

// HoursLeftInMonth returns the whole hours remaining in now's month,
// counting the current hour as consumed.
func HoursLeftInMonth(now time.Time) int {
	total := daysInMonth(now.Year(), now.Month()) * 24
	consumed := (now.Day()-1)*24 + now.Hour()
	return total - consumed
}

// HoursInNextMonth returns the total hours of the month after now's.
func HoursInNextMonth(now time.Time) int {
	year, month := now.Year(), now.Month()
	if month == time.December {
		year++
		month = time.January
	} else {
		month++
	}
	return daysInMonth(year, month) * 24
}

func daysInMonth(year int, month time.Month) int {
	// Day 0 of the next month is the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
