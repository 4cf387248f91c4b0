// Package notify alerts a human approver when a request is held for review.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"costgate/ledger"
)

// Notifier publishes an approval-needed alert. Delivery is at-least-once and
// fire-and-forget from the engine's perspective.
type Notifier interface {
	ApprovalRequested(ctx context.Context, b *ledger.Budget, r *ledger.Request) error
}

// Subject is the notification subject line for held requests.
const Subject = "Request for approval to launch a Linux EC2 Instance"

// LogNotifier writes the alert to the structured log. Used when no
// notification topic is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) ApprovalRequested(ctx context.Context, b *ledger.Budget, r *ledger.Request) error {
	n.Logger.Info("approval requested",
		"request_id", r.ID,
		"entity", b.EntityName,
		"subject", Subject,
		"message", BuildMessage(b, r, time.Now().UTC()))
	return nil
}

var _ Notifier = LogNotifier{}

// BuildMessage renders the approver notification body with the budget
// figures at decision time and the one-click decision links.
func BuildMessage(b *ledger.Budget, r *ledger.Request, now time.Time) string {
	monthName := fmt.Sprintf("%s, %d", now.Month().String(), now.Year())
	forecasted := b.AccruedForecastedSpend.Add(b.AccruedApprovedSpend)
	// Pending pipeline spend excludes the request this alert is about.
	pipeline := b.AccruedBlockedSpend.Sub(r.Pricing.MonthlyEquivalent)

	return fmt.Sprintf(`Dear Admin,

An user (%s) has requested to launch a Linux EC2 instance (%s).

Monthly Budget Limit: %s
Forecasted spend for month of %s: %s
Actual spend for month of %s (MTD): %s
Total spend of pending requests in pipeline (exclusive of current request): %s
Exception requested amount (Monthly Recurring): %s

Kindly act by clicking the below URLs.

Approval Url (click to approve) %s

Rejection Url (click to reject) %s

Please note that request will be auto rejected in 12 hrs if no action is taken

Thanks,
Product Approval Team
`,
		r.RequestorEmail,
		r.Pricing.InstanceType,
		b.BudgetLimit.String(),
		monthName, forecasted.String(),
		monthName, b.ActualSpend.String(),
		pipeline.String(),
		r.Pricing.MonthlyEquivalent.String(),
		r.ApprovalURL,
		r.RejectionURL,
	)
}
