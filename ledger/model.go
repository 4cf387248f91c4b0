// Package ledger defines the budget-ledger data model and the store
// contract used by the admission engine.
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// RequestStatus is the lifecycle state of a provisioning request.
type RequestStatus string

const (
	StatusSaved          RequestStatus = "SAVED"
	StatusPending        RequestStatus = "PENDING"
	StatusBlocked        RequestStatus = "BLOCKED"
	StatusApprovedSystem RequestStatus = "APPROVED_SYSTEM"
	StatusApprovedAdmin  RequestStatus = "APPROVED_ADMIN"
	StatusRejectedAdmin  RequestStatus = "REJECTED_ADMIN"
	StatusRejectedSystem RequestStatus = "REJECTED_SYSTEM"

	StatusApprovedSystemTerminated RequestStatus = "APPROVED_SYSTEM_TERMINATED"
	StatusApprovedAdminTerminated  RequestStatus = "APPROVED_ADMIN_TERMINATED"
	StatusRejectedSystemTerminated RequestStatus = "REJECTED_SYSTEM_TERMINATED"
)

// IsHeld reports whether the request is held against its entity's budget
// (its monthly-equivalent cost is reserved in accruedBlockedSpend).
func (s RequestStatus) IsHeld() bool {
	return s == StatusPending || s == StatusBlocked
}

// IsTerminal reports whether the status is a post-teardown state.
func (s RequestStatus) IsTerminal() bool {
	switch s {
	case StatusApprovedSystemTerminated, StatusApprovedAdminTerminated, StatusRejectedSystemTerminated:
		return true
	}
	return false
}

// TerminalStatus maps a status to its post-teardown state. Held or saved
// requests collapse to REJECTED_SYSTEM; an admin rejection stays as-is.
func TerminalStatus(s RequestStatus) RequestStatus {
	switch s {
	case StatusSaved, StatusPending, StatusBlocked:
		return StatusRejectedSystem
	case StatusRejectedAdmin:
		return StatusRejectedAdmin
	case StatusApprovedSystem:
		return StatusApprovedSystemTerminated
	case StatusApprovedAdmin:
		return StatusApprovedAdminTerminated
	case StatusRejectedSystem:
		return StatusRejectedSystemTerminated
	default:
		return s
	}
}

// ResourceStatus tracks the provisioned resource behind a request.
type ResourceStatus string

const (
	ResourcePending    ResourceStatus = "PENDING"
	ResourceActive     ResourceStatus = "ACTIVE"
	ResourceRejected   ResourceStatus = "REJECTED"
	ResourceTerminated ResourceStatus = "TERMINATED"
)

// PricingSnapshot is the cost estimate fixed at request creation.
// It is never recomputed; all budget arithmetic reuses these figures so
// re-evaluations stay deterministic across budget rebases.
type PricingSnapshot struct {
	InstanceType      string          `json:"instance_type,omitempty"`
	OperatingSystem   string          `json:"operating_system,omitempty"`
	TermType          string          `json:"term_type,omitempty"`
	UnitPrice         decimal.Decimal `json:"unit_price"`
	CurrentMonth      decimal.Decimal `json:"est_curr_month_price"`
	MonthlyEquivalent decimal.Decimal `json:"monthly_equivalent_price"`
	NextMonth         decimal.Decimal `json:"next_month_price,omitempty"`
	HoursLeft         int             `json:"hours_left_in_curr_month,omitempty"`
	QuotedAt          time.Time       `json:"quoted_at"`
}

// Budget is the accrual ledger for one business entity.
type Budget struct {
	ID         string `json:"id"`
	EntityName string `json:"entity_name"`
	BudgetName string `json:"budget_name"`

	BudgetLimit     decimal.Decimal `json:"budget_limit"`
	ActualSpend     decimal.Decimal `json:"actual_spend"`
	ForecastedSpend decimal.Decimal `json:"forecasted_spend"`

	AccruedForecastedSpend decimal.Decimal `json:"accrued_forecasted_spend"`
	AccruedBlockedSpend    decimal.Decimal `json:"accrued_blocked_spend"`
	AccruedApprovedSpend   decimal.Decimal `json:"accrued_approved_spend"`

	ForecastProcessed   bool       `json:"forecast_processed"`
	ForecastProcessedAt *time.Time `json:"forecast_processed_at,omitempty"`

	NotifyTopicARN string    `json:"notify_topic_arn"`
	ApproverEmail  string    `json:"approver_email"`
	UpdatedAt      time.Time `json:"updated_at"`

	// Version guards accrual updates with compare-and-swap so two
	// overlapping evaluation passes cannot silently overwrite each other.
	Version int64 `json:"version"`
}

// ForecastBase returns the forecast figure admission math subtracts from the
// limit: the ledger's own running figure once it exists, otherwise the last
// externally reported forecast.
func (b *Budget) ForecastBase() decimal.Decimal {
	if b.AccruedForecastedSpend.IsPositive() {
		return b.AccruedForecastedSpend
	}
	return b.ForecastedSpend
}

// Request is the lifecycle record of one provisioning attempt. The ID equals
// the owning infrastructure stack's identifier.
type Request struct {
	ID     string `json:"id"`
	Entity string `json:"entity"`
	// EntityID is empty until the request is first evaluated, then fixed to
	// the owning budget record's id.
	EntityID string `json:"entity_id"`

	Status         RequestStatus  `json:"status"`
	ResourceStatus ResourceStatus `json:"resource_status"`

	Pricing PricingSnapshot `json:"pricing"`

	RequestorEmail string            `json:"requestor_email"`
	ProductName    string            `json:"product_name,omitempty"`
	Payload        map[string]string `json:"payload,omitempty"`

	ApprovalURL  string `json:"approval_url"`
	RejectionURL string `json:"rejection_url"`
	WaitURL      string `json:"wait_url"`

	CreatedAt    time.Time  `json:"created_at"`
	ApprovedAt   *time.Time `json:"approved_at,omitempty"`
	RejectedAt   *time.Time `json:"rejected_at,omitempty"`
	TerminatedAt *time.Time `json:"terminated_at,omitempty"`
}
