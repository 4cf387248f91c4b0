package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a budget or request record is absent.
	ErrNotFound = errors.New("ledger: record not found")
	// ErrVersionConflict is returned when a budget accrual update loses a
	// compare-and-swap race against a concurrent writer.
	ErrVersionConflict = errors.New("ledger: budget version conflict")
	// ErrPreconditionFailed is returned when a request update's expected
	// prior status no longer holds.
	ErrPreconditionFailed = errors.New("ledger: status precondition failed")
)

// AccrualUpdate is a consistent snapshot of a budget's three accrual fields,
// persisted in a single conditional write.
type AccrualUpdate struct {
	Forecasted decimal.Decimal
	Blocked    decimal.Decimal
	Approved   decimal.Decimal

	// MarkForecastProcessed stamps the absorb-once flag alongside the
	// accruals when the pass folded a fresh external forecast in.
	MarkForecastProcessed bool
	ProcessedAt           time.Time
}

// RebaseUpdate overwrites the externally sourced budget figures and clears
// the forecast-processed flag so the next evaluation pass re-absorbs the
// forecast exactly once.
type RebaseUpdate struct {
	BudgetLimit     decimal.Decimal
	ActualSpend     decimal.Decimal
	ForecastedSpend decimal.Decimal
	UpdatedAt       time.Time
}

// RequestUpdate is a partial update of a request record. Nil fields are left
// untouched. When ExpectStatus is non-empty the write only applies while the
// stored status is one of the listed values; otherwise ErrPreconditionFailed.
type RequestUpdate struct {
	Status         *RequestStatus
	EntityID       *string
	ResourceStatus *ResourceStatus
	ApprovedAt     *time.Time
	RejectedAt     *time.Time
	TerminatedAt   *time.Time

	ExpectStatus []RequestStatus
}

// Store is the ledger persistence contract. Implementations back it with
// DynamoDB in production and Postgres or memory elsewhere.
type Store interface {
	PutBudget(ctx context.Context, b *Budget) error
	GetBudget(ctx context.Context, entityID string) (*Budget, error)
	ListBudgets(ctx context.Context) ([]*Budget, error)
	// UpdateBudgetAccruals applies upd only while the stored version still
	// equals expectedVersion, then bumps the version.
	UpdateBudgetAccruals(ctx context.Context, entityID string, upd AccrualUpdate, expectedVersion int64) error
	RebaseBudget(ctx context.Context, entityID string, upd RebaseUpdate) error
	// ResetApprovedSpend zeroes accruedApprovedSpend at the monthly boundary.
	ResetApprovedSpend(ctx context.Context, entityID string) error

	PutRequest(ctx context.Context, r *Request) error
	GetRequest(ctx context.Context, id string) (*Request, error)
	// ListRequestsByStatus returns matching requests in stable retrieval
	// order (ascending range key on the status index).
	ListRequestsByStatus(ctx context.Context, s RequestStatus) ([]*Request, error)
	UpdateRequest(ctx context.Context, id string, upd RequestUpdate) error
}
