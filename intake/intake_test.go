package intake

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"costgate/admission"
	"costgate/audit"
	"costgate/callback"
	"costgate/ledger"
	errs "costgate/pkg/errors"
)

type nopSignaler struct{}

func (nopSignaler) Signal(ctx context.Context, url string, res callback.Result) error { return nil }

func newTestIntake(store ledger.Store) *Intake {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	lifecycle := admission.NewLifecycle(store, nopSignaler{}, audit.Nop{}, logger)
	return NewIntake(store, lifecycle, "https://gate.example.com/api/v1/approval", logger)
}

func TestIntakeCreate(t *testing.T) {
	store := ledger.NewMemoryStore()
	in := newTestIntake(store)

	snap := ledger.PricingSnapshot{
		InstanceType:      "t3.micro",
		MonthlyEquivalent: decimal.NewFromFloat(74.4),
		CurrentMonth:      decimal.NewFromFloat(51.6),
	}
	r, err := in.Create(context.Background(), CreateInput{
		RequestID:      "stack-1",
		Entity:         "retail",
		RequestorEmail: "dev@example.com",
		WaitURL:        "https://wait.example.com/h",
		Pricing:        snap,
		Payload:        map[string]string{"KeyName": "dev-key"},
	})
	require.NoError(t, err)

	assert.Equal(t, ledger.StatusSaved, r.Status)
	assert.Equal(t, ledger.ResourcePending, r.ResourceStatus)
	assert.Empty(t, r.EntityID)
	assert.Equal(t, "https://gate.example.com/api/v1/approval?requestId=stack-1&requestStatus=Approve", r.ApprovalURL)
	assert.Equal(t, "https://gate.example.com/api/v1/approval?requestId=stack-1&requestStatus=Reject", r.RejectionURL)
	assert.False(t, r.CreatedAt.IsZero())

	stored, err := store.GetRequest(context.Background(), "stack-1")
	require.NoError(t, err)
	assert.True(t, snap.MonthlyEquivalent.Equal(stored.Pricing.MonthlyEquivalent))
	assert.Equal(t, "dev-key", stored.Payload["KeyName"])
}

func TestIntakeCreateValidation(t *testing.T) {
	store := ledger.NewMemoryStore()
	in := newTestIntake(store)

	_, err := in.Create(context.Background(), CreateInput{Entity: "retail"})
	assert.Error(t, err)

	_, err = in.Create(context.Background(), CreateInput{RequestID: "stack-1"})
	assert.Error(t, err)
}

func TestIntakeCreateRejectsOutstandingDuplicate(t *testing.T) {
	store := ledger.NewMemoryStore()
	in := newTestIntake(store)

	_, err := in.Create(context.Background(), CreateInput{RequestID: "stack-1", Entity: "retail"})
	require.NoError(t, err)

	var ge *errs.GateError
	_, err = in.Create(context.Background(), CreateInput{RequestID: "stack-1", Entity: "retail"})
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, errs.ErrCodePrecondition, ge.Code)

	// Once the first incarnation is finalized the id is free again.
	require.NoError(t, in.Delete(context.Background(), "stack-1"))
	_, err = in.Create(context.Background(), CreateInput{RequestID: "stack-1", Entity: "retail"})
	require.NoError(t, err)
}

func TestIntakeDeleteFinalizesRequest(t *testing.T) {
	store := ledger.NewMemoryStore()
	in := newTestIntake(store)

	_, err := in.Create(context.Background(), CreateInput{
		RequestID: "stack-1",
		Entity:    "retail",
	})
	require.NoError(t, err)

	require.NoError(t, in.Delete(context.Background(), "stack-1"))

	r, err := store.GetRequest(context.Background(), "stack-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusRejectedSystem, r.Status)
	assert.Equal(t, ledger.ResourceTerminated, r.ResourceStatus)

	// Deleting a stack that never registered is not an error.
	require.NoError(t, in.Delete(context.Background(), "unknown"))
}
