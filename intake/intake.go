// Package intake records incoming provisioning requests in the ledger and
// routes teardown events to the lifecycle handler.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"costgate/admission"
	"costgate/ledger"
	errs "costgate/pkg/errors"
)

// CreateInput is a provisioning request as delivered by the trigger.
type CreateInput struct {
	RequestID      string
	Entity         string
	RequestorEmail string
	WaitURL        string
	ProductName    string
	Pricing        ledger.PricingSnapshot
	Payload        map[string]string
}

// Intake saves new requests and finalizes deleted ones.
type Intake struct {
	store       ledger.Store
	lifecycle   *admission.Lifecycle
	approvalURL string
	logger      *slog.Logger
	now         func() time.Time
}

// NewIntake builds an intake handler. approvalURL is the externally
// reachable admin-decision endpoint baked into notification links.
func NewIntake(store ledger.Store, lifecycle *admission.Lifecycle, approvalURL string, logger *slog.Logger) *Intake {
	return &Intake{
		store:       store,
		lifecycle:   lifecycle,
		approvalURL: approvalURL,
		logger:      logger,
		now:         time.Now,
	}
}

// Create stores a SAVED request with its immutable pricing snapshot and the
// derived one-click decision URLs. The owning budget is not resolved here;
// the evaluation pass does that on first evaluation.
func (i *Intake) Create(ctx context.Context, in CreateInput) (*ledger.Request, error) {
	if in.RequestID == "" {
		return nil, errs.NewBadRequestError("request id is required")
	}
	if in.Entity == "" {
		return nil, errs.NewBadRequestError("business entity is required")
	}

	// A request id may be reused only after its previous incarnation is
	// finalized; an outstanding one would double-count against the budget.
	existing, err := i.store.GetRequest(ctx, in.RequestID)
	switch {
	case err == nil && !existing.Status.IsTerminal():
		return nil, errs.NewPreconditionError(in.RequestID, "A request with this id is still outstanding")
	case err != nil && !errors.Is(err, ledger.ErrNotFound):
		return nil, errs.NewStoreError(fmt.Sprintf("load request %s", in.RequestID), err)
	}

	r := &ledger.Request{
		ID:             in.RequestID,
		Entity:         in.Entity,
		Status:         ledger.StatusSaved,
		ResourceStatus: ledger.ResourcePending,
		Pricing:        in.Pricing,
		RequestorEmail: in.RequestorEmail,
		ProductName:    in.ProductName,
		Payload:        in.Payload,
		ApprovalURL:    i.decisionURL(in.RequestID, "Approve"),
		RejectionURL:   i.decisionURL(in.RequestID, "Reject"),
		WaitURL:        in.WaitURL,
		CreatedAt:      i.now().UTC(),
	}
	if err := i.store.PutRequest(ctx, r); err != nil {
		return nil, errs.NewStoreError(fmt.Sprintf("save request %s", in.RequestID), err)
	}
	i.logger.Info("request saved", "request_id", r.ID, "entity", r.Entity,
		"monthly_equivalent", r.Pricing.MonthlyEquivalent)
	return r, nil
}

// Delete handles a teardown event for the stack behind a request.
func (i *Intake) Delete(ctx context.Context, requestID string) error {
	return i.lifecycle.Terminate(ctx, requestID)
}

func (i *Intake) decisionURL(requestID, decision string) string {
	q := url.Values{}
	q.Set("requestStatus", decision)
	q.Set("requestId", requestID)
	return i.approvalURL + "?" + q.Encode()
}
