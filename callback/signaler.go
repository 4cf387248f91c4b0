// Package callback signals the provisioning pipeline's wait handle once an
// admission decision has been made.
package callback

import "context"

const (
	StatusSuccess = "SUCCESS"
	StatusFailure = "FAILURE"
)

// Result is the payload delivered to a wait handle. The Reason field
// distinguishes a human decision ("Approved"/"Rejected") from an automatic
// one ("APPROVED").
type Result struct {
	Status   string `json:"Status"`
	Reason   string `json:"Reason"`
	UniqueID string `json:"UniqueId"`
	Data     string `json:"Data"`
}

// Approved builds the payload for a system auto-approval.
func Approved(requestID string) Result {
	return Result{
		Status:   StatusSuccess,
		Reason:   "APPROVED",
		UniqueID: requestID,
		Data:     "System approved the stack creation",
	}
}

// AdminApproved builds the payload for a human approval.
func AdminApproved(requestID string) Result {
	return Result{
		Status:   StatusSuccess,
		Reason:   "Approved",
		UniqueID: requestID,
		Data:     "Owner approved the stack creation",
	}
}

// AdminRejected builds the payload for a human rejection.
func AdminRejected(requestID string) Result {
	return Result{
		Status:   StatusFailure,
		Reason:   "Rejected",
		UniqueID: requestID,
		Data:     "Admin rejected the stack",
	}
}

// Signaler delivers a one-shot decision callback. Delivery is best-effort:
// the core logs failures but never retries or rolls back the transition the
// signal accompanies.
type Signaler interface {
	Signal(ctx context.Context, url string, res Result) error
}
