// Package audit records every admission decision for after-the-fact review.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Action identifies the transition a decision produced.
type Action string

const (
	ActionAutoApproved  Action = "auto_approved"
	ActionHeldPending   Action = "held_pending"
	ActionHeldBlocked   Action = "held_blocked"
	ActionAdminApproved Action = "admin_approved"
	ActionAdminRejected Action = "admin_rejected"
	ActionTerminated    Action = "terminated"
)

// Entry is one admission decision.
type Entry struct {
	ID        uuid.UUID       `json:"id"`
	RequestID string          `json:"request_id"`
	EntityID  string          `json:"entity_id"`
	Action    Action          `json:"action"`
	Status    string          `json:"status"`
	Remaining decimal.Decimal `json:"remaining"`
	Actor     string          `json:"actor"` // "system" or the deciding admin channel
	At        time.Time       `json:"decided_at"`
}

// Recorder persists decision entries. Recording is best-effort: a failed
// write is logged by the caller and never blocks the transition.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

// Reader exposes the recorded decision trail for operator review.
type Reader interface {
	ListByRequest(ctx context.Context, requestID string) ([]Entry, error)
}

// Nop discards all entries and reports an empty trail.
type Nop struct{}

func (Nop) Record(ctx context.Context, e Entry) error { return nil }

func (Nop) ListByRequest(ctx context.Context, requestID string) ([]Entry, error) { return nil, nil }

var (
	_ Recorder = Nop{}
	_ Reader   = Nop{}
)
