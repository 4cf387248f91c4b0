// Package errors provides severity-aware error types.
package errors

import "fmt"

// Severity indicates error impact level.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// GateError is a structured error with context.
type GateError struct {
	Code        string   `json:"code"`
	Message     string   `json:"message"`
	Severity    Severity `json:"severity"`
	RecordID    string   `json:"record_id,omitempty"`
	Recoverable bool     `json:"recoverable"`
}

func (e *GateError) Error() string {
	if e.RecordID != "" {
		return fmt.Sprintf("[%s] %s: %s (record: %s)", e.Severity, e.Code, e.Message, e.RecordID)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Severity, e.Code, e.Message)
}

// Error codes
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodePrecondition       = "PRECONDITION_FAILED"
	ErrCodeVersionConflict    = "VERSION_CONFLICT"
	ErrCodeExternalCallFailed = "EXTERNAL_CALL_FAILED"
	ErrCodeStoreFailed        = "STORE_FAILED"
	ErrCodeBadRequest         = "BAD_REQUEST"
)

// NewNotFoundError creates an error for a missing ledger record.
func NewNotFoundError(kind, recordID string) *GateError {
	return &GateError{
		Code:        ErrCodeNotFound,
		Message:     fmt.Sprintf("No %s record found", kind),
		Severity:    SeverityError,
		RecordID:    recordID,
		Recoverable: false,
	}
}

// NewPreconditionError creates an error for a transition attempted from an
// invalid status. Callers usually log it and treat the call as a no-op.
func NewPreconditionError(recordID, detail string) *GateError {
	return &GateError{
		Code:        ErrCodePrecondition,
		Message:     detail,
		Severity:    SeverityWarning,
		RecordID:    recordID,
		Recoverable: true,
	}
}

// NewExternalCallError creates an error for a failed collaborator call.
func NewExternalCallError(target string, err error) *GateError {
	return &GateError{
		Code:        ErrCodeExternalCallFailed,
		Message:     fmt.Sprintf("Call to %s failed: %s", target, err),
		Severity:    SeverityError,
		Recoverable: true,
	}
}

// NewStoreError creates an error for a failed ledger store operation.
func NewStoreError(op string, err error) *GateError {
	return &GateError{
		Code:        ErrCodeStoreFailed,
		Message:     fmt.Sprintf("Ledger store %s failed: %s", op, err),
		Severity:    SeverityError,
		Recoverable: true,
	}
}

// NewBadRequestError creates an error for an invalid trigger payload.
func NewBadRequestError(detail string) *GateError {
	return &GateError{
		Code:        ErrCodeBadRequest,
		Message:     detail,
		Severity:    SeverityWarning,
		Recoverable: false,
	}
}
