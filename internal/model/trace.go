package model

import (
	"time"

	"github.com/google/uuid"
)

// ApprovalStatus represents the resolution state of a decision trace.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Resolved reports whether the status is terminal. Approved and rejected
// traces are immutable once set.
func (s ApprovalStatus) Resolved() bool {
	return s == ApprovalApproved || s == ApprovalRejected
}

// DecisionTrace records a point in a run where a step proposed an action
// that needs human sign-off. At most one trace per run may be pending at a
// time; traces are never deleted.
type DecisionTrace struct {
	ID          uuid.UUID      `json:"id"`
	RunID       uuid.UUID      `json:"run_id"`
	StepNumber  int            `json:"step_number"`
	Description string         `json:"description"`
	Status      ApprovalStatus `json:"status"`

	// Approver identifies who resolved the trace. Nil while pending.
	Approver *string `json:"approver,omitempty"`

	// Reason is required when Status is rejected, empty otherwise.
	Reason *string `json:"reason,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}
