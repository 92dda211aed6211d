// Package model defines the core domain types for Shiki.
//
// Types correspond directly to database tables and event payloads.
// Strong typing (UUIDs, time.Time, enums) is used throughout; interface{}
// is avoided wherever possible.
package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of an agent run.
type RunStatus string

const (
	RunStatusQueued           RunStatus = "queued"
	RunStatusRunning          RunStatus = "running"
	RunStatusAwaitingApproval RunStatus = "awaiting_approval"
	RunStatusSucceeded        RunStatus = "succeeded"
	RunStatusFailed           RunStatus = "failed"
	RunStatusCancelled        RunStatus = "cancelled"
)

// runTransitions is the legal state graph. A run may only move along these
// edges; every status mutation goes through a conditional update that
// enforces the source state.
var runTransitions = map[RunStatus][]RunStatus{
	RunStatusQueued:           {RunStatusRunning, RunStatusCancelled},
	RunStatusRunning:          {RunStatusAwaitingApproval, RunStatusSucceeded, RunStatusFailed, RunStatusCancelled},
	RunStatusAwaitingApproval: {RunStatusRunning, RunStatusCancelled},
}

// IsTerminal reports whether the status admits no further transitions.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to target is a legal edge in
// the run state graph.
func (s RunStatus) CanTransition(target RunStatus) bool {
	for _, t := range runTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// AgentRun is one invocation of an autonomous agent task against a provider.
// Created in queued state by the admission path, mutated exclusively by the
// scheduler, never deleted — it is retained as an audit record.
type AgentRun struct {
	ID        uuid.UUID `json:"id"`
	OrgID     uuid.UUID `json:"org_id"`
	ProjectID uuid.UUID `json:"project_id"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	Goal      string    `json:"goal"`
	Mode      string    `json:"mode,omitempty"`
	Status    RunStatus `json:"status"`

	// Output is nil until the run reaches a terminal state, then holds the
	// aggregated result (or the failure/cancellation explanation).
	Output map[string]any `json:"output,omitempty"`

	// CostUSD is the realized spend so far. Monotonically non-decreasing
	// while the run is non-terminal.
	CostUSD float64 `json:"cost_usd"`

	// Steps is the number of provider calls completed so far. The step loop
	// resumes from here after an approval pause.
	Steps int `json:"steps"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
