package model

import "errors"

// Domain sentinel errors shared between the storage layer and the core
// components. Callers use errors.Is; storage implementations wrap these
// with context.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition indicates an attempted state change that is not
	// legal from the record's current state. No mutation occurs.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrAlreadyResolved indicates a Resolve call on a trace that is no
	// longer pending. The call has no effect beyond reporting this.
	ErrAlreadyResolved = errors.New("trace already resolved")

	// ErrPendingTrace indicates a run already has a pending decision trace.
	ErrPendingTrace = errors.New("run already has a pending trace")
)
