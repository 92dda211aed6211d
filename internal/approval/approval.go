// Package approval persists decision traces for risky steps and signals
// resolution outcomes back to the scheduler.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/shiki/internal/model"
)

// TraceStore is the repository view the gate needs.
type TraceStore interface {
	CreateTrace(ctx context.Context, trace model.DecisionTrace) error
	GetTrace(ctx context.Context, id uuid.UUID) (model.DecisionTrace, error)
	PendingTrace(ctx context.Context, runID uuid.UUID) (model.DecisionTrace, error)
	// ResolveTrace conditionally resolves a pending trace; it returns
	// model.ErrAlreadyResolved when the trace is no longer pending.
	ResolveTrace(ctx context.Context, id uuid.UUID, status model.ApprovalStatus, approver string, reason *string, resolvedAt time.Time) error
}

// Resumer receives resolution outcomes. Implemented by the scheduler;
// bound after construction to break the scheduler↔gate cycle.
type Resumer interface {
	Resume(ctx context.Context, runID uuid.UUID, approved bool, reason string) error
}

// Gate mediates human sign-off for risky steps. The check-then-create of
// pending traces is guarded by a per-run lock so two steps can never both
// observe "no pending trace" and both create one. Lock entries are
// reference counted and pruned once the last holder releases, so the map
// does not grow with run history.
type Gate struct {
	store  TraceStore
	logger *slog.Logger

	resumerMu sync.RWMutex
	resumer   Resumer

	locksMu sync.Mutex
	locks   map[uuid.UUID]*runLock
}

type runLock struct {
	mu   sync.Mutex
	refs int
}

// NewGate creates an approval gate. Call BindResumer before serving
// Resolve calls.
func NewGate(store TraceStore, logger *slog.Logger) *Gate {
	return &Gate{
		store:  store,
		logger: logger,
		locks:  make(map[uuid.UUID]*runLock),
	}
}

// BindResumer wires the scheduler in after both components exist.
func (g *Gate) BindResumer(r Resumer) {
	g.resumerMu.Lock()
	g.resumer = r
	g.resumerMu.Unlock()
}

func (g *Gate) lockRun(runID uuid.UUID) *runLock {
	g.locksMu.Lock()
	l, ok := g.locks[runID]
	if !ok {
		l = &runLock{}
		g.locks[runID] = l
	}
	l.refs++
	g.locksMu.Unlock()

	l.mu.Lock()
	return l
}

func (g *Gate) unlockRun(runID uuid.UUID, l *runLock) {
	l.mu.Unlock()
	g.locksMu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(g.locks, runID)
	}
	g.locksMu.Unlock()
}

// RequestApproval creates a pending decision trace for a step awaiting
// sign-off. Returns model.ErrPendingTrace if the run already has one — the
// scheduler must not request a second approval before the first resolves.
func (g *Gate) RequestApproval(ctx context.Context, runID uuid.UUID, stepNumber int, description string) (uuid.UUID, error) {
	if description == "" {
		return uuid.Nil, fmt.Errorf("approval: description is required")
	}

	l := g.lockRun(runID)
	defer g.unlockRun(runID, l)

	if _, err := g.store.PendingTrace(ctx, runID); err == nil {
		return uuid.Nil, fmt.Errorf("approval: run %s: %w", runID, model.ErrPendingTrace)
	} else if !errors.Is(err, model.ErrNotFound) {
		return uuid.Nil, fmt.Errorf("approval: check pending trace: %w", err)
	}

	trace := model.DecisionTrace{
		ID:          uuid.New(),
		RunID:       runID,
		StepNumber:  stepNumber,
		Description: description,
		Status:      model.ApprovalPending,
		CreatedAt:   time.Now().UTC(),
	}
	if err := g.store.CreateTrace(ctx, trace); err != nil {
		return uuid.Nil, fmt.Errorf("approval: create trace: %w", err)
	}

	g.logger.Info("approval requested",
		"run_id", runID, "trace_id", trace.ID, "step", stepNumber)
	return trace.ID, nil
}

// Resolve records a human verdict on a pending trace and resumes (or
// cancels) the owning run. Resolving a trace twice returns
// model.ErrAlreadyResolved and has no further effect — the run-resuming
// side effect fires exactly once.
func (g *Gate) Resolve(ctx context.Context, traceID uuid.UUID, approved bool, approver, reason string) (model.DecisionTrace, error) {
	if !approved && reason == "" {
		return model.DecisionTrace{}, fmt.Errorf("approval: rejection reason is required")
	}

	trace, err := g.store.GetTrace(ctx, traceID)
	if err != nil {
		return model.DecisionTrace{}, fmt.Errorf("approval: get trace: %w", err)
	}

	l := g.lockRun(trace.RunID)
	defer g.unlockRun(trace.RunID, l)

	status := model.ApprovalApproved
	var reasonPtr *string
	if !approved {
		status = model.ApprovalRejected
		reasonPtr = &reason
	}

	resolvedAt := time.Now().UTC()
	if err := g.store.ResolveTrace(ctx, traceID, status, approver, reasonPtr, resolvedAt); err != nil {
		return model.DecisionTrace{}, fmt.Errorf("approval: resolve trace %s: %w", traceID, err)
	}

	g.resumerMu.RLock()
	resumer := g.resumer
	g.resumerMu.RUnlock()
	if resumer == nil {
		return model.DecisionTrace{}, fmt.Errorf("approval: no resumer bound")
	}
	if err := resumer.Resume(ctx, trace.RunID, approved, reason); err != nil {
		// The trace is resolved; surface the scheduler failure so the
		// operator can retry via run cancellation rather than re-resolving.
		return model.DecisionTrace{}, fmt.Errorf("approval: resume run %s: %w", trace.RunID, err)
	}

	trace.Status = status
	trace.Approver = &approver
	trace.Reason = reasonPtr
	trace.ResolvedAt = &resolvedAt

	g.logger.Info("approval resolved",
		"run_id", trace.RunID, "trace_id", traceID,
		"status", status, "approver", approver)
	return trace, nil
}
