package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/shiki/internal/model"
)

// CreateTrace inserts a pending decision trace. The partial unique index on
// (run_id) WHERE status = 'pending' makes a second pending trace for the
// same run fail at the database even if callers race past the gate's lock.
func (db *DB) CreateTrace(ctx context.Context, trace model.DecisionTrace) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO decision_traces (id, run_id, step_number, description, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		trace.ID, trace.RunID, trace.StepNumber, trace.Description,
		string(trace.Status), trace.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create trace: %w", err)
	}
	return nil
}

// GetTrace retrieves a decision trace by ID.
func (db *DB) GetTrace(ctx context.Context, id uuid.UUID) (model.DecisionTrace, error) {
	var t model.DecisionTrace
	err := db.pool.QueryRow(ctx,
		`SELECT id, run_id, step_number, description, status, approver, reason, created_at, resolved_at
		 FROM decision_traces WHERE id = $1`, id,
	).Scan(
		&t.ID, &t.RunID, &t.StepNumber, &t.Description,
		&t.Status, &t.Approver, &t.Reason, &t.CreatedAt, &t.ResolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.DecisionTrace{}, fmt.Errorf("storage: trace %s: %w", id, model.ErrNotFound)
		}
		return model.DecisionTrace{}, fmt.Errorf("storage: get trace: %w", err)
	}
	return t, nil
}

// PendingTrace returns the run's pending decision trace, if any.
func (db *DB) PendingTrace(ctx context.Context, runID uuid.UUID) (model.DecisionTrace, error) {
	var t model.DecisionTrace
	err := db.pool.QueryRow(ctx,
		`SELECT id, run_id, step_number, description, status, approver, reason, created_at, resolved_at
		 FROM decision_traces WHERE run_id = $1 AND status = 'pending'`, runID,
	).Scan(
		&t.ID, &t.RunID, &t.StepNumber, &t.Description,
		&t.Status, &t.Approver, &t.Reason, &t.CreatedAt, &t.ResolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.DecisionTrace{}, fmt.Errorf("storage: no pending trace for run %s: %w", runID, model.ErrNotFound)
		}
		return model.DecisionTrace{}, fmt.Errorf("storage: pending trace: %w", err)
	}
	return t, nil
}

// ListTracesByRun returns a run's decision traces ordered by created_at ASC.
func (db *DB) ListTracesByRun(ctx context.Context, runID uuid.UUID) ([]model.DecisionTrace, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, run_id, step_number, description, status, approver, reason, created_at, resolved_at
		 FROM decision_traces WHERE run_id = $1
		 ORDER BY created_at ASC`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list traces: %w", err)
	}
	defer rows.Close()

	var traces []model.DecisionTrace
	for rows.Next() {
		var t model.DecisionTrace
		if err := rows.Scan(
			&t.ID, &t.RunID, &t.StepNumber, &t.Description,
			&t.Status, &t.Approver, &t.Reason, &t.CreatedAt, &t.ResolvedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan trace: %w", err)
		}
		traces = append(traces, t)
	}
	return traces, rows.Err()
}

// ResolveTrace records the verdict on a pending trace. The update is
// conditional on pending status; a trace resolved by a concurrent caller
// reports model.ErrAlreadyResolved.
func (db *DB) ResolveTrace(ctx context.Context, id uuid.UUID, status model.ApprovalStatus, approver string, reason *string, resolvedAt time.Time) error {
	if !status.Resolved() {
		return fmt.Errorf("storage: resolve trace to %s: %w", status, model.ErrInvalidTransition)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE decision_traces SET status = $1, approver = $2, reason = $3, resolved_at = $4
		 WHERE id = $5 AND status = 'pending'`,
		string(status), approver, reason, resolvedAt, id,
	)
	if err != nil {
		return fmt.Errorf("storage: resolve trace: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: trace %s: %w", id, model.ErrAlreadyResolved)
	}
	return nil
}
