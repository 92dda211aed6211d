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

// CreateRun inserts a new agent run.
func (db *DB) CreateRun(ctx context.Context, run model.AgentRun) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO agent_runs (id, org_id, project_id, provider, model, goal, mode, status, cost_usd, steps, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		run.ID, run.OrgID, run.ProjectID, run.Provider, run.Model, run.Goal, run.Mode,
		string(run.Status), run.CostUSD, run.Steps, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.AgentRun, error) {
	var run model.AgentRun
	err := db.pool.QueryRow(ctx,
		`SELECT id, org_id, project_id, provider, model, goal, mode, status, output, cost_usd, steps, created_at, updated_at
		 FROM agent_runs WHERE id = $1`, id,
	).Scan(
		&run.ID, &run.OrgID, &run.ProjectID, &run.Provider, &run.Model, &run.Goal, &run.Mode,
		&run.Status, &run.Output, &run.CostUSD, &run.Steps, &run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentRun{}, fmt.Errorf("storage: run %s: %w", id, model.ErrNotFound)
		}
		return model.AgentRun{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

// TransitionRun moves a run from one status to another. The update is
// conditional on the current status; a mismatch (concurrent transition,
// already terminal) reports model.ErrInvalidTransition.
func (db *DB) TransitionRun(ctx context.Context, id uuid.UUID, from, to model.RunStatus) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("storage: %s -> %s: %w", from, to, model.ErrInvalidTransition)
	}
	tag, err := db.execRetry(ctx,
		`UPDATE agent_runs SET status = $1, updated_at = $2
		 WHERE id = $3 AND status = $4`,
		string(to), time.Now().UTC(), id, string(from),
	)
	if err != nil {
		return fmt.Errorf("storage: transition run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: run %s not in %s: %w", id, from, model.ErrInvalidTransition)
	}
	return nil
}

// CompleteRun moves a non-terminal run to a terminal status and sets its
// output payload. Completing an already-terminal run reports
// model.ErrInvalidTransition so racing finishers resolve to one winner.
func (db *DB) CompleteRun(ctx context.Context, id uuid.UUID, to model.RunStatus, output map[string]any) error {
	if !to.IsTerminal() {
		return fmt.Errorf("storage: complete run to non-terminal %s: %w", to, model.ErrInvalidTransition)
	}
	if output == nil {
		output = map[string]any{}
	}
	tag, err := db.execRetry(ctx,
		`UPDATE agent_runs SET status = $1, output = $2, updated_at = $3
		 WHERE id = $4 AND status NOT IN ('succeeded', 'failed', 'cancelled')`,
		string(to), output, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("storage: complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: run %s already terminal: %w", id, model.ErrInvalidTransition)
	}
	return nil
}

// RecordStep increments the run's step count and accrues realized cost.
func (db *DB) RecordStep(ctx context.Context, id uuid.UUID, costUSD float64) error {
	tag, err := db.execRetry(ctx,
		`UPDATE agent_runs SET steps = steps + 1, cost_usd = cost_usd + $1, updated_at = $2
		 WHERE id = $3`,
		costUSD, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("storage: record step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: run %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// ListRunsByOrg returns an org's runs ordered by created_at DESC.
func (db *DB) ListRunsByOrg(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]model.AgentRun, int, error) {
	if limit <= 0 {
		limit = 50
	}

	var total int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM agent_runs WHERE org_id = $1`, orgID,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: count runs: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT id, org_id, project_id, provider, model, goal, mode, status, output, cost_usd, steps, created_at, updated_at
		 FROM agent_runs WHERE org_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`,
		orgID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.AgentRun
	for rows.Next() {
		var r model.AgentRun
		if err := rows.Scan(
			&r.ID, &r.OrgID, &r.ProjectID, &r.Provider, &r.Model, &r.Goal, &r.Mode,
			&r.Status, &r.Output, &r.CostUSD, &r.Steps, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, total, rows.Err()
}
