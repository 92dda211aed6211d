package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/shiki/internal/model"
)

// AppendUsage inserts one realized-charge audit record. Usage records are
// append-only; there is no update or delete path.
func (db *DB) AppendUsage(ctx context.Context, rec model.UsageRecord) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO usage_records (id, run_id, org_id, provider, model, step, cost_usd, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.RunID, rec.OrgID, rec.Provider, rec.Model, rec.Step, rec.CostUSD, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: append usage: %w", err)
	}
	return nil
}

// ListUsageByRun returns a run's usage records in step order.
func (db *DB) ListUsageByRun(ctx context.Context, runID uuid.UUID) ([]model.UsageRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, run_id, org_id, provider, model, step, cost_usd, created_at
		 FROM usage_records WHERE run_id = $1
		 ORDER BY step ASC, created_at ASC`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list usage: %w", err)
	}
	defer rows.Close()

	var recs []model.UsageRecord
	for rows.Next() {
		var r model.UsageRecord
		if err := rows.Scan(
			&r.ID, &r.RunID, &r.OrgID, &r.Provider, &r.Model, &r.Step, &r.CostUSD, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan usage: %w", err)
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}
