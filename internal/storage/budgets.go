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

// Budget retrieves one period's budget for an org.
func (db *DB) Budget(ctx context.Context, orgID uuid.UUID, period model.BudgetPeriod) (model.Budget, error) {
	var b model.Budget
	err := db.pool.QueryRow(ctx,
		`SELECT org_id, period, limit_usd, spent_usd, updated_at
		 FROM budgets WHERE org_id = $1 AND period = $2`,
		orgID, string(period),
	).Scan(&b.OrgID, &b.Period, &b.LimitUSD, &b.SpentUSD, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Budget{}, fmt.Errorf("storage: %s budget for org %s: %w", period, orgID, model.ErrNotFound)
		}
		return model.Budget{}, fmt.Errorf("storage: get budget: %w", err)
	}
	return b, nil
}

// ListBudgets returns all configured budgets for an org.
func (db *DB) ListBudgets(ctx context.Context, orgID uuid.UUID) ([]model.Budget, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT org_id, period, limit_usd, spent_usd, updated_at
		 FROM budgets WHERE org_id = $1
		 ORDER BY period ASC`, orgID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list budgets: %w", err)
	}
	defer rows.Close()

	var budgets []model.Budget
	for rows.Next() {
		var b model.Budget
		if err := rows.Scan(&b.OrgID, &b.Period, &b.LimitUSD, &b.SpentUSD, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan budget: %w", err)
		}
		budgets = append(budgets, b)
	}
	return budgets, rows.Err()
}

// UpsertBudget sets a period's spend ceiling for an org, preserving any
// spend already accrued this period.
func (db *DB) UpsertBudget(ctx context.Context, orgID uuid.UUID, period model.BudgetPeriod, limitUSD float64) (model.Budget, error) {
	if !period.Valid() {
		return model.Budget{}, fmt.Errorf("storage: invalid budget period %q", period)
	}
	if limitUSD < 0 {
		return model.Budget{}, fmt.Errorf("storage: budget limit must be non-negative")
	}

	var b model.Budget
	err := db.pool.QueryRow(ctx,
		`INSERT INTO budgets (org_id, period, limit_usd, spent_usd, updated_at)
		 VALUES ($1, $2, $3, 0, $4)
		 ON CONFLICT (org_id, period)
		 DO UPDATE SET limit_usd = EXCLUDED.limit_usd, updated_at = EXCLUDED.updated_at
		 RETURNING org_id, period, limit_usd, spent_usd, updated_at`,
		orgID, string(period), limitUSD, time.Now().UTC(),
	).Scan(&b.OrgID, &b.Period, &b.LimitUSD, &b.SpentUSD, &b.UpdatedAt)
	if err != nil {
		return model.Budget{}, fmt.Errorf("storage: upsert budget: %w", err)
	}
	return b, nil
}

// AddSpend atomically accrues realized cost into every budget row of the
// org. The increment happens in the database so concurrent runs never lose
// updates. Orgs without configured budgets accrue nothing, by design of the
// unbounded default.
func (db *DB) AddSpend(ctx context.Context, orgID uuid.UUID, amountUSD float64) error {
	if amountUSD < 0 {
		return fmt.Errorf("storage: spend must be non-negative")
	}
	_, err := db.execRetry(ctx,
		`UPDATE budgets SET spent_usd = spent_usd + $1, updated_at = $2
		 WHERE org_id = $3`,
		amountUSD, time.Now().UTC(), orgID,
	)
	if err != nil {
		return fmt.Errorf("storage: add spend: %w", err)
	}
	return nil
}

// ResetSpend zeroes the accrued spend counter for one period of an org.
func (db *DB) ResetSpend(ctx context.Context, orgID uuid.UUID, period model.BudgetPeriod) (model.Budget, error) {
	var b model.Budget
	err := db.pool.QueryRow(ctx,
		`UPDATE budgets SET spent_usd = 0, updated_at = $1
		 WHERE org_id = $2 AND period = $3
		 RETURNING org_id, period, limit_usd, spent_usd, updated_at`,
		time.Now().UTC(), orgID, string(period),
	).Scan(&b.OrgID, &b.Period, &b.LimitUSD, &b.SpentUSD, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Budget{}, fmt.Errorf("storage: %s budget for org %s: %w", period, orgID, model.ErrNotFound)
		}
		return model.Budget{}, fmt.Errorf("storage: reset spend: %w", err)
	}
	return b, nil
}
