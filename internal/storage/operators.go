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

// GetOperatorByName looks up an operator for authentication. Global (no org
// scope) because this is called before the org is known.
func (db *DB) GetOperatorByName(ctx context.Context, name string) (model.Operator, error) {
	var op model.Operator
	err := db.pool.QueryRow(ctx,
		`SELECT id, org_id, name, role, api_key_hash, created_at
		 FROM operators WHERE name = $1`, name,
	).Scan(&op.ID, &op.OrgID, &op.Name, &op.Role, &op.APIKeyHash, &op.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Operator{}, fmt.Errorf("storage: operator %q: %w", name, model.ErrNotFound)
		}
		return model.Operator{}, fmt.Errorf("storage: get operator: %w", err)
	}
	return op, nil
}

// CreateOperator inserts a new operator account.
func (db *DB) CreateOperator(ctx context.Context, op model.Operator) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO operators (id, org_id, name, role, api_key_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		op.ID, op.OrgID, op.Name, string(op.Role), op.APIKeyHash, op.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create operator: %w", err)
	}
	return nil
}

// SeedOperator inserts the bootstrap operator if no operator with that name
// exists yet. Returns the operator on record, created or pre-existing.
// Idempotent: called once at startup.
func (db *DB) SeedOperator(ctx context.Context, orgID uuid.UUID, name string, role model.OperatorRole, apiKeyHash string) (model.Operator, error) {
	op := model.Operator{
		ID:         uuid.New(),
		OrgID:      orgID,
		Name:       name,
		Role:       role,
		APIKeyHash: apiKeyHash,
		CreatedAt:  time.Now().UTC(),
	}
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO operators (id, org_id, name, role, api_key_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (name) DO NOTHING`,
		op.ID, op.OrgID, op.Name, string(op.Role), op.APIKeyHash, op.CreatedAt,
	)
	if err != nil {
		return model.Operator{}, fmt.Errorf("storage: seed operator: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return db.GetOperatorByName(ctx, name)
	}
	return op, nil
}
