// Package admission gates new run submissions on the owning organization's
// spend budgets.
//
// Admission is a pure read-and-decide threshold check: a run is denied only
// when a configured ceiling is already breached. Spend accrual happens
// later, in the scheduler, as actual cost is realized — so a run already in
// flight is never aborted mid-execution for budget reasons.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ashita-ai/shiki/internal/model"
)

// BudgetReader is the repository view the controller needs. Absence of a
// budget row (model.ErrNotFound) means "unbounded" for that period.
type BudgetReader interface {
	Budget(ctx context.Context, orgID uuid.UUID, period model.BudgetPeriod) (model.Budget, error)
}

// DeniedError reports which period's ceiling is already exhausted.
type DeniedError struct {
	Period   model.BudgetPeriod
	LimitUSD float64
	SpentUSD float64
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("admission denied: %s budget exhausted (%.2f/%.2f USD)",
		e.Period, e.SpentUSD, e.LimitUSD)
}

// Controller decides whether new runs may be admitted.
type Controller struct {
	budgets BudgetReader
	logger  *slog.Logger
}

// New creates an admission controller over the given budget reader.
func New(budgets BudgetReader, logger *slog.Logger) *Controller {
	return &Controller{budgets: budgets, logger: logger}
}

// Admit checks the org's daily and monthly budgets and returns nil when the
// run may proceed. Returns *DeniedError when either present period's spend
// has reached its limit. estimatedCost is a soft pre-check only — actual
// cost is enforced at settlement, not here — so it must merely be
// non-negative.
func (c *Controller) Admit(ctx context.Context, orgID uuid.UUID, estimatedCost float64) error {
	if estimatedCost < 0 {
		return fmt.Errorf("admission: estimated cost must be non-negative")
	}

	for _, period := range model.Periods() {
		b, err := c.budgets.Budget(ctx, orgID, period)
		if errors.Is(err, model.ErrNotFound) {
			continue // No ceiling configured for this period.
		}
		if err != nil {
			return fmt.Errorf("admission: read %s budget: %w", period, err)
		}
		if b.Exhausted() {
			c.logger.Info("admission denied",
				"org_id", orgID, "period", period,
				"spent_usd", b.SpentUSD, "limit_usd", b.LimitUSD)
			return &DeniedError{Period: period, LimitUSD: b.LimitUSD, SpentUSD: b.SpentUSD}
		}
	}
	return nil
}
