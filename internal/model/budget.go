package model

import (
	"time"

	"github.com/google/uuid"
)

// BudgetPeriod scopes a spend ceiling to a rollover window.
type BudgetPeriod string

const (
	PeriodDaily   BudgetPeriod = "daily"
	PeriodMonthly BudgetPeriod = "monthly"
)

// Valid reports whether p is a known period tag.
func (p BudgetPeriod) Valid() bool {
	return p == PeriodDaily || p == PeriodMonthly
}

// Periods lists all budget periods, in checking order.
func Periods() []BudgetPeriod {
	return []BudgetPeriod{PeriodDaily, PeriodMonthly}
}

// Budget is a spend ceiling for one (org, period) pair. Exactly one row
// exists per pair; spend is incremented atomically at the storage layer and
// reset to zero by the external period-rollover process.
type Budget struct {
	OrgID     uuid.UUID    `json:"org_id"`
	Period    BudgetPeriod `json:"period"`
	LimitUSD  float64      `json:"limit_usd"`
	SpentUSD  float64      `json:"spent_usd"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Exhausted reports whether the ceiling is already breached. Admission
// denies new work when this is true; in-flight runs are never aborted for
// budget reasons.
func (b Budget) Exhausted() bool {
	return b.SpentUSD >= b.LimitUSD
}

// UsageRecord is one realized provider charge, appended for audit after
// every provider call regardless of the run's final outcome.
type UsageRecord struct {
	ID        uuid.UUID `json:"id"`
	RunID     uuid.UUID `json:"run_id"`
	OrgID     uuid.UUID `json:"org_id"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	Step      int       `json:"step"`
	CostUSD   float64   `json:"cost_usd"`
	CreatedAt time.Time `json:"created_at"`
}
