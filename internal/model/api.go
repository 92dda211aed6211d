package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Field length limits for run submissions. These keep a single oversized
// field from filling Postgres TEXT columns or provider prompts with
// caller-controlled garbage.
const (
	MaxGoalLen = 32 * 1024 // 32 KB
	MaxModeLen = 64
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput    = "INVALID_INPUT"
	ErrCodeUnauthorized    = "UNAUTHORIZED"
	ErrCodeForbidden       = "FORBIDDEN"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeAdmissionDenied = "ADMISSION_DENIED"
	ErrCodeInvalidState    = "INVALID_STATE"
	ErrCodeAlreadyResolved = "ALREADY_RESOLVED"
	ErrCodeQueueFull       = "QUEUE_FULL"
	ErrCodeRateLimited     = "RATE_LIMITED"
	ErrCodeInternalError   = "INTERNAL_ERROR"
)

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	Operator string `json:"operator"`
	APIKey   string `json:"api_key"`
}

// AuthTokenResponse is the response body for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SubmitRunRequest is the request body for POST /agents/run.
// OrgID comes from JWT claims, never from the body.
type SubmitRunRequest struct {
	ProjectID uuid.UUID `json:"project_id"`
	Goal      string    `json:"goal"`
	Mode      string    `json:"mode,omitempty"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	OrgID     uuid.UUID `json:"-"`
}

// Validate checks required fields and length limits.
func (r SubmitRunRequest) Validate() error {
	if r.ProjectID == uuid.Nil {
		return fmt.Errorf("project_id is required")
	}
	if r.Goal == "" {
		return fmt.Errorf("goal is required")
	}
	if len(r.Goal) > MaxGoalLen {
		return fmt.Errorf("goal exceeds maximum length of %d bytes", MaxGoalLen)
	}
	if len(r.Mode) > MaxModeLen {
		return fmt.Errorf("mode exceeds maximum length of %d characters", MaxModeLen)
	}
	if r.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	if r.Model == "" {
		return fmt.Errorf("model is required")
	}
	return nil
}

// SubmitRunResponse is the 202 response body for POST /agents/run.
type SubmitRunResponse struct {
	RunID uuid.UUID `json:"run_id"`
}

// RejectRequest is the request body for POST /approvals/{trace_id}/reject.
type RejectRequest struct {
	Reason string `json:"reason"`
}

// CancelRunRequest is the request body for POST /agents/run/{run_id}/cancel.
type CancelRunRequest struct {
	Reason string `json:"reason,omitempty"`
}

// BudgetRequest is the request body for POST /budgets.
type BudgetRequest struct {
	Period   BudgetPeriod `json:"period"`
	LimitUSD float64      `json:"limit_usd"`
}

// Validate checks the period tag and limit.
func (r BudgetRequest) Validate() error {
	if !r.Period.Valid() {
		return fmt.Errorf("period must be %q or %q", PeriodDaily, PeriodMonthly)
	}
	if r.LimitUSD < 0 {
		return fmt.Errorf("limit_usd must be non-negative")
	}
	return nil
}

// BudgetResetRequest is the request body for POST /budgets/reset, called by
// the external period-rollover process.
type BudgetResetRequest struct {
	Period BudgetPeriod `json:"period"`
}

// CircuitResetRequest is the request body for POST /circuits/reset.
// An empty provider resets all circuits.
type CircuitResetRequest struct {
	Provider string `json:"provider,omitempty"`
}
