package server

import (
	"errors"
	"net/http"

	"github.com/ashita-ai/shiki/internal/model"
)

// HandleListBudgets handles GET /budgets.
func (h *Handlers) HandleListBudgets(w http.ResponseWriter, r *http.Request) {
	budgets, err := h.db.ListBudgets(r.Context(), OrgIDFromContext(r.Context()))
	if err != nil {
		h.writeInternalError(w, r, "failed to list budgets", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"budgets": budgets})
}

// HandleSetBudget handles POST /budgets. Setting a new ceiling preserves
// spend already accrued this period.
func (h *Handlers) HandleSetBudget(w http.ResponseWriter, r *http.Request) {
	var req model.BudgetRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	b, err := h.db.UpsertBudget(r.Context(), OrgIDFromContext(r.Context()), req.Period, req.LimitUSD)
	if err != nil {
		h.writeInternalError(w, r, "failed to set budget", err)
		return
	}
	writeJSON(w, r, http.StatusOK, b)
}

// HandleResetBudget handles POST /budgets/reset, called by the external
// period-rollover process to zero a period's spend counter.
func (h *Handlers) HandleResetBudget(w http.ResponseWriter, r *http.Request) {
	var req model.BudgetResetRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if !req.Period.Valid() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "period must be daily or monthly")
		return
	}

	b, err := h.db.ResetSpend(r.Context(), OrgIDFromContext(r.Context()), req.Period)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no budget configured for period")
			return
		}
		h.writeInternalError(w, r, "failed to reset budget", err)
		return
	}
	writeJSON(w, r, http.StatusOK, b)
}
