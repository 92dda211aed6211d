package server

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/shiki/internal/model"
)

// HandleApprove handles POST /approvals/{trace_id}/approve.
func (h *Handlers) HandleApprove(w http.ResponseWriter, r *http.Request) {
	h.resolveTrace(w, r, true)
}

// HandleReject handles POST /approvals/{trace_id}/reject.
func (h *Handlers) HandleReject(w http.ResponseWriter, r *http.Request) {
	h.resolveTrace(w, r, false)
}

func (h *Handlers) resolveTrace(w http.ResponseWriter, r *http.Request, approved bool) {
	traceID, err := uuid.Parse(r.PathValue("trace_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid trace_id")
		return
	}

	var reason string
	if !approved {
		var req model.RejectRequest
		if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
			handleDecodeError(w, r, err)
			return
		}
		if req.Reason == "" {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "reason is required for rejection")
			return
		}
		reason = req.Reason
	}

	claims := ClaimsFromContext(r.Context())

	// Org scoping: the trace must belong to a run in the caller's org.
	trace, err := h.db.GetTrace(r.Context(), traceID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "trace not found")
			return
		}
		h.writeInternalError(w, r, "failed to load trace", err)
		return
	}
	run, err := h.db.GetRun(r.Context(), trace.RunID)
	if err != nil || run.OrgID != claims.OrgID {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "trace not found")
		return
	}

	resolved, err := h.gate.Resolve(r.Context(), traceID, approved, claims.Operator, reason)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrAlreadyResolved):
			writeError(w, r, http.StatusConflict, model.ErrCodeAlreadyResolved, "trace already resolved")
		case errors.Is(err, model.ErrInvalidTransition):
			writeError(w, r, http.StatusConflict, model.ErrCodeInvalidState, "run is not awaiting approval")
		default:
			h.writeInternalError(w, r, "failed to resolve approval", err)
		}
		return
	}

	writeJSON(w, r, http.StatusOK, resolved)
}
