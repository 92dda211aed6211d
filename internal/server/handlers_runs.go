package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/shiki/internal/admission"
	"github.com/ashita-ai/shiki/internal/model"
	"github.com/ashita-ai/shiki/internal/scheduler"
)

// runIDFromPath parses the {run_id} path value.
func runIDFromPath(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(r.PathValue("run_id"))
}

// HandleSubmitRun handles POST /agents/run. Admission runs before the run
// record exists: a denied submission leaves no trace in agent_runs.
func (h *Handlers) HandleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req model.SubmitRunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	req.OrgID = OrgIDFromContext(r.Context())
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if err := h.admission.Admit(r.Context(), req.OrgID, 0); err != nil {
		var denied *admission.DeniedError
		if errors.As(err, &denied) {
			writeError(w, r, http.StatusPaymentRequired, model.ErrCodeAdmissionDenied, denied.Error())
			return
		}
		h.writeInternalError(w, r, "admission check failed", err)
		return
	}

	runID, err := h.scheduler.Submit(r.Context(), req)
	if err != nil {
		if errors.Is(err, scheduler.ErrQueueFull) {
			writeError(w, r, http.StatusTooManyRequests, model.ErrCodeQueueFull, "run queue is full, retry later")
			return
		}
		h.writeInternalError(w, r, "failed to submit run", err)
		return
	}

	writeJSON(w, r, http.StatusAccepted, model.SubmitRunResponse{RunID: runID})
}

// HandleGetRun handles GET /agents/run/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := runIDFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run_id")
		return
	}

	run, err := h.loadOrgRun(w, r, runID)
	if err != nil {
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleListTraces handles GET /agents/run/{run_id}/traces.
func (h *Handlers) HandleListTraces(w http.ResponseWriter, r *http.Request) {
	runID, err := runIDFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run_id")
		return
	}
	if _, err := h.loadOrgRun(w, r, runID); err != nil {
		return
	}

	traces, err := h.db.ListTracesByRun(r.Context(), runID)
	if err != nil {
		h.writeInternalError(w, r, "failed to list traces", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"traces": traces})
}

// HandleRunUsage handles GET /agents/run/{run_id}/usage.
func (h *Handlers) HandleRunUsage(w http.ResponseWriter, r *http.Request) {
	runID, err := runIDFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run_id")
		return
	}
	if _, err := h.loadOrgRun(w, r, runID); err != nil {
		return
	}

	recs, err := h.db.ListUsageByRun(r.Context(), runID)
	if err != nil {
		h.writeInternalError(w, r, "failed to list usage", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"usage": recs})
}

// HandleCancelRun handles POST /agents/run/{run_id}/cancel.
func (h *Handlers) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID, err := runIDFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run_id")
		return
	}
	if _, err := h.loadOrgRun(w, r, runID); err != nil {
		return
	}

	var req model.CancelRunRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
			handleDecodeError(w, r, err)
			return
		}
	}

	if err := h.scheduler.Cancel(r.Context(), runID, req.Reason); err != nil {
		if errors.Is(err, model.ErrInvalidTransition) {
			writeError(w, r, http.StatusConflict, model.ErrCodeInvalidState, "run is already terminal")
			return
		}
		h.writeInternalError(w, r, "failed to cancel run", err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, map[string]any{"run_id": runID, "cancelling": true})
}

// HandleStream handles GET /agents/stream/{run_id} (SSE). The stream closes
// after a terminal event. Subscribing to an already-terminal run delivers a
// single synthetic terminal event and closes.
func (h *Handlers) HandleStream(w http.ResponseWriter, r *http.Request) {
	runID, err := runIDFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run_id")
		return
	}
	run, err := h.loadOrgRun(w, r, runID)
	if err != nil {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	// Subscribe before the terminal check so no event can fall into the gap.
	ch, cancel := h.bus.Subscribe(runID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	// Without this, idle SSE connections are killed after WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	if run.Status.IsTerminal() {
		writeSSE(w, flusher, terminalSnapshotEvent(run))
		return
	}

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if !writeSSE(w, flusher, ev) {
				return
			}
			if ev.Type.Terminal() {
				return
			}
		}
	}
}

// writeSSE writes one event in SSE framing. Returns false when the client
// connection is gone.
func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev model.LogEvent) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		return false
	}
	if _, err := w.Write([]byte("data: ")); err != nil {
		return false
	}
	if _, err := w.Write(data); err != nil {
		return false
	}
	if _, err := w.Write([]byte("\n\n")); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

// terminalSnapshotEvent reconstructs the terminal event for a run that
// finished before the subscriber attached.
func terminalSnapshotEvent(run model.AgentRun) model.LogEvent {
	typ := model.EventRunSucceeded
	level := model.LevelInfo
	switch run.Status {
	case model.RunStatusFailed:
		typ = model.EventRunFailed
		level = model.LevelError
	case model.RunStatusCancelled:
		typ = model.EventRunCancelled
		level = model.LevelWarn
	}
	return model.NewLogEvent(run.ID, typ, level, "run already "+string(run.Status), run.Output)
}

// loadOrgRun fetches a run and enforces org scoping. Runs belonging to other
// orgs read as not found. On error the response has already been written.
func (h *Handlers) loadOrgRun(w http.ResponseWriter, r *http.Request, runID uuid.UUID) (model.AgentRun, error) {
	run, err := h.db.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return model.AgentRun{}, err
		}
		h.writeInternalError(w, r, "failed to load run", err)
		return model.AgentRun{}, err
	}
	if run.OrgID != OrgIDFromContext(r.Context()) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
		return model.AgentRun{}, model.ErrNotFound
	}
	return run, nil
}
