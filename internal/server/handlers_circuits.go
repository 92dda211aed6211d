package server

import (
	"net/http"

	"github.com/ashita-ai/shiki/internal/model"
)

// HandleListCircuits handles GET /circuits.
func (h *Handlers) HandleListCircuits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"circuits": h.gw.Breakers().Snapshot(),
	})
}

// HandleResetCircuits handles POST /circuits/reset. An empty or absent
// provider resets every circuit.
func (h *Handlers) HandleResetCircuits(w http.ResponseWriter, r *http.Request) {
	var req model.CircuitResetRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
			handleDecodeError(w, r, err)
			return
		}
	}

	claims := ClaimsFromContext(r.Context())
	if req.Provider == "" {
		h.gw.Breakers().ResetAll()
		h.logger.Info("all circuits reset", "operator", claims.Operator)
	} else {
		h.gw.Breakers().Reset(req.Provider)
		h.logger.Info("circuit reset", "provider", req.Provider, "operator", claims.Operator)
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"circuits": h.gw.Breakers().Snapshot(),
	})
}
