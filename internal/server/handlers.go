package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/shiki/internal/admission"
	"github.com/ashita-ai/shiki/internal/approval"
	"github.com/ashita-ai/shiki/internal/auth"
	"github.com/ashita-ai/shiki/internal/bus"
	"github.com/ashita-ai/shiki/internal/gateway"
	"github.com/ashita-ai/shiki/internal/model"
	"github.com/ashita-ai/shiki/internal/scheduler"
	"github.com/ashita-ai/shiki/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	jwtMgr              *auth.JWTManager
	admission           *admission.Controller
	scheduler           *scheduler.Scheduler
	gate                *approval.Gate
	gw                  *gateway.Gateway
	bus                 *bus.Bus
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	DB                  *storage.DB
	JWTMgr              *auth.JWTManager
	Admission           *admission.Controller
	Scheduler           *scheduler.Scheduler
	Gate                *approval.Gate
	Gateway             *gateway.Gateway
	Bus                 *bus.Bus
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		jwtMgr:              d.JWTMgr,
		admission:           d.Admission,
		scheduler:           d.Scheduler,
		gate:                d.Gate,
		gw:                  d.Gateway,
		bus:                 d.Bus,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleAuthToken handles POST /auth/token.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Operator == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "operator and api_key are required")
		return
	}

	op, err := h.db.GetOperatorByName(r.Context(), req.Operator)
	if err != nil {
		// Hash anyway so response timing does not reveal whether the
		// operator exists.
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	valid, err := auth.VerifyAPIKey(req.APIKey, op.APIKeyHash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(op)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, r, httpStatus, map[string]any{
		"status":         status,
		"postgres":       pgStatus,
		"version":        h.version,
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
	})
}

// writeInternalError logs the underlying error and writes a generic 500.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}
