package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/shiki/internal/admission"
	"github.com/ashita-ai/shiki/internal/approval"
	"github.com/ashita-ai/shiki/internal/auth"
	"github.com/ashita-ai/shiki/internal/bus"
	"github.com/ashita-ai/shiki/internal/gateway"
	"github.com/ashita-ai/shiki/internal/model"
	"github.com/ashita-ai/shiki/internal/ratelimit"
	"github.com/ashita-ai/shiki/internal/scheduler"
	"github.com/ashita-ai/shiki/internal/storage"
)

// Server is the Shiki HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): MCPServer.
type ServerConfig struct {
	// Required dependencies.
	DB        *storage.DB
	JWTMgr    *auth.JWTManager
	Admission *admission.Controller
	Scheduler *scheduler.Scheduler
	Gate      *approval.Gate
	Gateway   *gateway.Gateway
	Bus       *bus.Bus
	Logger    *slog.Logger

	// Optional dependencies (nil = disabled).
	MCPServer *mcpserver.MCPServer
	Limiter   ratelimit.Limiter

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		JWTMgr:              cfg.JWTMgr,
		Admission:           cfg.Admission,
		Scheduler:           cfg.Scheduler,
		Gate:                cfg.Gate,
		Gateway:             cfg.Gateway,
		Bus:                 cfg.Bus,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	mux := http.NewServeMux()

	// Auth endpoint (no auth required).
	mux.HandleFunc("POST /auth/token", h.HandleAuthToken)

	// Run lifecycle. Submission and cancellation mutate; reads are viewer+.
	viewer := requireRole(model.RoleViewer)
	operator := requireRole(model.RoleOperator)
	mux.Handle("POST /agents/run", operator(http.HandlerFunc(h.HandleSubmitRun)))
	mux.Handle("GET /agents/run/{run_id}", viewer(http.HandlerFunc(h.HandleGetRun)))
	mux.Handle("GET /agents/run/{run_id}/traces", viewer(http.HandlerFunc(h.HandleListTraces)))
	mux.Handle("GET /agents/run/{run_id}/usage", viewer(http.HandlerFunc(h.HandleRunUsage)))
	mux.Handle("POST /agents/run/{run_id}/cancel", operator(http.HandlerFunc(h.HandleCancelRun)))

	// Event stream (viewer+, no write timeout — long-lived connection).
	mux.Handle("GET /agents/stream/{run_id}", viewer(http.HandlerFunc(h.HandleStream)))

	// Approval gate.
	mux.Handle("POST /approvals/{trace_id}/approve", operator(http.HandlerFunc(h.HandleApprove)))
	mux.Handle("POST /approvals/{trace_id}/reject", operator(http.HandlerFunc(h.HandleReject)))

	// Circuit breakers.
	mux.Handle("GET /circuits", viewer(http.HandlerFunc(h.HandleListCircuits)))
	mux.Handle("POST /circuits/reset", operator(http.HandlerFunc(h.HandleResetCircuits)))

	// Budgets.
	mux.Handle("GET /budgets", viewer(http.HandlerFunc(h.HandleListBudgets)))
	mux.Handle("POST /budgets", operator(http.HandlerFunc(h.HandleSetBudget)))
	mux.Handle("POST /budgets/reset", operator(http.HandlerFunc(h.HandleResetBudget)))

	// MCP StreamableHTTP transport (auth required, viewer+).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", viewer(mcpHTTP))
	}

	// Health (no auth).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → rate limit → recovery → handler.
	// Rate limiting sits after auth so authenticated requests are keyed by org.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	if cfg.Limiter != nil {
		handler = rateLimitMiddleware(cfg.Limiter, cfg.Logger, handler)
	}
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handlers returns the underlying Handlers for use in tests.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
