// Package mcp implements the Model Context Protocol server for Shiki.
//
// The MCP server exposes the same capabilities as the HTTP API through MCP
// tools, allowing MCP-compatible AI agents to submit runs, inspect their
// state, and resolve approvals.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/shiki/internal/admission"
	"github.com/ashita-ai/shiki/internal/approval"
	"github.com/ashita-ai/shiki/internal/ctxutil"
	"github.com/ashita-ai/shiki/internal/gateway"
	"github.com/ashita-ai/shiki/internal/model"
	"github.com/ashita-ai/shiki/internal/scheduler"
	"github.com/ashita-ai/shiki/internal/storage"
)

// Server wraps the MCP server with Shiki's orchestration layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	db        *storage.DB
	admission *admission.Controller
	scheduler *scheduler.Scheduler
	gate      *approval.Gate
	gw        *gateway.Gateway
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all tools.
func New(db *storage.DB, adm *admission.Controller, sched *scheduler.Scheduler, gate *approval.Gate, gw *gateway.Gateway, logger *slog.Logger) *Server {
	s := &Server{
		db:        db,
		admission: adm,
		scheduler: sched,
		gate:      gate,
		gw:        gw,
		logger:    logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"shiki",
		"0.1.0",
		mcpserver.WithToolCapabilities(true),
	)

	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("shiki_submit_run",
			mcplib.WithDescription("Submit an agent run for execution. Returns the run ID immediately; execution is asynchronous."),
			mcplib.WithString("project_id", mcplib.Description("Project UUID"), mcplib.Required()),
			mcplib.WithString("goal", mcplib.Description("What the agent should accomplish"), mcplib.Required()),
			mcplib.WithString("provider", mcplib.Description("Provider to execute against"), mcplib.Required()),
			mcplib.WithString("model", mcplib.Description("Model identifier"), mcplib.Required()),
			mcplib.WithString("mode", mcplib.Description("Execution mode hint")),
		),
		s.handleSubmitRun,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("shiki_get_run",
			mcplib.WithDescription("Get the current state of a run: status, steps, realized cost, and output once terminal"),
			mcplib.WithString("run_id", mcplib.Description("Run UUID"), mcplib.Required()),
		),
		s.handleGetRun,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("shiki_approve",
			mcplib.WithDescription("Approve a pending decision trace, resuming the paused run"),
			mcplib.WithString("trace_id", mcplib.Description("Decision trace UUID"), mcplib.Required()),
		),
		s.handleApprove,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("shiki_reject",
			mcplib.WithDescription("Reject a pending decision trace, cancelling the paused run"),
			mcplib.WithString("trace_id", mcplib.Description("Decision trace UUID"), mcplib.Required()),
			mcplib.WithString("reason", mcplib.Description("Why the step was rejected"), mcplib.Required()),
		),
		s.handleReject,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("shiki_list_circuits",
			mcplib.WithDescription("List circuit breaker state for every registered provider"),
		),
		s.handleListCircuits,
	)
}

func (s *Server) handleSubmitRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := ctxutil.ClaimsFromContext(ctx)
	if claims == nil {
		return errorResult("unauthenticated"), nil
	}
	if !model.RoleAtLeast(claims.Role, model.RoleOperator) {
		return errorResult("operator role required"), nil
	}

	projectID, err := uuid.Parse(request.GetString("project_id", ""))
	if err != nil {
		return errorResult("invalid project_id"), nil
	}

	req := model.SubmitRunRequest{
		ProjectID: projectID,
		Goal:      request.GetString("goal", ""),
		Mode:      request.GetString("mode", ""),
		Provider:  request.GetString("provider", ""),
		Model:     request.GetString("model", ""),
		OrgID:     claims.OrgID,
	}
	if err := req.Validate(); err != nil {
		return errorResult(err.Error()), nil
	}

	if err := s.admission.Admit(ctx, claims.OrgID, 0); err != nil {
		var denied *admission.DeniedError
		if errors.As(err, &denied) {
			return errorResult(denied.Error()), nil
		}
		return errorResult(fmt.Sprintf("admission check failed: %v", err)), nil
	}

	runID, err := s.scheduler.Submit(ctx, req)
	if err != nil {
		return errorResult(fmt.Sprintf("submit failed: %v", err)), nil
	}
	return jsonResult(model.SubmitRunResponse{RunID: runID})
}

func (s *Server) handleGetRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := ctxutil.ClaimsFromContext(ctx)
	if claims == nil {
		return errorResult("unauthenticated"), nil
	}

	runID, err := uuid.Parse(request.GetString("run_id", ""))
	if err != nil {
		return errorResult("invalid run_id"), nil
	}
	run, err := s.db.GetRun(ctx, runID)
	if err != nil || run.OrgID != claims.OrgID {
		return errorResult("run not found"), nil
	}
	return jsonResult(run)
}

func (s *Server) handleApprove(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return s.resolveTrace(ctx, request, true)
}

func (s *Server) handleReject(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return s.resolveTrace(ctx, request, false)
}

func (s *Server) resolveTrace(ctx context.Context, request mcplib.CallToolRequest, approved bool) (*mcplib.CallToolResult, error) {
	claims := ctxutil.ClaimsFromContext(ctx)
	if claims == nil {
		return errorResult("unauthenticated"), nil
	}
	if !model.RoleAtLeast(claims.Role, model.RoleOperator) {
		return errorResult("operator role required"), nil
	}

	traceID, err := uuid.Parse(request.GetString("trace_id", ""))
	if err != nil {
		return errorResult("invalid trace_id"), nil
	}
	reason := request.GetString("reason", "")
	if !approved && reason == "" {
		return errorResult("reason is required for rejection"), nil
	}

	// Org scoping mirrors the HTTP handler.
	trace, err := s.db.GetTrace(ctx, traceID)
	if err != nil {
		return errorResult("trace not found"), nil
	}
	run, err := s.db.GetRun(ctx, trace.RunID)
	if err != nil || run.OrgID != claims.OrgID {
		return errorResult("trace not found"), nil
	}

	resolved, err := s.gate.Resolve(ctx, traceID, approved, claims.Operator, reason)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrAlreadyResolved):
			return errorResult("trace already resolved"), nil
		case errors.Is(err, model.ErrInvalidTransition):
			return errorResult("run is not awaiting approval"), nil
		default:
			return errorResult(fmt.Sprintf("resolve failed: %v", err)), nil
		}
	}
	return jsonResult(resolved)
}

func (s *Server) handleListCircuits(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if ctxutil.ClaimsFromContext(ctx) == nil {
		return errorResult("unauthenticated"), nil
	}
	return jsonResult(s.gw.Breakers().Snapshot())
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
