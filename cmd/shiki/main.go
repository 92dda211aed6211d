package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/ashita-ai/shiki/internal/admission"
	"github.com/ashita-ai/shiki/internal/approval"
	"github.com/ashita-ai/shiki/internal/auth"
	"github.com/ashita-ai/shiki/internal/bus"
	"github.com/ashita-ai/shiki/internal/config"
	"github.com/ashita-ai/shiki/internal/gateway"
	"github.com/ashita-ai/shiki/internal/mcp"
	"github.com/ashita-ai/shiki/internal/model"
	"github.com/ashita-ai/shiki/internal/ratelimit"
	"github.com/ashita-ai/shiki/internal/scheduler"
	"github.com/ashita-ai/shiki/internal/server"
	"github.com/ashita-ai/shiki/internal/storage"
	"github.com/ashita-ai/shiki/internal/telemetry"
	"github.com/ashita-ai/shiki/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("SHIKI_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("shiki starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, true)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database and apply migrations.
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Create JWT manager.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	// Seed the bootstrap operator.
	if err := seedOperator(ctx, db, cfg, logger); err != nil {
		slog.Warn("operator seed failed", "error", err)
	}

	// Provider registry: noop is always available; OpenAI when a key is set.
	registry := gateway.NewRegistry()
	registry.Register(gateway.NewNoopProvider("noop"))
	if cfg.OpenAIAPIKey != "" {
		registry.Register(gateway.NewOpenAIProvider("openai", cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAICostPerKToken))
		logger.Info("provider registered", "provider", "openai")
	}

	gw := gateway.New(registry, gateway.Config{
		MaxAttempts:      cfg.RetryMaxAttempts,
		BaseDelay:        cfg.RetryBaseDelay,
		MaxDelay:         cfg.RetryMaxDelay,
		CallTimeout:      cfg.ProviderTimeout,
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerCooldown:  cfg.BreakerCooldown,
	}, logger)

	eventBus := bus.New(logger)
	adm := admission.New(db, logger)
	gate := approval.NewGate(db, logger)

	sched := scheduler.New(db, db, db, gw, gate, eventBus, scheduler.Config{
		MaxConcurrentRuns: int64(cfg.MaxConcurrentRuns),
		QueueSize:         cfg.QueueSize,
		MaxStepsPerRun:    cfg.MaxStepsPerRun,
	}, logger)
	gate.BindResumer(sched)

	// Run pool gets its own context so HTTP shutdown can complete first and
	// in-flight runs keep draining until the scheduler deadline.
	schedCtx, schedCancel := context.WithCancel(context.Background())
	defer schedCancel()
	sched.Start(schedCtx)

	// Create MCP server (mounted at /mcp).
	mcpSrv := mcp.New(db, adm, sched, gate, gw, logger)

	var limiter ratelimit.Limiter
	if cfg.RateLimitRPS > 0 {
		mem := ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		defer func() { _ = mem.Close() }()
		limiter = mem
	}

	srv := server.New(server.ServerConfig{
		DB:                  db,
		JWTMgr:              jwtMgr,
		Admission:           adm,
		Scheduler:           sched,
		Gate:                gate,
		Gateway:             gw,
		Bus:                 eventBus,
		Logger:              logger,
		MCPServer:           mcpSrv.MCPServer(),
		Limiter:             limiter,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Start HTTP server in background.
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Each phase gets its own timeout so early completion
	// doesn't steal budget from later phases.
	// Order: (1) stop accepting new HTTP requests and drain in-flight,
	// (2) drain running runs, (3) stop the dispatch loop.
	slog.Info("shiki shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	schedCancel()
	sched.Drain(drainCtx)
	drainCancel()

	slog.Info("shiki stopped")
	return nil
}

// seedOperator bootstraps the initial operator account from config so a fresh
// deployment can mint its first JWT. No-op when no key is configured or the
// operator already exists.
func seedOperator(ctx context.Context, db *storage.DB, cfg config.Config, logger *slog.Logger) error {
	if cfg.OperatorAPIKey == "" {
		logger.Info("no bootstrap operator key configured, skipping seed")
		return nil
	}

	orgID := uuid.New()
	if cfg.OperatorOrgID != "" {
		parsed, err := uuid.Parse(cfg.OperatorOrgID)
		if err != nil {
			return fmt.Errorf("parse SHIKI_OPERATOR_ORG_ID: %w", err)
		}
		orgID = parsed
	}

	hash, err := auth.HashAPIKey(cfg.OperatorAPIKey)
	if err != nil {
		return fmt.Errorf("hash operator key: %w", err)
	}

	op, err := db.SeedOperator(ctx, orgID, "admin", model.RoleOperator, hash)
	if err != nil {
		return err
	}
	logger.Info("bootstrap operator ready", "operator", op.Name, "org_id", op.OrgID)
	return nil
}
