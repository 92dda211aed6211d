package gateway

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Config controls retry and circuit-breaker policy for the gateway.
type Config struct {
	// MaxAttempts bounds provider attempts per Invoke, including the first.
	MaxAttempts int
	// BaseDelay is the initial backoff delay; it doubles per attempt.
	BaseDelay time.Duration
	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration
	// CallTimeout is the overall deadline for one Invoke, covering all
	// retry attempts and backoff waits.
	CallTimeout time.Duration
	// BreakerThreshold is the consecutive-failure count that opens a
	// provider's circuit.
	BreakerThreshold int
	// BreakerCooldown is how long an open circuit rejects calls before a
	// half-open trial is allowed.
	BreakerCooldown time.Duration
}

// Gateway invokes providers with bounded retry and per-provider circuit
// breaking. Safe for concurrent use by multiple runs targeting the same
// provider; breaker mutations are serialized inside the BreakerSet.
type Gateway struct {
	registry *Registry
	breakers *BreakerSet
	cfg      Config
	logger   *slog.Logger
}

// New creates a gateway over the given provider registry.
func New(registry *Registry, cfg Config, logger *slog.Logger) *Gateway {
	return &Gateway{
		registry: registry,
		breakers: NewBreakerSet(cfg.BreakerThreshold, cfg.BreakerCooldown),
		cfg:      cfg,
		logger:   logger,
	}
}

// Breakers exposes the circuit state store for operator endpoints.
func (g *Gateway) Breakers() *BreakerSet { return g.breakers }

// Invoke calls the named provider for one step of a run. Transient failures
// are retried up to MaxAttempts with jittered exponential backoff; permanent
// failures and open circuits fail immediately. The returned error is always
// classified (see Error, ErrCircuitOpen).
func (g *Gateway) Invoke(ctx context.Context, provider string, req Request) (Response, error) {
	p, err := g.registry.Get(provider)
	if err != nil {
		return Response{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	delay := g.cfg.BaseDelay
	var lastErr error

	for attempt := 0; attempt < g.cfg.MaxAttempts; attempt++ {
		if err := g.breakers.Allow(provider); err != nil {
			// Short-circuited: the provider was not contacted.
			g.logger.Warn("gateway: circuit open, call rejected",
				"provider", provider, "run_id", req.RunID)
			return Response{}, err
		}

		resp, err := p.Invoke(ctx, req)
		if err == nil {
			g.breakers.Success(provider)
			return resp, nil
		}

		g.breakers.Failure(provider)
		lastErr = err

		if !IsTransient(err) {
			g.logger.Warn("gateway: permanent provider failure",
				"provider", provider, "run_id", req.RunID, "error", err)
			return Response{}, err
		}
		if attempt == g.cfg.MaxAttempts-1 {
			break
		}

		g.logger.Warn("gateway: transient provider failure, retrying",
			"provider", provider, "run_id", req.RunID,
			"attempt", attempt+1, "error", err)

		jitter := time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-ctx.Done():
			return Response{}, Transient(provider, ctx.Err())
		case <-time.After(delay + jitter):
		}
		if delay *= 2; delay > g.cfg.MaxDelay {
			delay = g.cfg.MaxDelay
		}
	}

	// Retries exhausted: the transient failure escalates to permanent for
	// this call.
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		lastErr = Transient(provider, context.DeadlineExceeded)
	}
	g.logger.Error("gateway: retries exhausted",
		"provider", provider, "run_id", req.RunID, "error", lastErr)
	return Response{}, lastErr
}
