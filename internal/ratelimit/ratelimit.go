// Package ratelimit bounds request throughput per caller.
//
// The server keys limits on the authenticated org (falling back to client
// IP before auth), so one noisy org cannot crowd out run submissions from
// the rest. Limiter is the contract; the in-process token bucket is the
// default implementation.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should proceed.
// Implementations must be safe for concurrent use. Errors signal a limiter
// malfunction; callers fail open rather than blocking traffic.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
