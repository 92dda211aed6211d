package gateway

import (
	"context"
	"fmt"
)

// NoopProvider completes every run in a single free step. Used in
// development and tests when no real provider is configured.
type NoopProvider struct {
	name string
}

// NewNoopProvider creates a no-op provider registered under name.
func NewNoopProvider(name string) *NoopProvider {
	return &NoopProvider{name: name}
}

func (p *NoopProvider) Name() string { return p.name }

// Invoke echoes the goal back as the final step's output.
func (p *NoopProvider) Invoke(_ context.Context, req Request) (Response, error) {
	return Response{
		Output: fmt.Sprintf("noop: %s", req.Goal),
		Done:   true,
	}, nil
}
