// Package gateway invokes external model providers on behalf of the
// scheduler, wrapping every call with bounded retry and a per-provider
// circuit breaker.
//
// Defines a Provider capability and concrete adapters. The gateway is
// written once against the capability, never against a concrete vendor.
package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Request is one step of a run's plan, handed to a provider.
type Request struct {
	RunID uuid.UUID
	Model string
	Goal  string
	Mode  string

	// Step is the zero-based ordinal of this provider call within the run.
	Step int

	// PriorOutput is the previous step's output, empty on the first step.
	PriorOutput string
}

// Response is the provider's result for one step.
type Response struct {
	Output  string
	CostUSD float64

	// Done marks the final step of the run.
	Done bool

	// RequiresApproval pauses the run for human sign-off before the next
	// step executes. Ignored when Done is set.
	RequiresApproval bool
	ApprovalReason   string
}

// Provider is the uniform invocation capability implemented by one variant
// per vendor. Implementations classify their failures via Transient and
// Permanent so the gateway can apply retry policy.
type Provider interface {
	Name() string
	Invoke(ctx context.Context, req Request) (Response, error)
}

// Registry holds named providers, selected dynamically per run.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider under its name, replacing any previous entry.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, Permanent(name, fmt.Errorf("gateway: unknown provider %q", name))
	}
	return p, nil
}

// Names returns the registered provider names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	return names
}
