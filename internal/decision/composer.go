// Package decision hosts the policy composers and the guardrail layer that
// turns plan proposals into executable, risk-checked trade instructions.
package decision

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/alanwei/tradeforge/internal/domain"
)

// Composer produces normalized trade instructions for one decision cycle.
// Implementations must never panic on malformed upstream output; a policy
// failure yields zero instructions and an explanatory rationale.
type Composer interface {
	Compose(ctx context.Context, cc domain.ComposeContext) (domain.ComposeResult, error)
}

// Registry manages the named collection of composer constructors. It is safe
// for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	builders map[domain.PolicyName]Builder
}

// Builder constructs a composer for a resolved strategy request.
type Builder func(request domain.UserRequest) (Composer, error)

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[domain.PolicyName]Builder)}
}

// Register adds a composer builder under the given policy name. An existing
// builder with the same name is replaced.
func (r *Registry) Register(name domain.PolicyName, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[name] = builder
}

// Build constructs the composer registered under the request's strategy type.
func (r *Registry) Build(request domain.UserRequest) (Composer, error) {
	r.mu.RLock()
	builder, ok := r.builders[request.TradingConfig.StrategyType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("decision: policy %q: %w", request.TradingConfig.StrategyType, domain.ErrNotRegistered)
	}
	return builder(request)
}

// List returns the registered policy names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, string(name))
	}
	sort.Strings(names)
	return names
}
