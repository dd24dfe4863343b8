// Package resolver implements the Resolver Chain: an ordered list of
// callbacks that expand a callee string into destination descriptors for
// the Call fan-out. Resolvers accumulate — every resolver that recognises
// the callee contributes its destinations, so plugins can add parallel
// targets for the same callee.
package resolver

import (
	"context"

	"github.com/sebas/mediahub/internal/mediaerr"
)

// Destination is one resolved fan-out target.
type Destination struct {
	Dest        string // opaque destination token, dispatched to the adapter hook
	WaitSeconds int    // delay before launching this invite (0 = immediate)
	RingSeconds int    // ring budget; 0 means the configured default, capped at the max
	SDPType     string // "webrtc" or "rtp"; empty inherits the call's offer type
}

// Resolver contributes destinations for callee strings it recognises.
type Resolver interface {
	// CanResolve reports whether this resolver recognises the callee format.
	CanResolve(callee string) bool

	// Resolve expands callee into zero or more destinations. Returning an
	// empty slice with a nil error means "recognised, nobody home".
	Resolve(ctx context.Context, service, callee string) ([]Destination, error)
}

// Chain tries every resolver in order, accumulating the destinations of
// each one that recognises the callee.
type Chain struct {
	resolvers []Resolver
}

// NewChain creates a Chain. Order matters only for destination ordering:
// earlier resolvers' destinations get lower positions in the fan-out.
func NewChain(resolvers ...Resolver) *Chain {
	return &Chain{resolvers: resolvers}
}

// Append adds a resolver at the end of the chain, used by the External API
// to contribute programmatic destinations at runtime.
func (c *Chain) Append(r Resolver) {
	c.resolvers = append(c.resolvers, r)
}

// CanResolve reports whether any resolver recognises callee.
func (c *Chain) CanResolve(callee string) bool {
	for _, r := range c.resolvers {
		if r.CanResolve(callee) {
			return true
		}
	}
	return false
}

// Resolve accumulates destinations across the chain. A resolver error is
// remembered but does not abort the chain; it is surfaced only if the
// whole chain produced nothing.
func (c *Chain) Resolve(ctx context.Context, service, callee string) ([]Destination, error) {
	var out []Destination
	var lastErr error

	for _, r := range c.resolvers {
		if !r.CanResolve(callee) {
			continue
		}
		dests, err := r.Resolve(ctx, service, callee)
		if err != nil {
			lastErr = err
			continue
		}
		out = append(out, dests...)
	}

	if len(out) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}

var _ Resolver = (*Chain)(nil)

// Func adapts a plain function to Resolver, for callers registering ad-hoc
// resolve callbacks.
type Func struct {
	Accepts func(callee string) bool
	Expand  func(ctx context.Context, service, callee string) ([]Destination, error)
}

func (f Func) CanResolve(callee string) bool {
	if f.Accepts == nil {
		return true
	}
	return f.Accepts(callee)
}

func (f Func) Resolve(ctx context.Context, service, callee string) ([]Destination, error) {
	if f.Expand == nil {
		return nil, &mediaerr.LookupError{Target: callee, Reason: "resolver has no expand function"}
	}
	return f.Expand(ctx, service, callee)
}
