// Package providers implements the duck-typed chain-provider plug-in
// registry from spec §9: a narrow capability interface registered by name,
// each paired with its own field normalizer.
package providers

import (
	"context"
	"fmt"
	"sync"
)

// RawPayload is the opaque vendor map a Provider returns, before
// normalization into OptionContract records.
type RawPayload map[string]any

// Provider is the narrow capability every chain data source implements.
type Provider interface {
	Name() string
	FetchChain(ctx context.Context, symbol string) (RawPayload, error)
}

// Normalizer maps one provider's vendor payload into canonical contract
// rows. Returned alongside malformed-entry counts per spec §4.6.1 ("numeric
// coercion is best-effort with malformed entries dropped and counted").
type Normalizer func(payload RawPayload) (contracts []ContractFields, dropped int)

// ContractFields is the normalizer's intermediate output, converted to
// ingest.OptionContract records by the caller (internal/ingest).
type ContractFields struct {
	ContractType string
	Strike       float64
	Expiry       string
	Bid, Ask, Mark, IV, Delta, Gamma, Theta, Vega float64
	HasBid, HasAsk, HasMark, HasIV, HasDelta, HasGamma, HasTheta, HasVega bool
	OI, Volume       int
	HasOI, HasVolume bool
	Updated          string
}

type registration struct {
	provider   Provider
	normalizer Normalizer
}

// Registry is a concurrent-safe, by-name table of providers and their
// normalizers.
type Registry struct {
	mu    sync.RWMutex
	byName map[string]registration
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]registration)}
}

// Register adds provider p with normalizer n under p.Name(). Registering the
// same name twice replaces the previous entry.
func (r *Registry) Register(p Provider, n Normalizer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[p.Name()] = registration{provider: p, normalizer: n}
}

// Get returns the provider and normalizer registered under name.
func (r *Registry) Get(name string) (Provider, Normalizer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byName[name]
	if !ok {
		return nil, nil, fmt.Errorf("providers: no provider registered as %q", name)
	}
	return reg.provider, reg.normalizer, nil
}

// Names returns every registered provider name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	return out
}
