package providers

import (
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/casc/internal/ingress/domain"
)

type tenantKind struct {
	tenantID snowflake.ID
	kind     domain.Kind
}

// Registry resolves the provider serving a (tenant, kind) pair. Tenants
// without an override use the default provider of the kind.
type Registry struct {
	mu        sync.RWMutex
	defaults  map[domain.Kind]domain.Provider
	overrides map[tenantKind]domain.Provider
}

func NewRegistry(providers ...domain.Provider) *Registry {
	registry := &Registry{
		defaults:  map[domain.Kind]domain.Provider{},
		overrides: map[tenantKind]domain.Provider{},
	}
	for _, provider := range providers {
		if provider == nil {
			continue
		}
		registry.defaults[provider.Kind()] = provider
	}
	return registry
}

// Override installs provider for one tenant.
func (r *Registry) Override(tenantID snowflake.ID, provider domain.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[tenantKind{tenantID: tenantID, kind: provider.Kind()}] = provider
}

func (r *Registry) Default(kind domain.Kind) (domain.Provider, error) {
	if r == nil {
		return nil, domain.ErrUnknownProvider
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	provider, ok := r.defaults[kind]
	if !ok {
		return nil, domain.ErrUnknownProvider
	}
	return provider, nil
}

func (r *Registry) For(tenantID snowflake.ID, kind domain.Kind) (domain.Provider, error) {
	if r == nil {
		return nil, domain.ErrUnknownProvider
	}
	r.mu.RLock()
	provider, ok := r.overrides[tenantKind{tenantID: tenantID, kind: kind}]
	r.mu.RUnlock()
	if ok {
		return provider, nil
	}
	return r.Default(kind)
}
