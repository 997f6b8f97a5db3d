package adapters

import (
	"sort"
	"strings"
	"sync"

	"github.com/smallbiznis/ticketpay/internal/payment/domain"
)

// Registry maps provider ids to adapters. Lookups are case-insensitive.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]domain.Provider
}

func NewRegistry(providers ...domain.Provider) *Registry {
	registry := &Registry{providers: map[string]domain.Provider{}}
	for _, provider := range providers {
		registry.Register(provider)
	}
	return registry
}

// Register adds or replaces an adapter. Nil adapters and blank ids are skipped.
func (r *Registry) Register(provider domain.Provider) {
	if r == nil || provider == nil {
		return
	}
	id := normalizeID(provider.ID())
	if id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[id] = provider
}

func (r *Registry) Resolve(providerID string) (domain.Provider, error) {
	if r == nil {
		return nil, domain.ErrUnknownProvider
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	provider, ok := r.providers[normalizeID(providerID)]
	if !ok {
		return nil, domain.ErrUnknownProvider
	}
	return provider, nil
}

func (r *Registry) Exists(providerID string) bool {
	_, err := r.Resolve(providerID)
	return err == nil
}

// Providers lists registered adapters sorted by id.
func (r *Registry) Providers() []domain.Provider {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Provider, 0, len(r.providers))
	for _, provider := range r.providers {
		out = append(out, provider)
	}
	sort.Slice(out, func(i, j int) bool {
		return normalizeID(out[i].ID()) < normalizeID(out[j].ID())
	})
	return out
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
