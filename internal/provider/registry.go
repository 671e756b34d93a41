package provider

import (
	"fmt"
	"sort"
	"sync"
)

// Capability describes what a registered provider can do and where it sits
// in the fallback priority order (lower value means preferred).
type Capability struct {
	Methods  []string
	Priority int
}

type entry struct {
	gateway Gateway
	cap     Capability
}

// Registry holds the registered provider gateways.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a gateway under its own name. Re-registering a name
// replaces the previous entry.
func (r *Registry) Register(gw Gateway, cap Capability) error {
	if gw == nil {
		return fmt.Errorf("registry: gateway cannot be nil")
	}
	if gw.Name() == "" {
		return fmt.Errorf("registry: gateway name cannot be empty")
	}
	r.mu.Lock()
	r.entries[gw.Name()] = entry{gateway: gw, cap: cap}
	r.mu.Unlock()
	return nil
}

// Lookup returns the gateway registered under the given provider id.
func (r *Registry) Lookup(providerID string) (Gateway, bool) {
	r.mu.RLock()
	e, ok := r.entries[providerID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return e.gateway, true
}

// Supports reports whether the provider handles the payment method. An
// empty method matches any provider; a provider with no declared methods
// matches any method.
func (r *Registry) Supports(providerID, method string) bool {
	r.mu.RLock()
	e, ok := r.entries[providerID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return capSupports(e.cap, method)
}

func capSupports(c Capability, method string) bool {
	if method == "" || len(c.Methods) == 0 {
		return true
	}
	for _, m := range c.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// CandidatesFor returns the provider ids supporting the method, ordered by
// configured priority.
func (r *Registry) CandidatesFor(method string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type candidate struct {
		id       string
		priority int
	}
	var candidates []candidate
	for id, e := range r.entries {
		if capSupports(e.cap, method) {
			candidates = append(candidates, candidate{id: id, priority: e.cap.Priority})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority < candidates[j].priority
		}
		return candidates[i].id < candidates[j].id
	})

	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.id
	}
	return out
}

// Providers returns all registered provider ids in priority order.
func (r *Registry) Providers() []string {
	return r.CandidatesFor("")
}
