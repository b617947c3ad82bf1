package policy

import (
	"context"
	"sync"

	"github.com/nevenhsu/llmbook-sub003/internal/provider"
)

// RouteTable builds provider registries from the cached active policy,
// rebuilding only when the served version changes. Version 0 is the built-in default.
type RouteTable struct {
	policies *CachedProvider

	mu      sync.Mutex
	version int64
	reg     *provider.Registry
}

func NewRouteTable(policies *CachedProvider) *RouteTable {
	return &RouteTable{policies: policies}
}

// Registry satisfies provider.RegistrySource.
func (t *RouteTable) Registry(ctx context.Context) (*provider.Registry, error) {
	resolved := t.policies.Get(ctx, ScopeGlobal)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.reg != nil && t.version == resolved.Version {
		return t.reg, nil
	}
	reg, err := provider.NewRegistry(resolved.Document)
	if err != nil {
		return nil, err
	}
	t.reg, t.version = reg, resolved.Version
	return reg, nil
}
