package registry

import (
	"context"
	"sync"

	"github.com/coralhq/coral/pkg/types"
)

// AssociationsContext resolves and caches association lookups for the
// lifetime of one routing pass, so resolvers that build on other
// associations (managers = direct managers + managers of parent groups)
// pay each lookup once per seed.
type AssociationsContext struct {
	reg   *Registry
	mu    sync.Mutex
	cache map[string][]string
}

// NewAssociationsContext creates a per-seed association cache.
func NewAssociationsContext(reg *Registry) *AssociationsContext {
	return &AssociationsContext{
		reg:   reg,
		cache: make(map[string][]string),
	}
}

// Get resolves the named association of an entity, serving repeated lookups
// from the cache. Unknown associations resolve to an empty id list.
func (ac *AssociationsContext) Get(ctx context.Context, entity types.Entity, name string) ([]string, error) {
	cacheKey := entity.ID() + "\x00" + name

	ac.mu.Lock()
	if ids, ok := ac.cache[cacheKey]; ok {
		ac.mu.Unlock()
		return ids, nil
	}
	ac.mu.Unlock()

	resolver, ok := ac.reg.Association(entity.ObjectType(), name)
	if !ok {
		return nil, nil
	}
	ids, err := resolver(ctx, ac, entity)
	if err != nil {
		return nil, err
	}

	ac.mu.Lock()
	ac.cache[cacheKey] = ids
	ac.mu.Unlock()
	return ids, nil
}
