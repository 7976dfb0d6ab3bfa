package registry

import (
	"sort"

	"mcporch/internal/domain"
)

// Registry is the read-only index of loaded descriptors. It is fixed for the
// process lifetime: runtime additions are an explicit non-feature, so it is
// shared between components without locking.
type Registry struct {
	byID  map[string]domain.ServerDescriptor
	order []string
}

func newRegistry(descriptors []domain.ServerDescriptor) *Registry {
	byID := make(map[string]domain.ServerDescriptor, len(descriptors))
	order := make([]string, 0, len(descriptors))
	for _, desc := range descriptors {
		byID[desc.ID] = desc
		order = append(order, desc.ID)
	}
	sort.Strings(order)
	return &Registry{byID: byID, order: order}
}

// FindByID resolves a descriptor by its slug.
func (r *Registry) FindByID(id string) (domain.ServerDescriptor, error) {
	desc, ok := r.byID[id]
	if !ok {
		return domain.ServerDescriptor{}, domain.E(domain.CodeNotFound, "registry.FindByID", "unknown server id: "+id, domain.ErrServerNotFound).WithServer(id)
	}
	return desc, nil
}

// All returns every descriptor, ordered by id for determinism.
func (r *Registry) All() []domain.ServerDescriptor {
	out := make([]domain.ServerDescriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Len reports how many descriptors are loaded.
func (r *Registry) Len() int {
	return len(r.byID)
}
