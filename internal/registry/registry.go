// Package registry holds the catalog of model ids the service can resolve.
package registry

import (
	"sort"
	"sync"

	"gend/pkg/types"
)

// Registry is a concurrency-safe catalog keyed by model id.
type Registry struct {
	mu     sync.RWMutex
	models map[string]types.Model
}

// New builds a registry from models. Later entries with the same id win.
func New(models ...types.Model) *Registry {
	r := &Registry{models: make(map[string]types.Model, len(models))}
	for _, m := range models {
		r.models[m.ID] = m
	}
	return r
}

// Lookup returns the catalog entry for id.
func (r *Registry) Lookup(id string) (types.Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[id]
	return m, ok
}

// List returns all entries sorted by id.
func (r *Registry) List() []types.Model {
	r.mu.RLock()
	out := make([]types.Model, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len reports the number of entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.models)
}

// Merge overlays configured entries on scanned ones. A configured entry
// replaces the scanned entry with the same id, keeping the scanned path and
// metadata for fields it leaves empty.
func Merge(scanned, configured []types.Model) []types.Model {
	byID := make(map[string]types.Model, len(scanned)+len(configured))
	var order []string
	for _, m := range scanned {
		if _, ok := byID[m.ID]; !ok {
			order = append(order, m.ID)
		}
		byID[m.ID] = m
	}
	for _, c := range configured {
		base, ok := byID[c.ID]
		if !ok {
			order = append(order, c.ID)
		}
		byID[c.ID] = overlay(base, c)
	}
	out := make([]types.Model, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out
}

func overlay(base, c types.Model) types.Model {
	base.ID = c.ID
	if c.Name != "" {
		base.Name = c.Name
	}
	if c.Path != "" {
		base.Path = c.Path
	}
	if c.Quant != "" {
		base.Quant = c.Quant
	}
	if c.Family != "" {
		base.Family = c.Family
	}
	if c.Template != "" {
		base.Template = c.Template
	}
	if c.TimeoutSeconds != 0 {
		base.TimeoutSeconds = c.TimeoutSeconds
	}
	if base.Name == "" {
		base.Name = base.ID
	}
	return base
}
