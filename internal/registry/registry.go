// Package registry holds the authoritative in-process map of registered
// components and the recipient resolver built on top of it.
package registry

import (
	"sort"
	"sync"

	"github.com/stage7/postoffice/pkg/errors"
)

// Component is one registered backend service instance.
type Component struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	URL  string `json:"url"`
}

// Registry is the in-memory authoritative store of component registrations.
// The two indexes are updated together under one lock so readers always see
// a consistent view.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]Component
	byType map[string][]string // type -> ids in registration order
}

func New() *Registry {
	return &Registry{
		byID:   make(map[string]Component),
		byType: make(map[string][]string),
	}
}

// Register upserts a component. Idempotent on id: re-registering moves the
// component to its new type index if the type changed.
func (r *Registry) Register(c Component) error {
	if c.ID == "" || c.Type == "" || c.URL == "" {
		return errors.ErrInvalidRegistration
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.byID[c.ID]; ok {
		if prev.Type != c.Type {
			r.removeFromTypeLocked(prev.Type, c.ID)
			r.byType[c.Type] = append(r.byType[c.Type], c.ID)
		}
	} else {
		r.byType[c.Type] = append(r.byType[c.Type], c.ID)
	}
	r.byID[c.ID] = c
	return nil
}

// Deregister removes a component from both indexes.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok {
		return errors.ErrComponentNotFound
	}
	delete(r.byID, id)
	r.removeFromTypeLocked(c.Type, id)
	return nil
}

func (r *Registry) removeFromTypeLocked(typ, id string) {
	ids := r.byType[typ]
	for i, v := range ids {
		if v == id {
			r.byType[typ] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(r.byType[typ]) == 0 {
		delete(r.byType, typ)
	}
}

// Get returns a component by id.
func (r *Registry) Get(id string) (Component, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

// OfType returns all components registered under a type, in registration
// order.
func (r *Registry) OfType(typ string) []Component {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byType[typ]
	out := make([]Component, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.byID[id])
	}
	return out
}

// GetURL returns the URL for an identifier that may be a component id or a
// service type. Selection within a type is stable first-registered order.
func (r *Registry) GetURL(typeOrID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.byID[typeOrID]; ok {
		return c.URL, true
	}
	if ids := r.byType[typeOrID]; len(ids) > 0 {
		return r.byID[ids[0]].URL, true
	}
	return "", false
}

// CountsByType returns the number of registered components per type, for
// detailed readiness bodies.
func (r *Registry) CountsByType() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.byType))
	for typ, ids := range r.byType {
		out[typ] = len(ids)
	}
	return out
}

// Types returns the registered type names, sorted for deterministic output.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byType))
	for typ := range r.byType {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}
