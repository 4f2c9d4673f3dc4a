// Package ownership tracks which holder currently owns a resource.
// Acquiring a resource invalidates the previous holder's token; holders
// check Valid before acting on the resource again.
package ownership

import (
	"sync"
	"sync/atomic"
)

// Token proves ownership of Resource by Holder until superseded.
type Token struct {
	Resource string
	Holder   string
	gen      uint64
}

type owner struct {
	holder string
	gen    uint64
}

type Registry struct {
	mu     sync.RWMutex
	owners map[string]owner
	next   atomic.Uint64
}

func New() *Registry {
	return &Registry{owners: make(map[string]owner)}
}

// Acquire makes holder the owner of resource.
func (r *Registry) Acquire(resource, holder string) Token {
	gen := r.next.Add(1)
	r.mu.Lock()
	r.owners[resource] = owner{holder: holder, gen: gen}
	r.mu.Unlock()
	return Token{Resource: resource, Holder: holder, gen: gen}
}

func (r *Registry) Valid(t Token) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.owners[t.Resource]
	return ok && o.gen == t.gen
}

// Release gives resource up if t is still the owning token.
func (r *Registry) Release(t Token) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.owners[t.Resource]
	if !ok || o.gen != t.gen {
		return false
	}
	delete(r.owners, t.Resource)
	return true
}

// ReleaseHolder drops every resource owned by holder, e.g. when a
// connection closes.
func (r *Registry) ReleaseHolder(holder string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var released []string
	for resource, o := range r.owners {
		if o.holder == holder {
			delete(r.owners, resource)
			released = append(released, resource)
		}
	}
	return released
}
