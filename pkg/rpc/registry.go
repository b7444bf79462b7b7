package rpc

import (
	"sort"
	"sync"
)

// Registry is the set of method names a proxy is allowed to call. It is
// safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	names map[string]struct{}
}

func NewRegistry(names ...string) *Registry {
	r := &Registry{
		names: make(map[string]struct{}, len(names)),
	}
	r.Register(names...)
	return r
}

func (r *Registry) Register(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		if name == "" {
			continue
		}
		r.names[name] = struct{}{}
	}
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.names[name]
	return ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.names))
	for name := range r.names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
