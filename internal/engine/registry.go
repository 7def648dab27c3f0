package engine

import (
	"fmt"
	"sort"
	"sync"
)

type Registry struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

func NewRegistry() *Registry {
	return &Registry{
		caps: make(map[string]Capability),
	}
}

func (r *Registry) Register(c Capability) error {
	if c == nil {
		return fmt.Errorf("capability is nil")
	}
	name := c.Name()
	if name == "" {
		return fmt.Errorf("capability name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.caps[name]; exists {
		return fmt.Errorf("engine %q already registered", name)
	}
	r.caps[name] = c
	return nil
}

func (r *Registry) Get(name string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[name]
	if !ok {
		return nil, fmt.Errorf("engine %q not found", name)
	}
	return c, nil
}

// List returns registered backend names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.caps))
	for name := range r.caps {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
