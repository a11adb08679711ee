package coordinator

import (
	"fmt"
	"sync"
)

// Registry maps agent names to handlers. Registration normally happens once
// at startup, but the map is locked so tests and dynamic hosts can add
// agents while workflows run.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]AgentFunc
}

// NewRegistry creates an empty agent registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]AgentFunc)}
}

// Register adds an agent handler. Re-registering a name replaces the handler.
func (r *Registry) Register(name string, fn AgentFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("agent registration requires a name and a handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[name] = fn
	return nil
}

// Lookup returns the handler for name.
func (r *Registry) Lookup(name string) (AgentFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.agents[name]
	return fn, ok
}

// Names returns the registered agent names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.agents))
	for name := range r.agents {
		out = append(out, name)
	}
	return out
}
