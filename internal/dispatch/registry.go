package dispatch

import (
	"context"
	"sync"
)

// AutomationFunc is a named in-process action a RUN_AUTOMATION handler can
// invoke. The returned map is persisted as the execution output.
type AutomationFunc func(ctx context.Context, params map[string]any) (map[string]any, error)

// Registry holds the automations available to handlers. Registration normally
// happens at startup; the lock makes later additions safe too.
type Registry struct {
	mu  sync.RWMutex
	fns map[string]AutomationFunc
}

func NewRegistry() *Registry {
	return &Registry{fns: map[string]AutomationFunc{}}
}

func (r *Registry) Register(name string, fn AutomationFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fns[name] = fn
}

func (r *Registry) Get(name string) (AutomationFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.fns[name]
	return fn, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.fns))
	for name := range r.fns {
		names = append(names, name)
	}
	return names
}
