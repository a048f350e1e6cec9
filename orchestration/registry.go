package orchestration

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mhalbert/flowline/core"
)

// Registry maps task types to their handlers. It is safe for concurrent
// use; workers read from it while the daemon may still be registering
// custom handlers during startup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]core.Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]core.Handler),
	}
}

// Register adds a handler for its task type. Registering the same task type
// twice is an error; replacing a handler under a running worker pool would
// make execution behavior depend on timing.
func (r *Registry) Register(h core.Handler) error {
	if h == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	taskType := h.TaskType()
	if taskType == "" {
		return fmt.Errorf("handler task type cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[taskType]; exists {
		return fmt.Errorf("handler already registered for task type %q", taskType)
	}
	r.handlers[taskType] = h
	return nil
}

// Get returns the handler for a task type, or ErrHandlerNotFound.
func (r *Registry) Get(taskType string) (core.Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	if !ok {
		return nil, &core.EngineError{
			Op:   "registry.Get",
			Kind: "handler",
			ID:   taskType,
			Err:  core.ErrHandlerNotFound,
		}
	}
	return h, nil
}

// Has reports whether a handler is registered for the task type.
func (r *Registry) Has(taskType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[taskType]
	return ok
}

// Types returns the registered task types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// DefaultRegistry returns a registry with all built-in handlers registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, h := range []core.Handler{
		NewHTTPRequestHandler(nil),
		NewDataTransformHandler(),
		NewConditionalHandler(),
		NewDelayHandler(),
		NewLogHandler(nil),
	} {
		// Built-in task types are distinct; Register cannot fail here.
		_ = r.Register(h)
	}
	return r
}
