package vm

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tolelom/framebattles/core"
)

// Handler is the function signature every contract module must implement.
type Handler func(ctx *Context, payload json.RawMessage) error

// Registry maps contract methods to Handlers. Thread-safe for concurrent registration.
type Registry struct {
	mu       sync.RWMutex
	handlers map[core.Method]Handler
	payable  map[core.Method]bool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[core.Method]Handler),
		payable:  make(map[core.Method]bool),
	}
}

// Register associates method with h. Panics on duplicate registration.
func (r *Registry) Register(method core.Method, payable bool, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[method]; exists {
		panic(fmt.Sprintf("vm: handler already registered for method %q", method))
	}
	r.handlers[method] = h
	r.payable[method] = payable
}

func (r *Registry) lookup(method core.Method) (Handler, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[method]
	if !ok {
		return nil, false, fmt.Errorf("vm: no handler registered for method %q", method)
	}
	return h, r.payable[method], nil
}

// globalRegistry is the package-level singleton that modules register into.
var globalRegistry = NewRegistry()

// Register adds a handler to the global registry.
// Module init() functions call this to self-register.
func Register(method core.Method, payable bool, h Handler) {
	globalRegistry.Register(method, payable, h)
}
