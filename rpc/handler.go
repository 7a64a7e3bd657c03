package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/CloudNetService/CloudNet-sub027/codec"
)

var (
	ErrNoHandler  = errors.New("rpc: no handler")
	ErrNotBound   = errors.New("rpc: method not bound")
	ErrTargetType = errors.New("rpc: target has the wrong type")
)

// Invoker executes one method. target is the handler's instance for the
// first step of an invocation and the previous step's result inside a chain.
type Invoker func(ctx context.Context, target any, args []any) (any, error)

// Handler serves the methods of one capability on the receiving node.
type Handler struct {
	capability *Capability
	instance   any

	mu       sync.RWMutex
	bindings map[string]Invoker
}

type HandlerOption func(*Handler)

// WithInstance sets the object the first step of an invocation runs on.
func WithInstance(instance any) HandlerOption {
	return func(h *Handler) { h.instance = instance }
}

func NewHandler(c *Capability, opts ...HandlerOption) *Handler {
	h := &Handler{capability: c, bindings: make(map[string]Invoker)}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Name() string { return h.capability.Name() }

func (h *Handler) Capability() *Capability { return h.capability }

func (h *Handler) Instance() any { return h.instance }

// Bind attaches inv to the declared method name with signature sig.
func (h *Handler) Bind(name string, sig codec.Signature, inv Invoker) error {
	m, ok := h.capability.Lookup(name, sig)
	if !ok {
		return fmt.Errorf("%w: %s.%s%s", ErrUnknownMethod, h.Name(), name, sig)
	}
	if m.Excluded {
		return fmt.Errorf("%w: %s.%s", ErrMethodExcluded, h.Name(), m.Ref())
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bindings[m.Ref()] = inv
	return nil
}

// invoker returns the binding for name and sig.
func (h *Handler) invoker(name string, sig codec.Signature) (Invoker, error) {
	m, ok := h.capability.Lookup(name, sig)
	switch {
	case !ok:
		return nil, fmt.Errorf("%w: %s.%s%s", ErrUnknownMethod, h.Name(), name, sig)
	case m.Excluded:
		return nil, fmt.Errorf("%w: %s.%s", ErrMethodExcluded, h.Name(), m.Ref())
	}
	h.mu.RLock()
	inv, ok := h.bindings[m.Ref()]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrNotBound, h.Name(), m.Ref())
	}
	return inv, nil
}

// Registry maps capability names to the handlers serving them.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]*Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]*Handler)}
}

// Register installs h under its capability name, replacing an older one.
func (r *Registry) Register(h *Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Name()] = h
}

func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, name)
}

func (r *Registry) Handler(name string) (*Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Clear removes every handler.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.handlers)
}
