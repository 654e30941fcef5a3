package executor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Request is what a handler sees for one attempt.
type Request struct {
	OperationID string
	StepID      string
	Attempt     int
	Params      map[string]any
	Variables   map[string]any
	Context     map[string]any
	// Cancelled is closed when the step or its operation is asked to stop.
	// Handlers that run long should select on it.
	Cancelled <-chan struct{}
	// Report publishes progress in [0,1]; safe to call from any goroutine.
	Report func(progress float64)
}

// Result is the successful outcome of a handler. Variables are merged into
// the operation state.
type Result struct {
	Data      map[string]any
	Variables map[string]any
}

type Handler interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

type HandlerFunc func(ctx context.Context, req Request) (Result, error)

func (f HandlerFunc) Execute(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// Registry maps step types to handlers. Types are matched case-insensitively.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

func (r *Registry) Register(stepType string, h Handler) error {
	key := normalizeType(stepType)
	if key == "" {
		return fmt.Errorf("step type is required")
	}
	if h == nil {
		return fmt.Errorf("handler for %q is nil", stepType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[key]; exists {
		return fmt.Errorf("handler for %q already registered", key)
	}
	r.handlers[key] = h
	return nil
}

// MustRegister panics on duplicate registration; meant for process wiring.
func (r *Registry) MustRegister(stepType string, h Handler) {
	if err := r.Register(stepType, h); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(stepType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[normalizeType(stepType)]
	return h, ok
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for key := range r.handlers {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func normalizeType(stepType string) string {
	return strings.ToLower(strings.TrimSpace(stepType))
}
