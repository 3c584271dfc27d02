// Package tools provides the tool registry and the per-session context that
// tool handlers thread state through.
//
// The relay invokes tools by name with the arguments produced by the model;
// handlers perform the side effect and return a result value that the relay
// serializes, bounds and correlates back to the originating call.
package tools

import (
	"context"
	"fmt"
	"sync"

	"github.com/inspexhq/inspex/pkg/upstream"
)

// ErrUnknownTool is returned when a call names a tool that is not registered.
var ErrUnknownTool = fmt.Errorf("tools: unknown tool")

// HandlerFunc executes one tool invocation. Args are the decoded call
// arguments; sctx is the session's mutable tool context.
type HandlerFunc func(ctx context.Context, args map[string]any, sctx *Context) (any, error)

// Tool pairs a declaration advertised to the model with its handler.
type Tool struct {
	Declaration upstream.ToolDeclaration
	Handler     HandlerFunc
}

// Executor is the boundary the relay dispatches tool calls through.
type Executor interface {
	Execute(ctx context.Context, call upstream.FunctionCall, sctx *Context) (any, error)
}

// Registry is a name-keyed tool collection preserving registration order.
// It is safe for concurrent use after construction.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// Compile-time interface check.
var _ Executor = (*Registry)(nil)

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Registering a duplicate or unnamed tool is an error.
func (r *Registry) Register(t Tool) error {
	name := t.Declaration.Name
	if name == "" {
		return fmt.Errorf("tools: tool has no name")
	}
	if t.Handler == nil {
		return fmt.Errorf("tools: tool %q has no handler", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tools: tool %q already registered", name)
	}
	r.tools[name] = t
	r.order = append(r.order, name)
	return nil
}

// MustRegister registers each tool and panics on error. Intended for
// process start-up wiring where a duplicate name is a programming mistake.
func (r *Registry) MustRegister(ts ...Tool) {
	for _, t := range ts {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
}

// Declarations returns the registered declarations in registration order,
// suitable for the upstream setup handshake.
func (r *Registry) Declarations() []upstream.ToolDeclaration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	decls := make([]upstream.ToolDeclaration, 0, len(r.order))
	for _, name := range r.order {
		decls = append(decls, r.tools[name].Declaration)
	}
	return decls
}

// Execute runs the named tool. Unknown names return ErrUnknownTool.
func (r *Registry) Execute(ctx context.Context, call upstream.FunctionCall, sctx *Context) (any, error) {
	r.mu.RLock()
	t, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, call.Name)
	}
	return t.Handler(ctx, call.Args, sctx)
}
