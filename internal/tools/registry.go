package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// HandlerFunc executes one tool invocation.
type HandlerFunc func(ctx context.Context, call Call, meta Meta) Result

// Registry maps tool names to handlers and exposes the tool schema the
// language model sees. It implements Executor.
type Registry struct {
	mu       sync.RWMutex
	defs     map[string]Def
	handlers map[string]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{
		defs:     make(map[string]Def),
		handlers: make(map[string]HandlerFunc),
	}
}

func (r *Registry) Register(def Def, handler HandlerFunc) error {
	if r == nil {
		return errors.New("nil registry")
	}
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return errors.New("missing tool name")
	}
	if handler == nil {
		return fmt.Errorf("tool %q: nil handler", name)
	}
	if len(def.InputSchema) > 0 && !json.Valid(def.InputSchema) {
		return fmt.Errorf("tool %q: invalid input schema", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[name]; exists {
		return fmt.Errorf("tool %q: already registered", name)
	}
	def.Name = name
	r.defs[name] = def
	r.handlers[name] = handler
	return nil
}

// Snapshot returns the registered tool definitions, sorted by name.
func (r *Registry) Snapshot() []Def {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Def, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Execute(ctx context.Context, call Call, meta Meta) Result {
	if r == nil {
		return Result{Success: false, Error: "tool registry not ready"}
	}
	name := strings.TrimSpace(call.Name)
	if name == "" {
		return Result{Success: false, Error: "missing tool name"}
	}

	r.mu.RLock()
	handler := r.handlers[name]
	r.mu.RUnlock()
	if handler == nil {
		return Result{Success: false, Error: fmt.Sprintf("unknown tool: %s", name)}
	}
	return handler(ctx, call, meta)
}
