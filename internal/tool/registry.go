package tool

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/loquora/pkg/types"
)

// ErrNotFound is returned by [Registry.Execute] when no tool carries the
// requested name.
var ErrNotFound = errors.New("tool: not found")

// Registry is the process-wide catalogue of executable tools. It is
// populated at startup (builtins, MCP servers) and mostly read afterwards;
// scenario reloads may replace or remove entries.
//
// The zero value is not usable; create instances with [NewRegistry].
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds t under its definition name, replacing any tool already
// registered under that name.
func (r *Registry) Register(t Tool) error {
	if t == nil {
		return errors.New("tool: cannot register nil tool")
	}
	name := t.Definition().Name
	if name == "" {
		return errors.New("tool: cannot register tool with empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = t
	return nil
}

// Remove deletes the named tools. Unknown names are ignored.
func (r *Registry) Remove(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		delete(r.tools, name)
	}
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Definitions resolves names into tool definitions, preserving order.
// Unknown names are skipped: an agent's tool list may also carry handoff
// names that resolve through the scenario rather than the registry.
func (r *Registry) Definitions(names []string) []types.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]types.ToolDefinition, 0, len(names))
	for _, name := range names {
		if t, ok := r.tools[name]; ok {
			defs = append(defs, t.Definition())
		}
	}
	return defs
}

// All returns every registered definition sorted by name.
func (r *Registry) All() []types.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]types.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Definition())
	}
	slices.SortFunc(defs, func(a, b types.ToolDefinition) int {
		return strings.Compare(a.Name, b.Name)
	})
	return defs
}

// Names returns every registered tool name sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Execute runs the named tool. Before execution the session profile is
// injected into the arguments under "session_profile" (unless the LLM
// already supplied one). After execution [Result.InterruptPlayback] is
// cleared unless the tool is transfer-marked.
//
// Returns [ErrNotFound] when no tool carries the name.
func (r *Registry) Execute(ctx context.Context, name string, inv Invocation) (Result, error) {
	t, ok := r.Lookup(name)
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	if len(inv.Profile) > 0 {
		args := make(map[string]any, len(inv.Args)+1)
		for k, v := range inv.Args {
			args[k] = v
		}
		if _, exists := args["session_profile"]; !exists {
			args["session_profile"] = inv.Profile
		}
		inv.Args = args
	}

	res, err := t.Execute(ctx, inv)
	if err != nil {
		return Result{}, err
	}
	if !t.Definition().Transfer {
		res.InterruptPlayback = false
	}
	return res, nil
}
