package invobot

import (
	"context"
	"fmt"
	"sort"

	"github.com/invobot/invobot/providers"
)

// Registry is a closed, name-keyed set of tools. It is built once at startup
// and read-only afterwards, so lookups need no locking.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry builds a registry from the given tools. Duplicate names are an
// error: a silent overwrite would make tool dispatch depend on registration
// order.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if t.handler == nil {
			return nil, fmt.Errorf("tool %q has no handler", t.name)
		}
		if _, dup := r.tools[t.name]; dup {
			return nil, fmt.Errorf("duplicate tool name %q", t.name)
		}
		r.tools[t.name] = t
	}
	return r, nil
}

// Definitions returns provider-agnostic definitions for every registered
// tool, in stable name order.
func (r *Registry) Definitions() []providers.ToolDefinition {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]providers.ToolDefinition, 0, len(names))
	for _, name := range names {
		defs = append(defs, r.tools[name].ToToolDefinition())
	}
	return defs
}

// Execute runs the named tool. An unknown name or handler error is returned
// as an error; callers decide how to surface it (the assistant converts it
// to tool_result text).
func (r *Registry) Execute(ctx context.Context, name string, inv Invocation) (string, error) {
	tool, ok := r.tools[name]
	if !ok {
		return "", fmt.Errorf("tool %q not found", name)
	}
	return tool.handler(ctx, inv)
}

// Len returns the number of registered tools.
func (r *Registry) Len() int { return len(r.tools) }
