// Package tools defines the tools the assistant may call and the registry
// that validates and executes those calls.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// SideEffect classifies what a tool does to the outside world.
type SideEffect string

const (
	// ReadOnly tools only observe; retrying them is harmless.
	ReadOnly SideEffect = "read_only"
	// Mutating tools change external state and are not rolled back when
	// a turn is cancelled.
	Mutating SideEffect = "mutating"
)

// Handler executes a tool with already-validated arguments.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	SideEffect  SideEffect     `json:"side_effect"`
	Handler     Handler        `json:"-"`
}

// Registry holds available tools. Tools are registered at startup; once
// sealed the registry is immutable and safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	sealed bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool. Names must be unique, schemas must be objects
// and side effects must be declared.
func (r *Registry) Register(t *Tool) error {
	if t == nil || t.Name == "" {
		return fmt.Errorf("register tool: missing name")
	}
	if t.Handler == nil {
		return fmt.Errorf("register tool %s: missing handler", t.Name)
	}
	switch t.SideEffect {
	case ReadOnly, Mutating:
	default:
		return fmt.Errorf("register tool %s: unknown side effect %q", t.Name, t.SideEffect)
	}
	if t.Parameters == nil {
		t.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	if typ, _ := t.Parameters["type"].(string); typ != "object" {
		return fmt.Errorf("register tool %s: parameters must be an object schema", t.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("register tool %s: registry is sealed", t.Name)
	}
	if _, dup := r.tools[t.Name]; dup {
		return fmt.Errorf("register tool %s: already registered", t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// Seal freezes the registry. Further Register calls fail.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Get returns a tool by name.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// DescribeAll returns every tool, sorted by name.
func (r *Registry) DescribeAll() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// List returns tool definitions in the function-calling shape the model
// gateway expects.
func (r *Registry) List() []map[string]any {
	all := r.DescribeAll()
	result := make([]map[string]any, 0, len(all))
	for _, t := range all {
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}
