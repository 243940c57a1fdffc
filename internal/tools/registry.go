// Package tools implements the tool surface offered to nodes: a local
// registry with JSON Schema argument validation, built-in runtime tools,
// and a bridge to external MCP servers.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var (
	// ErrToolNotFound is returned when calling a tool that is not
	// registered.
	ErrToolNotFound = errors.New("tool not found")
	// ErrInvalidArgs is returned when arguments fail schema validation.
	ErrInvalidArgs = errors.New("invalid tool arguments")
	// ErrToolFailed wraps handler failures so callers can distinguish tool
	// errors from runtime errors.
	ErrToolFailed = errors.New("tool failed")
)

// Spec describes one callable tool.
type Spec struct {
	Name        string
	Description string
	// Schema is the JSON Schema for the arguments object. Nil means the
	// tool takes no arguments.
	Schema map[string]any
	// Parallel marks the tool safe to run concurrently with other calls
	// from the same turn.
	Parallel bool
}

// Handler executes one tool call.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Registry resolves and executes tool calls.
type Registry interface {
	List() []Spec
	Has(name string) bool
	Call(ctx context.Context, name string, args map[string]any) (any, error)
}

type entry struct {
	spec     Spec
	handler  Handler
	compiled *jsonschema.Schema
}

// Local is an in-process tool registry.
type Local struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewLocal creates an empty registry.
func NewLocal() *Local {
	return &Local{entries: make(map[string]*entry)}
}

// Register adds a tool. The argument schema is compiled here so a broken
// schema fails at startup, not mid-run.
func (r *Local) Register(spec Spec, handler Handler) error {
	if spec.Name == "" {
		return fmt.Errorf("tool spec has no name")
	}
	if handler == nil {
		return fmt.Errorf("tool %s has no handler", spec.Name)
	}

	var compiled *jsonschema.Schema
	if spec.Schema != nil {
		sch, err := compileSchema(spec.Name, spec.Schema)
		if err != nil {
			return fmt.Errorf("tool %s: %w", spec.Name, err)
		}
		compiled = sch
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.entries[spec.Name]; dup {
		return fmt.Errorf("tool %s already registered", spec.Name)
	}
	r.entries[spec.Name] = &entry{spec: spec, handler: handler, compiled: compiled}
	return nil
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	url := "tool://" + name + "/schema.json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	sch, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return sch, nil
}

// List returns the registered tool specs sorted by name.
func (r *Local) List() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]Spec, 0, len(r.entries))
	for _, e := range r.entries {
		specs = append(specs, e.spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Has reports whether the tool is registered.
func (r *Local) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Call validates args against the tool's schema and runs the handler.
func (r *Local) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	if e.compiled != nil {
		if err := e.compiled.Validate(normalizeArgs(args)); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidArgs, name, err)
		}
	}

	result, err := e.handler(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrToolFailed, name, err)
	}
	return result, nil
}

// Subset returns a registry restricted to the named tools. Unknown names
// are an error; a node must not reference tools that do not exist.
func (r *Local) Subset(names []string) (*Local, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub := NewLocal()
	for _, name := range names {
		e, ok := r.entries[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
		}
		sub.entries[name] = e
	}
	return sub, nil
}

// normalizeArgs round-trips args through JSON so validation sees the same
// value shapes a decoded request body would have.
func normalizeArgs(args map[string]any) any {
	if args == nil {
		return map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return args
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return args
	}
	return doc
}
