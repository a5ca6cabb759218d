package tool

import (
	"context"
	"fmt"
	"sort"
)

// Registry holds the operation set exposed by the proxy. It is built once at
// startup and read-only afterwards, so lookups need no locking.
type Registry struct {
	ops map[string]Operation
}

// NewRegistry builds a registry from the given operations. Duplicate names
// are a configuration error.
func NewRegistry(ops ...Operation) (*Registry, error) {
	r := &Registry{ops: make(map[string]Operation, len(ops))}
	for _, op := range ops {
		if op.Name() == "" {
			return nil, fmt.Errorf("operation with empty name")
		}
		if _, exists := r.ops[op.Name()]; exists {
			return nil, fmt.Errorf("duplicate operation name: %s", op.Name())
		}
		r.ops[op.Name()] = op
	}
	return r, nil
}

// Get returns the named operation, if registered.
func (r *Registry) Get(name string) (Operation, bool) {
	op, ok := r.ops[name]
	return op, ok
}

// List returns all registered operations sorted by name.
func (r *Registry) List() []Operation {
	out := make([]Operation, 0, len(r.ops))
	for _, op := range r.ops {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Invoke routes a call to the named operation.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	op, ok := r.ops[name]
	if !ok {
		return nil, NewOperationError(name, "unknown operation", "UNKNOWN_OPERATION")
	}
	return op.Invoke(ctx, args)
}
