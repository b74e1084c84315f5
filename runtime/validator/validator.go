// Package validator implements the Validator contract of spec §4: running
// a named validator (a Go function or a sub-cascade) against a content
// blob and returning a pass/fail verdict with a reason. Grounded on the
// schema-checked PlanResult pattern in runtime/agent/planner/planner.go.
package validator

import "context"

// Result is the outcome of a single validator run.
type Result struct {
	Valid  bool
	Reason string
}

// Func is a Go-native validator: it inspects content (already rendered to
// a string, typically JSON) and decides pass/fail.
type Func func(ctx context.Context, content string) (Result, error)

// Registry resolves a validator name to its Func, whether it was
// registered directly or wraps a sub-cascade invocation (wired by
// cascaderunner at registration time).
type Registry struct {
	funcs map[string]Func
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register binds name to fn. Re-registering a name overwrites it.
func (r *Registry) Register(name string, fn Func) {
	r.funcs[name] = fn
}

// Run looks up name and invokes it against content. Returns an invalid
// result (not an error) if name is unregistered, since an unknown
// validator should not silently pass content.
func (r *Registry) Run(ctx context.Context, name, content string) (Result, error) {
	fn, ok := r.funcs[name]
	if !ok {
		return Result{Valid: false, Reason: "unknown validator: " + name}, nil
	}
	return fn(ctx, content)
}
