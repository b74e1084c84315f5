// Package tools defines the Tool and ToolRegistry contract consumed by
// PhaseRunner (spec §6), adapted from the ToolSpec/codec shape in
// runtime/agent/tools/spec.go down to the specification's simpler
// callable + manifest-entry model: a tool is a name, a JSON-in/JSON-out
// function, and a manifest entry describing it to the model or to
// cascade-as-tool discovery (spec §12).
package tools

import (
	"context"
	"encoding/json"
)

// Kind distinguishes a plain function tool from a sub-cascade exposed as
// a callable tool (spec's supplemented tackle-manifest discovery).
type Kind string

const (
	KindFunction Kind = "function"
	KindCascade  Kind = "cascade"
)

// Result is what a tool invocation returns. Images, when non-empty,
// triggers PhaseRunner's image-persistence step (spec §4.4 step h).
type Result struct {
	Value  any
	Images []Image
}

// Image is one image payload returned by a tool result.
type Image struct {
	Bytes    []byte
	MimeType string
}

// Func is the callable signature every registered tool implements.
// Arguments arrive as a generic JSON object decoded from the model's
// tool call (or from ToolCallParser); results must be JSON-serializable.
type Func func(ctx context.Context, args map[string]any) (Result, error)

// ManifestEntry describes one registered tool for model-facing tool
// definitions and for UIs/cascade discovery that list available tools
// without invoking the registry.
type ManifestEntry struct {
	Name        string
	Kind        Kind
	Description string
	// InputSchema is the JSON Schema for Func's args map, used to render
	// the model-facing tool definition. Tool call arguments are not
	// validated against it before invocation.
	InputSchema json.RawMessage
	// CascadePath is set when Kind == KindCascade: the path to the
	// cascade definition this tool forwards to.
	CascadePath string
}

// Registry resolves tool names to callables and exposes a manifest for
// model tool-definition rendering and cascade-as-tool discovery.
type Registry struct {
	funcs     map[string]Func
	manifest  map[string]ManifestEntry
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func), manifest: make(map[string]ManifestEntry)}
}

// Register binds name to fn with its manifest entry. Re-registering a
// name overwrites both.
func (r *Registry) Register(entry ManifestEntry, fn Func) {
	r.funcs[entry.Name] = fn
	r.manifest[entry.Name] = entry
}

// GetTool resolves name to its callable, or (nil, false) if unregistered
// (spec §6: `get_tool(name) → callable | null`).
func (r *Registry) GetTool(name string) (Func, bool) {
	fn, ok := r.funcs[name]
	return fn, ok
}

// GetManifest returns the full name → entry map (spec §6:
// `get_manifest() → map<name,{...}>`).
func (r *Registry) GetManifest() map[string]ManifestEntry {
	out := make(map[string]ManifestEntry, len(r.manifest))
	for k, v := range r.manifest {
		out[k] = v
	}
	return out
}
