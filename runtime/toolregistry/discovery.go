// Package toolregistry builds a tools.Registry by merging statically
// registered Go function tools with cascade files discovered on disk that
// declare an inputs_schema, making them callable as tools from any other
// cascade (spec §12, ported from
// original_source/windlass/windlass/tackle_manifest.py's directory scan
// and unified manifest shape).
package toolregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"goa.design/cascade/runtime/cascade"
	"goa.design/cascade/runtime/tools"
)

// CascadeInvoker runs a cascade file end-to-end given JSON-decoded inputs
// and returns its final output. toolregistry depends only on this narrow
// interface, not on cascaderunner directly, to avoid an import cycle
// (cascaderunner is itself a consumer of tools.Registry).
type CascadeInvoker interface {
	InvokeAsTool(ctx context.Context, cascadePath string, inputs map[string]any) (any, error)
}

// Discover scans dirs (each may be relative to cwd or absolute, mirroring
// the reference implementation's search-path fallback) for cascade files
// with a non-empty InputsSchema and registers each as a cascade-kind tool
// on reg, dispatching through invoker. Invalid cascade files are skipped,
// matching the reference implementation's best-effort scan.
func Discover(reg *tools.Registry, invoker CascadeInvoker, dirs []string) error {
	for _, dir := range dirs {
		searchPath := resolveSearchPath(dir)
		if searchPath == "" {
			continue
		}
		paths, err := globCascadeFiles(searchPath)
		if err != nil {
			return fmt.Errorf("toolregistry: scanning %s: %w", dir, err)
		}
		for _, path := range paths {
			c, err := cascade.Load(path)
			if err != nil {
				continue // invalid cascade files are skipped, not fatal
			}
			if len(c.InputsSchema) == 0 {
				continue
			}
			registerCascadeTool(reg, invoker, path, c)
		}
	}
	return nil
}

func resolveSearchPath(dir string) string {
	if filepath.IsAbs(dir) {
		if _, err := os.Stat(dir); err == nil {
			return dir
		}
		return ""
	}
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	candidate := filepath.Join(cwd, dir)
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return ""
}

func globCascadeFiles(root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".json" || ext == ".yaml" || ext == ".yml" {
			out = append(out, path)
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}

func registerCascadeTool(reg *tools.Registry, invoker CascadeInvoker, path string, c *cascade.Cascade) {
	description := c.Description
	if description == "" {
		description = fmt.Sprintf("Cascade tool: %s", c.CascadeID)
	}
	if len(c.InputsSchema) > 0 {
		var lines []string
		keys := make([]string, 0, len(c.InputsSchema))
		for k := range c.InputsSchema {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			lines = append(lines, fmt.Sprintf("  - %s: %s", k, c.InputsSchema[k]))
		}
		description += "\n\nParameters:\n" + strings.Join(lines, "\n")
	}

	schema, _ := json.Marshal(map[string]any{
		"type":       "object",
		"properties": inputsSchemaToProperties(c.InputsSchema),
	})

	reg.Register(tools.ManifestEntry{
		Name:        c.CascadeID,
		Kind:        tools.KindCascade,
		Description: description,
		InputSchema: schema,
		CascadePath: path,
	}, func(ctx context.Context, args map[string]any) (tools.Result, error) {
		out, err := invoker.InvokeAsTool(ctx, path, args)
		if err != nil {
			return tools.Result{}, err
		}
		return tools.Result{Value: out}, nil
	})
}

func inputsSchemaToProperties(inputs map[string]string) map[string]any {
	props := make(map[string]any, len(inputs))
	for name, desc := range inputs {
		props[name] = map[string]any{"type": "string", "description": desc}
	}
	return props
}

// FormatManifest renders reg's manifest as a human-readable list for
// injection into a phase's tool-assembly instructions (spec §4.4 step f,
// the Quartermaster step), one line per tool sorted by name, using only
// the first line of each description.
func FormatManifest(reg *tools.Registry) string {
	manifest := reg.GetManifest()
	names := make([]string, 0, len(manifest))
	for name := range manifest {
		names = append(names, name)
	}
	sort.Strings(names)

	lines := []string{"Available Tackle:", ""}
	for _, name := range names {
		entry := manifest[name]
		desc := entry.Description
		if idx := strings.IndexByte(desc, '\n'); idx >= 0 {
			desc = desc[:idx]
		}
		lines = append(lines, fmt.Sprintf("- %s (%s): %s", name, entry.Kind, desc))
	}
	return strings.Join(lines, "\n")
}
