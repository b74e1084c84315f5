package cascade

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"goa.design/cascade/runtime/cerr"
	"gopkg.in/yaml.v3"
)

// Load reads a cascade definition from a YAML or JSON file, chosen by
// extension, mirroring the reference implementation's cascade-file
// discovery convention (tackle_manifest.py's load_cascade_config).
func Load(path string) (*Cascade, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cerr.Config("read cascade file", err)
	}
	var c Cascade
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &c); err != nil {
			return nil, cerr.Config("parse cascade yaml", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, cerr.Config("parse cascade json", err)
		}
	default:
		return nil, cerr.Config("unrecognized cascade file extension "+ext, nil)
	}
	c.SourcePath = path
	if err := Validate(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks structural invariants a cascade definition must satisfy
// before execution: a cascade_id, at least one phase, unique phase names,
// and handoff targets that resolve to a phase in the same cascade.
func Validate(c *Cascade) error {
	if c.CascadeID == "" {
		return cerr.Config("cascade_id is required", nil)
	}
	if len(c.Phases) == 0 {
		return cerr.Config("cascade must declare at least one phase", nil)
	}
	seen := make(map[string]bool, len(c.Phases))
	for _, p := range c.Phases {
		if p.Name == "" {
			return cerr.Config("phase name is required", nil)
		}
		if seen[p.Name] {
			return cerr.Config("duplicate phase name "+p.Name, nil)
		}
		seen[p.Name] = true
	}
	for _, p := range c.Phases {
		for _, h := range p.Handoffs {
			if h.Target != "" && h.Target != "_abort" && !seen[h.Target] {
				return cerr.Config("phase "+p.Name+" handoff references unknown phase "+h.Target, nil)
			}
		}
	}
	return nil
}

// Phase looks up a phase by name.
func (c *Cascade) Phase(name string) (*Phase, bool) {
	for i := range c.Phases {
		if c.Phases[i].Name == name {
			return &c.Phases[i], true
		}
	}
	return nil, false
}
