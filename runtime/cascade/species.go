package cascade

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// SpeciesHash computes a content hash of a phase's DNA — instructions
// template, soundings config, rules, output schema, and wards — stable
// across runs that share the same phase shape and independent of rendered
// values or the selected model (spec invariant: species_hash is invariant
// under model/template-value/run-metadata changes).
func SpeciesHash(p Phase) string {
	canon := canonicalDNA{
		Instructions: p.Instructions,
		Soundings:    p.Soundings,
		Rules:        p.Rules.Normalized(),
		OutputSchema: p.OutputSchema,
		Wards:        p.Wards,
	}
	b, err := json.Marshal(canon)
	if err != nil {
		// canonicalDNA is a closed, marshalable struct; this cannot fail in
		// practice, but never panic out of a hash function.
		b = []byte(p.Name)
	}
	b = canonicalizeJSON(b)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:16]
}

type canonicalDNA struct {
	Instructions string          `json:"instructions"`
	Soundings    *Soundings      `json:"soundings"`
	Rules        Rules           `json:"rules"`
	OutputSchema json.RawMessage `json:"output_schema"`
	Wards        Wards           `json:"wards"`
}

// canonicalizeJSON re-encodes JSON with map keys sorted (encoding/json
// already sorts struct-derived object keys, but RawMessage fields embedded
// verbatim from config files may not be) so that equivalent configurations
// hash identically regardless of source key order.
func canonicalizeJSON(b []byte) []byte {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return b
	}
	out, err := json.Marshal(sortedValue(v))
	if err != nil {
		return b
	}
	return out
}

func sortedValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(t))
		for _, k := range keys {
			out[k] = sortedValue(t[k])
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sortedValue(e)
		}
		return out
	default:
		return t
	}
}
