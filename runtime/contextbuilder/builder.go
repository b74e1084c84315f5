// Package contextbuilder resolves a phase's declared context dependencies
// (spec §4.8) into an ordered list of injected messages. Default is a
// clean slate: a phase without a context block receives no implicit
// carryover from prior phases. Grounded on the teacher's turn-history
// handling in runtime/agent/runtime/workflow_loop.go and the
// Snapshot/Reader replay model in agents/runtime/memory/memory.go.
package contextbuilder

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"goa.design/cascade/runtime/cascade"
	"goa.design/cascade/runtime/echo"
)

// Part is one piece of a synthetic multi-modal message.
type Part struct {
	Type    string // text | image_url
	Text    string
	ImageURL string
}

// Message is a synthetic message produced for context injection.
type Message struct {
	Role  string
	Parts []Part
}

// Text renders a Message's text-only parts concatenated, for callers that
// don't need multi-modal structure.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Options carries the directories and current execution identity needed
// to resolve image/message/state sources.
type Options struct {
	ImagesRoot   string
	SessionID    string
	CurrentPhase string
}

// Build resolves spec.Context into an ordered message list against the
// given Echo and lineage-order phase list. Phases without a Context block
// receive clean slate: an empty, non-nil slice.
func Build(spec *cascade.ContextSpec, e *echo.Echo, allPhasesInOrder []string, opts Options) ([]Message, error) {
	if spec == nil {
		return []Message{}, nil
	}
	var out []Message
	for _, src := range spec.From {
		names := resolveSourceNames(src.Source, allPhasesInOrder, src.Exclude, opts.CurrentPhase)
		for _, name := range names {
			msgs, err := buildForSource(src, name, e, opts)
			if err != nil {
				return nil, err
			}
			out = append(out, msgs...)
		}
	}
	if spec.IncludeInput {
		if input, ok := e.State["inputs"]; ok {
			out = append(out, Message{Role: "user", Parts: []Part{{Type: "text", Text: fmt.Sprintf("%v", input)}}})
		}
	}
	return out, nil
}

// resolveSourceNames expands a context source keyword ("all"/"first"/
// "previous") or a literal phase name into the concrete phase name(s) it
// refers to, honoring exclude.
func resolveSourceNames(source string, allPhasesInOrder []string, exclude []string, currentPhase string) []string {
	excl := make(map[string]bool, len(exclude))
	for _, x := range exclude {
		excl[x] = true
	}
	switch source {
	case "all":
		var names []string
		for _, p := range allPhasesInOrder {
			if p == currentPhase || excl[p] {
				continue
			}
			names = append(names, p)
		}
		return names
	case "first":
		for _, p := range allPhasesInOrder {
			if !excl[p] {
				return []string{p}
			}
		}
		return nil
	case "previous":
		idx := indexOf(allPhasesInOrder, currentPhase)
		if idx <= 0 {
			return nil
		}
		prev := allPhasesInOrder[idx-1]
		if excl[prev] {
			return nil
		}
		return []string{prev}
	default:
		if excl[source] {
			return nil
		}
		return []string{source}
	}
}

func indexOf(list []string, v string) int {
	for i, x := range list {
		if x == v {
			return i
		}
	}
	return -1
}

func buildForSource(src cascade.ContextSource, phaseName string, e *echo.Echo, opts Options) ([]Message, error) {
	var out []Message
	for _, inc := range src.Include {
		switch inc {
		case "images":
			msg, err := buildImages(phaseName, src, opts)
			if err != nil {
				return nil, err
			}
			if msg != nil {
				out = append(out, *msg)
			}
		case "output":
			output := e.LastLineageOutput(phaseName)
			out = append(out, Message{Role: "user", Parts: []Part{{Type: "text", Text: "[Output from " + phaseName + "]:\n" + output}}})
		case "messages":
			out = append(out, buildMessages(phaseName, src.Messages, e)...)
		case "state":
			b, err := json.Marshal(e.State)
			if err != nil {
				return nil, err
			}
			out = append(out, Message{Role: "user", Parts: []Part{{Type: "text", Text: string(b)}}})
		}
	}
	return out, nil
}

// buildImages loads images persisted under {images_root}/{session}/{phase}
// and base64-encodes them into a single multi-modal message, applying the
// "all"/"last"/"last_n" filter (spec §4.8).
func buildImages(phaseName string, src cascade.ContextSource, opts Options) (*Message, error) {
	if opts.ImagesRoot == "" {
		return nil, nil
	}
	dir := filepath.Join(opts.ImagesRoot, opts.SessionID, phaseName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, ent := range entries {
		if !ent.IsDir() {
			names = append(names, ent.Name())
		}
	}
	sort.Strings(names)
	switch src.Images {
	case "last":
		if len(names) > 0 {
			names = names[len(names)-1:]
		}
	case "last_n":
		n := src.ImagesN
		if n <= 0 {
			n = 1
		}
		if len(names) > n {
			names = names[len(names)-n:]
		}
	case "all", "":
		// keep all
	}
	if len(names) == 0 {
		return nil, nil
	}
	msg := Message{Role: "user", Parts: []Part{{Type: "text", Text: "[Images from phase " + phaseName + "]"}}}
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		encoded := base64.StdEncoding.EncodeToString(data)
		msg.Parts = append(msg.Parts, Part{Type: "image_url", ImageURL: "data:image/" + strings.TrimPrefix(filepath.Ext(name), ".") + ";base64," + encoded})
	}
	return &msg, nil
}

// buildMessages replays a phase's own message history, applying the
// all/assistant_only/last_turn filter (spec §4.8).
func buildMessages(phaseName, filter string, e *echo.Echo) []Message {
	var out []Message
	var relevant []echo.Message
	for _, m := range e.History {
		if phaseTag, ok := m.Metadata["phase"]; ok && fmt.Sprintf("%v", phaseTag) == phaseName {
			relevant = append(relevant, m)
		}
	}
	switch filter {
	case "assistant_only":
		for _, m := range relevant {
			if m.Role == "assistant" {
				out = append(out, Message{Role: m.Role, Parts: []Part{{Type: "text", Text: m.Content}}})
			}
		}
	case "last_turn":
		// last contiguous user/assistant pair
		if n := len(relevant); n >= 2 {
			relevant = relevant[n-2:]
		}
		for _, m := range relevant {
			out = append(out, Message{Role: m.Role, Parts: []Part{{Type: "text", Text: m.Content}}})
		}
	default: // "all"
		for _, m := range relevant {
			out = append(out, Message{Role: m.Role, Parts: []Part{{Type: "text", Text: m.Content}}})
		}
	}
	return out
}
