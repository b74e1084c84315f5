// Package echo implements the per-session live state described in spec
// §4.7: thread-safe history/lineage append, error recording, and observer
// callbacks, forwarding every history entry to the UnifiedLog. Grounded on
// agents/runtime/memory/memory.go's Event/Snapshot/Reader shape, adapted
// from a standalone memory package into the cascade's live session state.
package echo

import (
	"context"
	"sync"
	"time"

	"goa.design/cascade/runtime/unifiedlog"
)

// Message is one entry of Echo's ordered history.
type Message struct {
	Role      string
	Content   string
	Images    []string
	ToolCalls []ToolCall
	Metadata  map[string]any
	Timestamp time.Time
}

// ToolCall is a parsed, canonicalized tool invocation attached to a
// message.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// LineageEntry records one completed phase's output for later context
// resolution and for decision/routing checkpoints.
type LineageEntry struct {
	Phase   string
	Output  string
	TraceID string
}

// ErrorEntry records a non-fatal-to-the-cascade error surfaced during
// execution; it is reflected into the session's final status.
type ErrorEntry struct {
	Phase     string
	Type      string
	Message   string
	Metadata  map[string]any
	Timestamp time.Time
}

// Observer is notified of every new history entry. Observers must not
// block; Echo invokes them synchronously under its own lock-free snapshot.
type Observer func(Message)

// RunnerState captures the ambient runner-identity fields Echo tags onto
// forwarded log rows — sounding index, reforge step, and so on — so
// AddHistory callers don't have to thread them through every call site.
type RunnerState struct {
	SessionID       string
	CascadeID       string
	PhaseName       string
	TraceID         string
	ParentSessionID string
	Depth           int
	SoundingIndex   *int
	ReforgeStep     *int
	AttemptNumber   *int
	TurnNumber      *int
	SemanticActor   unifiedlog.SemanticActor
}

// Echo holds live per-session state: an arbitrary state map, ordered
// history, phase lineage, and an error list. Echo is single-writer per
// session within a runner; sounding workers operate on cloned snapshots
// (spec §4.7).
type Echo struct {
	mu sync.Mutex

	State    map[string]any
	History  []Message
	Lineage  []LineageEntry
	Errors   []ErrorEntry
	observers []Observer

	runner RunnerState
	log    *unifiedlog.Log
}

// Log returns the UnifiedLog this Echo forwards history rows to, or nil
// if it was constructed without one. SoundingRunner uses this to mark
// winner rows after evaluation (spec §4.5 step 9).
func (e *Echo) Log() *unifiedlog.Log { return e.log }

// New constructs an Echo bound to a UnifiedLog for history forwarding.
func New(runner RunnerState, log *unifiedlog.Log) *Echo {
	return &Echo{State: make(map[string]any), runner: runner, log: log}
}

// Observe registers an observer callback invoked on every AddHistory call.
func (e *Echo) Observe(obs Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, obs)
}

// AddHistoryOptions customizes a single AddHistory call beyond the
// ambient RunnerState tags.
type AddHistoryOptions struct {
	NodeType          string
	ParentID          string
	ParentMessageID   string
	Metadata          map[string]any
	SkipUnifiedLog    bool
	SemanticPurpose   unifiedlog.SemanticPurpose
	RequestID         string
	Provider          string
	Model             string
	ModelRequested    string
	DurationMS        int64
	TokensIn          *int
	TokensOut         *int
	Cost              *float64
	SpeciesHash       string
	MutationApplied   *bool
	MutationType      string
	IsCallout         bool
	CalloutName       string
}

// AddHistory appends msg to History and forwards a LogRow to the
// UnifiedLog unless SkipUnifiedLog is set, computing semantic tags from
// the Echo's ambient RunnerState (spec §4.7).
func (e *Echo) AddHistory(ctx context.Context, msg Message, opts AddHistoryOptions) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	e.mu.Lock()
	e.History = append(e.History, msg)
	observers := append([]Observer{}, e.observers...)
	e.mu.Unlock()

	for _, obs := range observers {
		obs(msg)
	}

	if opts.SkipUnifiedLog || e.log == nil {
		return
	}

	actor := e.runner.SemanticActor
	if actor == "" {
		actor = unifiedlog.ActorMainAgent
	}
	row := unifiedlog.Row{
		Timestamp:       msg.Timestamp,
		SessionID:       e.runner.SessionID,
		TraceID:         e.runner.TraceID,
		ParentID:        opts.ParentID,
		ParentSessionID: e.runner.ParentSessionID,
		ParentMessageID: opts.ParentMessageID,
		Depth:           e.runner.Depth,
		NodeType:        opts.NodeType,
		Role:            msg.Role,
		SoundingIndex:   e.runner.SoundingIndex,
		ReforgeStep:     e.runner.ReforgeStep,
		AttemptNumber:   e.runner.AttemptNumber,
		TurnNumber:      e.runner.TurnNumber,
		MutationApplied: opts.MutationApplied,
		MutationType:    opts.MutationType,
		SpeciesHash:     opts.SpeciesHash,
		CascadeID:       e.runner.CascadeID,
		PhaseName:       e.runner.PhaseName,
		Model:           opts.Model,
		ModelRequested:  opts.ModelRequested,
		RequestID:       opts.RequestID,
		Provider:        opts.Provider,
		DurationMS:      opts.DurationMS,
		TokensIn:        opts.TokensIn,
		TokensOut:       opts.TokensOut,
		Cost:            opts.Cost,
		HasImages:       len(msg.Images) > 0,
		SemanticActor:   actor,
		SemanticPurpose: opts.SemanticPurpose,
		IsCallout:       opts.IsCallout,
		CalloutName:     opts.CalloutName,
	}
	e.log.LogRow(row)
}

// AddLineage records the completed output of a phase.
func (e *Echo) AddLineage(entry LineageEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Lineage = append(e.Lineage, entry)
}

// AddError records a non-fatal error; surfaced in the cascade's final
// status (spec §4.6 "final status is error if any row in echo.errors
// exists").
func (e *Echo) AddError(phase, typ, message string, metadata map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Errors = append(e.Errors, ErrorEntry{Phase: phase, Type: typ, Message: message, Metadata: metadata, Timestamp: time.Now()})
}

// HasErrors reports whether any error has been recorded.
func (e *Echo) HasErrors() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.Errors) > 0
}

// LastLineageOutput returns the most recent lineage output for the named
// phase, or "" if the phase hasn't completed yet.
func (e *Echo) LastLineageOutput(phase string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.Lineage) - 1; i >= 0; i-- {
		if e.Lineage[i].Phase == phase {
			return e.Lineage[i].Output
		}
	}
	return ""
}

// Snapshot is an immutable copy of Echo's live state, taken at sounding
// fan-out time (spec §4.5 step 4). Sub-runners clone a Snapshot into a
// fresh Echo sharing the same session id.
type Snapshot struct {
	State          map[string]any
	History        []Message
	Lineage        []LineageEntry
	HistoryLen     int // length at snapshot time, used to compute "produced context" deltas
}

// Snapshot captures the current state/history/lineage for sounding
// fan-out.
func (e *Echo) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	state := make(map[string]any, len(e.State))
	for k, v := range e.State {
		state[k] = v
	}
	hist := make([]Message, len(e.History))
	copy(hist, e.History)
	lineage := make([]LineageEntry, len(e.Lineage))
	copy(lineage, e.Lineage)
	return Snapshot{State: state, History: hist, Lineage: lineage, HistoryLen: len(hist)}
}

// Clone builds a fresh Echo from a Snapshot, tagged with runner (typically
// the same SessionID but a distinct SoundingIndex), so sounding workers
// never mutate the parent Echo directly (spec §4.7: "the clone's
// state/history is not merged unless selected as winner").
func Clone(snap Snapshot, runner RunnerState, log *unifiedlog.Log) *Echo {
	clone := New(runner, log)
	clone.State = snap.State
	clone.History = append([]Message{}, snap.History...)
	clone.Lineage = append([]LineageEntry{}, snap.Lineage...)
	return clone
}

// ProducedSince returns the history messages appended after baseLen, i.e.
// what a sounding worker produced beyond its snapshot (spec §4.5 step 5
// "captures produced context").
func (e *Echo) ProducedSince(baseLen int) []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	if baseLen >= len(e.History) {
		return nil
	}
	out := make([]Message, len(e.History)-baseLen)
	copy(out, e.History[baseLen:])
	return out
}

// Merge appends produced messages/lineage/state from a winning sounding
// clone back into the parent Echo (spec §4.5 step 9 "winner propagation").
func (e *Echo) Merge(produced []Message, lineage []LineageEntry, state map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.History = append(e.History, produced...)
	e.Lineage = append(e.Lineage, lineage...)
	for k, v := range state {
		e.State[k] = v
	}
}
