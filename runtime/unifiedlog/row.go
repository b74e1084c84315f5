// Package unifiedlog implements the append-only, columnar event sink with
// deferred cost attribution described in spec §4.1 and §3's "Message /
// LogRow (mega-table)". Grounded on runtime/agent/runlog/runlog.go for the
// append/query/cursor contract and on
// original_source/windlass/windlass/unified_logs.py for the two-stage
// pending-cost/ready buffer and cost-resolver mechanic, which has no
// analogue in the teacher's runlog.
package unifiedlog

import (
	"encoding/json"
	"time"
)

// SemanticActor classifies who produced a row.
type SemanticActor string

const (
	ActorMainAgent    SemanticActor = "main_agent"
	ActorSoundingAgent SemanticActor = "sounding_agent"
	ActorReforgeAgent SemanticActor = "reforge_agent"
	ActorEvaluator    SemanticActor = "evaluator"
	ActorQuartermaster SemanticActor = "quartermaster"
	ActorValidator    SemanticActor = "validator"
	ActorMutator      SemanticActor = "mutator"
	ActorAggregator   SemanticActor = "aggregator"
	ActorHuman        SemanticActor = "human"
	ActorFramework    SemanticActor = "framework"
)

// SemanticPurpose classifies why a row was written.
type SemanticPurpose string

const (
	PurposeInstructions      SemanticPurpose = "instructions"
	PurposeTaskInput         SemanticPurpose = "task_input"
	PurposeContextInjection  SemanticPurpose = "context_injection"
	PurposeToolRequest       SemanticPurpose = "tool_request"
	PurposeToolResponse      SemanticPurpose = "tool_response"
	PurposeContinuation      SemanticPurpose = "continuation"
	PurposeRefinement        SemanticPurpose = "refinement"
	PurposeValidationInput   SemanticPurpose = "validation_input"
	PurposeValidationOutput  SemanticPurpose = "validation_output"
	PurposeEvaluationInput   SemanticPurpose = "evaluation_input"
	PurposeEvaluationOutput  SemanticPurpose = "evaluation_output"
	PurposeWinnerSelection   SemanticPurpose = "winner_selection"
	PurposeLifecycle         SemanticPurpose = "lifecycle"
	PurposeError             SemanticPurpose = "error"
	PurposeGeneration        SemanticPurpose = "generation"
)

// Row is one entry of the mega-table log, grouped the way spec §3 groups
// its columns.
type Row struct {
	// identity
	Timestamp       time.Time
	SessionID       string
	TraceID         string
	ParentID        string
	ParentSessionID string
	ParentMessageID string
	Depth           int
	NodeType        string
	Role            string

	// execution context
	SoundingIndex     *int
	IsWinner          *bool
	ReforgeStep       *int
	AttemptNumber     *int
	TurnNumber        *int
	MutationApplied   *bool
	MutationType      string
	MutationTemplate  string
	SpeciesHash       string

	// cascade context
	CascadeID   string
	CascadeFile string
	CascadeJSON json.RawMessage
	PhaseName   string
	PhaseJSON   json.RawMessage

	// LLM
	Model         string
	ModelRequested string
	RequestID     string
	Provider      string
	DurationMS    int64
	TokensIn      *int
	TokensOut     *int
	Cost          *float64

	// content
	ContentJSON      json.RawMessage
	FullRequestJSON  json.RawMessage
	FullResponseJSON json.RawMessage
	ToolCallsJSON    json.RawMessage
	ImagesJSON       json.RawMessage
	HasImages        bool
	HasBase64        bool

	// semantics
	SemanticActor   SemanticActor
	SemanticPurpose SemanticPurpose

	// extras
	IsCallout    bool
	CalloutName  string
	MetadataJSON json.RawMessage
}

// NeedsCostResolution reports whether a row must pass through the
// pending-cost buffer before it can be written: it has a request id, no
// cost yet, and is an assistant-role row (spec §4.1 log()).
func (r Row) NeedsCostResolution() bool {
	return r.RequestID != "" && r.Cost == nil && r.Role == "assistant"
}

// Filter narrows Query results. Zero-valued fields are unconstrained.
type Filter struct {
	SessionID   string
	PhaseName   string
	TraceID     string
	SoundingIdx *int
	IsWinner    *bool
	Since       time.Time
	Limit       int
}

func (f Filter) matches(r Row) bool {
	if f.SessionID != "" && r.SessionID != f.SessionID {
		return false
	}
	if f.PhaseName != "" && r.PhaseName != f.PhaseName {
		return false
	}
	if f.TraceID != "" && r.TraceID != f.TraceID {
		return false
	}
	if f.SoundingIdx != nil {
		if r.SoundingIndex == nil || *r.SoundingIndex != *f.SoundingIdx {
			return false
		}
	}
	if f.IsWinner != nil {
		if r.IsWinner == nil || *r.IsWinner != *f.IsWinner {
			return false
		}
	}
	if !f.Since.IsZero() && r.Timestamp.Before(f.Since) {
		return false
	}
	return true
}
