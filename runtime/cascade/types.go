// Package cascade defines the declarative data model for cascades and
// phases: the configuration a cascade author writes, loaded from YAML or
// JSON, plus the identifiers and session/trace records the runners thread
// through execution.
package cascade

import "encoding/json"

// Cascade is a named workflow graph of phases with inputs, per-phase rules,
// and optional soundings.
type Cascade struct {
	CascadeID     string                     `yaml:"cascade_id" json:"cascade_id"`
	Description   string                     `yaml:"description" json:"description"`
	InputsSchema  map[string]string          `yaml:"inputs_schema" json:"inputs_schema"`
	Phases        []Phase                    `yaml:"phases" json:"phases"`
	Validators    map[string]InlineValidator `yaml:"validators" json:"validators"`
	Soundings     *Soundings                 `yaml:"soundings,omitempty" json:"soundings,omitempty"`
	Memory        map[string]any             `yaml:"memory,omitempty" json:"memory,omitempty"`
	TokenBudget   *TokenBudgetConfig         `yaml:"token_budget,omitempty" json:"token_budget,omitempty"`
	ToolCaching   *ToolCachingConfig         `yaml:"tool_caching,omitempty" json:"tool_caching,omitempty"`

	// SourcePath is the file the cascade was loaded from, set by Load. Not
	// part of the wire format.
	SourcePath string `yaml:"-" json:"-"`
}

// InlineValidator is a validator defined inline within a cascade (as
// opposed to registered in a Go-side validator registry).
type InlineValidator struct {
	Kind        string `yaml:"kind" json:"kind"` // "function" | "cascade"
	Ref         string `yaml:"ref" json:"ref"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// ToolCachingConfig configures the cascade-wide default ToolCache policy.
type ToolCachingConfig struct {
	Enabled      bool `yaml:"enabled" json:"enabled"`
	TTLSeconds   int  `yaml:"ttl_seconds" json:"ttl_seconds"`
	MaxCacheSize int  `yaml:"max_cache_size" json:"max_cache_size"`
}

// Phase is a single unit of work: one LLM mission with tools, turns,
// attempts, wards, and optional soundings. A phase is deterministic iff it
// declares Tool+ToolInputs and no Instructions.
type Phase struct {
	Name            string         `yaml:"name" json:"name"`
	Instructions    string         `yaml:"instructions" json:"instructions"`
	Tackle          TackleSpec     `yaml:"tackle,omitempty" json:"tackle,omitempty"`
	Model           string         `yaml:"model,omitempty" json:"model,omitempty"`
	UseNativeTools  bool           `yaml:"use_native_tools" json:"use_native_tools"`
	Rules           Rules          `yaml:"rules,omitempty" json:"rules,omitempty"`
	Handoffs        []Handoff      `yaml:"handoffs,omitempty" json:"handoffs,omitempty"`
	SubCascades     []CascadeRef   `yaml:"sub_cascades,omitempty" json:"sub_cascades,omitempty"`
	AsyncCascades   []AsyncCascade `yaml:"async_cascades,omitempty" json:"async_cascades,omitempty"`
	Soundings       *Soundings     `yaml:"soundings,omitempty" json:"soundings,omitempty"`
	Wards           Wards          `yaml:"wards,omitempty" json:"wards,omitempty"`
	RAG             map[string]any `yaml:"rag,omitempty" json:"rag,omitempty"`
	Context         *ContextSpec   `yaml:"context,omitempty" json:"context,omitempty"`
	OutputSchema    json.RawMessage `yaml:"output_schema,omitempty" json:"output_schema,omitempty"`
	OutputExtraction *OutputExtraction `yaml:"output_extraction,omitempty" json:"output_extraction,omitempty"`
	HumanInput      *HumanInput    `yaml:"human_input,omitempty" json:"human_input,omitempty"`
	Audibles        *AudiblesSpec  `yaml:"audibles,omitempty" json:"audibles,omitempty"`
	Callouts        *CalloutsSpec  `yaml:"callouts,omitempty" json:"callouts,omitempty"`
	DecisionPoints  *DecisionPointsSpec `yaml:"decision_points,omitempty" json:"decision_points,omitempty"`

	// Tool/ToolInputs mark a deterministic (non-LLM) phase.
	Tool       string         `yaml:"tool,omitempty" json:"tool,omitempty"`
	ToolInputs map[string]any `yaml:"tool_inputs,omitempty" json:"tool_inputs,omitempty"`
}

// IsDeterministic reports whether the phase is a plain tool call rather
// than an LLM mission.
func (p Phase) IsDeterministic() bool {
	return p.Tool != "" && p.ToolInputs != nil && p.Instructions == ""
}

// TackleSpec is either an explicit list of tool names or the literal
// string "manifest" (Quartermaster-resolved).
type TackleSpec struct {
	Manifest bool
	Names    []string
}

func (t *TackleSpec) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err == nil {
		t.Manifest = s == "manifest"
		return nil
	}
	var names []string
	if err := unmarshal(&names); err != nil {
		return err
	}
	t.Names = names
	return nil
}

func (t *TackleSpec) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		t.Manifest = s == "manifest"
		return nil
	}
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	t.Names = names
	return nil
}

// Rules configures a phase's turn/attempt loop.
type Rules struct {
	MaxTurns          int    `yaml:"max_turns" json:"max_turns"`
	MaxAttempts       int    `yaml:"max_attempts" json:"max_attempts"`
	LoopUntil         string `yaml:"loop_until,omitempty" json:"loop_until,omitempty"`
	LoopUntilPrompt   string `yaml:"loop_until_prompt,omitempty" json:"loop_until_prompt,omitempty"`
	RetryInstructions string `yaml:"retry_instructions,omitempty" json:"retry_instructions,omitempty"`
	TurnPrompt        string `yaml:"turn_prompt,omitempty" json:"turn_prompt,omitempty"`
}

// Normalized returns Rules with documented defaults applied (max_turns=1,
// max_attempts=1 when unset).
func (r Rules) Normalized() Rules {
	if r.MaxTurns <= 0 {
		r.MaxTurns = 1
	}
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 1
	}
	return r
}

// Handoff names a candidate successor phase, statically declared or with a
// short routing description shown to the model for dynamic choice.
type Handoff struct {
	Target      string `yaml:"target" json:"target"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// UnmarshalYAML allows a handoff to be written as a bare phase name string
// or as a {target, description} map.
func (h *Handoff) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err == nil {
		h.Target = s
		return nil
	}
	type alias Handoff
	var a alias
	if err := unmarshal(&a); err != nil {
		return err
	}
	*h = Handoff(a)
	return nil
}

// CascadeRef points at a sub-cascade invocation, synchronous for
// SubCascades and fire-and-forget for AsyncCascades.
type CascadeRef struct {
	CascadeID  string         `yaml:"cascade_id" json:"cascade_id"`
	Path       string         `yaml:"path,omitempty" json:"path,omitempty"`
	ContextIn  map[string]any `yaml:"context_in,omitempty" json:"context_in,omitempty"`
	ContextOut []string       `yaml:"context_out,omitempty" json:"context_out,omitempty"`
}

// AsyncCascade is a CascadeRef plus the trigger point.
type AsyncCascade struct {
	CascadeRef `yaml:",inline" json:",inline"`
	Trigger    string `yaml:"trigger" json:"trigger"` // on_start | on_end
}

// Soundings configures N-way parallel phase attempts, evaluation, and
// optional reforge refinement. Used both at phase level and cascade level.
type Soundings struct {
	Factor               int                     `yaml:"factor" json:"factor"`
	MaxParallel          int                     `yaml:"max_parallel,omitempty" json:"max_parallel,omitempty"`
	Mutate               bool                    `yaml:"mutate,omitempty" json:"mutate,omitempty"`
	MutationMode         string                  `yaml:"mutation_mode,omitempty" json:"mutation_mode,omitempty"` // rewrite|rewrite_free|augment|approach
	Mutations            []string                `yaml:"mutations,omitempty" json:"mutations,omitempty"`
	Validator            string                  `yaml:"validator,omitempty" json:"validator,omitempty"`
	Models               *ModelAssignmentSpec    `yaml:"models,omitempty" json:"models,omitempty"`
	ModelStrategy        string                  `yaml:"model_strategy,omitempty" json:"model_strategy,omitempty"` // round_robin|random
	Evaluator            string                  `yaml:"evaluator,omitempty" json:"evaluator,omitempty"`           // llm|human|hybrid|cost_aware|pareto|quality_only
	EvaluatorInstructions string                 `yaml:"evaluator_instructions,omitempty" json:"evaluator_instructions,omitempty"`
	Mode                 string                  `yaml:"mode,omitempty" json:"mode,omitempty"` // evaluate|aggregate
	AggregatorInstructions string                `yaml:"aggregator_instructions,omitempty" json:"aggregator_instructions,omitempty"`
	CostAwareEvaluation  bool                    `yaml:"cost_aware_evaluation,omitempty" json:"cost_aware_evaluation,omitempty"`
	ParetoFrontier       *ParetoConfig           `yaml:"pareto_frontier,omitempty" json:"pareto_frontier,omitempty"`
	Reforge              *ReforgeConfig          `yaml:"reforge,omitempty" json:"reforge,omitempty"`
	TimeoutSeconds       int                     `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	OnTimeout            string                  `yaml:"on_timeout,omitempty" json:"on_timeout,omitempty"` // llm_fallback|random|first|abort
}

// ModelAssignmentSpec is either a flat list of model names (round-robin or
// random) or a map of model name to a per-model factor.
type ModelAssignmentSpec struct {
	List []string
	Map  map[string]ModelFactor
}

// ModelFactor is the per-model sounding count in a map-form model
// assignment.
type ModelFactor struct {
	Factor int `yaml:"factor" json:"factor"`
}

func (m *ModelAssignmentSpec) UnmarshalYAML(unmarshal func(any) error) error {
	var list []string
	if err := unmarshal(&list); err == nil {
		m.List = list
		return nil
	}
	var mp map[string]ModelFactor
	if err := unmarshal(&mp); err != nil {
		return err
	}
	m.Map = mp
	return nil
}

func (m *ModelAssignmentSpec) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		m.List = list
		return nil
	}
	var mp map[string]ModelFactor
	if err := json.Unmarshal(data, &mp); err != nil {
		return err
	}
	m.Map = mp
	return nil
}

// ParetoConfig configures Pareto-frontier sounding selection.
type ParetoConfig struct {
	Policy string `yaml:"policy" json:"policy"` // prefer_cheap|prefer_quality|balanced|interactive
}

// ReforgeConfig configures iterative refinement of a winning sounding.
type ReforgeConfig struct {
	Steps         int    `yaml:"steps" json:"steps"`
	HoningPrompt  string `yaml:"honing_prompt" json:"honing_prompt"`
	FactorPerStep int    `yaml:"factor_per_step" json:"factor_per_step"`
	Mutate        bool   `yaml:"mutate,omitempty" json:"mutate,omitempty"`
	Threshold     string `yaml:"threshold,omitempty" json:"threshold,omitempty"`
}

// Wards bundles the pre/post/turn validator bindings for a phase.
type Wards struct {
	Pre  []Ward `yaml:"pre,omitempty" json:"pre,omitempty"`
	Post []Ward `yaml:"post,omitempty" json:"post,omitempty"`
	Turn []Ward `yaml:"turn,omitempty" json:"turn,omitempty"`
}

// Ward attaches a named validator to a phase input/output/turn with a
// blocking, advisory, or retry mode.
type Ward struct {
	Validator string `yaml:"validator" json:"validator"`
	Mode      string `yaml:"mode" json:"mode"` // blocking|advisory|retry
}

// ContextSpec declares a phase's context dependencies.
type ContextSpec struct {
	From         []ContextSource `yaml:"from" json:"from"`
	IncludeInput bool             `yaml:"include_input,omitempty" json:"include_input,omitempty"`
}

// ContextSource names a source phase (or keyword all/first/previous) and
// the filters applied to it.
type ContextSource struct {
	Source   string   `yaml:"source" json:"source"`
	Exclude  []string `yaml:"exclude,omitempty" json:"exclude,omitempty"`
	Include  []string `yaml:"include" json:"include"` // subset of images|output|messages|state
	Images   string   `yaml:"images,omitempty" json:"images,omitempty"` // all|last|last_n
	ImagesN  int      `yaml:"images_n,omitempty" json:"images_n,omitempty"`
	Messages string   `yaml:"messages,omitempty" json:"messages,omitempty"` // all|assistant_only|last_turn
}

// OutputExtraction pulls a captured pattern match out of the final phase
// output into Echo state.
type OutputExtraction struct {
	Pattern  string `yaml:"pattern" json:"pattern"`
	StoreAs  string `yaml:"store_as" json:"store_as"`
	Format   string `yaml:"format,omitempty" json:"format,omitempty"` // text|json|code
	Required bool   `yaml:"required,omitempty" json:"required,omitempty"`
}

// HumanInput configures a phase-output checkpoint gated by a condition
// expression evaluated against Echo state.
type HumanInput struct {
	Condition      string `yaml:"condition,omitempty" json:"condition,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	UISpec         map[string]any `yaml:"ui_spec,omitempty" json:"ui_spec,omitempty"`
}

// AudiblesSpec enables mid-phase user interjection between turns.
type AudiblesSpec struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// CalloutsSpec names the template used to tag the final assistant message
// for later retrieval.
type CalloutsSpec struct {
	Name string `yaml:"name" json:"name"`
}

// DecisionPointsSpec enables <decision>...</decision> block detection in a
// phase's final output.
type DecisionPointsSpec struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// TokenBudgetConfig configures runtime/tokenbudget at the cascade level;
// phases inherit it unless they declare their own.
type TokenBudgetConfig struct {
	MaxTotal         int     `yaml:"max_total" json:"max_total"`
	ReserveForOutput int     `yaml:"reserve_for_output" json:"reserve_for_output"`
	Strategy         string  `yaml:"strategy" json:"strategy"` // sliding_window|prune_oldest|summarize|fail
	WarningThreshold float64 `yaml:"warning_threshold,omitempty" json:"warning_threshold,omitempty"`
}
