// Package cascaderunner implements the top-level phase state machine of
// spec §4.6: session lifecycle, phase-to-phase handoff routing,
// sub-cascade/async-cascade dispatch, and cascade-level soundings over
// whole child cascades. Grounded on the session-scoped run loop in
// runtime/agent/engine/inmem/engine.go (create → heartbeat → iterate →
// finalize), generalized from a single workflow's step sequence to a
// cascade's dynamically-routed phase graph.
package cascaderunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	jsonschema "goa.design/cascade/features/validator/jsonschema"
	"goa.design/cascade/runtime/cascade"
	"goa.design/cascade/runtime/cerr"
	"goa.design/cascade/runtime/checkpoint"
	"goa.design/cascade/runtime/echo"
	"goa.design/cascade/runtime/eventbus"
	"goa.design/cascade/runtime/model"
	"goa.design/cascade/runtime/phaserunner"
	"goa.design/cascade/runtime/session"
	"goa.design/cascade/runtime/soundingrunner"
	"goa.design/cascade/runtime/telemetry"
	"goa.design/cascade/runtime/tokenbudget"
	"goa.design/cascade/runtime/toolcache"
	"goa.design/cascade/runtime/tools"
	"goa.design/cascade/runtime/unifiedlog"
	"goa.design/cascade/runtime/validator"
)

// Loader resolves a cascade reference path to a parsed Cascade. cascade.Load
// satisfies this directly.
type Loader func(path string) (*cascade.Cascade, error)

// Runner executes whole cascades end to end, owning the collaborators every
// phase or sounding attempt within the run shares: the model agent, tool and
// tool-cache registries, checkpoint manager, session store, unified log, and
// event bus.
type Runner struct {
	Agent       model.Agent
	Tools       *tools.Registry
	ToolCache   toolcache.Interface
	Checkpoints *checkpoint.Manager
	Sessions    session.Store
	Log         *unifiedlog.Log
	Bus         *eventbus.Bus
	Telemetry   telemetry.Bundle
	ImagesRoot  string

	// Loader loads a cascade.CascadeRef's Path for sub-cascades, async
	// cascades, cascade-as-tool invocations, and cascade-kind validators.
	// Defaults to cascade.Load if nil.
	Loader Loader

	// NativeValidators are Go-native validator.Func implementations the
	// host process registers up front (cmd/cascade wires these before
	// loading any cascade file). An InlineValidator of kind "function"
	// resolves its ref against this map.
	NativeValidators map[string]validator.Func

	mu         sync.Mutex
	validators map[string]*validator.Registry
}

// Result is what a cascade run produces to whatever dispatched it: the CLI,
// a parent phase's sub-cascade wait, or a cascade-level sounding evaluator.
type Result struct {
	SessionID string
	Status    session.Status
	Output    string
	Echo      *echo.Echo
}

// Options configures a single cascade invocation, top-level or nested.
type Options struct {
	SessionID       string
	ParentSessionID string
	Depth           int
	Inputs          map[string]any
	SoundingIndex   *int
	ReforgeStep     *int
}

// New constructs a Runner. Loader defaults to cascade.Load when nil.
func New(r Runner) *Runner {
	if r.Loader == nil {
		r.Loader = cascade.Load
	}
	r.validators = make(map[string]*validator.Registry)
	return &r
}

// Run executes c to completion, returning the final output (last phase's
// content, or the cascade-level sounding winner's) and the session's final
// status (spec §4.6 "Termination").
func (r *Runner) Run(ctx context.Context, c *cascade.Cascade, opts Options) (Result, error) {
	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	opts.SessionID = sessionID

	if _, err := r.Sessions.Create(ctx, sessionID, c.CascadeID, opts.ParentSessionID, opts.Depth, map[string]any{"inputs": opts.Inputs}); err != nil && err != session.ErrAlreadyExists {
		return Result{}, cerr.Infrastructure("create session", err)
	}
	if err := r.Sessions.SetStatus(ctx, sessionID, session.StatusRunning, "", ""); err != nil {
		r.logError(ctx, "set session running", err)
	}
	stop := session.Heartbeat(ctx, r.Sessions, sessionID, session.DefaultHeartbeatInterval, r.Telemetry.Log)
	defer stop()

	runnerState := echo.RunnerState{
		SessionID: sessionID, CascadeID: c.CascadeID, ParentSessionID: opts.ParentSessionID,
		Depth: opts.Depth, SoundingIndex: opts.SoundingIndex, ReforgeStep: opts.ReforgeStep,
	}
	ec := echo.New(runnerState, r.Log)
	ec.State["inputs"] = opts.Inputs

	vr := r.validatorsFor(c)
	budget := budgetFor(c)

	var lastPhase string
	var output string
	var runErr error

	if c.Soundings != nil && c.Soundings.Factor > 1 {
		output, runErr = r.runCascadeSoundings(ctx, c, opts, ec, vr, budget)
	} else {
		lastPhase, output, runErr = r.runPhases(ctx, c, sessionID, opts, ec, vr, budget)
	}

	status := session.StatusCompleted
	errMsg := ""
	switch {
	case errors.Is(runErr, &cerr.Error{Kind: cerr.KindCancelled}):
		status = session.StatusCancelled
	case runErr != nil:
		status = session.StatusError
		errMsg = runErr.Error()
	case ec.HasErrors():
		status = session.StatusError
		errMsg = "phase recorded one or more non-fatal errors"
	}
	if err := r.Sessions.SetStatus(ctx, sessionID, status, lastPhase, errMsg); err != nil {
		r.logError(ctx, "set session final status", err)
	}

	return Result{SessionID: sessionID, Status: status, Output: output, Echo: ec}, runErr
}

// InvokeAsTool adapts Run to toolregistry.CascadeInvoker: load the cascade
// at cascadePath, run it to completion with inputs as its seed state, and
// return its final output. Used for both cascade-as-tool dispatch and
// cascade-kind inline validators.
func (r *Runner) InvokeAsTool(ctx context.Context, cascadePath string, inputs map[string]any) (any, error) {
	c, err := r.Loader(cascadePath)
	if err != nil {
		return nil, cerr.Config("load cascade tool", err)
	}
	res, err := r.Run(ctx, c, Options{Inputs: inputs})
	if err != nil {
		return nil, err
	}
	return res.Output, nil
}

func (r *Runner) runPhases(ctx context.Context, c *cascade.Cascade, sessionID string, opts Options, ec *echo.Echo, vr *validator.Registry, budget tokenbudget.Budget) (lastPhase, output string, err error) {
	names := make([]string, len(c.Phases))
	index := make(map[string]int, len(c.Phases))
	for i, p := range c.Phases {
		names[i] = p.Name
		index[p.Name] = i
	}

	current := 0
	for current >= 0 && current < len(c.Phases) {
		phase := c.Phases[current]
		lastPhase = phase.Name

		cancelled, cerr2 := r.Sessions.IsCancelled(ctx, sessionID)
		if cerr2 != nil {
			r.logError(ctx, "check cancellation", cerr2)
		}
		if cancelled {
			return lastPhase, output, cerr.Cancelled(phase.Name, "cancellation requested")
		}

		r.dispatchAsync(ctx, phase.AsyncCascades, "on_start", sessionID, opts.Depth, ec)

		out, runErr := r.runPhase(ctx, phase, current, names, c.CascadeID, sessionID, opts, ec, vr, budget)
		if runErr != nil {
			ec.AddError(phase.Name, "phase_error", runErr.Error(), nil)
			return lastPhase, output, runErr
		}
		output = out.Content

		if len(phase.SubCascades) > 0 {
			if subErr := r.runSubCascades(ctx, phase.SubCascades, sessionID, opts.Depth, ec); subErr != nil {
				ec.AddError(phase.Name, "sub_cascade_error", subErr.Error(), nil)
				return lastPhase, output, subErr
			}
		}

		r.dispatchAsync(ctx, phase.AsyncCascades, "on_end", sessionID, opts.Depth, ec)

		if out.DecisionAbort {
			return lastPhase, output, nil
		}

		next, routeErr := nextPhaseIndex(phase, out, index)
		if routeErr != nil {
			return lastPhase, output, routeErr
		}
		current = next
	}
	return lastPhase, output, nil
}

// nextPhaseIndex derives the successor phase index per spec §4.6: a
// dynamic handoff (decision block or route_to tool call) wins if present,
// else the phase's first static handoff target, else termination (-1).
func nextPhaseIndex(phase cascade.Phase, out phaserunner.Output, index map[string]int) (int, error) {
	target := out.NextPhase
	if target == "" && len(phase.Handoffs) > 0 {
		target = phase.Handoffs[0].Target
	}
	if target == "" {
		return -1, nil
	}
	idx, ok := index[target]
	if !ok {
		return -1, cerr.Config(phase.Name, fmt.Errorf("handoff target %q does not name a phase in this cascade", target))
	}
	return idx, nil
}

func (r *Runner) runPhase(ctx context.Context, phase cascade.Phase, phaseIndex int, names []string, cascadeID, sessionID string, opts Options, ec *echo.Echo, vr *validator.Registry, budget tokenbudget.Budget) (phaserunner.Output, error) {
	pr := &phaserunner.Runner{
		Agent: r.Agent, Tools: r.Tools, ToolCache: r.ToolCache, Validators: vr,
		Checkpoints: r.Checkpoints, Telemetry: r.Telemetry, ImagesRoot: r.ImagesRoot, Bus: r.Bus,
	}
	input := phaserunner.Input{
		SessionID: sessionID, CascadeID: cascadeID, ParentSessionID: opts.ParentSessionID, Depth: opts.Depth,
		PhaseIndex: phaseIndex, AllPhaseNames: names, Phase: phase, Echo: ec, Budget: budget,
	}

	if phase.Soundings != nil && phase.Soundings.Factor > 1 {
		sr := &soundingrunner.Runner{Phase: pr, Validators: vr, Checkpoints: r.Checkpoints, Bus: r.Bus}
		return sr.Run(ctx, input)
	}
	return pr.Run(ctx, input)
}

func (r *Runner) runSubCascades(ctx context.Context, refs []cascade.CascadeRef, parentSessionID string, depth int, parentEcho *echo.Echo) error {
	for i, ref := range refs {
		child, err := r.Loader(ref.Path)
		if err != nil {
			return cerr.Config("load sub-cascade", err)
		}
		inputs := resolveContextIn(ref.ContextIn, parentEcho)
		childSessionID := fmt.Sprintf("%s_sub_%d", parentSessionID, i)
		res, err := r.Run(ctx, child, Options{SessionID: childSessionID, ParentSessionID: parentSessionID, Depth: depth + 1, Inputs: inputs})
		if err != nil {
			return err
		}
		mergeContextOut(ref.ContextOut, res, parentEcho)
	}
	return nil
}

// dispatchAsync spawns every phase.async_cascades entry matching trigger as
// a detached, unwaited goroutine sharing the parent's SessionStore and
// UnifiedLog (spec §4.6/§5 "Async cascades ... do not block the parent").
func (r *Runner) dispatchAsync(ctx context.Context, asyncs []cascade.AsyncCascade, trigger, parentSessionID string, depth int, parentEcho *echo.Echo) {
	for i, ac := range asyncs {
		if ac.Trigger != trigger {
			continue
		}
		child, err := r.Loader(ac.Path)
		if err != nil {
			r.logError(ctx, "load async cascade", err)
			continue
		}
		inputs := resolveContextIn(ac.ContextIn, parentEcho)
		childSessionID := fmt.Sprintf("%s_async_%s_%d", parentSessionID, trigger, i)
		go func(child *cascade.Cascade, sessionID string, inputs map[string]any) {
			bgCtx := context.Background()
			if _, err := r.Run(bgCtx, child, Options{SessionID: sessionID, ParentSessionID: parentSessionID, Depth: depth + 1, Inputs: inputs}); err != nil {
				r.logError(bgCtx, "async cascade run", err)
			}
		}(child, childSessionID, inputs)
	}
}

// resolveContextIn resolves a CascadeRef.ContextIn map against the parent
// Echo's state: a string value prefixed with "$" names a dotted echo.state
// key to copy; any other value is passed through as a literal.
func resolveContextIn(contextIn map[string]any, parentEcho *echo.Echo) map[string]any {
	out := make(map[string]any, len(contextIn))
	snap := parentEcho.Snapshot()
	for k, v := range contextIn {
		if s, ok := v.(string); ok && strings.HasPrefix(s, "$") {
			out[k] = lookupState(snap.State, strings.TrimPrefix(s, "$"))
			continue
		}
		out[k] = v
	}
	return out
}

func lookupState(state map[string]any, path string) any {
	cur := any(state)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

// mergeContextOut copies the named keys from a completed sub-cascade's
// result into the parent Echo's state (spec §4.6 "context_in/out governing
// input/output merging"). A sub-cascade's output is its last phase's
// content; context_out names are looked up there first, falling back to
// the child's own echo state if it parsed as an object.
func mergeContextOut(contextOut []string, res Result, parentEcho *echo.Echo) {
	if len(contextOut) == 0 {
		return
	}
	var parsed map[string]any
	_ = json.Unmarshal([]byte(res.Output), &parsed)
	updates := make(map[string]any, len(contextOut))
	for _, key := range contextOut {
		if parsed != nil {
			if v, ok := parsed[key]; ok {
				updates[key] = v
				continue
			}
		}
		if res.Echo != nil {
			updates[key] = res.Echo.Snapshot().State[key]
		}
	}
	parentEcho.Merge(nil, nil, updates)
}

func (r *Runner) logError(ctx context.Context, msg string, err error) {
	if r.Telemetry.Log != nil {
		r.Telemetry.Log.Error(ctx, msg, "error", err)
	}
}

// validatorsFor returns the Registry compiled for c, building and caching
// it on first use: one output_schema:<phase> JSON Schema validator per
// phase that declares output_schema, plus one entry per cascade.Validators
// inline validator (function aliases and cascade-backed validators).
func (r *Runner) validatorsFor(c *cascade.Cascade) *validator.Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if vr, ok := r.validators[c.CascadeID]; ok {
		return vr
	}

	vr := validator.NewRegistry()
	for _, phase := range c.Phases {
		if len(phase.OutputSchema) == 0 {
			continue
		}
		fn, err := jsonschema.Compile(phase.OutputSchema)
		if err != nil {
			r.logError(context.Background(), "compile output schema for phase "+phase.Name, err)
			continue
		}
		vr.Register("output_schema:"+phase.Name, fn)
	}
	for name, iv := range c.Validators {
		switch iv.Kind {
		case "function":
			if fn, ok := r.NativeValidators[iv.Ref]; ok {
				vr.Register(name, fn)
				continue
			}
			r.logError(context.Background(), "inline validator references unknown native function", fmt.Errorf("%s -> %s", name, iv.Ref))
		case "cascade":
			ref := iv.Ref
			vr.Register(name, func(ctx context.Context, content string) (validator.Result, error) {
				return r.runCascadeValidator(ctx, ref, content)
			})
		}
	}

	r.validators[c.CascadeID] = vr
	return vr
}

// runCascadeValidator invokes a validator-kind cascade, passing the content
// under review as its sole input and expecting a {"valid":bool,"reason":
// string} JSON object as the final phase's output.
func (r *Runner) runCascadeValidator(ctx context.Context, cascadePath, content string) (validator.Result, error) {
	out, err := r.InvokeAsTool(ctx, cascadePath, map[string]any{"content": content})
	if err != nil {
		return validator.Result{Valid: false, Reason: err.Error()}, nil
	}
	s, _ := out.(string)
	var parsed struct {
		Valid  bool   `json:"valid"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(s), &parsed); err != nil {
		return validator.Result{Valid: false, Reason: "cascade validator produced non-JSON output"}, nil
	}
	return validator.Result{Valid: parsed.Valid, Reason: parsed.Reason}, nil
}

func budgetFor(c *cascade.Cascade) tokenbudget.Budget {
	if c.TokenBudget == nil {
		return tokenbudget.Budget{}
	}
	return tokenbudget.Budget{
		MaxTotal:         c.TokenBudget.MaxTotal,
		ReserveForOutput: c.TokenBudget.ReserveForOutput,
		Strategy:         tokenbudget.Strategy(c.TokenBudget.Strategy),
		WarningThreshold: c.TokenBudget.WarningThreshold,
	}
}

// --- cascade-level soundings (spec §4.6 "forks factor complete child
// cascades ... evaluates final outputs ... merges winner lineage") ---

type cascadeAttempt struct {
	index  int
	result Result
	err    error
}

func (r *Runner) runCascadeSoundings(ctx context.Context, c *cascade.Cascade, opts Options, parentEcho *echo.Echo, vr *validator.Registry, budget tokenbudget.Budget) (string, error) {
	sc := c.Soundings
	attempts, err := r.forkCascadeRound(ctx, c, opts, sc.Factor, "")
	if err != nil {
		return "", err
	}

	winner, err := r.selectCascadeWinner(ctx, sc, attempts)
	if err != nil {
		return "", err
	}

	if sc.Reforge != nil && sc.Reforge.Steps > 0 {
		winner, err = r.reforgeCascade(ctx, c, opts, sc, winner)
		if err != nil {
			return "", err
		}
	}

	parentEcho.Merge(nil, winner.result.Echo.Snapshot().Lineage, winner.result.Echo.Snapshot().State)
	return winner.result.Output, nil
}

// forkCascadeRound runs factor complete child cascades in parallel,
// session ids `<parent>_sounding_<i>`, optionally carrying a reforge honing
// directive as seed state.
func (r *Runner) forkCascadeRound(ctx context.Context, c *cascade.Cascade, opts Options, factor int, honingDirective string) ([]cascadeAttempt, error) {
	// Each child runs the cascade's phases once; it does not fork
	// cascade-level soundings again.
	child := *c
	child.Soundings = nil
	results := make([]cascadeAttempt, factor)
	var wg sync.WaitGroup
	sem := make(chan struct{}, defaultCascadeSoundingParallel)
	for i := 0; i < factor; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			idx := i
			inputs := cloneInputs(opts.Inputs)
			if honingDirective != "" {
				inputs["_honing_directive"] = honingDirective
			}
			childSessionID := fmt.Sprintf("%s_sounding_%d", opts.SessionID, idx)
			res, err := r.Run(ctx, &child, Options{
				SessionID: childSessionID, ParentSessionID: opts.ParentSessionID, Depth: opts.Depth + 1,
				Inputs: inputs, SoundingIndex: &idx,
			})
			results[i] = cascadeAttempt{index: idx, result: res, err: err}
		}(i)
	}
	wg.Wait()

	var firstErr error
	for _, a := range results {
		if a.err != nil && firstErr == nil {
			firstErr = a.err
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

const defaultCascadeSoundingParallel = 3

func cloneInputs(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// selectCascadeWinner evaluates a completed round's outputs. Mode
// "aggregate" concatenates every contributor; otherwise an LLM evaluator
// call picks a single winner by index, mirroring the phase-level evaluator
// protocol's quality_only path (spec §4.5, applied at cascade scope).
func (r *Runner) selectCascadeWinner(ctx context.Context, sc *cascade.Soundings, attempts []cascadeAttempt) (cascadeAttempt, error) {
	if sc.Mode == "aggregate" {
		var b strings.Builder
		for i, a := range attempts {
			if i > 0 {
				b.WriteString("\n\n---\n\n")
			}
			b.WriteString(a.result.Output)
		}
		winner := attempts[0]
		winner.result.Output = b.String()
		return winner, nil
	}

	if len(attempts) == 1 {
		return attempts[0], nil
	}

	instructions := sc.EvaluatorInstructions
	if instructions == "" {
		instructions = "Select the best cascade run below. Respond with only the winning index (0-based)."
	}
	var b strings.Builder
	b.WriteString(instructions)
	b.WriteString("\n\n")
	for i, a := range attempts {
		fmt.Fprintf(&b, "[%d]\n%s\n\n", i, a.result.Output)
	}
	resp, err := r.Agent.Run(ctx, model.Request{UserPrompt: b.String()})
	if err != nil {
		return attempts[0], nil // fall back to first on evaluator failure rather than fail the cascade
	}
	idx := parseWinnerIndex(resp.Content, len(attempts))
	return attempts[idx], nil
}

var reCascadeWinnerIndex = regexp.MustCompile(`-?\d+`)

func parseWinnerIndex(content string, n int) int {
	m := reCascadeWinnerIndex.FindString(content)
	if m == "" {
		return 0
	}
	idx, err := strconv.Atoi(m)
	if err != nil || idx < 0 || idx >= n {
		return 0
	}
	return idx
}

// reforgeCascade runs ReforgeConfig.Steps additional rounds, each forking
// max(FactorPerStep, 1) fresh cascades seeded with the honing prompt plus
// the current winner's output, keeping whichever of the new round or the
// prior winner the evaluator prefers.
func (r *Runner) reforgeCascade(ctx context.Context, c *cascade.Cascade, opts Options, sc *cascade.Soundings, winner cascadeAttempt) (cascadeAttempt, error) {
	cfg := sc.Reforge
	factor := max(cfg.FactorPerStep, 1)
	for step := 0; step < cfg.Steps; step++ {
		directive := cfg.HoningPrompt
		if directive == "" {
			directive = "Refine the following result."
		}
		directive = directive + "\n\nPrior result:\n" + winner.result.Output

		round, err := r.forkCascadeRound(ctx, c, opts, factor, directive)
		if err != nil {
			return winner, err
		}
		candidates := append(round, winner)
		next, err := r.selectCascadeWinner(ctx, sc, candidates)
		if err != nil {
			return winner, err
		}
		winner = next
	}
	return winner, nil
}
