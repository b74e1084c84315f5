// Package soundingrunner implements N-way parallel phase execution,
// pre-eval validation, and winner selection (spec §4.5). Grounded on the
// teacher's bounded-concurrency tool-execution fan-out
// (runtime/agent/runtime/execute_tool_calls_*.go: a worker pool sized to
// a concurrency cap, jobs submitted and drained via a channel),
// generalized here from parallel tool calls to parallel whole-phase
// attempts.
package soundingrunner

import (
	"context"
	"fmt"
	"math/rand"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"goa.design/cascade/runtime/cascade"
	"goa.design/cascade/runtime/cerr"
	"goa.design/cascade/runtime/checkpoint"
	"goa.design/cascade/runtime/echo"
	"goa.design/cascade/runtime/eventbus"
	"goa.design/cascade/runtime/model"
	"goa.design/cascade/runtime/phaserunner"
	"goa.design/cascade/runtime/tokenbudget"
	"goa.design/cascade/runtime/validator"
)

const defaultMaxParallel = 3

// contextWindows is the static per-model context-window table used for
// the context-window filter (spec §4.5 step 2). Models absent from this
// table are assumed to fit (no filtering applied).
var contextWindows = map[string]int{
	"claude-opus-4":       200_000,
	"claude-sonnet-4":     200_000,
	"claude-haiku-3.5":    200_000,
	"gpt-4o":              128_000,
	"gpt-4o-mini":         128_000,
	"gpt-4.1":             1_000_000,
	"o3":                  200_000,
	"gemini-1.5-pro":      2_000_000,
	"gemini-1.5-flash":    1_000_000,
}

const contextWindowBuffer = 0.85 // 15% buffer reserved, per spec §4.5 step 2

// Runner fans a phase out into N soundings and selects or aggregates a
// winner. It wraps a phaserunner.Runner, reusing its Agent/Tools/Validators
// collaborators for each individual attempt.
type Runner struct {
	Phase       *phaserunner.Runner
	Validators  *validator.Registry
	Checkpoints *checkpoint.Manager

	// Bus, if non-nil, receives sounding_start/sounding_complete/
	// sounding_winner events (spec §2 ProgressReporter).
	Bus *eventbus.Bus

	// Rand, when set, is used for random model assignment and mutation
	// selection; defaults to the package-level source if nil, letting
	// tests inject a deterministic source.
	Rand *rand.Rand
}

// attempt is one sounding's resolved configuration before execution.
type attempt struct {
	index          int
	modelName      string
	mutationType   string
	mutationPrompt string
}

// result is one sounding's outcome.
type result struct {
	attempt   attempt
	output    phaserunner.Output
	clone     *echo.Echo
	baseLen   int
	cost      float64
	valid     bool
	validMsg  string
	err       error
}

// Run executes phase's soundings against parent, returning the merged
// winning output. parent's state is mutated only via Echo.Merge of the
// winning attempt (spec §4.7: "the clone's state/history is not merged
// unless selected as winner").
func (r *Runner) Run(ctx context.Context, in phaserunner.Input) (phaserunner.Output, error) {
	sc := in.Phase.Soundings
	if sc == nil || sc.Factor <= 1 {
		return r.Phase.Run(ctx, in)
	}

	attempts := r.assignModels(sc)
	attempts = r.filterContextWindow(ctx, in, attempts)
	r.precomputeMutations(ctx, in, sc, attempts)

	r.publish(ctx, in.SessionID, eventbus.TopicSoundingStart, map[string]any{"phase": in.Phase.Name, "factor": len(attempts)})

	snap := in.Echo.Snapshot()
	results := r.runParallel(ctx, in, sc, attempts, snap)

	results = r.applyPreEvalValidator(ctx, sc, results)

	var winner *result
	var err error
	if sc.Mode == "aggregate" {
		winner, err = r.aggregate(ctx, in, sc, results)
		if err == nil {
			r.markWinners(ctx, in, results) // every contributing sounding is a winner in aggregate mode
		}
	} else {
		winner, err = r.evaluate(ctx, in, sc, results)
		if err == nil {
			r.markWinners(ctx, in, []result{*winner})
		}
	}
	if err != nil {
		return phaserunner.Output{}, err
	}
	r.publish(ctx, in.SessionID, eventbus.TopicSoundingWinner, map[string]any{"phase": in.Phase.Name, "winner": winner.attempt.index})

	if sc.Reforge != nil && sc.Reforge.Steps > 0 {
		winner, err = r.reforge(ctx, in, sc, winner)
		if err != nil {
			return phaserunner.Output{}, err
		}
	}

	in.Echo.Merge(winner.clone.ProducedSince(winner.baseLen), winner.clone.Lineage[len(snap.Lineage):], winner.clone.State)
	return winner.output, nil
}

// publish emits a sounding progress event if a Bus is wired; a no-op
// otherwise so callers never need to nil-check.
func (r *Runner) publish(ctx context.Context, sessionID, topic string, payload map[string]any) {
	if r.Bus == nil {
		return
	}
	r.Bus.Publish(ctx, eventbus.Event{Topic: topic, SessionID: sessionID, Payload: payload})
}

// markWinners range-updates is_winner=true in the UnifiedLog for each
// result's sounding rows (spec §4.5 step 9 / §3's winner invariant).
func (r *Runner) markWinners(ctx context.Context, in phaserunner.Input, results []result) {
	log := in.Echo.Log()
	if log == nil {
		return
	}
	for _, res := range results {
		_ = log.MarkWinner(ctx, in.SessionID, in.Phase.Name, res.attempt.index)
	}
}

// assignModels implements spec §4.5 step 1.
func (r *Runner) assignModels(sc *cascade.Soundings) []attempt {
	factor := sc.Factor
	var models []string

	switch {
	case sc.Models == nil:
		models = []string{""} // "" means Phase.Model default
	case len(sc.Models.List) > 0:
		models = sc.Models.List
	case len(sc.Models.Map) > 0:
		var names []string
		for name := range sc.Models.Map {
			names = append(names, name)
		}
		sort.Strings(names)
		total := 0
		var expanded []string
		for _, name := range names {
			f := sc.Models.Map[name].Factor
			total += f
			for i := 0; i < f; i++ {
				expanded = append(expanded, name)
			}
		}
		if total != factor {
			factor = total // top-level factor becomes advisory; recompute
		}
		return buildAttempts(expanded)
	}

	assigned := make([]string, factor)
	for i := 0; i < factor; i++ {
		if sc.ModelStrategy == "random" {
			assigned[i] = models[r.randIntn(len(models))]
		} else {
			assigned[i] = models[i%len(models)]
		}
	}
	return buildAttempts(assigned)
}

func buildAttempts(models []string) []attempt {
	out := make([]attempt, len(models))
	for i, m := range models {
		out[i] = attempt{index: i, modelName: m}
	}
	return out
}

func (r *Runner) randIntn(n int) int {
	if r.Rand != nil {
		return r.Rand.Intn(n)
	}
	return rand.Intn(n)
}

// filterContextWindow implements spec §4.5 step 2: drop attempts whose
// assigned model's context window (minus a 15% buffer) cannot hold the
// estimated request size.
func (r *Runner) filterContextWindow(ctx context.Context, in phaserunner.Input, attempts []attempt) []attempt {
	estimate := tokenbudget.Estimate(nil, 0, in.Phase.Instructions)
	filtered := attempts[:0:0]
	var droppedModels []string
	for _, a := range attempts {
		limit, known := contextWindows[a.modelName]
		if known && int(float64(limit)*contextWindowBuffer) < estimate {
			droppedModels = append(droppedModels, a.modelName)
			continue
		}
		filtered = append(filtered, a)
	}
	if len(droppedModels) > 0 {
		for i := range filtered {
			filtered[i].index = i
		}
		r.publish(ctx, in.SessionID, eventbus.TopicModelsFiltered, map[string]any{
			"phase": in.Phase.Name, "dropped": droppedModels, "remaining": len(filtered),
		})
	}
	return filtered
}

var mutationBank = map[string][]string{
	"rewrite":      {"Rewrite the instructions above to approach this from a different angle while preserving the goal."},
	"rewrite_free": {"Freely reinterpret the task; do not preserve the original phrasing."},
	"augment":      {"In addition to the base instructions, also consider: "},
	"approach":     {"Use a distinctly different approach than a straightforward reading of the instructions would suggest."},
}

// precomputeMutations implements spec §4.5 step 3: for i > 0, resolve a
// mutation directive per attempt. For rewrite/rewrite_free, the rewriter
// call runs sequentially here (before the parallel fan-out) so each
// attempt carries a fully resolved prompt.
func (r *Runner) precomputeMutations(ctx context.Context, in phaserunner.Input, sc *cascade.Soundings, attempts []attempt) {
	if !sc.Mutate {
		return
	}
	bank := sc.Mutations
	if len(bank) == 0 {
		bank = mutationBank[sc.MutationMode]
	}
	if len(bank) == 0 {
		return
	}
	for i := range attempts {
		if i == 0 {
			continue // the first attempt always runs unmutated as the baseline
		}
		template := bank[(i-1)%len(bank)]
		attempts[i].mutationType = sc.MutationMode
		if sc.MutationMode == "rewrite" || sc.MutationMode == "rewrite_free" {
			resp, err := r.Phase.Agent.Run(ctx, model.Request{
				SystemPrompt: "You rewrite task instructions for variety.",
				UserPrompt:   template + "\n\nOriginal instructions:\n" + in.Phase.Instructions,
			})
			if err == nil {
				attempts[i].mutationPrompt = resp.Content
				continue
			}
		}
		attempts[i].mutationPrompt = template
	}
}

// runParallel implements spec §4.5 steps 4-5: clone the snapshot per
// attempt and run each through a bounded worker pool.
func (r *Runner) runParallel(ctx context.Context, in phaserunner.Input, sc *cascade.Soundings, attempts []attempt, snap echo.Snapshot) []result {
	maxParallel := sc.MaxParallel
	if maxParallel <= 0 {
		maxParallel = defaultMaxParallel
	}
	if maxParallel > len(attempts) {
		maxParallel = len(attempts)
	}

	jobs := make(chan attempt)
	resultsCh := make(chan result, len(attempts))
	var wg sync.WaitGroup

	for w := 0; w < maxParallel; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for a := range jobs {
				resultsCh <- r.runOne(ctx, in, snap, a)
			}
		}()
	}
	for _, a := range attempts {
		jobs <- a
	}
	close(jobs)
	wg.Wait()
	close(resultsCh)

	out := make([]result, 0, len(attempts))
	for res := range resultsCh {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].attempt.index < out[j].attempt.index })
	return out
}

func (r *Runner) runOne(ctx context.Context, in phaserunner.Input, snap echo.Snapshot, a attempt) result {
	idx := a.index
	clone := echo.Clone(snap, echo.RunnerState{
		SessionID:     in.SessionID,
		CascadeID:     in.CascadeID,
		PhaseName:     in.Phase.Name,
		SoundingIndex: &idx,
	}, in.Echo.Log())

	phaseIn := in
	phaseIn.Echo = clone
	phaseIn.SoundingIndex = &idx
	phaseIn.Model = a.modelName
	phaseIn.ExtraInstructions = a.mutationPrompt

	out, err := r.Phase.Run(ctx, phaseIn)
	r.publish(ctx, in.SessionID, eventbus.TopicSoundingComplete, map[string]any{"phase": in.Phase.Name, "attempt": idx})
	return result{attempt: a, output: out, clone: clone, baseLen: snap.HistoryLen, err: err, cost: estimateCost(clone, snap.HistoryLen)}
}

func estimateCost(clone *echo.Echo, baseLen int) float64 {
	var total float64
	for _, m := range clone.ProducedSince(baseLen) {
		if c, ok := m.Metadata["cost"].(float64); ok {
			total += c
		}
	}
	return total
}

// applyPreEvalValidator implements spec §4.5 step 6.
func (r *Runner) applyPreEvalValidator(ctx context.Context, sc *cascade.Soundings, results []result) []result {
	if sc.Validator == "" || r.Validators == nil {
		return results
	}
	anyValid := false
	for i := range results {
		if results[i].err != nil {
			continue
		}
		vr, err := r.Validators.Run(ctx, sc.Validator, results[i].output.Content)
		if err != nil {
			continue
		}
		results[i].valid = vr.Valid
		results[i].validMsg = vr.Reason
		if vr.Valid {
			anyValid = true
		}
	}
	if !anyValid {
		return results // all failed: fall back to the full set, validation info is still attached
	}
	filtered := make([]result, 0, len(results))
	for _, res := range results {
		if res.err == nil && res.valid {
			filtered = append(filtered, res)
		}
	}
	return filtered
}

// aggregate implements spec §4.5 step 7.
func (r *Runner) aggregate(ctx context.Context, in phaserunner.Input, sc *cascade.Soundings, results []result) (*result, error) {
	succeeded := successful(results)
	if len(succeeded) == 0 {
		return nil, cerr.Tool(in.Phase.Name, "all soundings failed", nil, false)
	}

	var content string
	if sc.AggregatorInstructions != "" {
		var sb strings.Builder
		for _, res := range succeeded {
			fmt.Fprintf(&sb, "ATTEMPT %d:\n%s\n\n", res.attempt.index, res.output.Content)
		}
		resp, err := r.Phase.Agent.Run(ctx, model.Request{SystemPrompt: sc.AggregatorInstructions, UserPrompt: sb.String()})
		if err != nil {
			return nil, cerr.Provider(in.Phase.Name, "aggregator call failed", err, true)
		}
		content = resp.Content
	} else {
		var sb strings.Builder
		for _, res := range succeeded {
			fmt.Fprintf(&sb, "--- Attempt %d ---\n%s\n\n", res.attempt.index, res.output.Content)
		}
		content = sb.String()
	}

	winner := succeeded[0]
	winner.output.Content = content
	return &winner, nil
}

// evaluate implements spec §4.5 step 8: select a single winner via the
// configured evaluator mode.
func (r *Runner) evaluate(ctx context.Context, in phaserunner.Input, sc *cascade.Soundings, results []result) (*result, error) {
	succeeded := successful(results)
	if len(succeeded) == 0 {
		return nil, cerr.Tool(in.Phase.Name, "all soundings failed", nil, false)
	}
	if len(succeeded) == 1 {
		return &succeeded[0], nil
	}

	switch sc.Evaluator {
	case "human":
		return r.evaluateHuman(ctx, in, sc, succeeded)
	case "hybrid":
		prefiltered, err := r.evaluateLLMPrefilter(ctx, in, sc, succeeded, 3)
		if err != nil {
			return nil, err
		}
		return r.evaluateHuman(ctx, in, sc, prefiltered)
	case "cost_aware":
		return r.evaluateCostAware(ctx, in, sc, succeeded)
	case "pareto":
		return r.evaluatePareto(ctx, in, sc, succeeded)
	default: // quality_only and llm are equivalent without pareto scoring
		return r.evaluateQualityOnly(ctx, in, sc, succeeded)
	}
}

func successful(results []result) []result {
	out := make([]result, 0, len(results))
	for _, res := range results {
		if res.err == nil {
			out = append(out, res)
		}
	}
	return out
}

var reInteger = regexp.MustCompile(`-?\d+`)

func parseSelection(text string, fallback int) int {
	m := reInteger.FindString(text)
	if m == "" {
		return fallback
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return fallback
	}
	return n
}

func buildEvaluatorPrompt(instructions string, results []result, extra func(result) string) string {
	var sb strings.Builder
	sb.WriteString(instructions)
	sb.WriteString("\n\n")
	for _, res := range results {
		fmt.Fprintf(&sb, "ATTEMPT %d:\n%s\n", res.attempt.index, res.output.Content)
		if extra != nil {
			sb.WriteString(extra(res))
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\nRespond with only the integer index of your chosen attempt.")
	return sb.String()
}

func (r *Runner) evaluateQualityOnly(ctx context.Context, in phaserunner.Input, sc *cascade.Soundings, results []result) (*result, error) {
	instructions := sc.EvaluatorInstructions
	if instructions == "" {
		instructions = "Select the best attempt below."
	}
	prompt := buildEvaluatorPrompt(instructions, results, nil)
	resp, err := r.Phase.Agent.Run(ctx, model.Request{SystemPrompt: "You are evaluating candidate phase outputs.", UserPrompt: prompt})
	if err != nil {
		return nil, cerr.Provider(in.Phase.Name, "evaluator call failed", err, true)
	}
	idx := parseSelection(resp.Content, results[0].attempt.index)
	return pickByIndex(results, idx), nil
}

func (r *Runner) evaluateLLMPrefilter(ctx context.Context, in phaserunner.Input, sc *cascade.Soundings, results []result, topN int) ([]result, error) {
	if len(results) <= topN {
		return results, nil
	}
	prompt := buildEvaluatorPrompt("Rank the attempts below; respond with the integer index of the single best one.", results, nil)
	resp, err := r.Phase.Agent.Run(ctx, model.Request{SystemPrompt: "You are pre-filtering candidate phase outputs for human review.", UserPrompt: prompt})
	if err != nil {
		return results[:topN], nil // prefilter is best-effort; fall back to the first N
	}
	idx := parseSelection(resp.Content, results[0].attempt.index)
	winner := pickByIndex(results, idx)
	out := []result{*winner}
	for _, res := range results {
		if res.attempt.index != winner.attempt.index && len(out) < topN {
			out = append(out, res)
		}
	}
	return out, nil
}

func (r *Runner) evaluateCostAware(ctx context.Context, in phaserunner.Input, sc *cascade.Soundings, results []result) (*result, error) {
	maxCost := 0.0
	for _, res := range results {
		if res.cost > maxCost {
			maxCost = res.cost
		}
	}
	instructions := sc.EvaluatorInstructions
	if instructions == "" {
		instructions = "Select the attempt with the best quality-to-cost ratio."
	}
	prompt := buildEvaluatorPrompt(instructions, results, func(res result) string {
		ratio := 0.0
		if maxCost > 0 {
			ratio = 1 - res.cost/maxCost
		}
		return fmt.Sprintf("  cost: $%.4f, relative cheapness: %.2f\n", res.cost, ratio)
	})
	resp, err := r.Phase.Agent.Run(ctx, model.Request{SystemPrompt: "You are evaluating candidate phase outputs by quality and cost.", UserPrompt: prompt})
	if err != nil {
		return nil, cerr.Provider(in.Phase.Name, "cost-aware evaluator call failed", err, true)
	}
	idx := parseSelection(resp.Content, results[0].attempt.index)
	return pickByIndex(results, idx), nil
}

// scoredResult pairs a sounding result with its evaluator-assigned quality
// score, used by the Pareto evaluator.
type scoredResult struct {
	result
	quality float64
}

func (r *Runner) evaluatePareto(ctx context.Context, in phaserunner.Input, sc *cascade.Soundings, results []result) (*result, error) {
	instructions := sc.EvaluatorInstructions
	if instructions == "" {
		instructions = "Score each attempt's quality from 0 to 100."
	}
	scored := make([]scoredResult, len(results))
	for i, res := range results {
		prompt := buildEvaluatorPrompt(instructions, []result{res}, nil)
		resp, err := r.Phase.Agent.Run(ctx, model.Request{SystemPrompt: "You are scoring a single candidate attempt's quality from 0 to 100.", UserPrompt: prompt})
		quality := 50.0
		if err == nil {
			quality = float64(parseSelection(resp.Content, 50))
		}
		scored[i] = scoredResult{result: res, quality: quality}
	}

	frontier := paretoFrontier(scored)
	policy := "balanced"
	if sc.ParetoFrontier != nil && sc.ParetoFrontier.Policy != "" {
		policy = sc.ParetoFrontier.Policy
	}
	best := selectFromFrontier(frontier, policy)
	return &best.result, nil
}

// paretoFrontier returns the subset of scored not dominated by another
// entry with both higher quality and lower-or-equal cost.
func paretoFrontier(scored []scoredResult) []scoredResult {
	var frontier []scoredResult
	for _, candidate := range scored {
		dominated := false
		for _, other := range scored {
			if other.quality > candidate.quality && other.cost <= candidate.cost {
				dominated = true
				break
			}
		}
		if !dominated {
			frontier = append(frontier, candidate)
		}
	}
	return frontier
}

func selectFromFrontier(frontier []scoredResult, policy string) scoredResult {
	best := frontier[0]
	for _, candidate := range frontier[1:] {
		switch policy {
		case "prefer_cheap":
			if candidate.cost < best.cost {
				best = candidate
			}
		case "prefer_quality":
			if candidate.quality > best.quality {
				best = candidate
			}
		default: // balanced: maximize quality/cost
			if ratio(candidate) > ratio(best) {
				best = candidate
			}
		}
	}
	return best
}

func ratio(s scoredResult) float64 {
	if s.cost <= 0 {
		return s.quality
	}
	return s.quality / s.cost
}

func pickByIndex(results []result, idx int) *result {
	for i := range results {
		if results[i].attempt.index == idx {
			return &results[i]
		}
	}
	return &results[0]
}

// evaluateHuman implements the human/hybrid branch of spec §4.5 step 8:
// opens a SOUNDING_EVAL checkpoint over all candidates, blocks for a
// response, and honors on_timeout.
func (r *Runner) evaluateHuman(ctx context.Context, in phaserunner.Input, sc *cascade.Soundings, results []result) (*result, error) {
	if r.Checkpoints == nil {
		return r.evaluateQualityOnly(ctx, in, sc, results)
	}

	metadata := make([]map[string]any, len(results))
	for i, res := range results {
		metadata[i] = map[string]any{
			"index": res.attempt.index,
			"model": res.attempt.modelName,
			"cost":  res.cost,
			"mutation_type": res.attempt.mutationType,
			"valid": res.valid,
		}
	}
	outputs := make([]string, len(results))
	for i, res := range results {
		outputs[i] = res.output.Content
	}

	rec, err := r.Checkpoints.Create(ctx, checkpoint.Record{
		SessionID:        in.SessionID,
		CascadeID:        in.CascadeID,
		PhaseName:        in.Phase.Name,
		Type:             checkpoint.TypeSoundingEval,
		SoundingOutputs:  outputs,
		SoundingMetadata: metadata,
		TimeoutSeconds:   sc.TimeoutSeconds,
	})
	if err != nil {
		return nil, cerr.Infrastructure("creating sounding-eval checkpoint", err)
	}

	timeout := time.Duration(sc.TimeoutSeconds) * time.Second
	resp, err := r.Checkpoints.WaitForResponse(ctx, rec.ID, timeout)
	if err != nil {
		return nil, cerr.Infrastructure("waiting for sounding-eval checkpoint", err)
	}
	if resp == nil {
		r.publish(ctx, in.SessionID, eventbus.TopicCheckpointTimeout, map[string]any{
			"phase": in.Phase.Name, "checkpoint_type": string(checkpoint.TypeSoundingEval), "on_timeout": sc.OnTimeout,
		})
		return r.handleEvalTimeout(ctx, in, sc, results)
	}

	choice, _ := resp.Values["choice"].(string)
	if choice == "reject_all" {
		return nil, cerr.Validation(in.Phase.Name, "human evaluator rejected all soundings", nil)
	}
	idx := parseSelection(choice, results[0].attempt.index)
	return pickByIndex(results, idx), nil
}

func (r *Runner) handleEvalTimeout(ctx context.Context, in phaserunner.Input, sc *cascade.Soundings, results []result) (*result, error) {
	switch sc.OnTimeout {
	case "random":
		return &results[rand.Intn(len(results))], nil
	case "first":
		return &results[0], nil
	case "abort":
		return nil, cerr.CheckpointTimeout(in.Phase.Name, "sounding evaluation checkpoint timed out")
	default: // llm_fallback
		return r.evaluateQualityOnly(ctx, in, sc, results)
	}
}

// reforge implements spec §4.5 step 10: iterative refinement of the
// current winner via mini-soundings against a modified phase whose
// instructions are the refinement directive.
func (r *Runner) reforge(ctx context.Context, in phaserunner.Input, sc *cascade.Soundings, winner *result) (*result, error) {
	cfg := sc.Reforge
	for step := 1; step <= cfg.Steps; step++ {
		directive := buildHoningInstructions(in.Phase.Instructions, winner.output.Content, cfg.HoningPrompt)
		miniPhase := in.Phase
		miniPhase.Instructions = directive
		miniPhase.Soundings = &cascade.Soundings{
			Factor:                max(cfg.FactorPerStep, 1),
			MaxParallel:           sc.MaxParallel,
			Mutate:                cfg.Mutate,
			MutationMode:          sc.MutationMode,
			Validator:             sc.Validator,
			Models:                sc.Models,
			ModelStrategy:         sc.ModelStrategy,
			Evaluator:             sc.Evaluator,
			EvaluatorInstructions: sc.EvaluatorInstructions,
			Mode:                  sc.Mode,
			CostAwareEvaluation:   sc.CostAwareEvaluation,
			ParetoFrontier:        sc.ParetoFrontier,
		}

		stepIn := in
		stepIn.Phase = miniPhase
		stepIn.ReforgeStep = &step
		stepIn.Echo = winner.clone

		out, err := r.Run(ctx, stepIn)
		if err != nil {
			return nil, err
		}
		winner = &result{attempt: winner.attempt, output: out, clone: winner.clone, baseLen: winner.baseLen}

		if cfg.Threshold != "" && r.Validators != nil {
			vr, err := r.Validators.Run(ctx, cfg.Threshold, out.Content)
			if err == nil && vr.Valid {
				break
			}
		}
	}
	return winner, nil
}

func buildHoningInstructions(original, currentBest, honingPrompt string) string {
	var sb strings.Builder
	sb.WriteString("Original intent:\n")
	sb.WriteString(original)
	sb.WriteString("\n\nCurrent best output:\n")
	sb.WriteString(currentBest)
	sb.WriteString("\n\n")
	sb.WriteString(honingPrompt)
	return sb.String()
}

