// Package phaserunner implements the single-phase execution algorithm of
// spec §4.4: context assembly, tool-turn loop with infrastructure retry,
// tool-call parsing, schema/ward validation, output extraction, and
// decision/human-input checkpoints. Grounded directly on the turn-loop
// shape in runtime/agent/runtime/workflow_loop.go (interrupt checks →
// deadline checks → tool-turn vs final-response branching) and the
// Planner/PlanResult/RetryHint contracts in
// runtime/agent/planner/planner.go.
package phaserunner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"goa.design/cascade/runtime/cascade"
	"goa.design/cascade/runtime/cerr"
	"goa.design/cascade/runtime/checkpoint"
	"goa.design/cascade/runtime/contextbuilder"
	"goa.design/cascade/runtime/echo"
	"goa.design/cascade/runtime/eventbus"
	"goa.design/cascade/runtime/model"
	"goa.design/cascade/runtime/telemetry"
	"goa.design/cascade/runtime/tokenbudget"
	"goa.design/cascade/runtime/toolcache"
	"goa.design/cascade/runtime/toolcallparser"
	"goa.design/cascade/runtime/tools"
	"goa.design/cascade/runtime/validator"
)

// Runner executes a single phase against one Echo instance. A fresh Runner
// (or one reused across phases of the same cascade) is constructed by
// CascadeRunner / SoundingRunner with the process-wide collaborators
// wired in.
type Runner struct {
	Agent      model.Agent
	Tools      *tools.Registry
	ToolCache  toolcache.Interface
	Validators *validator.Registry
	Checkpoints *checkpoint.Manager
	Telemetry  telemetry.Bundle
	ImagesRoot string

	// Bus, if non-nil, receives a phase_progress event per turn and per
	// tool invocation (spec §2 ProgressReporter).
	Bus *eventbus.Bus

	// AudibleSignal, if non-nil, is polled once per turn when the phase
	// enables audibles (spec §4.4 step l). It returns ("", "", false) when no
	// audible is pending.
	AudibleSignal func(sessionID string) (feedback string, action string, ok bool)
}

// Input bundles the per-invocation identity and prior state a Runner needs
// beyond the static Phase definition.
type Input struct {
	SessionID      string
	CascadeID      string
	ParentSessionID string
	Depth          int
	PhaseIndex     int
	AllPhaseNames  []string
	Phase          cascade.Phase
	Echo           *echo.Echo
	Budget         tokenbudget.Budget
	SoundingIndex  *int
	ReforgeStep    *int
	Model          string // resolved model override (sounding assignment); "" uses Phase.Model
	ExtraInstructions string // prepended to rendered instructions (reforge/mutation directive)
}

// Output is what a phase run produces.
type Output struct {
	Content        string // final assistant content, or aggregate output for deterministic phases
	NextPhase      string // set when dynamic routing (handoff tool call or decision block) chose a target
	DecisionAbort  bool
	Images         []tools.Image
}

const defaultMaxRetries = 3

// Run executes Input.Phase to completion: either a deterministic tool call
// (Phase.IsDeterministic) or a full LLM turn/attempt loop.
func (r *Runner) Run(ctx context.Context, in Input) (Output, error) {
	if in.Phase.IsDeterministic() {
		return r.runDeterministic(ctx, in)
	}
	return r.runLLMPhase(ctx, in)
}

func (r *Runner) runDeterministic(ctx context.Context, in Input) (Output, error) {
	fn, ok := r.Tools.GetTool(in.Phase.Tool)
	if !ok {
		return Output{}, cerr.Tool(in.Phase.Name, fmt.Sprintf("unknown tool %q", in.Phase.Tool), nil, false)
	}
	res, err := fn(ctx, in.Phase.ToolInputs)
	if err != nil {
		return Output{}, cerr.Tool(in.Phase.Name, "deterministic tool call failed", err, true)
	}
	content := toJSONString(res.Value)
	in.Echo.AddHistory(ctx, echo.Message{Role: "assistant", Content: content}, echo.AddHistoryOptions{NodeType: "deterministic_output"})
	in.Echo.AddLineage(echo.LineageEntry{Phase: in.Phase.Name, Output: content})
	in.Echo.State["output_"+in.Phase.Name] = content
	return Output{Content: content, Images: res.Images}, nil
}

// runLLMPhase implements the main spec §4.4 algorithm.
func (r *Runner) runLLMPhase(ctx context.Context, in Input) (Output, error) {
	rules := in.Phase.Rules.Normalized()

	// 1. Context assembly.
	ctxMsgs, err := contextbuilder.Build(in.Phase.Context, in.Echo, in.AllPhaseNames, contextbuilder.Options{
		ImagesRoot:   r.ImagesRoot,
		SessionID:    in.SessionID,
		CurrentPhase: in.Phase.Name,
	})
	if err != nil {
		return Output{}, cerr.Config("building context", err)
	}

	// 2. Instruction rendering.
	instructions := renderInstructions(in.Phase.Instructions, in.Echo.State)
	if in.ExtraInstructions != "" {
		instructions = in.ExtraInstructions + "\n\n" + instructions
	}

	// 4. Tool assembly (Quartermaster).
	toolDefs, err := r.assembleTools(in.Phase.Tackle)
	if err != nil {
		return Output{}, err
	}

	// 5. Pre-wards.
	if err := r.runWards(ctx, in.Phase.Wards.Pre, in.Phase.Name, instructions); err != nil {
		return Output{}, err
	}

	modelName := in.Model
	if modelName == "" {
		modelName = in.Phase.Model
	}

	var finalContent string
	var nextPhase string
	var lastImages []tools.Image

	attempt := 1
	for {
		content, images, routed, turnErr := r.runAttempt(ctx, in, rules, instructions, ctxMsgs, toolDefs, modelName, attempt)
		if turnErr != nil {
			if !isRetryable(turnErr) || attempt >= rules.MaxAttempts {
				return Output{}, turnErr
			}
			attempt++
			continue
		}
		finalContent = content
		lastImages = images
		nextPhase = routed

		// Schema validation.
		if len(in.Phase.OutputSchema) > 0 {
			if err := r.validateSchema(ctx, in.Phase, finalContent); err != nil {
				in.Echo.State["last_schema_error"] = err.Error()
				if attempt >= rules.MaxAttempts {
					return Output{}, err
				}
				attempt++
				continue
			}
		}

		// loop_until validation (post-loop).
		if rules.LoopUntil != "" {
			result, verr := r.Validators.Run(ctx, rules.LoopUntil, finalContent)
			if verr != nil {
				return Output{}, cerr.Validation(in.Phase.Name, "loop_until validator error", verr)
			}
			if !result.Valid {
				in.Echo.State["last_validation_error"] = result.Reason
				if attempt >= rules.MaxAttempts {
					return Output{}, cerr.Validation(in.Phase.Name, "loop_until failed after max attempts: "+result.Reason, nil)
				}
				attempt++
				continue
			}
		}
		break
	}

	// 7. Post-wards.
	if err := r.runPostWards(ctx, in.Phase, finalContent); err != nil {
		return Output{}, err
	}

	// 8. Output extraction.
	if in.Phase.OutputExtraction != nil {
		if err := r.extractOutput(in.Phase.OutputExtraction, finalContent, in.Echo); err != nil {
			return Output{}, err
		}
	}

	in.Echo.AddLineage(echo.LineageEntry{Phase: in.Phase.Name, Output: finalContent})
	in.Echo.State["output_"+in.Phase.Name] = finalContent

	// 9. Decision / human-input checkpoints.
	out := Output{Content: finalContent, NextPhase: nextPhase, Images: lastImages}
	if in.Phase.DecisionPoints != nil && in.Phase.DecisionPoints.Enabled {
		decision, ok := extractDecisionBlock(finalContent)
		if ok {
			resolved, abort, err := r.resolveDecision(ctx, in, decision)
			if err != nil {
				return Output{}, err
			}
			if abort {
				out.DecisionAbort = true
				return out, nil
			}
			if resolved != "" {
				out.NextPhase = resolved
			}
		}
	}
	if in.Phase.HumanInput != nil && evalCondition(in.Phase.HumanInput.Condition, in.Echo.State) {
		if err := r.phaseOutputCheckpoint(ctx, in, finalContent); err != nil {
			return Output{}, err
		}
	}

	// 10. Callouts.
	if in.Phase.Callouts != nil && in.Phase.Callouts.Name != "" {
		in.Echo.AddHistory(ctx, echo.Message{Role: "assistant", Content: finalContent}, echo.AddHistoryOptions{
			IsCallout: true, CalloutName: in.Phase.Callouts.Name, SkipUnifiedLog: true,
		})
	}

	return out, nil
}

// runAttempt runs the turn loop for one attempt: one or more agent turns
// with tool execution, follow-up calls, per-turn loop_until, and audible
// checks (spec §4.4 step 6).
func (r *Runner) runAttempt(ctx context.Context, in Input, rules cascade.Rules, instructions string, baseCtx []contextbuilder.Message, toolDefs []model.ToolDefinition, modelName string, attempt int) (string, []tools.Image, string, error) {
	messages := toModelMessages(baseCtx)
	var lastContent string
	var images []tools.Image
	var routed string

	// 6. Retry diagnostics: on a retried attempt, surface why the previous
	// one failed (state.last_validation_error / state.last_schema_error)
	// via the cascade's own retry_instructions template.
	attemptInstructions := instructions
	if attempt > 1 && rules.RetryInstructions != "" {
		attemptInstructions = instructions + "\n\n" + renderInstructions(rules.RetryInstructions, in.Echo.State)
	}

	for turn := 1; turn <= rules.MaxTurns; turn++ {
		turnInstructions := attemptInstructions
		if turn > 1 && rules.TurnPrompt != "" {
			turnInstructions = attemptInstructions + "\n\n" + renderInstructions(rules.TurnPrompt, in.Echo.State)
		}
		r.publishProgress(ctx, in, turn, attempt, "")
		req := model.Request{
			SystemPrompt:    turnInstructions,
			ContextMessages: messages,
			Tools:           toolDefs,
			Model:           modelName,
		}
		resp, err := r.Agent.Run(ctx, req)
		if err != nil {
			return "", nil, "", cerr.Provider(in.Phase.Name, "agent call failed", err, true)
		}
		msg := echo.Message{Role: "assistant", Content: resp.Content}
		if resp.Cost != nil {
			msg.Metadata = map[string]any{"cost": *resp.Cost}
		}
		in.Echo.AddHistory(ctx, msg, echo.AddHistoryOptions{
			RequestID: resp.RequestID, Provider: resp.Provider, Model: resp.Model,
			TokensIn: intPtr(resp.TokensIn), TokensOut: intPtr(resp.TokensOut), Cost: resp.Cost,
		})
		messages = append(messages, model.Message{Role: model.RoleAssistant, Content: resp.Content})
		lastContent = resp.Content

		// g. Parse tool calls.
		calls, callErr := r.resolveToolCalls(in.Phase, resp)
		if callErr != nil {
			in.Echo.State["last_validation_error"] = callErr.Error()
			return "", nil, "", callErr
		}

		if len(calls) > 0 {
			for _, call := range calls {
				if call.Name == "route_to" {
					if target, ok := call.Arguments["target"].(string); ok {
						routed = target
					}
					continue
				}
				r.publishProgress(ctx, in, turn, attempt, call.Name)
				result, imgs, terr := r.executeTool(ctx, in, call)
				if terr != nil {
					return "", nil, "", terr
				}
				images = append(images, imgs...)
				messages = append(messages, model.Message{
					Role:      model.RoleTool,
					Content:   toJSONString(result),
					ToolReply: &model.ToolReply{ToolCallID: call.ID, Content: toJSONString(result)},
				})
			}
			if routed != "" {
				break
			}

			// j. Follow-up call after tools: let the model reason on tool output.
			followUp, err := r.Agent.Run(ctx, model.Request{SystemPrompt: turnInstructions, ContextMessages: messages, Tools: toolDefs, Model: modelName})
			if err != nil {
				return "", nil, "", cerr.Provider(in.Phase.Name, "follow-up agent call failed", err, true)
			}
			messages = append(messages, model.Message{Role: model.RoleAssistant, Content: followUp.Content})
			lastContent = followUp.Content
		}

		// k. Per-turn loop_until: evaluated every turn, whether or not tools
		// were invoked, so a plain-text turn that fails convergence keeps the
		// attempt going instead of exiting the loop early.
		if rules.LoopUntil == "" {
			break
		}
		result, verr := r.Validators.Run(ctx, rules.LoopUntil, lastContent)
		if verr == nil && result.Valid {
			break
		}

		// l. Audible check.
		if in.Phase.Audibles != nil && in.Phase.Audibles.Enabled && r.AudibleSignal != nil {
			if feedback, action, ok := r.AudibleSignal(in.SessionID); ok {
				switch action {
				case "retry":
					messages = messages[:len(messages)-1] // discard just-produced assistant message
					turn--
					continue
				case "continue":
					messages = append(messages, model.Message{Role: model.RoleUser, Content: feedback})
				}
			}
		}
	}

	return lastContent, images, routed, nil
}

// publishProgress emits a phase_progress event if a Bus is wired; a no-op
// otherwise so callers never need to nil-check.
func (r *Runner) publishProgress(ctx context.Context, in Input, turn, attempt int, tool string) {
	if r.Bus == nil {
		return
	}
	r.Bus.Publish(ctx, eventbus.Event{
		Topic:     eventbus.TopicPhaseProgress,
		SessionID: in.SessionID,
		Payload: map[string]any{
			"phase": in.Phase.Name, "turn": turn, "attempt": attempt, "tool": tool,
		},
	})
}

func (r *Runner) resolveToolCalls(phase cascade.Phase, resp model.Response) ([]toolcallparser.Call, error) {
	if phase.UseNativeTools {
		calls := make([]toolcallparser.Call, 0, len(resp.ToolCalls))
		for _, tc := range resp.ToolCalls {
			var args map[string]any
			if len(tc.Arguments) > 0 {
				if err := json.Unmarshal(tc.Arguments, &args); err != nil {
					return nil, cerr.Parse(phase.Name, "native tool call arguments not valid JSON", err)
				}
			}
			calls = append(calls, toolcallparser.Call{Name: tc.Name, Arguments: args})
		}
		return calls, nil
	}
	calls, err := toolcallparser.Parse(resp.Content)
	if err != nil {
		return nil, cerr.Parse(phase.Name, "malformed tool call in model output", err)
	}
	return calls, nil
}

func (r *Runner) executeTool(ctx context.Context, in Input, call toolcallparser.Call) (any, []tools.Image, error) {
	in.Echo.AddHistory(ctx, echo.Message{Role: "assistant", Content: toJSONString(call.Arguments), ToolCalls: []echo.ToolCall{{Name: call.Name, Args: call.Arguments}}}, echo.AddHistoryOptions{NodeType: "tool_request"})

	if r.ToolCache != nil {
		if cached, ok := r.ToolCache.Get(call.Name, call.Arguments); ok {
			return cached, nil, nil
		}
	}

	fn, ok := r.Tools.GetTool(call.Name)
	if !ok {
		return nil, nil, cerr.Tool(in.Phase.Name, fmt.Sprintf("unknown tool %q", call.Name), nil, false)
	}
	result, err := fn(ctx, call.Arguments)
	if err != nil {
		return nil, nil, cerr.Tool(in.Phase.Name, fmt.Sprintf("tool %q failed", call.Name), err, true)
	}
	if r.ToolCache != nil {
		r.ToolCache.Set(call.Name, call.Arguments, result.Value)
	}

	if len(result.Images) > 0 {
		if err := r.persistImages(in, result.Images); err != nil {
			return nil, nil, cerr.Tool(in.Phase.Name, "persisting tool result images", err, false)
		}
	}

	in.Echo.AddHistory(ctx, echo.Message{Role: "tool", Content: toJSONString(result.Value)}, echo.AddHistoryOptions{NodeType: "tool_response"})
	return result.Value, result.Images, nil
}

// persistImages writes tool-returned images to
// {images_root}/{session}/{phase}[/sounding_i]/image_N.ext, renumbering
// atomically past any existing files to avoid overwriting (spec §4.4 step h).
func (r *Runner) persistImages(in Input, images []tools.Image) error {
	if r.ImagesRoot == "" {
		return nil
	}
	dir := filepath.Join(r.ImagesRoot, in.SessionID, in.Phase.Name)
	if in.SoundingIndex != nil {
		dir = filepath.Join(dir, fmt.Sprintf("sounding_%d", *in.SoundingIndex))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	existing, _ := os.ReadDir(dir)
	next := len(existing)
	for _, img := range images {
		ext := extForMime(img.MimeType)
		path := filepath.Join(dir, fmt.Sprintf("image_%d.%s", next, ext))
		if err := os.WriteFile(path, img.Bytes, 0o644); err != nil {
			return err
		}
		next++
	}
	return nil
}

func extForMime(mime string) string {
	switch mime {
	case "image/png":
		return "png"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	default:
		return "jpg"
	}
}

func (r *Runner) assembleTools(spec cascade.TackleSpec) ([]model.ToolDefinition, error) {
	var names []string
	if spec.Manifest {
		manifest := r.Tools.GetManifest()
		for name := range manifest {
			names = append(names, name)
		}
	} else {
		names = spec.Names
	}
	manifest := r.Tools.GetManifest()
	defs := make([]model.ToolDefinition, 0, len(names))
	for _, name := range names {
		entry, ok := manifest[name]
		if !ok {
			continue
		}
		defs = append(defs, model.ToolDefinition{Name: entry.Name, Description: entry.Description, InputSchema: entry.InputSchema})
	}
	return defs, nil
}

func (r *Runner) runWards(ctx context.Context, wards []cascade.Ward, phase, content string) error {
	for _, w := range wards {
		result, err := r.Validators.Run(ctx, w.Validator, content)
		if err != nil {
			return cerr.Validation(phase, "ward validator error", err)
		}
		if !result.Valid && w.Mode == "blocking" {
			return cerr.Validation(phase, "blocking ward failed: "+result.Reason, nil)
		}
	}
	return nil
}

func (r *Runner) runPostWards(ctx context.Context, phase cascade.Phase, content string) error {
	for _, w := range phase.Wards.Post {
		result, err := r.Validators.Run(ctx, w.Validator, content)
		if err != nil {
			return cerr.Validation(phase.Name, "post-ward validator error", err)
		}
		if !result.Valid {
			switch w.Mode {
			case "blocking":
				return cerr.Validation(phase.Name, "blocking post-ward failed: "+result.Reason, nil)
			case "retry":
				return cerr.Validation(phase.Name, "post-ward requested retry: "+result.Reason, nil)
			}
		}
	}
	return nil
}

func (r *Runner) validateSchema(ctx context.Context, phase cascade.Phase, content string) error {
	name := "output_schema:" + phase.Name
	result, err := r.Validators.Run(ctx, name, extractJSON(content))
	if err != nil {
		return cerr.Schema(phase.Name, "schema validation error", err)
	}
	if !result.Valid {
		return cerr.Schema(phase.Name, "output failed schema validation: "+result.Reason, nil)
	}
	return nil
}

// extractJSON pulls a JSON document out of content, trying direct parse,
// then fenced-code-block, then the first top-level {...} span, per spec
// §4.4's "direct → fenced → greedy" strategy.
func extractJSON(content string) string {
	trimmed := strings.TrimSpace(content)
	var probe any
	if json.Unmarshal([]byte(trimmed), &probe) == nil {
		return trimmed
	}
	if m := reFencedJSONBlock.FindStringSubmatch(content); m != nil {
		return m[1]
	}
	if start := strings.IndexByte(content, '{'); start >= 0 {
		if end := strings.LastIndexByte(content, '}'); end > start {
			return content[start : end+1]
		}
	}
	return trimmed
}

var reFencedJSONBlock = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*?\\})\\s*```")

func (r *Runner) extractOutput(spec *cascade.OutputExtraction, content string, e *echo.Echo) error {
	re, err := regexp.Compile(spec.Pattern)
	if err != nil {
		return cerr.Config("compiling output_extraction pattern", err)
	}
	m := re.FindStringSubmatch(content)
	if m == nil || len(m) < 2 {
		if spec.Required {
			return cerr.Extraction("", "output_extraction pattern did not match", nil)
		}
		return nil
	}
	captured := m[1]
	switch spec.Format {
	case "json":
		var v any
		if err := json.Unmarshal([]byte(captured), &v); err != nil {
			return cerr.Extraction("", "output_extraction captured group is not valid JSON", err)
		}
		e.State[spec.StoreAs] = v
	default:
		e.State[spec.StoreAs] = captured
	}
	return nil
}

var reDecisionBlock = regexp.MustCompile(`(?s)<decision>(.*?)</decision>`)

func extractDecisionBlock(content string) (map[string]any, bool) {
	m := reDecisionBlock.FindStringSubmatch(content)
	if m == nil {
		return nil, false
	}
	var decision map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(m[1])), &decision); err != nil {
		return map[string]any{"raw": strings.TrimSpace(m[1])}, true
	}
	return decision, true
}

// resolveDecision opens a DECISION checkpoint over the candidate options
// embedded in decision and blocks for a choice (spec §4.4 step 9).
func (r *Runner) resolveDecision(ctx context.Context, in Input, decision map[string]any) (next string, abort bool, err error) {
	if r.Checkpoints == nil {
		return "", false, nil
	}
	rec, err := r.Checkpoints.Create(ctx, checkpoint.Record{
		SessionID: in.SessionID,
		CascadeID: in.CascadeID,
		PhaseName: in.Phase.Name,
		Type:      checkpoint.TypeDecision,
		UISpec: []checkpoint.UISection{
			{Type: "choice", InputName: "choice", Options: decisionOptions(decision), Required: true},
		},
		PhaseOutput: toJSONString(decision),
	})
	if err != nil {
		return "", false, cerr.Infrastructure("creating decision checkpoint", err)
	}
	resp, err := r.Checkpoints.WaitForResponse(ctx, rec.ID, 0)
	if err != nil {
		return "", false, cerr.Infrastructure("waiting for decision checkpoint", err)
	}
	if resp == nil {
		return "", false, cerr.CheckpointTimeout(in.Phase.Name, "decision checkpoint timed out")
	}
	choice, _ := resp.Values["choice"].(string)
	switch choice {
	case "_abort", "":
		if choice == "_abort" {
			return "", true, nil
		}
	case "self":
		if feedback, ok := resp.Values["feedback"].(string); ok {
			in.Echo.State["decision_feedback"] = feedback
		}
		return in.Phase.Name, false, nil
	}
	return choice, false, nil
}

func decisionOptions(decision map[string]any) []string {
	raw, ok := decision["options"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, o := range raw {
		out = append(out, fmt.Sprintf("%v", o))
	}
	return out
}

func (r *Runner) phaseOutputCheckpoint(ctx context.Context, in Input, output string) error {
	if r.Checkpoints == nil {
		return nil
	}
	timeout := time.Duration(in.Phase.HumanInput.TimeoutSeconds) * time.Second
	rec, err := r.Checkpoints.Create(ctx, checkpoint.Record{
		SessionID:      in.SessionID,
		CascadeID:      in.CascadeID,
		PhaseName:      in.Phase.Name,
		Type:           checkpoint.TypePhaseInput,
		PhaseOutput:    output,
		TimeoutSeconds: in.Phase.HumanInput.TimeoutSeconds,
	})
	if err != nil {
		return cerr.Infrastructure("creating phase-output checkpoint", err)
	}
	resp, err := r.Checkpoints.WaitForResponse(ctx, rec.ID, timeout)
	if err != nil {
		return cerr.Infrastructure("waiting for phase-output checkpoint", err)
	}
	if resp == nil {
		return cerr.CheckpointTimeout(in.Phase.Name, "phase-output checkpoint timed out")
	}
	return nil
}

// renderInstructions substitutes {{state.key}} references in instructions
// with values from state, matching the reference implementation's simple
// Jinja-style substitution surface for cascade instruction templates.
var reStateVar = regexp.MustCompile(`\{\{\s*state\.([a-zA-Z0-9_]+)\s*\}\}`)

func renderInstructions(instructions string, state map[string]any) string {
	return reStateVar.ReplaceAllStringFunc(instructions, func(match string) string {
		sub := reStateVar.FindStringSubmatch(match)
		if v, ok := state[sub[1]]; ok {
			return fmt.Sprintf("%v", v)
		}
		return ""
	})
}

// evalCondition evaluates a small condition surface against state: bare
// key presence, or "key == literal" / "key != literal" comparisons. This
// covers the reference implementation's common human_input conditions
// without a general expression evaluator dependency.
func evalCondition(condition string, state map[string]any) bool {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return true
	}
	for _, op := range []string{"==", "!="} {
		if idx := strings.Index(condition, op); idx >= 0 {
			key := strings.TrimSpace(condition[:idx])
			want := strings.Trim(strings.TrimSpace(condition[idx+len(op):]), `"'`)
			got := fmt.Sprintf("%v", state[key])
			if op == "==" {
				return got == want
			}
			return got != want
		}
	}
	v, ok := state[condition]
	if !ok {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}

func toModelMessages(msgs []contextbuilder.Message) []model.Message {
	out := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		var images []model.ImagePart
		for _, p := range m.Parts {
			if p.Type == "image_url" {
				images = append(images, model.ImagePart{URL: p.ImageURL})
			}
		}
		out = append(out, model.Message{Role: model.Role(m.Role), Content: m.Text(), Images: images})
	}
	return out
}

func toJSONString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func intPtr(v int) *int { return &v }

func isRetryable(err error) bool {
	var ce *cerr.Error
	if e, ok := err.(*cerr.Error); ok {
		ce = e
	}
	if ce == nil {
		return false
	}
	return ce.Retryable
}

// parseIntOr returns s (trimmed) parsed as an integer, or def on failure.
func parseIntOr(s string, def int) int {
	s = strings.TrimSpace(s)
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
