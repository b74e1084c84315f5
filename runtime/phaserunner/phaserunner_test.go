package phaserunner

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"goa.design/cascade/runtime/cascade"
	"goa.design/cascade/runtime/echo"
	"goa.design/cascade/runtime/model"
	"goa.design/cascade/runtime/tools"
	"goa.design/cascade/runtime/validator"
)

func newTestEcho() *echo.Echo {
	return echo.New(echo.RunnerState{SessionID: "sess-1", CascadeID: "cas-1", PhaseName: "draft"}, nil)
}

func TestRunDeterministicPhaseInvokesToolDirectly(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(tools.ManifestEntry{Name: "lookup", Kind: tools.KindFunction}, func(_ context.Context, args map[string]any) (tools.Result, error) {
		return tools.Result{Value: map[string]any{"echoed": args["q"]}}, nil
	})

	r := &Runner{Tools: reg, Validators: validator.NewRegistry()}
	e := newTestEcho()
	phase := cascade.Phase{Name: "lookup_step", Tool: "lookup", ToolInputs: map[string]any{"q": "hi"}}

	out, err := r.Run(context.Background(), Input{SessionID: "s1", CascadeID: "c1", Phase: phase, Echo: e, AllPhaseNames: []string{"lookup_step"}})
	require.NoError(t, err)
	require.Contains(t, out.Content, "hi")
	require.Equal(t, out.Content, e.State["output_lookup_step"])
}

func TestRunLLMPhaseNoToolCallsReturnsContent(t *testing.T) {
	agent := model.AgentFunc(func(_ context.Context, req model.Request) (model.Response, error) {
		return model.Response{Content: "the final answer"}, nil
	})
	r := &Runner{Agent: agent, Tools: tools.NewRegistry(), Validators: validator.NewRegistry()}
	e := newTestEcho()
	phase := cascade.Phase{Name: "draft", Instructions: "write something"}

	out, err := r.Run(context.Background(), Input{SessionID: "s1", CascadeID: "c1", Phase: phase, Echo: e, AllPhaseNames: []string{"draft"}})
	require.NoError(t, err)
	require.Equal(t, "the final answer", out.Content)
}

func TestRunLLMPhaseExecutesToolThenFollowsUp(t *testing.T) {
	calls := 0
	agent := model.AgentFunc(func(_ context.Context, req model.Request) (model.Response, error) {
		calls++
		switch calls {
		case 1:
			return model.Response{Content: "search({\"query\": \"weather\"})"}, nil
		default:
			return model.Response{Content: "it is sunny"}, nil
		}
	})
	reg := tools.NewRegistry()
	reg.Register(tools.ManifestEntry{Name: "search", Kind: tools.KindFunction}, func(_ context.Context, args map[string]any) (tools.Result, error) {
		return tools.Result{Value: "sunny"}, nil
	})

	r := &Runner{Agent: agent, Tools: reg, Validators: validator.NewRegistry()}
	e := newTestEcho()
	phase := cascade.Phase{
		Name:         "forecast",
		Instructions: "answer using tools",
		Tackle:       cascade.TackleSpec{Names: []string{"search"}},
		Rules:        cascade.Rules{MaxTurns: 2, MaxAttempts: 1},
	}

	out, err := r.Run(context.Background(), Input{SessionID: "s1", CascadeID: "c1", Phase: phase, Echo: e, AllPhaseNames: []string{"forecast"}})
	require.NoError(t, err)
	require.Equal(t, "it is sunny", out.Content)
	require.Equal(t, 2, calls)
}

func TestRunLLMPhaseSchemaValidationFailureRetriesThenFails(t *testing.T) {
	agent := model.AgentFunc(func(_ context.Context, req model.Request) (model.Response, error) {
		return model.Response{Content: "not json"}, nil
	})
	vr := validator.NewRegistry()
	vr.Register("output_schema:strict", func(_ context.Context, content string) (validator.Result, error) {
		var v any
		if json.Unmarshal([]byte(content), &v) != nil {
			return validator.Result{Valid: false, Reason: "not valid json"}, nil
		}
		return validator.Result{Valid: true}, nil
	})

	r := &Runner{Agent: agent, Tools: tools.NewRegistry(), Validators: vr}
	e := newTestEcho()
	phase := cascade.Phase{
		Name:         "strict",
		Instructions: "respond in json",
		OutputSchema: json.RawMessage(`{"type":"object"}`),
		Rules:        cascade.Rules{MaxTurns: 1, MaxAttempts: 2},
	}

	_, err := r.Run(context.Background(), Input{SessionID: "s1", CascadeID: "c1", Phase: phase, Echo: e, AllPhaseNames: []string{"strict"}})
	require.Error(t, err)
}

func TestRunLLMPhaseRetryInstructionsCarriesLastSchemaError(t *testing.T) {
	var prompts []string
	agent := model.AgentFunc(func(_ context.Context, req model.Request) (model.Response, error) {
		prompts = append(prompts, req.SystemPrompt)
		if len(prompts) == 1 {
			return model.Response{Content: "not json"}, nil
		}
		return model.Response{Content: `{"ok": true}`}, nil
	})
	vr := validator.NewRegistry()
	vr.Register("output_schema:strict", func(_ context.Context, content string) (validator.Result, error) {
		var v any
		if json.Unmarshal([]byte(content), &v) != nil {
			return validator.Result{Valid: false, Reason: "not valid json"}, nil
		}
		return validator.Result{Valid: true}, nil
	})

	r := &Runner{Agent: agent, Tools: tools.NewRegistry(), Validators: vr}
	e := newTestEcho()
	phase := cascade.Phase{
		Name:         "strict",
		Instructions: "respond in json",
		OutputSchema: json.RawMessage(`{"type":"object"}`),
		Rules: cascade.Rules{
			MaxTurns: 1, MaxAttempts: 2,
			RetryInstructions: "Previous error: {{state.last_schema_error}}",
		},
	}

	out, err := r.Run(context.Background(), Input{SessionID: "s1", CascadeID: "c1", Phase: phase, Echo: e, AllPhaseNames: []string{"strict"}})
	require.NoError(t, err)
	require.Equal(t, `{"ok": true}`, out.Content)
	require.Len(t, prompts, 2)
	require.NotContains(t, prompts[0], "Previous error:")
	require.Contains(t, prompts[1], "Previous error: schema: output failed schema validation: not valid json (phase strict)")
}

func TestRunLLMPhaseTurnPromptInjectedOnLaterTurns(t *testing.T) {
	var prompts []string
	agent := model.AgentFunc(func(_ context.Context, req model.Request) (model.Response, error) {
		prompts = append(prompts, req.SystemPrompt)
		if len(prompts) == 1 {
			return model.Response{Content: "not json"}, nil
		}
		return model.Response{Content: `{"ok": true}`}, nil
	})
	vr := validator.NewRegistry()
	vr.Register("has_json", func(_ context.Context, content string) (validator.Result, error) {
		var v any
		if json.Unmarshal([]byte(content), &v) != nil {
			return validator.Result{Valid: false, Reason: "not valid json"}, nil
		}
		return validator.Result{Valid: true}, nil
	})

	r := &Runner{Agent: agent, Tools: tools.NewRegistry(), Validators: vr}
	e := newTestEcho()
	phase := cascade.Phase{
		Name:         "converge",
		Instructions: "write json",
		Rules: cascade.Rules{
			MaxTurns: 2, MaxAttempts: 1, LoopUntil: "has_json",
			TurnPrompt: "Remember: must be valid json this time.",
		},
	}

	out, err := r.Run(context.Background(), Input{SessionID: "s1", CascadeID: "c1", Phase: phase, Echo: e, AllPhaseNames: []string{"converge"}})
	require.NoError(t, err)
	require.Equal(t, `{"ok": true}`, out.Content)
	require.Len(t, prompts, 2)
	require.NotContains(t, prompts[0], "Remember:")
	require.Contains(t, prompts[1], "Remember: must be valid json this time.")
}

func TestRunLLMPhaseBlockingPreWardBlocksExecution(t *testing.T) {
	agent := model.AgentFunc(func(_ context.Context, req model.Request) (model.Response, error) {
		t.Fatal("agent should not be invoked when a blocking pre-ward fails")
		return model.Response{}, nil
	})
	vr := validator.NewRegistry()
	vr.Register("always_fail", func(_ context.Context, _ string) (validator.Result, error) {
		return validator.Result{Valid: false, Reason: "nope"}, nil
	})

	r := &Runner{Agent: agent, Tools: tools.NewRegistry(), Validators: vr}
	e := newTestEcho()
	phase := cascade.Phase{
		Name:         "guarded",
		Instructions: "go",
		Wards:        cascade.Wards{Pre: []cascade.Ward{{Validator: "always_fail", Mode: "blocking"}}},
	}

	_, err := r.Run(context.Background(), Input{SessionID: "s1", CascadeID: "c1", Phase: phase, Echo: e, AllPhaseNames: []string{"guarded"}})
	require.Error(t, err)
}

func TestRenderInstructionsSubstitutesState(t *testing.T) {
	out := renderInstructions("Hello {{state.name}}, budget is {{state.budget}}.", map[string]any{"name": "Ada", "budget": 10})
	require.Equal(t, "Hello Ada, budget is 10.", out)
}

func TestEvalConditionEqualityAndPresence(t *testing.T) {
	state := map[string]any{"risk": "high", "flag": true}
	require.True(t, evalCondition(`risk == "high"`, state))
	require.False(t, evalCondition(`risk == "low"`, state))
	require.True(t, evalCondition("flag", state))
	require.False(t, evalCondition("missing", state))
	require.True(t, evalCondition("", state))
}

func TestExtractDecisionBlockParsesJSON(t *testing.T) {
	content := `Here is my recommendation. <decision>{"options": ["a", "b"]}</decision>`
	decision, ok := extractDecisionBlock(content)
	require.True(t, ok)
	require.Equal(t, []string{"a", "b"}, decisionOptions(decision))
}
