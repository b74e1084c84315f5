package phaserunner

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"goa.design/cascade/runtime/cascade"
	"goa.design/cascade/runtime/model"
	"goa.design/cascade/runtime/tools"
	"goa.design/cascade/runtime/validator"
)

// TestScenarioLoopUntilRetriesWithinAttempt exercises spec §8 scenario S4:
// a phase whose turn produces invalid content is given another turn within
// the same attempt rather than failing outright, and once a later turn's
// content satisfies loop_until the phase completes on attempt 1.
//
// No tool calls are involved at all: turn 1 replies with plain text that
// fails loop_until, turn 2 replies with valid JSON that passes it. The
// per-turn loop_until check runs regardless of whether a turn produced
// tool calls, so this converges within a single attempt and two turns.
func TestScenarioLoopUntilRetriesWithinAttempt(t *testing.T) {
	calls := 0
	agent := model.AgentFunc(func(_ context.Context, req model.Request) (model.Response, error) {
		calls++
		if calls == 1 {
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
		Instructions: "keep going until the output is valid json",
		Rules:        cascade.Rules{MaxTurns: 2, MaxAttempts: 1, LoopUntil: "has_json"},
	}

	out, err := r.Run(context.Background(), Input{SessionID: "s1", CascadeID: "c1", Phase: phase, Echo: e, AllPhaseNames: []string{"converge"}})
	require.NoError(t, err)
	require.Equal(t, `{"ok": true}`, out.Content)
	require.Equal(t, 2, calls, "converges within one attempt across two turns, matching scenario S4")

	var v any
	require.NoError(t, json.Unmarshal([]byte(out.Content), &v))
	_, hadError := e.State["last_validation_error"]
	require.False(t, hadError, "a single attempt that eventually converges should not record a validation error")
}
