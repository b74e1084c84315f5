package soundingrunner

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"goa.design/cascade/runtime/cascade"
	"goa.design/cascade/runtime/echo"
	"goa.design/cascade/runtime/eventbus"
	"goa.design/cascade/runtime/model"
	"goa.design/cascade/runtime/phaserunner"
	"goa.design/cascade/runtime/tools"
	"goa.design/cascade/runtime/validator"
)

func newSoundingEcho() *echo.Echo {
	return echo.New(echo.RunnerState{SessionID: "sess-1", CascadeID: "cas-1", PhaseName: "draft"}, nil)
}

// sequencedAgent returns each response in order, cycling the last one
// once exhausted, so evaluator calls after the main fan-out still get a
// deterministic reply.
func sequencedAgent(t *testing.T, responses ...string) model.Agent {
	t.Helper()
	i := 0
	return model.AgentFunc(func(_ context.Context, req model.Request) (model.Response, error) {
		idx := i
		if idx >= len(responses) {
			idx = len(responses) - 1
		}
		i++
		return model.Response{Content: responses[idx]}, nil
	})
}

func TestRunBelowFactorThresholdDelegatesToPhaseRunner(t *testing.T) {
	agent := sequencedAgent(t, "single answer")
	phase := &phaserunner.Runner{Agent: agent, Tools: tools.NewRegistry(), Validators: validator.NewRegistry()}
	r := &Runner{Phase: phase, Validators: validator.NewRegistry()}

	in := phaserunner.Input{
		SessionID: "s1", CascadeID: "c1", Echo: newSoundingEcho(), AllPhaseNames: []string{"draft"},
		Phase: cascade.Phase{Name: "draft", Instructions: "go"},
	}
	out, err := r.Run(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, "single answer", out.Content)
}

func TestRunAggregateModeConcatenatesOutputs(t *testing.T) {
	agent := sequencedAgent(t, "answer A", "answer B", "answer C")
	phase := &phaserunner.Runner{Agent: agent, Tools: tools.NewRegistry(), Validators: validator.NewRegistry()}
	r := &Runner{Phase: phase, Validators: validator.NewRegistry()}

	in := phaserunner.Input{
		SessionID: "s1", CascadeID: "c1", Echo: newSoundingEcho(), AllPhaseNames: []string{"draft"},
		Phase: cascade.Phase{
			Name:         "draft",
			Instructions: "go",
			Soundings:    &cascade.Soundings{Factor: 3, Mode: "aggregate"},
		},
	}
	out, err := r.Run(context.Background(), in)
	require.NoError(t, err)
	require.Contains(t, out.Content, "answer A")
	require.Contains(t, out.Content, "answer B")
	require.Contains(t, out.Content, "answer C")
}

func TestRunEvaluateModeSelectsByEvaluatorIndex(t *testing.T) {
	// Three soundings, then a final evaluator call selecting index 1.
	agent := sequencedAgent(t, "answer A", "answer B", "answer C", "1")
	phase := &phaserunner.Runner{Agent: agent, Tools: tools.NewRegistry(), Validators: validator.NewRegistry()}
	r := &Runner{Phase: phase, Validators: validator.NewRegistry()}

	in := phaserunner.Input{
		SessionID: "s1", CascadeID: "c1", Echo: newSoundingEcho(), AllPhaseNames: []string{"draft"},
		Phase: cascade.Phase{
			Name:         "draft",
			Instructions: "go",
			Soundings:    &cascade.Soundings{Factor: 3, MaxParallel: 1},
		},
	}
	out, err := r.Run(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, "answer B", out.Content)
}

func TestAssignModelsExpandsMapFactors(t *testing.T) {
	r := &Runner{}
	sc := &cascade.Soundings{
		Factor: 2, // advisory; map factors should win
		Models: &cascade.ModelAssignmentSpec{Map: map[string]cascade.ModelFactor{
			"model-a": {Factor: 2},
			"model-b": {Factor: 1},
		}},
	}
	attempts := r.assignModels(sc)
	require.Len(t, attempts, 3)
}

// TestFilterContextWindowPublishesModelsFilteredEvent exercises spec §4.5
// step 2: an attempt whose assigned model's context window (minus the 15%
// buffer) cannot hold the estimated request is dropped, the survivors are
// re-indexed, and a models_filtered event reports what was dropped.
func TestFilterContextWindowPublishesModelsFilteredEvent(t *testing.T) {
	bus := eventbus.New(nil)
	events, unsub := bus.Subscribe(eventbus.TopicModelsFiltered)
	defer unsub()

	r := &Runner{Bus: bus}
	in := phaserunner.Input{
		SessionID: "s1",
		Phase:     cascade.Phase{Name: "draft", Instructions: strings.Repeat("x", 500_000)},
	}
	attempts := []attempt{{index: 0, modelName: "gpt-4o"}, {index: 1, modelName: "gemini-1.5-pro"}}

	filtered := r.filterContextWindow(context.Background(), in, attempts)

	require.Len(t, filtered, 1)
	require.Equal(t, "gemini-1.5-pro", filtered[0].modelName)
	require.Equal(t, 0, filtered[0].index, "surviving attempts are re-indexed after a drop")

	select {
	case ev := <-events:
		payload, ok := ev.Payload.(map[string]any)
		require.True(t, ok)
		require.Equal(t, "draft", payload["phase"])
		require.Equal(t, []string{"gpt-4o"}, payload["dropped"])
		require.Equal(t, 1, payload["remaining"])
	default:
		t.Fatal("expected a models_filtered event on the bus")
	}
}

// TestFilterContextWindowNoDropNoEvent confirms the common case (every
// attempt's model fits) never touches the bus.
func TestFilterContextWindowNoDropNoEvent(t *testing.T) {
	bus := eventbus.New(nil)
	events, unsub := bus.Subscribe(eventbus.TopicModelsFiltered)
	defer unsub()

	r := &Runner{Bus: bus}
	in := phaserunner.Input{SessionID: "s1", Phase: cascade.Phase{Name: "draft", Instructions: "short"}}
	attempts := []attempt{{index: 0, modelName: "gpt-4o"}}

	filtered := r.filterContextWindow(context.Background(), in, attempts)
	require.Len(t, filtered, 1)

	select {
	case <-events:
		t.Fatal("expected no models_filtered event when nothing was dropped")
	default:
	}
}

func TestParetoFrontierExcludesDominatedEntries(t *testing.T) {
	scored := []scoredResult{
		{result: result{attempt: attempt{index: 0}, cost: 1.0}, quality: 50},
		{result: result{attempt: attempt{index: 1}, cost: 0.5}, quality: 80}, // dominates index 0
		{result: result{attempt: attempt{index: 2}, cost: 2.0}, quality: 90},
	}
	frontier := paretoFrontier(scored)
	indices := make(map[int]bool)
	for _, f := range frontier {
		indices[f.attempt.index] = true
	}
	require.False(t, indices[0])
	require.True(t, indices[1])
	require.True(t, indices[2])
}
