package cascaderunner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"goa.design/cascade/runtime/cascade"
	"goa.design/cascade/runtime/model"
	"goa.design/cascade/runtime/session"
	"goa.design/cascade/runtime/telemetry"
	"goa.design/cascade/runtime/tools"
)

func sequencedAgent(t *testing.T, responses ...string) model.Agent {
	t.Helper()
	i := 0
	return model.AgentFunc(func(_ context.Context, _ model.Request) (model.Response, error) {
		idx := i
		if idx >= len(responses) {
			idx = len(responses) - 1
		}
		i++
		return model.Response{Content: responses[idx]}, nil
	})
}

func newTestRunner(agent model.Agent) *Runner {
	return New(Runner{
		Agent:     agent,
		Tools:     tools.NewRegistry(),
		Sessions:  session.NewMemoryStore(),
		Telemetry: telemetry.Noop(),
	})
}

func TestRunSinglePhaseCascadeCompletes(t *testing.T) {
	r := newTestRunner(sequencedAgent(t, "final answer"))
	c := &cascade.Cascade{
		CascadeID: "c1",
		Phases:    []cascade.Phase{{Name: "draft", Instructions: "write something"}},
	}
	res, err := r.Run(context.Background(), c, Options{Inputs: map[string]any{"topic": "go"}})
	require.NoError(t, err)
	require.Equal(t, session.StatusCompleted, res.Status)
	require.Equal(t, "final answer", res.Output)
}

func TestRunHandoffTargetRoutesToNamedPhase(t *testing.T) {
	r := newTestRunner(sequencedAgent(t, "go to review", "reviewed"))
	c := &cascade.Cascade{
		CascadeID: "c2",
		Phases: []cascade.Phase{
			{Name: "draft", Instructions: "write", Handoffs: []cascade.Handoff{{Target: "review"}}},
			{Name: "review", Instructions: "review"},
		},
	}
	res, err := r.Run(context.Background(), c, Options{})
	require.NoError(t, err)
	require.Equal(t, "reviewed", res.Output)
}

func TestRunNoHandoffsTerminatesAfterFirstPhase(t *testing.T) {
	r := newTestRunner(sequencedAgent(t, "only phase"))
	c := &cascade.Cascade{
		CascadeID: "c3",
		Phases: []cascade.Phase{
			{Name: "draft", Instructions: "write"},
			{Name: "unreachable", Instructions: "never runs"},
		},
	}
	res, err := r.Run(context.Background(), c, Options{})
	require.NoError(t, err)
	require.Equal(t, "only phase", res.Output)
}

func TestRunUnknownHandoffTargetIsConfigError(t *testing.T) {
	r := newTestRunner(sequencedAgent(t, "done"))
	c := &cascade.Cascade{
		CascadeID: "c4",
		Phases: []cascade.Phase{
			{Name: "draft", Instructions: "write", Handoffs: []cascade.Handoff{{Target: "nonexistent"}}},
		},
	}
	_, err := r.Run(context.Background(), c, Options{})
	require.Error(t, err)
}

func TestRunCancelledSessionStopsBeforeNextPhase(t *testing.T) {
	store := session.NewMemoryStore()
	r := New(Runner{
		Agent:     sequencedAgent(t, "go on", "should not run"),
		Tools:     tools.NewRegistry(),
		Sessions:  store,
		Telemetry: telemetry.Noop(),
	})
	c := &cascade.Cascade{
		CascadeID: "c5",
		Phases: []cascade.Phase{
			{Name: "draft", Instructions: "write", Handoffs: []cascade.Handoff{{Target: "review"}}},
			{Name: "review", Instructions: "review"},
		},
	}
	// Pre-create and cancel the session before Run so the first
	// cancellation check (before phase 0) already observes it.
	const sid = "precancelled"
	_, _ = store.Create(context.Background(), sid, c.CascadeID, "", 0, nil)
	_ = store.RequestCancel(context.Background(), sid, "test")

	res, err := r.Run(context.Background(), c, Options{SessionID: sid})
	require.Error(t, err)
	require.Equal(t, session.StatusCancelled, res.Status)
}

func TestRunCascadeLevelSoundingsAggregateConcatenates(t *testing.T) {
	r := newTestRunner(sequencedAgent(t, "result A", "result B", "result C"))
	c := &cascade.Cascade{
		CascadeID: "c6",
		Phases:    []cascade.Phase{{Name: "only", Instructions: "write"}},
		Soundings: &cascade.Soundings{Factor: 3, Mode: "aggregate"},
	}
	res, err := r.Run(context.Background(), c, Options{})
	require.NoError(t, err)
	require.Contains(t, res.Output, "result A")
	require.Contains(t, res.Output, "result B")
	require.Contains(t, res.Output, "result C")
}

func TestInvokeAsToolRunsCascadeAndReturnsOutput(t *testing.T) {
	r := newTestRunner(sequencedAgent(t, "tool cascade output"))
	c := &cascade.Cascade{
		CascadeID: "c7",
		Phases:    []cascade.Phase{{Name: "only", Instructions: "write"}},
	}
	r.Loader = func(path string) (*cascade.Cascade, error) { return c, nil }

	out, err := r.InvokeAsTool(context.Background(), "irrelevant/path.yaml", map[string]any{"x": 1})
	require.NoError(t, err)
	require.Equal(t, "tool cascade output", out)
}
