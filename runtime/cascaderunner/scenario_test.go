package cascaderunner

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"goa.design/cascade/runtime/cascade"
	"goa.design/cascade/runtime/eventbus"
	"goa.design/cascade/runtime/model"
	"goa.design/cascade/runtime/session"
	"goa.design/cascade/runtime/telemetry"
	"goa.design/cascade/runtime/tools"
	"goa.design/cascade/runtime/unifiedlog"
)

// TestScenarioTwoPhaseLinearHandoffCarriesContext exercises spec §8
// scenario S1: a two-phase linear cascade where the second phase declares
// a context dependency on the first. It checks the handoff routes to the
// declared target, the second phase's request actually carries the first
// phase's output, the session's lineage records both phases in order, and
// the unified log accumulates rows tagged with both phase names.
func TestScenarioTwoPhaseLinearHandoffCarriesContext(t *testing.T) {
	agent := model.AgentFunc(func(_ context.Context, req model.Request) (model.Response, error) {
		for _, m := range req.ContextMessages {
			if strings.Contains(m.Content, "hello") {
				return model.Response{Content: "A said: hello"}, nil
			}
		}
		return model.Response{Content: "hello"}, nil
	})

	store := unifiedlog.NewMemoryStore()
	bus := eventbus.New(nil)
	log := unifiedlog.New(store, bus, nil, unifiedlog.Config{})

	r := New(Runner{
		Agent:     agent,
		Tools:     tools.NewRegistry(),
		Sessions:  session.NewMemoryStore(),
		Log:       log,
		Telemetry: telemetry.Noop(),
	})

	c := &cascade.Cascade{
		CascadeID: "s1",
		Phases: []cascade.Phase{
			{
				Name:         "A",
				Instructions: "produce a greeting",
				Handoffs:     []cascade.Handoff{{Target: "B"}},
			},
			{
				Name:         "B",
				Instructions: "describe what A said",
				Context: &cascade.ContextSpec{
					From: []cascade.ContextSource{{Source: "A", Include: []string{"output"}}},
				},
			},
		},
	}

	res, err := r.Run(context.Background(), c, Options{})
	require.NoError(t, err)
	require.Equal(t, session.StatusCompleted, res.Status)
	require.Equal(t, "A said: hello", res.Output)

	require.Len(t, res.Echo.Lineage, 2)
	require.Equal(t, "hello", res.Echo.Lineage[0].Output)
	require.Equal(t, "A said: hello", res.Echo.Lineage[1].Output)

	log.Flush(context.Background(), noResolveLookup{})
	rows := store.Rows()
	phases := map[string]bool{}
	for _, row := range rows {
		phases[row.PhaseName] = true
	}
	require.True(t, phases["A"])
	require.True(t, phases["B"])
}

type noResolveLookup struct{}

func (noResolveLookup) LookupCost(context.Context, string) (float64, int, int, string, bool, error) {
	return 0, 0, 0, "", false, nil
}
