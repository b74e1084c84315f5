package cascaderunner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"goa.design/cascade/runtime/cascade"
	"goa.design/cascade/runtime/engine/inmemory"
)

// TestRunDurableTwoPhaseCascadeMatchesSynchronousRouting exercises the same
// linear handoff as TestScenarioTwoPhaseLinearHandoffCarriesContext, but
// driven through the in-memory Engine instead of a direct Run call: the
// workflow sequences phases by index while every side effect (the agent
// call) happens inside the CascadeRunPhase activity.
func TestRunDurableTwoPhaseCascadeMatchesSynchronousRouting(t *testing.T) {
	r := newTestRunner(sequencedAgent(t, "first", "second"))

	c := &cascade.Cascade{
		CascadeID: "durable-c1",
		Phases: []cascade.Phase{
			{Name: "A", Instructions: "go", Handoffs: []cascade.Handoff{{Target: "B"}}},
			{Name: "B", Instructions: "go"},
		},
	}
	r.Loader = func(string) (*cascade.Cascade, error) { return c, nil }

	eng := inmemory.New()
	require.NoError(t, RegisterDurable(context.Background(), eng, r))

	res, err := RunDurable(context.Background(), eng, "unused-path.yaml", Options{})
	require.NoError(t, err)
	require.Equal(t, "completed", res.Status)
	require.Equal(t, "second", res.Output)
	require.Len(t, res.Lineage, 2)
	require.Equal(t, "first", res.Lineage[0].Output)
	require.Equal(t, "second", res.Lineage[1].Output)
}
