package soundingrunner

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"goa.design/cascade/runtime/cascade"
	"goa.design/cascade/runtime/echo"
	"goa.design/cascade/runtime/model"
	"goa.design/cascade/runtime/phaserunner"
	"goa.design/cascade/runtime/tools"
	"goa.design/cascade/runtime/validator"
)

// TestScenarioParetoBalancedExcludesDominatedAndMaximizesRatio exercises
// spec §8 scenario S3 end to end through Runner.Run, rather than just the
// paretoFrontier helper: three soundings scored for quality and tagged
// with distinct costs, a dominated low-cost/low-quality attempt is
// excluded from the frontier, and the "balanced" policy picks the
// surviving attempt with the best quality-per-cost ratio.
func TestScenarioParetoBalancedExcludesDominatedAndMaximizesRatio(t *testing.T) {
	generated := []struct {
		content string
		cost    float64
	}{
		{"attempt-0", 1.0},
		{"attempt-1", 0.5},
		{"attempt-2", 2.0},
	}
	scores := []string{"50", "80", "90"}

	genCalls := 0
	scoreCalls := 0
	agent := model.AgentFunc(func(_ context.Context, req model.Request) (model.Response, error) {
		if strings.Contains(req.SystemPrompt, "scoring a single candidate") {
			idx := scoreCalls
			if idx >= len(scores) {
				idx = len(scores) - 1
			}
			scoreCalls++
			return model.Response{Content: scores[idx]}, nil
		}
		idx := genCalls
		if idx >= len(generated) {
			idx = len(generated) - 1
		}
		genCalls++
		cost := generated[idx].cost
		return model.Response{Content: generated[idx].content, Cost: &cost}, nil
	})

	phase := &phaserunner.Runner{Agent: agent, Tools: tools.NewRegistry(), Validators: validator.NewRegistry()}
	r := &Runner{Phase: phase, Validators: validator.NewRegistry()}

	in := phaserunner.Input{
		SessionID: "s1", CascadeID: "c1", AllPhaseNames: []string{"draft"},
		Echo: echo.New(echo.RunnerState{SessionID: "s1", CascadeID: "c1", PhaseName: "draft"}, nil),
		Phase: cascade.Phase{
			Name:         "draft",
			Instructions: "go",
			Soundings: &cascade.Soundings{
				Factor:      3,
				MaxParallel: 1,
				Evaluator:   "pareto",
			},
		},
	}

	out, err := r.Run(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, "attempt-1", out.Content, "attempt 1 dominates attempt 0 and has the best quality/cost ratio among survivors")
}
