package cascaderunner

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"goa.design/cascade/runtime/cascade"
	"goa.design/cascade/runtime/checkpoint"
	"goa.design/cascade/runtime/model"
	"goa.design/cascade/runtime/session"
	"goa.design/cascade/runtime/telemetry"
	"goa.design/cascade/runtime/tools"
)

// autoAnswerStore answers each decision checkpoint the instant it's
// created, synchronously from within Manager.Create (Save runs before
// WaitForResponse is ever called, and the waiter's response channel is
// buffered), so the test needs no goroutines or sleeps: first retries
// the phase with feedback, then advances.
type autoAnswerStore struct {
	mgr   *checkpoint.Manager
	calls int
}

func (s *autoAnswerStore) Save(ctx context.Context, rec checkpoint.Record) error {
	s.calls++
	if s.calls == 1 {
		s.mgr.PostResponse(ctx, rec.ID, checkpoint.Response{Values: map[string]any{
			"choice": "self", "feedback": "try again",
		}})
		return nil
	}
	s.mgr.PostResponse(ctx, rec.ID, checkpoint.Response{Values: map[string]any{"choice": "finish"}})
	return nil
}
func (s *autoAnswerStore) Delete(context.Context, string) error { return nil }
func (s *autoAnswerStore) List(context.Context, string) ([]checkpoint.Record, error) {
	return nil, nil
}

// TestScenarioDecisionRetriesWithFeedbackThenAdvances exercises spec §8
// scenario S5: a phase embeds a <decision> block; the first checkpoint
// response asks the phase to retry itself with feedback, which lands in
// Echo state for the next pass's instructions, and the second response
// names the real successor phase.
func TestScenarioDecisionRetriesWithFeedbackThenAdvances(t *testing.T) {
	calls := 0
	agent := model.AgentFunc(func(_ context.Context, req model.Request) (model.Response, error) {
		calls++
		switch {
		case strings.Contains(req.SystemPrompt, "try again"):
			return model.Response{Content: `All set. <decision>{"options": ["retry", "finish"]}</decision>`}, nil
		case strings.Contains(req.SystemPrompt, "decision block"):
			return model.Response{Content: `Here is my draft. <decision>{"options": ["retry", "finish"]}</decision>`}, nil
		default:
			return model.Response{Content: "wrap up"}, nil
		}
	})

	store := &autoAnswerStore{}
	mgr := checkpoint.NewManager(store)
	store.mgr = mgr

	r := New(Runner{
		Agent:       agent,
		Tools:       tools.NewRegistry(),
		Sessions:    session.NewMemoryStore(),
		Checkpoints: mgr,
		Telemetry:   telemetry.Noop(),
	})

	c := &cascade.Cascade{
		CascadeID: "s5",
		Phases: []cascade.Phase{
			{
				Name:           "review",
				Instructions:   "respond with a decision block. feedback: {{state.decision_feedback}}",
				DecisionPoints: &cascade.DecisionPointsSpec{Enabled: true},
			},
			{Name: "finish", Instructions: "wrap up"},
		},
	}

	res, err := r.Run(context.Background(), c, Options{})
	require.NoError(t, err)
	require.Equal(t, session.StatusCompleted, res.Status)
	require.Equal(t, 3, calls, "review runs twice (retry then advance), finish runs once")
	require.Equal(t, "try again", res.Echo.State["decision_feedback"])
	require.Equal(t, "wrap up", res.Output)
}
