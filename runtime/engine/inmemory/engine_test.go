package inmemory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/cascade/runtime/engine"
)

func TestStartWorkflowExecutesActivityAndCompletes(t *testing.T) {
	e := New()
	ctx := context.Background()

	require.NoError(t, e.RegisterActivity(ctx, engine.ActivityDefinition{
		Name: "double",
		Handler: func(_ context.Context, input any) (any, error) {
			return input.(int) * 2, nil
		},
	}))

	require.NoError(t, e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "doubler",
		Handler: func(wctx engine.WorkflowContext, input any) (any, error) {
			var out int
			err := wctx.ExecuteActivity(wctx.Context(), engine.ActivityRequest{Name: "double", Input: input}, &out)
			return out, err
		},
	}))

	h, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "wf-1", Workflow: "doubler", Input: 21})
	require.NoError(t, err)

	var result int
	require.NoError(t, h.Wait(ctx, &result))
	require.Equal(t, 42, result)
}

func TestSignalDeliveredToWorkflow(t *testing.T) {
	e := New()
	ctx := context.Background()

	require.NoError(t, e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "waiter",
		Handler: func(wctx engine.WorkflowContext, _ any) (any, error) {
			var msg string
			err := wctx.SignalChannel("greeting").Receive(wctx.Context(), &msg)
			return msg, err
		},
	}))

	h, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "wf-2", Workflow: "waiter"})
	require.NoError(t, err)

	require.NoError(t, h.Signal(ctx, "greeting", "hello"))

	var result string
	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, h.Wait(waitCtx, &result))
	require.Equal(t, "hello", result)
}

func TestStartWorkflowUnknownNameErrors(t *testing.T) {
	e := New()
	_, err := e.StartWorkflow(context.Background(), engine.WorkflowStartRequest{ID: "x", Workflow: "missing"})
	require.Error(t, err)
}
