package temporal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/client"
	temporalerr "go.temporal.io/sdk/temporal"

	"goa.design/cascade/runtime/engine"
)

func TestNewRequiresTaskQueue(t *testing.T) {
	_, err := New(Options{ClientOptions: &client.Options{}})
	require.Error(t, err)
}

func TestNewRequiresClientOrClientOptions(t *testing.T) {
	_, err := New(Options{WorkerOptions: WorkerOptions{TaskQueue: "cascade.default"}})
	require.Error(t, err)
}

func TestNormalizeTemporalErrorPassesThroughNonCancellation(t *testing.T) {
	want := errors.New("boom")
	require.Same(t, want, normalizeTemporalError(want))
	require.NoError(t, normalizeTemporalError(nil))
}

func TestNormalizeTemporalErrorMapsCanceled(t *testing.T) {
	err := temporalerr.NewCanceledError()
	require.ErrorIs(t, normalizeTemporalError(err), context.Canceled)
}

func TestMergeRetryPoliciesOverridesNonZeroFields(t *testing.T) {
	base := engine.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Second, BackoffCoefficient: 2}
	got := mergeRetryPolicies(base, engine.RetryPolicy{MaxAttempts: 5})
	require.Equal(t, 5, got.MaxAttempts)
	require.Equal(t, time.Second, got.InitialInterval)
	require.Equal(t, 2.0, got.BackoffCoefficient)
}

func TestConvertRetryPolicyZeroValueReturnsNil(t *testing.T) {
	require.Nil(t, convertRetryPolicy(engine.RetryPolicy{}))
}

func TestConvertRetryPolicyMapsFields(t *testing.T) {
	p := convertRetryPolicy(engine.RetryPolicy{MaxAttempts: 4, InitialInterval: 2 * time.Second, BackoffCoefficient: 1.5})
	require.NotNil(t, p)
	require.Equal(t, int32(4), p.MaximumAttempts)
	require.Equal(t, 2*time.Second, p.InitialInterval)
	require.Equal(t, 1.5, p.BackoffCoefficient)
}
