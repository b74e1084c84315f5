package tokenbudget

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckOverBudget(t *testing.T) {
	b := Budget{MaxTotal: 10, ReserveForOutput: 0}
	msgs := []Message{{Content: strings.Repeat("x", 100)}}
	status := b.Check(msgs, 0, "")
	require.True(t, status.OverBudget)
}

func TestEnforceFailReturnsBudgetExceeded(t *testing.T) {
	b := Budget{MaxTotal: 5, Strategy: StrategyFail}
	_, _, err := b.Enforce(context.Background(), []Message{{Content: strings.Repeat("x", 100)}}, false, nil)
	require.Error(t, err)
}

func TestEnforcePruneOldestDropsUntilUnderBudget(t *testing.T) {
	b := Budget{MaxTotal: 20, Strategy: StrategyPruneOldest}
	msgs := []Message{
		{Content: strings.Repeat("a", 40)},
		{Content: strings.Repeat("b", 40)},
		{Content: "small"},
	}
	out, ev, err := b.Enforce(context.Background(), msgs, false, nil)
	require.NoError(t, err)
	require.Greater(t, ev.Dropped, 0)
	require.Less(t, len(out), len(msgs))
}

func TestEnforceSlidingWindowProtectsSystemMessage(t *testing.T) {
	b := Budget{MaxTotal: 15, Strategy: StrategySlidingWindow}
	msgs := []Message{
		{Content: "system prompt"},
		{Content: strings.Repeat("a", 100)},
	}
	out, _, err := b.Enforce(context.Background(), msgs, true, nil)
	require.NoError(t, err)
	require.Equal(t, "system prompt", out[0].Content)
}
