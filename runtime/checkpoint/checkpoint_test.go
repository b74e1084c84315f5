package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCreateThenPostResponseUnblocksWaiter(t *testing.T) {
	m := NewManager(nil)
	rec, err := m.Create(context.Background(), Record{
		SessionID: "s1",
		PhaseName: "review",
		Type:      TypeDecision,
	})
	require.NoError(t, err)
	require.NotEmpty(t, rec.ID)

	done := make(chan *Response, 1)
	go func() {
		resp, err := m.WaitForResponse(context.Background(), rec.ID, time.Second)
		require.NoError(t, err)
		done <- resp
	}()

	time.Sleep(10 * time.Millisecond)
	ok := m.PostResponse(context.Background(), rec.ID, Response{Values: map[string]any{"choice": "approve"}})
	require.True(t, ok)

	resp := <-done
	require.NotNil(t, resp)
	require.Equal(t, "approve", resp.Values["choice"])
}

func TestWaitForResponseTimesOutToNil(t *testing.T) {
	m := NewManager(nil)
	rec, _ := m.Create(context.Background(), Record{Type: TypeAudible})
	resp, err := m.WaitForResponse(context.Background(), rec.ID, 5*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, resp)
}

func TestWaitForResponseCancelledContextReturnsNil(t *testing.T) {
	m := NewManager(nil)
	rec, _ := m.Create(context.Background(), Record{Type: TypePhaseInput})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp, err := m.WaitForResponse(ctx, rec.ID, time.Second)
	require.NoError(t, err)
	require.Nil(t, resp)
}

func TestPostResponseUnknownIDReturnsFalse(t *testing.T) {
	m := NewManager(nil)
	ok := m.PostResponse(context.Background(), "does-not-exist", Response{})
	require.False(t, ok)
}

func TestPostResponseOnlyFulfillsOnce(t *testing.T) {
	m := NewManager(nil)
	rec, _ := m.Create(context.Background(), Record{Type: TypeSoundingEval})
	ok1 := m.PostResponse(context.Background(), rec.ID, Response{Values: map[string]any{"winner": 0}})
	require.True(t, ok1)
	ok2 := m.PostResponse(context.Background(), rec.ID, Response{Values: map[string]any{"winner": 1}})
	require.False(t, ok2, "second post to an already-fulfilled checkpoint must be rejected")
}
