package progress

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/cascade/runtime/eventbus"
	"goa.design/cascade/runtime/telemetry"
)

func TestReporterFoldsPhaseProgress(t *testing.T) {
	bus := eventbus.New(telemetry.NewNoopLogger())
	r := New(bus)
	defer r.Stop()

	bus.Publish(context.Background(), eventbus.Event{
		Topic:     eventbus.TopicPhaseProgress,
		SessionID: "s1",
		Payload:   map[string]any{"phase": "draft", "turn": 2, "attempt": 0, "tool": "search"},
	})

	require.Eventually(t, func() bool {
		s, ok := r.Snapshot("s1")
		return ok && s.Phase == "draft" && s.Turn == 2 && s.Tool == "search"
	}, time.Second, time.Millisecond)
}

func TestReporterTracksSoundingProgress(t *testing.T) {
	bus := eventbus.New(telemetry.NewNoopLogger())
	r := New(bus)
	defer r.Stop()

	bus.Publish(context.Background(), eventbus.Event{
		Topic:     eventbus.TopicSoundingStart,
		SessionID: "s2",
		Payload:   map[string]any{"phase": "draft", "factor": 3},
	})
	bus.Publish(context.Background(), eventbus.Event{
		Topic:     eventbus.TopicSoundingComplete,
		SessionID: "s2",
		Payload:   map[string]any{"phase": "draft", "attempt": 0},
	})
	bus.Publish(context.Background(), eventbus.Event{
		Topic:     eventbus.TopicSoundingComplete,
		SessionID: "s2",
		Payload:   map[string]any{"phase": "draft", "attempt": 1},
	})

	require.Eventually(t, func() bool {
		s, ok := r.Snapshot("s2")
		return ok && s.SoundingsTotal == 3 && s.SoundingsDone == 2
	}, time.Second, time.Millisecond)
}

func TestReporterTracksCostUpdate(t *testing.T) {
	bus := eventbus.New(telemetry.NewNoopLogger())
	r := New(bus)
	defer r.Stop()

	bus.Publish(context.Background(), eventbus.Event{
		Topic:     eventbus.TopicCostUpdate,
		SessionID: "s3",
		Payload:   map[string]any{"cost": 0.0123},
	})

	require.Eventually(t, func() bool {
		s, ok := r.Snapshot("s3")
		return ok && s.LastCost == 0.0123
	}, time.Second, time.Millisecond)
}

func TestReporterSnapshotMissingSessionReturnsFalse(t *testing.T) {
	bus := eventbus.New(telemetry.NewNoopLogger())
	r := New(bus)
	defer r.Stop()

	_, ok := r.Snapshot("never-seen")
	require.False(t, ok)
}

func TestReporterStopDrainsCleanly(t *testing.T) {
	bus := eventbus.New(telemetry.NewNoopLogger())
	r := New(bus)

	bus.Publish(context.Background(), eventbus.Event{
		Topic:     eventbus.TopicPhaseProgress,
		SessionID: "s4",
		Payload:   map[string]any{"phase": "draft", "turn": 1},
	})

	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}
