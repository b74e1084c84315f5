package pulse

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"

	"goa.design/cascade/features/bus/pulse/clients/pulse"
	"goa.design/cascade/runtime/eventbus"
)

func TestBridgeIntoRepublishesDecodedEvents(t *testing.T) {
	sink := newFakeSink()
	str := &fakeSinkStream{sink: sink}
	cli := &fakeClient{streamFn: func(name string) (pulse.Stream, error) { return str, nil }}

	tr, err := NewTransport(TransportOptions{Client: cli})
	require.NoError(t, err)

	local := eventbus.New(nil)
	ch, unsub := local.Subscribe(eventbus.TopicPhaseProgress)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.BridgeInto(ctx, local, SubscriberOptions{}) }()

	env := Envelope{Topic: eventbus.TopicPhaseProgress, SessionID: "sess-9", Payload: map[string]any{"turn": 3}}
	payload, err := json.Marshal(env)
	require.NoError(t, err)
	sink.ch <- &streaming.Event{Payload: payload}

	select {
	case ev := <-ch:
		require.Equal(t, "sess-9", ev.SessionID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for bridged event")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("BridgeInto never returned after cancel")
	}
}
