package pulse

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"goa.design/cascade/features/bus/pulse/clients/pulse"
	"goa.design/cascade/runtime/eventbus"
)

type fakeSink struct {
	ch     chan *streaming.Event
	acked  chan *streaming.Event
	closed chan struct{}
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		ch:     make(chan *streaming.Event, 8),
		acked:  make(chan *streaming.Event, 8),
		closed: make(chan struct{}, 1),
	}
}

func (s *fakeSink) Subscribe() <-chan *streaming.Event { return s.ch }

func (s *fakeSink) Ack(ctx context.Context, ev *streaming.Event) error {
	s.acked <- ev
	return nil
}

func (s *fakeSink) Close(ctx context.Context) {
	select {
	case s.closed <- struct{}{}:
	default:
	}
}

type fakeSinkStream struct {
	sink *fakeSink
}

func (f *fakeSinkStream) Add(ctx context.Context, event string, payload []byte) (string, error) {
	return "1-0", nil
}

func (f *fakeSinkStream) NewSink(ctx context.Context, name string, _ ...streamopts.Sink) (pulse.Sink, error) {
	return f.sink, nil
}

func (f *fakeSinkStream) Destroy(ctx context.Context) error { return nil }

func TestSubscribeDecodesAndAcksEvents(t *testing.T) {
	sink := newFakeSink()
	str := &fakeSinkStream{sink: sink}
	cli := &fakeClient{streamFn: func(name string) (pulse.Stream, error) {
		require.Equal(t, "cascade/events", name)
		return str, nil
	}}

	sub, err := NewSubscriber(SubscriberOptions{Client: cli})
	require.NoError(t, err)

	events, errs, cancel, err := sub.Subscribe(context.Background())
	require.NoError(t, err)
	defer cancel()

	env := Envelope{Topic: eventbus.TopicCostUpdate, SessionID: "sess-1", Payload: map[string]any{"usd": 0.42}}
	payload, err := json.Marshal(env)
	require.NoError(t, err)
	sink.ch <- &streaming.Event{Payload: payload}

	select {
	case ev := <-events:
		require.Equal(t, "cost_update", ev.Topic)
		require.Equal(t, "sess-1", ev.SessionID)
	case err := <-errs:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case <-sink.acked:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ack")
	}
}

func TestSubscribeDecodeErrorSurfacesOnErrChannel(t *testing.T) {
	sink := newFakeSink()
	str := &fakeSinkStream{sink: sink}
	cli := &fakeClient{streamFn: func(name string) (pulse.Stream, error) { return str, nil }}

	sub, err := NewSubscriber(SubscriberOptions{Client: cli})
	require.NoError(t, err)

	_, errs, cancel, err := sub.Subscribe(context.Background())
	require.NoError(t, err)
	defer cancel()

	sink.ch <- &streaming.Event{Payload: []byte("not json")}

	select {
	case err := <-errs:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for decode error")
	}
}

func TestSubscribeCancelClosesChannels(t *testing.T) {
	sink := newFakeSink()
	str := &fakeSinkStream{sink: sink}
	cli := &fakeClient{streamFn: func(name string) (pulse.Stream, error) { return str, nil }}

	sub, err := NewSubscriber(SubscriberOptions{Client: cli})
	require.NoError(t, err)

	events, errs, cancel, err := sub.Subscribe(context.Background())
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-events:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("events channel never closed")
	}
	select {
	case _, ok := <-errs:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("errs channel never closed")
	}
	select {
	case <-sink.closed:
	case <-time.After(time.Second):
		t.Fatal("sink never closed")
	}
}
