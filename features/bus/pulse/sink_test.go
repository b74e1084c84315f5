package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	streamopts "goa.design/pulse/streaming/options"

	"goa.design/cascade/features/bus/pulse/clients/pulse"
	"goa.design/cascade/runtime/eventbus"
)

// fakeClient/fakeStream/fakeSink are hand-written test doubles for the
// clients/pulse interfaces; the teacher generates these with cmg, which this
// module's build does not invoke.
type fakeClient struct {
	streamFn func(name string) (pulse.Stream, error)
	closeFn  func(ctx context.Context) error
}

func (f *fakeClient) Stream(name string, _ ...streamopts.Stream) (pulse.Stream, error) {
	return f.streamFn(name)
}

func (f *fakeClient) Close(ctx context.Context) error {
	if f.closeFn == nil {
		return nil
	}
	return f.closeFn(ctx)
}

type fakeStream struct {
	addFn func(ctx context.Context, event string, payload []byte) (string, error)
}

func (f *fakeStream) Add(ctx context.Context, event string, payload []byte) (string, error) {
	return f.addFn(ctx, event, payload)
}

func (f *fakeStream) NewSink(ctx context.Context, name string, _ ...streamopts.Sink) (pulse.Sink, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeStream) Destroy(ctx context.Context) error { return nil }

func TestPublishWritesEnvelope(t *testing.T) {
	str := &fakeStream{addFn: func(ctx context.Context, event string, payload []byte) (string, error) {
		require.Equal(t, "sounding_start", event)
		var env Envelope
		require.NoError(t, json.Unmarshal(payload, &env))
		require.Equal(t, "sounding_start", env.Topic)
		require.Equal(t, "sess-1", env.SessionID)
		return "1-0", nil
	}}
	cli := &fakeClient{streamFn: func(name string) (pulse.Stream, error) {
		require.Equal(t, "cascade/events", name)
		return str, nil
	}}
	pub, err := NewPublisher(PublisherOptions{Client: cli})
	require.NoError(t, err)

	err = pub.Publish(context.Background(), eventbus.Event{
		Topic:     eventbus.TopicSoundingStart,
		SessionID: "sess-1",
		Payload:   map[string]any{"phase": "draft"},
	})
	require.NoError(t, err)
}

func TestPublishCustomStreamName(t *testing.T) {
	str := &fakeStream{addFn: func(ctx context.Context, event string, payload []byte) (string, error) {
		return "1-0", nil
	}}
	cli := &fakeClient{streamFn: func(name string) (pulse.Stream, error) {
		require.Equal(t, "custom/events", name)
		return str, nil
	}}
	pub, err := NewPublisher(PublisherOptions{Client: cli, StreamName: "custom/events"})
	require.NoError(t, err)
	require.NoError(t, pub.Publish(context.Background(), eventbus.Event{Topic: "cost_update"}))
}

func TestPublishStreamCreationError(t *testing.T) {
	cli := &fakeClient{streamFn: func(name string) (pulse.Stream, error) {
		return nil, errors.New("boom")
	}}
	pub, err := NewPublisher(PublisherOptions{Client: cli})
	require.NoError(t, err)
	err = pub.Publish(context.Background(), eventbus.Event{Topic: "cost_update"})
	require.EqualError(t, err, "boom")
}

func TestPublishAddError(t *testing.T) {
	str := &fakeStream{addFn: func(ctx context.Context, event string, payload []byte) (string, error) {
		return "", errors.New("add-failed")
	}}
	cli := &fakeClient{streamFn: func(name string) (pulse.Stream, error) { return str, nil }}
	pub, err := NewPublisher(PublisherOptions{Client: cli})
	require.NoError(t, err)
	err = pub.Publish(context.Background(), eventbus.Event{Topic: "cost_update"})
	require.EqualError(t, err, "add-failed")
}

func TestForwardPublishesEveryLocalEvent(t *testing.T) {
	published := make(chan eventbus.Event, 4)
	str := &fakeStream{addFn: func(ctx context.Context, event string, payload []byte) (string, error) {
		var env Envelope
		require.NoError(t, json.Unmarshal(payload, &env))
		published <- eventbus.Event{Topic: env.Topic, SessionID: env.SessionID}
		return "1-0", nil
	}}
	cli := &fakeClient{streamFn: func(name string) (pulse.Stream, error) { return str, nil }}
	pub, err := NewPublisher(PublisherOptions{Client: cli})
	require.NoError(t, err)

	local := eventbus.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go pub.Forward(ctx, local)

	local.Publish(context.Background(), eventbus.Event{Topic: eventbus.TopicCostUpdate, SessionID: "sess-1"})
	ev := <-published
	require.Equal(t, "cost_update", ev.Topic)
	cancel()
}
