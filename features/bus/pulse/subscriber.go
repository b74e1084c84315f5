package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	"goa.design/cascade/features/bus/pulse/clients/pulse"
	"goa.design/cascade/runtime/eventbus"
)

// SubscriberOptions configures a Pulse-backed subscriber.
type SubscriberOptions struct {
	// Client is the Pulse client used to consume events. Required.
	Client pulse.Client
	// StreamName names the Pulse stream to read from. Defaults to
	// "cascade/events".
	StreamName string
	// SinkName identifies the Pulse consumer group. Defaults to
	// "cascade_subscriber". Multiple processes sharing a SinkName split the
	// stream's events between them; give each independent UI process its own
	// SinkName to receive every event.
	SinkName string
	// Buffer specifies the returned channel's capacity. Defaults to 64.
	Buffer int
}

// Subscriber consumes a Pulse stream and decodes entries back into
// eventbus.Event values.
type Subscriber struct {
	client pulse.Client
	stream string
	name   string
	buffer int
}

// NewSubscriber constructs a Pulse-backed subscriber. opts.Client is
// required; the rest default per SubscriberOptions' field comments.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	stream := opts.StreamName
	if stream == "" {
		stream = defaultStreamName
	}
	name := opts.SinkName
	if name == "" {
		name = "cascade_subscriber"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{client: opts.Client, stream: stream, name: name, buffer: buffer}, nil
}

// Subscribe opens a Pulse sink (consumer group) on the configured stream and
// returns channels of decoded events and errors. It spawns a goroutine that
// consumes from the sink, decodes envelopes, and acks each delivered entry.
// The returned cancel function stops consumption, closes the sink, and
// closes both channels.
func (s *Subscriber) Subscribe(ctx context.Context, opts ...streamopts.Sink) (<-chan eventbus.Event, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(s.stream)
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	events := make(chan eventbus.Event, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, events, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return events, errs, cancelFunc, nil
}

// consume reads entries from the Pulse sink, decodes them, and emits them on
// out. It acks each entry after successful emission and exits (closing both
// channels) when ctx is canceled, the sink channel closes, or decode/ack
// fails.
func (s *Subscriber) consume(ctx context.Context, sink pulse.Sink, out chan<- eventbus.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-ch:
			if !ok {
				return
			}
			var env Envelope
			if err := json.Unmarshal(entry.Payload, &env); err != nil {
				errs <- fmt.Errorf("pulse decode envelope: %w", err)
				return
			}
			decoded := eventbus.Event{Topic: env.Topic, SessionID: env.SessionID, Payload: env.Payload}
			select {
			case out <- decoded:
			case <-ctx.Done():
				return
			}
			if err := sink.Ack(ctx, entry); err != nil {
				errs <- fmt.Errorf("pulse ack: %w", err)
				return
			}
		}
	}
}
