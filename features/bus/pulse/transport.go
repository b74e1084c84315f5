// Package pulse adapts runtime/eventbus to goa.design/pulse streams; see
// sink.go's package doc comment for the full rationale.
package pulse

import (
	"context"
	"errors"

	"goa.design/cascade/features/bus/pulse/clients/pulse"
	"goa.design/cascade/runtime/eventbus"
)

// TransportOptions configures the helper returned by NewTransport.
type TransportOptions struct {
	// Client is the Pulse client used for both publishing and subscribing. It
	// is required and typically built via features/bus/pulse/clients/pulse.
	Client pulse.Client
	// Publisher holds optional overrides for the publishing side (stream
	// name, logger). Leave zero-valued for defaults.
	Publisher PublisherOptions
}

// Transport wires a caller-provided Pulse client into cascade's event bus
// layer. It owns a Publisher (forwarding a local eventbus.Bus's events onto
// Pulse) and can construct Subscribers that reuse the same client, so a
// process only needs one Redis connection regardless of how many
// publishers/subscribers it runs.
type Transport struct {
	pub    *Publisher
	client pulse.Client
}

// NewTransport constructs a Transport. opts.Client is required.
func NewTransport(opts TransportOptions) (*Transport, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	pubOpts := opts.Publisher
	pubOpts.Client = opts.Client
	pub, err := NewPublisher(pubOpts)
	if err != nil {
		return nil, err
	}
	return &Transport{pub: pub, client: opts.Client}, nil
}

// Publisher exposes the publishing side so callers can call Forward
// directly, or publish individual events without a local bus.
func (t *Transport) Publisher() *Publisher {
	return t.pub
}

// NewSubscriber constructs a Pulse-backed subscriber that reuses the
// transport's client, keeping publishing and consumption on one Redis
// connection pool.
func (t *Transport) NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	opts.Client = t.client
	return NewSubscriber(opts)
}

// BridgeInto subscribes to the Pulse stream and republishes every decoded
// event into local, blocking until ctx is canceled or the subscription's
// error channel signals a fatal error. UI processes running apart from the
// cascade engine call this once at startup, then read progress the same way
// an in-process caller would: via runtime/progress.Reporter subscribed to
// local.
func (t *Transport) BridgeInto(ctx context.Context, local *eventbus.Bus, opts SubscriberOptions) error {
	sub, err := t.NewSubscriber(opts)
	if err != nil {
		return err
	}
	events, errs, cancel, err := sub.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-errs:
			if !ok {
				return nil
			}
			return err
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			local.Publish(ctx, ev)
		}
	}
}

// Close shuts down the publishing side (and therefore the underlying Pulse
// client). Call during service shutdown after all bridges have stopped.
func (t *Transport) Close(ctx context.Context) error {
	return t.pub.Close(ctx)
}
