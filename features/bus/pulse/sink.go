// Package pulse adapts runtime/eventbus to goa.design/pulse streams so that
// sounding_start/sounding_complete/cost_update/phase_progress events survive
// a process boundary: the cascade engine publishes to a Pulse stream, and a
// UI process running elsewhere subscribes and republishes into its own
// local eventbus.Bus, where runtime/progress.Reporter folds them exactly as
// it would in-process. Grounded on features/stream/pulse/{sink,subscriber,
// runtime_streams}.go in the teacher, which does the analogous job for
// runtime/agent/stream.Event instead of eventbus.Event.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/cascade/features/bus/pulse/clients/pulse"
	"goa.design/cascade/runtime/eventbus"
	"goa.design/cascade/runtime/telemetry"
)

// defaultStreamName is the single Pulse stream cascade events are published
// to. Unlike the teacher's per-session stream derivation, cascade fans every
// topic into one stream: a UI process typically wants every session's
// progress, not one session's, and Pulse consumer groups already give each
// subscriber its own cursor and at-least-once delivery over that stream.
const defaultStreamName = "cascade/events"

// Envelope wraps an eventbus.Event for transmission over a Pulse stream.
type Envelope struct {
	Topic     string    `json:"topic"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// PublisherOptions configures a Publisher.
type PublisherOptions struct {
	// Client is the Pulse client used to publish events. Required.
	Client pulse.Client
	// StreamName names the Pulse stream events are published to. Defaults to
	// "cascade/events".
	StreamName string
	// Log receives warnings when Forward fails to publish an event. Defaults
	// to a no-op logger.
	Log telemetry.Logger
}

// Publisher publishes eventbus.Event values onto a Pulse stream. It
// satisfies no particular interface of its own; callers typically obtain
// it from Transport.Publisher and subscribe an eventbus.Bus to it with
// Forward.
type Publisher struct {
	client     pulse.Client
	streamName string
	log        telemetry.Logger
}

// NewPublisher constructs a Pulse-backed event publisher. opts.Client is
// required; opts.StreamName defaults to "cascade/events".
func NewPublisher(opts PublisherOptions) (*Publisher, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.StreamName
	if name == "" {
		name = defaultStreamName
	}
	log := opts.Log
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &Publisher{client: opts.Client, streamName: name, log: log}, nil
}

// Publish writes ev to the Pulse stream. The Redis-assigned entry ID is
// discarded; callers that need it should use PublishReturningID.
func (p *Publisher) Publish(ctx context.Context, ev eventbus.Event) error {
	_, err := p.PublishReturningID(ctx, ev)
	return err
}

// PublishReturningID writes ev to the Pulse stream and returns the
// Redis-assigned entry ID.
func (p *Publisher) PublishReturningID(ctx context.Context, ev eventbus.Event) (string, error) {
	str, err := p.client.Stream(p.streamName)
	if err != nil {
		return "", err
	}
	env := Envelope{Topic: ev.Topic, SessionID: ev.SessionID, Timestamp: time.Now().UTC(), Payload: ev.Payload}
	payload, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal pulse envelope: %w", err)
	}
	return str.Add(ctx, env.Topic, payload)
}

// Forward subscribes to every topic on local and publishes each event to
// the Pulse stream, blocking until ctx is canceled or local's subscription
// is closed. Wire this up wherever a process both runs the cascade engine
// and wants its events visible to other processes.
func (p *Publisher) Forward(ctx context.Context, local *eventbus.Bus) {
	ch, unsub := local.Subscribe("")
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := p.Publish(ctx, ev); err != nil {
				p.log.Warn(ctx, "pulse forward publish failed", "topic", ev.Topic, "error", err)
			}
		}
	}
}

// Close releases resources owned by the publisher's client.
func (p *Publisher) Close(ctx context.Context) error {
	return p.client.Close(ctx)
}
