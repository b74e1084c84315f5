// Package eventbus implements the in-process pub/sub bus described in
// spec §4.3: synchronous delivery in publish order, keyed by event type,
// with slow subscribers dropped rather than allowed to block the
// publisher. Grounded on the Pulse topic/subscriber shape used by
// features/stream/pulse in the teacher, stripped down to a single-process
// broadcaster (the durable, cross-process transport lives in
// features/bus/pulse).
package eventbus

import (
	"context"
	"sync"

	"goa.design/cascade/runtime/telemetry"
)

// Event types published across the cascade engine.
const (
	TopicSoundingStart    = "sounding_start"
	TopicSoundingComplete = "sounding_complete"
	TopicSoundingWinner   = "sounding_winner"
	TopicCostUpdate       = "cost_update"
	TopicModelsFiltered   = "models_filtered"
	TopicPhaseProgress    = "phase_progress"
	TopicLogError         = "log_error"
	TopicCheckpointTimeout = "checkpoint_timeout"
)

// Event is a typed envelope published on the bus.
type Event struct {
	Topic     string
	SessionID string
	Payload   any
}

// subscriberQueueSize bounds each subscriber's backlog; once full, further
// events are dropped for that subscriber with a one-time warning rather
// than blocking the publisher (spec §4.3: "publisher never blocks on
// subscribers").
const subscriberQueueSize = 256

type subscriber struct {
	ch      chan Event
	dropped bool
}

// Bus is a synchronous, in-process pub/sub keyed by topic.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]*subscriber
	log  telemetry.Logger
}

// New constructs an empty Bus.
func New(log telemetry.Logger) *Bus {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &Bus{subs: make(map[string][]*subscriber), log: log}
}

// Subscribe registers a channel-backed subscriber for topic and returns a
// receive channel plus an unsubscribe func. Passing "" subscribes to every
// topic.
func (b *Bus) Subscribe(topic string) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, subscriberQueueSize)}
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()
	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[topic]
		for i, s := range list {
			if s == sub {
				b.subs[topic] = append(list[:i], list[i+1:]...)
				close(sub.ch)
				break
			}
		}
	}
	return sub.ch, unsub
}

// Publish delivers ev to every subscriber of ev.Topic and to every
// wildcard ("") subscriber, in subscription order. Delivery is
// non-blocking per subscriber.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	b.mu.RLock()
	targets := append(append([]*subscriber{}, b.subs[ev.Topic]...), b.subs[""]...)
	b.mu.RUnlock()
	for _, sub := range targets {
		select {
		case sub.ch <- ev:
		default:
			if !sub.dropped {
				sub.dropped = true
				b.log.Warn(ctx, "eventbus dropping events for slow subscriber", "topic", ev.Topic)
			}
		}
	}
}
