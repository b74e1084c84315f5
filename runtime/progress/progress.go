// Package progress implements ProgressReporter (spec §2: "Publishes
// phase-stage progress (turn, ward, tool) derived from runner events"). A
// Reporter subscribes to the cascade's EventBus wildcard topic and folds
// phase_progress/sounding_*/cost_update events into a live per-session
// summary a UI can poll without touching the UnifiedLog. Grounded on
// runtime/agent/hooks/bus.go's Subscriber/fan-out pattern, adapted from a
// synchronous halt-on-error subscriber chain to a best-effort progress
// fold that never blocks the publishing runner.
package progress

import (
	"sync"

	"goa.design/cascade/runtime/eventbus"
)

// Summary is the latest known execution stage for one session.
type Summary struct {
	SessionID      string
	Phase          string
	Turn           int
	Attempt        int
	Ward           string
	Tool           string
	SoundingsTotal int
	SoundingsDone  int
	LastCost       float64
}

// Reporter folds events from a Bus into a live per-session Summary table.
// The zero value is not usable; construct with New.
type Reporter struct {
	mu        sync.Mutex
	summaries map[string]Summary
	ch        <-chan eventbus.Event
	unsub     func()
	done      chan struct{}
}

// New subscribes r to every event bus publishes (the wildcard topic) and
// starts folding them into per-session summaries in a background
// goroutine. Call Stop to unsubscribe and let the goroutine exit.
func New(bus *eventbus.Bus) *Reporter {
	ch, unsub := bus.Subscribe("")
	r := &Reporter{summaries: make(map[string]Summary), ch: ch, unsub: unsub, done: make(chan struct{})}
	go r.run()
	return r
}

func (r *Reporter) run() {
	defer close(r.done)
	for ev := range r.ch {
		r.apply(ev)
	}
}

func (r *Reporter) apply(ev eventbus.Event) {
	payload, _ := ev.Payload.(map[string]any)

	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.summaries[ev.SessionID]
	s.SessionID = ev.SessionID

	switch ev.Topic {
	case eventbus.TopicPhaseProgress:
		if v, ok := payload["phase"].(string); ok {
			s.Phase = v
		}
		if v, ok := payload["turn"].(int); ok {
			s.Turn = v
		}
		if v, ok := payload["attempt"].(int); ok {
			s.Attempt = v
		}
		if v, ok := payload["ward"].(string); ok {
			s.Ward = v
		}
		if v, ok := payload["tool"].(string); ok {
			s.Tool = v
		}
	case eventbus.TopicSoundingStart:
		s.SoundingsDone = 0
		if v, ok := payload["factor"].(int); ok {
			s.SoundingsTotal = v
		}
	case eventbus.TopicSoundingComplete:
		s.SoundingsDone++
	case eventbus.TopicCostUpdate:
		if v, ok := payload["cost"].(float64); ok {
			s.LastCost = v
		}
	}

	r.summaries[ev.SessionID] = s
}

// Snapshot returns the current summary for sessionID and whether anything
// has been observed for it yet.
func (r *Reporter) Snapshot(sessionID string) (Summary, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.summaries[sessionID]
	return s, ok
}

// Stop unsubscribes from the bus and waits for the drain goroutine to
// exit. A second call is a no-op: the bus no longer holds the subscriber
// and the drain goroutine has already exited.
func (r *Reporter) Stop() {
	r.unsub()
	<-r.done
}
