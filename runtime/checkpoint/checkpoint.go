// Package checkpoint implements the suspension/response protocol of spec
// §4.12: creating a checkpoint record blocks the calling runner until a
// response is posted (typically by a human through a UI) or a timeout
// elapses. Modeled as a promise/future keyed by checkpoint id, per spec
// §9's design note, grounded on the signal-based pause/resume/
// clarification/tool-results protocol in
// runtime/agent/interrupt/controller.go — the checkpoint id here plays the
// role that Controller's per-signal channel plays there, generalized to
// four suspension kinds instead of two.
package checkpoint

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type enumerates the kinds of suspension a phase can request.
type Type string

const (
	TypePhaseInput  Type = "PHASE_INPUT"
	TypeDecision    Type = "DECISION"
	TypeSoundingEval Type = "SOUNDING_EVAL"
	TypeAudible     Type = "AUDIBLE"
)

// UISection is one rendering unit of a checkpoint's ui_spec (spec §4.12):
// the engine never renders it, only produces and consumes it.
type UISection struct {
	Type          string // preview | text | choice | card_grid | image
	InputName     string
	Options       []string
	Required      bool
	Multiline     bool
	SelectionMode string
}

// Record is a suspension record delivered to a UI layer.
type Record struct {
	ID               string
	SessionID        string
	CascadeID        string
	PhaseName        string
	Type             Type
	UISpec           []UISection
	PhaseOutput      string
	SoundingOutputs  []string
	SoundingMetadata []map[string]any
	TimeoutSeconds   int
	TraceContext     map[string]string
	CreatedAt        time.Time
}

// Response is whatever a UI posts back for a checkpoint id. Shape varies
// by Type; callers type-assert fields out of Values.
type Response struct {
	Values map[string]any
}

type waiter struct {
	respCh chan *Response
	once   sync.Once
}

// Manager creates checkpoints and blocks callers until a response or
// timeout. One Manager is shared process-wide; Store, if set, persists
// Records for UI listing/recovery across process restarts.
type Manager struct {
	mu      sync.Mutex
	waiters map[string]*waiter
	store   Store
}

// Store optionally persists checkpoint records so a UI can list pending
// checkpoints independent of the in-memory waiter map (e.g. after a
// process restart backed by Temporal's own durable signal history).
type Store interface {
	Save(ctx context.Context, rec Record) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, sessionID string) ([]Record, error)
}

// NewManager constructs a Manager. store may be nil, in which case
// checkpoints are only visible through whatever channel delivered Record
// to the UI at creation time (e.g. an EventBus publish).
func NewManager(store Store) *Manager {
	return &Manager{waiters: make(map[string]*waiter), store: store}
}

// Create registers a new checkpoint and returns its Record (with a
// generated ID) for delivery to a UI.
func (m *Manager) Create(ctx context.Context, rec Record) (Record, error) {
	rec.ID = uuid.NewString()
	rec.CreatedAt = time.Now()

	m.mu.Lock()
	m.waiters[rec.ID] = &waiter{respCh: make(chan *Response, 1)}
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Save(ctx, rec); err != nil {
			return Record{}, err
		}
	}
	return rec, nil
}

// WaitForResponse blocks until PostResponse(id, ...) is called, ctx is
// cancelled (treated as a cancellation request, per spec §5), or timeout
// elapses. Returns (nil, nil) on timeout or cancellation, matching spec
// §4.12's "timeout returns null; request_cancel also returns null".
func (m *Manager) WaitForResponse(ctx context.Context, id string, timeout time.Duration) (*Response, error) {
	m.mu.Lock()
	w, ok := m.waiters[id]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case resp := <-w.respCh:
		m.cleanup(ctx, id)
		return resp, nil
	case <-timeoutCh:
		m.cleanup(ctx, id)
		return nil, nil
	case <-ctx.Done():
		m.cleanup(ctx, id)
		return nil, nil
	}
}

// PostResponse fulfills the waiting future for id. Called externally by a
// UI layer; ok is false if no checkpoint with that id is currently
// waiting (already resolved or unknown).
func (m *Manager) PostResponse(ctx context.Context, id string, resp Response) (ok bool) {
	m.mu.Lock()
	w, exists := m.waiters[id]
	m.mu.Unlock()
	if !exists {
		return false
	}
	fulfilled := false
	w.once.Do(func() {
		w.respCh <- &resp
		fulfilled = true
	})
	return fulfilled
}

func (m *Manager) cleanup(ctx context.Context, id string) {
	m.mu.Lock()
	delete(m.waiters, id)
	m.mu.Unlock()
	if m.store != nil {
		_ = m.store.Delete(ctx, id)
	}
}
