// Package session defines the durable Session record and the Store
// interface SessionStore implementations (in-memory for tests, Mongo for
// production) satisfy. Grounded on runtime/agent/session/session.go in the
// teacher, generalized from agent runs to cascade sessions.
package session

import (
	"context"
	"errors"
	"time"
)

// Status is the coarse-grained lifecycle state of a session.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusBlocked   Status = "blocked"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
	StatusOrphaned  Status = "orphaned"
)

// terminal reports whether a status is one a session cannot transition out
// of.
func (s Status) terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCancelled:
		return true
	default:
		return false
	}
}

// legalTransitions enumerates the status graph; ValidateTransition rejects
// any change of status not listed here, e.g. completed -> running.
var legalTransitions = map[Status]map[Status]bool{
	StatusQueued:    {StatusRunning: true, StatusCancelled: true, StatusError: true},
	StatusRunning:   {StatusBlocked: true, StatusCompleted: true, StatusError: true, StatusCancelled: true, StatusOrphaned: true},
	StatusBlocked:   {StatusRunning: true, StatusCompleted: true, StatusError: true, StatusCancelled: true, StatusOrphaned: true},
	StatusOrphaned:  {StatusRunning: true, StatusError: true, StatusCancelled: true},
	StatusCompleted: {},
	StatusError:     {},
	StatusCancelled: {},
}

// ErrAlreadyExists is returned by Create when session_id is already in use.
var ErrAlreadyExists = errors.New("session already exists")

// ErrNotFound is returned when no session record exists for the given id.
var ErrNotFound = errors.New("session not found")

// ErrIllegalTransition is returned by Store.SetStatus when the requested
// transition is not permitted from the session's current status.
var ErrIllegalTransition = errors.New("illegal session status transition")

// Session is the durable record tracked per cascade run. At most one
// Session exists per SessionID; child sessions (cascade-level soundings,
// sub-cascades, async cascades) reference an existing ParentSessionID.
type Session struct {
	SessionID       string
	CascadeID       string
	ParentSessionID string
	Depth           int
	Status          Status
	CurrentPhase    string
	HeartbeatAt     time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ErrorMessage    string
	CancelRequested bool
	Metadata        map[string]any
}

// ListFilter narrows Store.List results for observability callers.
type ListFilter struct {
	Status    Status
	CascadeID string
	Limit     int
}

// Store is the durable SessionStore contract (spec §4.2/§6).
type Store interface {
	Create(ctx context.Context, sessionID, cascadeID, parentSessionID string, depth int, metadata map[string]any) (Session, error)
	SetStatus(ctx context.Context, sessionID string, status Status, currentPhase, errMsg string) error
	Heartbeat(ctx context.Context, sessionID string) error
	RequestCancel(ctx context.Context, sessionID, reason string) error
	IsCancelled(ctx context.Context, sessionID string) (bool, error)
	Load(ctx context.Context, sessionID string) (Session, error)
	List(ctx context.Context, filter ListFilter) ([]Session, error)
}

// ValidateTransition reports whether moving from `from` to `to` is legal,
// matching spec §4.2's "rejects illegal transitions" requirement. A write
// of the current status is always accepted, terminal states included, so
// repeated status writes are idempotent; a terminal state accepts no move to
// a different status.
func ValidateTransition(from, to Status) error {
	if from == to {
		return nil
	}
	if from.terminal() {
		return ErrIllegalTransition
	}
	if legalTransitions[from][to] {
		return nil
	}
	return ErrIllegalTransition
}
