// Package mongo wires session.Store and unifiedlog.Store to the Mongo
// client in clients/mongo. Grounded on features/session/mongo/store.go
// and features/runlog/mongo/store.go's thin delegating-Store pattern in
// the teacher.
package mongo

import (
	"context"
	"errors"

	clientsmongo "goa.design/cascade/features/store/mongo/clients/mongo"
	"goa.design/cascade/runtime/session"
)

// SessionStore implements session.Store by delegating to a Mongo client.
type SessionStore struct {
	client clientsmongo.Client
}

// NewSessionStore builds a SessionStore using the provided client.
func NewSessionStore(client clientsmongo.Client) (*SessionStore, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &SessionStore{client: client}, nil
}

func (s *SessionStore) Create(ctx context.Context, sessionID, cascadeID, parentSessionID string, depth int, metadata map[string]any) (session.Session, error) {
	return s.client.CreateSession(ctx, sessionID, cascadeID, parentSessionID, depth, metadata)
}

func (s *SessionStore) SetStatus(ctx context.Context, sessionID string, status session.Status, currentPhase, errMsg string) error {
	return s.client.SetSessionStatus(ctx, sessionID, status, currentPhase, errMsg)
}

func (s *SessionStore) Heartbeat(ctx context.Context, sessionID string) error {
	return s.client.Heartbeat(ctx, sessionID)
}

func (s *SessionStore) RequestCancel(ctx context.Context, sessionID, reason string) error {
	return s.client.RequestCancel(ctx, sessionID, reason)
}

func (s *SessionStore) IsCancelled(ctx context.Context, sessionID string) (bool, error) {
	return s.client.IsCancelled(ctx, sessionID)
}

func (s *SessionStore) Load(ctx context.Context, sessionID string) (session.Session, error) {
	return s.client.LoadSession(ctx, sessionID)
}

func (s *SessionStore) List(ctx context.Context, filter session.ListFilter) ([]session.Session, error) {
	return s.client.ListSessions(ctx, filter)
}
