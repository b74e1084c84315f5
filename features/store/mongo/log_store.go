package mongo

import (
	"context"
	"errors"

	clientsmongo "goa.design/cascade/features/store/mongo/clients/mongo"
	"goa.design/cascade/runtime/unifiedlog"
)

// LogStore implements unifiedlog.Store by delegating to a Mongo client.
type LogStore struct {
	client clientsmongo.Client
}

// NewLogStore builds a LogStore using the provided client.
func NewLogStore(client clientsmongo.Client) (*LogStore, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &LogStore{client: client}, nil
}

func (s *LogStore) WriteBatch(ctx context.Context, rows []unifiedlog.Row) error {
	return s.client.WriteRows(ctx, rows)
}

func (s *LogStore) Query(ctx context.Context, filter unifiedlog.Filter) ([]unifiedlog.Row, error) {
	return s.client.QueryRows(ctx, filter)
}

func (s *LogStore) MarkWinner(ctx context.Context, sessionID, phaseName string, soundingIndex int) error {
	return s.client.MarkWinner(ctx, sessionID, phaseName, soundingIndex)
}
