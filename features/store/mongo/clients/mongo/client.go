// Package mongo implements the low-level MongoDB client shared by the
// session store and the unified log store (features/store/mongo).
// Grounded on features/session/mongo/clients/mongo/client.go (session
// document shape, upsert-on-create idempotency) and
// features/runlog/mongo/clients/mongo/client.go (append/cursor-query
// shape) in the teacher, merged into one client since both collections
// live in the same cascade-engine database.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/cascade/runtime/session"
	"goa.design/cascade/runtime/unifiedlog"
)

const (
	defaultSessionsCollection = "cascade_sessions"
	defaultRowsCollection     = "cascade_log_rows"
	defaultOpTimeout          = 5 * time.Second
	clientName                = "cascade-store-mongo"
)

// Client exposes Mongo-backed operations for both durable sessions and
// the unified log's append/query/mark-winner contract.
type Client interface {
	health.Pinger

	CreateSession(ctx context.Context, sessionID, cascadeID, parentSessionID string, depth int, metadata map[string]any) (session.Session, error)
	SetSessionStatus(ctx context.Context, sessionID string, status session.Status, currentPhase, errMsg string) error
	Heartbeat(ctx context.Context, sessionID string) error
	RequestCancel(ctx context.Context, sessionID, reason string) error
	IsCancelled(ctx context.Context, sessionID string) (bool, error)
	LoadSession(ctx context.Context, sessionID string) (session.Session, error)
	ListSessions(ctx context.Context, filter session.ListFilter) ([]session.Session, error)

	WriteRows(ctx context.Context, rows []unifiedlog.Row) error
	QueryRows(ctx context.Context, filter unifiedlog.Filter) ([]unifiedlog.Row, error)
	MarkWinner(ctx context.Context, sessionID, phaseName string, soundingIndex int) error
}

// Options configures the Mongo client.
type Options struct {
	Client             *mongodriver.Client
	Database           string
	SessionsCollection string
	RowsCollection     string
	Timeout            time.Duration
}

type client struct {
	mongo    *mongodriver.Client
	sessions *mongodriver.Collection
	rows     *mongodriver.Collection
	timeout  time.Duration
}

// New returns a Client backed by MongoDB, creating the indexes both
// collections need.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	sessionsCollection := opts.SessionsCollection
	if sessionsCollection == "" {
		sessionsCollection = defaultSessionsCollection
	}
	rowsCollection := opts.RowsCollection
	if rowsCollection == "" {
		rowsCollection = defaultRowsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}

	db := opts.Client.Database(opts.Database)
	sessions := db.Collection(sessionsCollection)
	rows := db.Collection(rowsCollection)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, sessions, rows); err != nil {
		return nil, err
	}
	return &client{mongo: opts.Client, sessions: sessions, rows: rows, timeout: timeout}, nil
}

func (c *client) Name() string { return clientName }

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// --- sessions ---

type sessionDocument struct {
	SessionID       string         `bson:"session_id"`
	CascadeID       string         `bson:"cascade_id"`
	ParentSessionID string         `bson:"parent_session_id,omitempty"`
	Depth           int            `bson:"depth"`
	Status          string         `bson:"status"`
	CurrentPhase    string         `bson:"current_phase,omitempty"`
	HeartbeatAt     time.Time      `bson:"heartbeat_at"`
	CreatedAt       time.Time      `bson:"created_at"`
	UpdatedAt       time.Time      `bson:"updated_at"`
	ErrorMessage    string         `bson:"error_message,omitempty"`
	CancelRequested bool           `bson:"cancel_requested"`
	Metadata        map[string]any `bson:"metadata,omitempty"`
}

func (d sessionDocument) toSession() session.Session {
	return session.Session{
		SessionID:       d.SessionID,
		CascadeID:       d.CascadeID,
		ParentSessionID: d.ParentSessionID,
		Depth:           d.Depth,
		Status:          session.Status(d.Status),
		CurrentPhase:    d.CurrentPhase,
		HeartbeatAt:     d.HeartbeatAt,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
		ErrorMessage:    d.ErrorMessage,
		CancelRequested: d.CancelRequested,
		Metadata:        d.Metadata,
	}
}

func (c *client) CreateSession(ctx context.Context, sessionID, cascadeID, parentSessionID string, depth int, metadata map[string]any) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	filter := bson.M{"session_id": sessionID}
	update := bson.M{
		// Idempotent insert: Create must never clobber an existing session
		// (a sounding/sub-cascade retry may re-issue the same session id).
		"$setOnInsert": bson.M{
			"session_id":        sessionID,
			"cascade_id":        cascadeID,
			"parent_session_id": parentSessionID,
			"depth":             depth,
			"status":            string(session.StatusQueued),
			"heartbeat_at":      now,
			"created_at":        now,
			"updated_at":        now,
			"cancel_requested":  false,
			"metadata":          metadata,
		},
	}
	if _, err := c.sessions.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true)); err != nil {
		return session.Session{}, err
	}
	return c.LoadSession(ctx, sessionID)
}

func (c *client) SetSessionStatus(ctx context.Context, sessionID string, status session.Status, currentPhase, errMsg string) error {
	existing, err := c.LoadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := session.ValidateTransition(existing.Status, status); err != nil {
		return err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	set := bson.M{"status": string(status), "updated_at": time.Now().UTC()}
	if currentPhase != "" {
		set["current_phase"] = currentPhase
	}
	if errMsg != "" {
		set["error_message"] = errMsg
	}
	_, err = c.sessions.UpdateOne(ctx, bson.M{"session_id": sessionID}, bson.M{"$set": set})
	return err
}

func (c *client) Heartbeat(ctx context.Context, sessionID string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res, err := c.sessions.UpdateOne(ctx, bson.M{"session_id": sessionID},
		bson.M{"$set": bson.M{"heartbeat_at": time.Now().UTC()}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return session.ErrNotFound
	}
	return nil
}

// RequestCancel sets cancel_requested on sessionID and every descendant,
// discovered by iterative BFS over parent_session_id since Mongo has no
// built-in parent-pointer recursion primitive as cheap as the in-memory
// store's recursive walk (session.MemoryStore.cancelTree).
func (c *client) RequestCancel(ctx context.Context, sessionID, reason string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if _, err := c.LoadSession(ctx, sessionID); err != nil {
		return err
	}

	frontier := []string{sessionID}
	seen := map[string]bool{}
	for len(frontier) > 0 {
		set := bson.M{"cancel_requested": true, "updated_at": time.Now().UTC()}
		if reason != "" {
			set["error_message"] = reason
		}
		if _, err := c.sessions.UpdateMany(ctx, bson.M{"session_id": bson.M{"$in": frontier}}, bson.M{"$set": set}); err != nil {
			return err
		}
		for _, id := range frontier {
			seen[id] = true
		}

		cur, err := c.sessions.Find(ctx, bson.M{"parent_session_id": bson.M{"$in": frontier}})
		if err != nil {
			return err
		}
		var next []string
		for cur.Next(ctx) {
			var doc sessionDocument
			if err := cur.Decode(&doc); err != nil {
				_ = cur.Close(ctx)
				return err
			}
			if !seen[doc.SessionID] {
				next = append(next, doc.SessionID)
			}
		}
		if err := cur.Err(); err != nil {
			_ = cur.Close(ctx)
			return err
		}
		_ = cur.Close(ctx)
		frontier = next
	}
	return nil
}

func (c *client) IsCancelled(ctx context.Context, sessionID string) (bool, error) {
	sess, err := c.LoadSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return sess.CancelRequested, nil
}

func (c *client) LoadSession(ctx context.Context, sessionID string) (session.Session, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc sessionDocument
	if err := c.sessions.FindOne(ctx, bson.M{"session_id": sessionID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return session.Session{}, session.ErrNotFound
		}
		return session.Session{}, err
	}
	return doc.toSession(), nil
}

func (c *client) ListSessions(ctx context.Context, filter session.ListFilter) ([]session.Session, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	q := bson.M{}
	if filter.Status != "" {
		q["status"] = string(filter.Status)
	}
	if filter.CascadeID != "" {
		q["cascade_id"] = filter.CascadeID
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	cur, err := c.sessions.Find(ctx, q, opts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []session.Session
	for cur.Next(ctx) {
		var doc sessionDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toSession())
	}
	return out, cur.Err()
}

// --- unified log rows ---

type rowDocument struct {
	Timestamp       time.Time `bson:"timestamp"`
	SessionID       string    `bson:"session_id"`
	TraceID         string    `bson:"trace_id,omitempty"`
	ParentID        string    `bson:"parent_id,omitempty"`
	ParentSessionID string    `bson:"parent_session_id,omitempty"`
	ParentMessageID string    `bson:"parent_message_id,omitempty"`
	Depth           int       `bson:"depth"`
	NodeType        string    `bson:"node_type,omitempty"`
	Role            string    `bson:"role,omitempty"`

	SoundingIndex    *int   `bson:"sounding_index,omitempty"`
	IsWinner         *bool  `bson:"is_winner,omitempty"`
	ReforgeStep      *int   `bson:"reforge_step,omitempty"`
	AttemptNumber    *int   `bson:"attempt_number,omitempty"`
	TurnNumber       *int   `bson:"turn_number,omitempty"`
	MutationApplied  *bool  `bson:"mutation_applied,omitempty"`
	MutationType     string `bson:"mutation_type,omitempty"`
	MutationTemplate string `bson:"mutation_template,omitempty"`
	SpeciesHash      string `bson:"species_hash,omitempty"`

	CascadeID   string `bson:"cascade_id,omitempty"`
	CascadeFile string `bson:"cascade_file,omitempty"`
	CascadeJSON []byte `bson:"cascade_json,omitempty"`
	PhaseName   string `bson:"phase_name,omitempty"`
	PhaseJSON   []byte `bson:"phase_json,omitempty"`

	Model          string   `bson:"model,omitempty"`
	ModelRequested string   `bson:"model_requested,omitempty"`
	RequestID      string   `bson:"request_id,omitempty"`
	Provider       string   `bson:"provider,omitempty"`
	DurationMS     int64    `bson:"duration_ms"`
	TokensIn       *int     `bson:"tokens_in,omitempty"`
	TokensOut      *int     `bson:"tokens_out,omitempty"`
	Cost           *float64 `bson:"cost,omitempty"`

	ContentJSON      []byte `bson:"content_json,omitempty"`
	FullRequestJSON  []byte `bson:"full_request_json,omitempty"`
	FullResponseJSON []byte `bson:"full_response_json,omitempty"`
	ToolCallsJSON    []byte `bson:"tool_calls_json,omitempty"`
	ImagesJSON       []byte `bson:"images_json,omitempty"`
	HasImages        bool   `bson:"has_images"`
	HasBase64        bool   `bson:"has_base64"`

	SemanticActor   string `bson:"semantic_actor,omitempty"`
	SemanticPurpose string `bson:"semantic_purpose,omitempty"`

	IsCallout    bool   `bson:"is_callout"`
	CalloutName  string `bson:"callout_name,omitempty"`
	MetadataJSON []byte `bson:"metadata_json,omitempty"`
}

func fromRow(r unifiedlog.Row) rowDocument {
	return rowDocument{
		Timestamp: r.Timestamp, SessionID: r.SessionID, TraceID: r.TraceID,
		ParentID: r.ParentID, ParentSessionID: r.ParentSessionID, ParentMessageID: r.ParentMessageID,
		Depth: r.Depth, NodeType: r.NodeType, Role: r.Role,
		SoundingIndex: r.SoundingIndex, IsWinner: r.IsWinner, ReforgeStep: r.ReforgeStep,
		AttemptNumber: r.AttemptNumber, TurnNumber: r.TurnNumber, MutationApplied: r.MutationApplied,
		MutationType: r.MutationType, MutationTemplate: r.MutationTemplate, SpeciesHash: r.SpeciesHash,
		CascadeID: r.CascadeID, CascadeFile: r.CascadeFile, CascadeJSON: []byte(r.CascadeJSON),
		PhaseName: r.PhaseName, PhaseJSON: []byte(r.PhaseJSON),
		Model: r.Model, ModelRequested: r.ModelRequested, RequestID: r.RequestID, Provider: r.Provider,
		DurationMS: r.DurationMS, TokensIn: r.TokensIn, TokensOut: r.TokensOut, Cost: r.Cost,
		ContentJSON: []byte(r.ContentJSON), FullRequestJSON: []byte(r.FullRequestJSON),
		FullResponseJSON: []byte(r.FullResponseJSON), ToolCallsJSON: []byte(r.ToolCallsJSON),
		ImagesJSON: []byte(r.ImagesJSON), HasImages: r.HasImages, HasBase64: r.HasBase64,
		SemanticActor: string(r.SemanticActor), SemanticPurpose: string(r.SemanticPurpose),
		IsCallout: r.IsCallout, CalloutName: r.CalloutName, MetadataJSON: []byte(r.MetadataJSON),
	}
}

func (d rowDocument) toRow() unifiedlog.Row {
	return unifiedlog.Row{
		Timestamp: d.Timestamp, SessionID: d.SessionID, TraceID: d.TraceID,
		ParentID: d.ParentID, ParentSessionID: d.ParentSessionID, ParentMessageID: d.ParentMessageID,
		Depth: d.Depth, NodeType: d.NodeType, Role: d.Role,
		SoundingIndex: d.SoundingIndex, IsWinner: d.IsWinner, ReforgeStep: d.ReforgeStep,
		AttemptNumber: d.AttemptNumber, TurnNumber: d.TurnNumber, MutationApplied: d.MutationApplied,
		MutationType: d.MutationType, MutationTemplate: d.MutationTemplate, SpeciesHash: d.SpeciesHash,
		CascadeID: d.CascadeID, CascadeFile: d.CascadeFile, CascadeJSON: d.CascadeJSON,
		PhaseName: d.PhaseName, PhaseJSON: d.PhaseJSON,
		Model: d.Model, ModelRequested: d.ModelRequested, RequestID: d.RequestID, Provider: d.Provider,
		DurationMS: d.DurationMS, TokensIn: d.TokensIn, TokensOut: d.TokensOut, Cost: d.Cost,
		ContentJSON: d.ContentJSON, FullRequestJSON: d.FullRequestJSON,
		FullResponseJSON: d.FullResponseJSON, ToolCallsJSON: d.ToolCallsJSON,
		ImagesJSON: d.ImagesJSON, HasImages: d.HasImages, HasBase64: d.HasBase64,
		SemanticActor: unifiedlog.SemanticActor(d.SemanticActor), SemanticPurpose: unifiedlog.SemanticPurpose(d.SemanticPurpose),
		IsCallout: d.IsCallout, CalloutName: d.CalloutName, MetadataJSON: d.MetadataJSON,
	}
}

func (c *client) WriteRows(ctx context.Context, rows []unifiedlog.Row) error {
	if len(rows) == 0 {
		return nil
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	docs := make([]any, len(rows))
	for i, r := range rows {
		docs[i] = fromRow(r)
	}
	_, err := c.rows.InsertMany(ctx, docs)
	return err
}

func (c *client) QueryRows(ctx context.Context, filter unifiedlog.Filter) ([]unifiedlog.Row, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	q := bson.M{}
	if filter.SessionID != "" {
		q["session_id"] = filter.SessionID
	}
	if filter.PhaseName != "" {
		q["phase_name"] = filter.PhaseName
	}
	if filter.TraceID != "" {
		q["trace_id"] = filter.TraceID
	}
	if filter.SoundingIdx != nil {
		q["sounding_index"] = *filter.SoundingIdx
	}
	if filter.IsWinner != nil {
		q["is_winner"] = *filter.IsWinner
	}
	if !filter.Since.IsZero() {
		q["timestamp"] = bson.M{"$gte": filter.Since}
	}
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	cur, err := c.rows.Find(ctx, q, opts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []unifiedlog.Row
	for cur.Next(ctx) {
		var doc rowDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toRow())
	}
	return out, cur.Err()
}

func (c *client) MarkWinner(ctx context.Context, sessionID, phaseName string, soundingIndex int) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	t := true
	filter := bson.M{"session_id": sessionID, "phase_name": phaseName, "sounding_index": soundingIndex}
	_, err := c.rows.UpdateMany(ctx, filter, bson.M{"$set": bson.M{"is_winner": t}})
	return err
}

func ensureIndexes(ctx context.Context, sessions, rows *mongodriver.Collection) error {
	sessionIdx := mongodriver.IndexModel{Keys: bson.D{{Key: "session_id", Value: 1}}, Options: options.Index().SetUnique(true)}
	if _, err := sessions.Indexes().CreateOne(ctx, sessionIdx); err != nil {
		return fmt.Errorf("session_id index: %w", err)
	}
	parentIdx := mongodriver.IndexModel{Keys: bson.D{{Key: "parent_session_id", Value: 1}}}
	if _, err := sessions.Indexes().CreateOne(ctx, parentIdx); err != nil {
		return fmt.Errorf("parent_session_id index: %w", err)
	}
	rowSessionPhaseIdx := mongodriver.IndexModel{
		Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "phase_name", Value: 1}, {Key: "sounding_index", Value: 1}},
	}
	if _, err := rows.Indexes().CreateOne(ctx, rowSessionPhaseIdx); err != nil {
		return fmt.Errorf("rows session/phase index: %w", err)
	}
	rowTimeIdx := mongodriver.IndexModel{Keys: bson.D{{Key: "timestamp", Value: 1}}}
	if _, err := rows.Indexes().CreateOne(ctx, rowTimeIdx); err != nil {
		return fmt.Errorf("rows timestamp index: %w", err)
	}
	return nil
}
