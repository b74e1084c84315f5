package unifiedlog

import (
	"context"
	"sort"
	"sync"
	"time"

	"goa.design/cascade/runtime/eventbus"
	"goa.design/cascade/runtime/telemetry"
)

// Store is the durable backing store a Log writes its ready buffer to and
// reads Query from. features/store/mongo implements this for production;
// MemoryStore implements it for tests and the in-process CLI example.
type Store interface {
	WriteBatch(ctx context.Context, rows []Row) error
	Query(ctx context.Context, filter Filter) ([]Row, error)
	MarkWinner(ctx context.Context, sessionID, phaseName string, soundingIndex int) error
}

// CostLookup resolves a provider request id to its eventual cost/token
// accounting. features/model/* adapters implement this against their
// concrete provider's usage-reporting API.
type CostLookup interface {
	LookupCost(ctx context.Context, requestID string) (cost float64, tokensIn, tokensOut int, provider string, ok bool, err error)
}

// Config tunes the buffering/resolver policy; zero-valued fields take the
// spec-mandated defaults.
type Config struct {
	CostFetchDelay  time.Duration // default 3s
	MaxWait         time.Duration // default 15s
	PollInterval    time.Duration // default 500ms
	FlushBatchSize  int           // default 100
	FlushInterval   time.Duration // default 10s
}

func (c Config) withDefaults() Config {
	if c.CostFetchDelay <= 0 {
		c.CostFetchDelay = 3 * time.Second
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 15 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.FlushBatchSize <= 0 {
		c.FlushBatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 10 * time.Second
	}
	return c
}

type pendingRow struct {
	row      Row
	queuedAt time.Time
	attempts int
}

// Log is the append-only event sink. Log(row) enqueues into either the
// pending-cost buffer (rows awaiting async cost/token resolution) or the
// ready buffer (everything else), per spec §4.1.
type Log struct {
	cfg   Config
	store Store
	bus   *eventbus.Bus
	log   telemetry.Logger

	mu      sync.Mutex
	ready   []Row
	pending []*pendingRow

	lastFlush time.Time
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New constructs a Log. Start must be called to run the background cost
// resolver and periodic flush; tests that only exercise buffering logic
// can skip Start and call Flush directly.
func New(store Store, bus *eventbus.Bus, log telemetry.Logger, cfg Config) *Log {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &Log{
		cfg:       cfg.withDefaults(),
		store:     store,
		bus:       bus,
		log:       log,
		lastFlush: time.Now(),
	}
}

// LogRow enqueues a row per spec §4.1: rows with an unresolved assistant
// request id go to the pending-cost buffer tagged with queued_at; all
// others go straight to ready.
func (l *Log) LogRow(row Row) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if row.Timestamp.IsZero() {
		row.Timestamp = time.Now()
	}
	if row.NeedsCostResolution() {
		l.pending = append(l.pending, &pendingRow{row: row, queuedAt: time.Now()})
		return
	}
	l.ready = append(l.ready, row)
}

// Start launches the background cost-resolver goroutine (polls every
// PollInterval) and returns a stop func. Safe to call at most once.
func (l *Log) Start(ctx context.Context, lookup CostLookup) (stop func()) {
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	go l.resolverLoop(ctx, lookup)
	return func() {
		close(l.stopCh)
		<-l.doneCh
	}
}

func (l *Log) resolverLoop(ctx context.Context, lookup CostLookup) {
	defer close(l.doneCh)
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			l.Flush(context.Background(), lookup)
			return
		case <-l.stopCh:
			l.Flush(context.Background(), lookup)
			return
		case <-ticker.C:
			l.resolveOnce(ctx, lookup)
			l.maybeFlushReady(ctx)
		}
	}
}

// backoffSchedule mirrors spec §4.1: retries with backoff [0,1,2,3]s.
var backoffSchedule = []time.Duration{0, time.Second, 2 * time.Second, 3 * time.Second}

func (l *Log) resolveOnce(ctx context.Context, lookup CostLookup) {
	l.mu.Lock()
	due := make([]*pendingRow, 0, len(l.pending))
	still := l.pending[:0]
	for _, p := range l.pending {
		if time.Since(p.queuedAt) >= l.cfg.CostFetchDelay {
			due = append(due, p)
		} else {
			still = append(still, p)
		}
	}
	l.pending = still
	l.mu.Unlock()

	for _, p := range due {
		l.resolveOne(ctx, lookup, p)
	}
}

func (l *Log) resolveOne(ctx context.Context, lookup CostLookup, p *pendingRow) {
	age := time.Since(p.queuedAt)
	if lookup != nil {
		idx := p.attempts
		if idx >= len(backoffSchedule) {
			idx = len(backoffSchedule) - 1
		}
		if backoffSchedule[idx] > 0 {
			time.Sleep(backoffSchedule[idx])
		}
		cost, tokensIn, tokensOut, provider, ok, err := lookup.LookupCost(ctx, p.row.RequestID)
		p.attempts++
		if err == nil && ok {
			c := cost
			ti, to := tokensIn, tokensOut
			p.row.Cost = &c
			p.row.TokensIn = &ti
			p.row.TokensOut = &to
			p.row.Provider = provider
			l.commitResolved(ctx, p.row)
			return
		}
	}
	if age >= l.cfg.MaxWait {
		// flush without cost, per spec §4.1 "after max_wait the row is
		// flushed without cost".
		l.mu.Lock()
		l.ready = append(l.ready, p.row)
		l.mu.Unlock()
		return
	}
	l.mu.Lock()
	l.pending = append(l.pending, p)
	l.mu.Unlock()
}

func (l *Log) commitResolved(ctx context.Context, row Row) {
	l.mu.Lock()
	l.ready = append(l.ready, row)
	l.mu.Unlock()
	var tokensIn, tokensOut int
	if row.TokensIn != nil {
		tokensIn = *row.TokensIn
	}
	if row.TokensOut != nil {
		tokensOut = *row.TokensOut
	}
	var cost float64
	if row.Cost != nil {
		cost = *row.Cost
	}
	l.bus.Publish(ctx, eventbus.Event{
		Topic:     eventbus.TopicCostUpdate,
		SessionID: row.SessionID,
		Payload: map[string]any{
			"trace_id":   row.TraceID,
			"session_id": row.SessionID,
			"phase_name": row.PhaseName,
			"cost":       cost,
			"tokens_in":  tokensIn,
			"tokens_out": tokensOut,
		},
	})
}

func (l *Log) maybeFlushReady(ctx context.Context) {
	l.mu.Lock()
	due := len(l.ready) >= l.cfg.FlushBatchSize || time.Since(l.lastFlush) >= l.cfg.FlushInterval
	l.mu.Unlock()
	if due {
		l.writeReady(ctx)
	}
}

func (l *Log) writeReady(ctx context.Context) {
	l.mu.Lock()
	if len(l.ready) == 0 {
		l.lastFlush = time.Now()
		l.mu.Unlock()
		return
	}
	batch := l.ready
	l.ready = nil
	l.mu.Unlock()

	if err := l.store.WriteBatch(ctx, batch); err != nil {
		// Flush failures must not lose data (spec §4.1): put the batch
		// back and surface the error via the event bus; retry next flush.
		l.mu.Lock()
		l.ready = append(batch, l.ready...)
		l.mu.Unlock()
		l.log.Error(ctx, "unifiedlog flush failed, rows retained for retry", "error", err, "rows", len(batch))
		l.bus.Publish(ctx, eventbus.Event{Topic: eventbus.TopicLogError, Payload: err.Error()})
		return
	}
	l.mu.Lock()
	l.lastFlush = time.Now()
	l.mu.Unlock()
}

// Flush drains both buffers (spec §4.1 flush()). Each pending-cost item
// gets one synchronous cost lookup; an item that lookup does not resolve is
// written without cost at once, without waiting for MaxWait. Used for the
// process-exit handler and the cost-resolver shutdown path.
func (l *Log) Flush(ctx context.Context, lookup CostLookup) {
	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, p := range pending {
		l.resolveOne(ctx, lookup, p)
	}
	// resolveOne re-queues unresolved rows younger than MaxWait; Flush
	// moves everything still pending to ready so both buffers end empty.
	l.mu.Lock()
	for _, p := range l.pending {
		l.ready = append(l.ready, p.row)
	}
	l.pending = nil
	l.mu.Unlock()
	l.writeReady(ctx)
}

// Query reads rows matching filter. Implementations may use a columnar
// store; the in-memory path here is a linear scan over whatever the Store
// already persisted plus anything still buffered, sorted by timestamp
// (spec §4.1 "no cross-row ordering guarantee beyond timestamp").
func (l *Log) Query(ctx context.Context, filter Filter) ([]Row, error) {
	rows, err := l.store.Query(ctx, filter)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	for _, r := range l.ready {
		if filter.matches(r) {
			rows = append(rows, r)
		}
	}
	for _, p := range l.pending {
		if filter.matches(p.row) {
			rows = append(rows, p.row)
		}
	}
	l.mu.Unlock()
	sort.Slice(rows, func(i, j int) bool { return rows[i].Timestamp.Before(rows[j].Timestamp) })
	if filter.Limit > 0 && len(rows) > filter.Limit {
		rows = rows[:filter.Limit]
	}
	return rows, nil
}

// MarkWinner range-updates is_winner=true on every buffered/stored row
// matching (session_id, phase_name, sounding_index), per spec §3's winner
// invariant. Idempotent: repeated calls yield the same log state (§8
// property 8).
func (l *Log) MarkWinner(ctx context.Context, sessionID, phaseName string, soundingIndex int) error {
	t := true
	l.mu.Lock()
	for i := range l.ready {
		r := &l.ready[i]
		if r.SessionID == sessionID && r.PhaseName == phaseName && r.SoundingIndex != nil && *r.SoundingIndex == soundingIndex {
			r.IsWinner = &t
		}
	}
	l.mu.Unlock()
	return l.store.MarkWinner(ctx, sessionID, phaseName, soundingIndex)
}
