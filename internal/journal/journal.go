package journal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rickgao/querywatch/internal/monitor"
)

// TableName is the journal table.
const TableName = "query_progress_events"

// flushTimeout bounds one background write. Background writes are not
// cancelled with the writer, so a write running when Stop is called completes.
const flushTimeout = 10 * time.Second

// Schema creates the journal table.
const Schema = `
CREATE TABLE IF NOT EXISTS query_progress_events (
	id               UUID PRIMARY KEY,
	query_id         TEXT NOT NULL,
	session_id       TEXT NOT NULL,
	kind             TEXT NOT NULL,
	status           TEXT,
	previous_status  TEXT,
	mode             TEXT,
	sequence         BIGINT,
	progress_percent DOUBLE PRECISION,
	message          TEXT,
	error            TEXT,
	occurred_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS query_progress_events_query_idx
	ON query_progress_events (query_id, occurred_at);
`

var columns = []string{
	"id", "query_id", "session_id", "kind", "status", "previous_status", "mode",
	"sequence", "progress_percent", "message", "error", "occurred_at",
}

// Copier is the subset of *pgxpool.Pool used for writes.
type Copier interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Execer runs schema statements.
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// EnsureSchema creates the journal table if it does not exist.
func EnsureSchema(ctx context.Context, db Execer) error {
	_, err := db.Exec(ctx, Schema)
	return err
}

// Config holds journal settings.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		FlushInterval: time.Second,
		BufferSize:    10000,
	}
}

// Metrics holds journal counters.
type Metrics struct {
	Recorded int64
	Dropped  int64
	Inserted int64
	Flushes  int64
	Errors   int64
}

// Writer batches events into the journal table. It implements
// monitor.EventSink.
type Writer struct {
	cfg    Config
	db     Copier
	logger *slog.Logger

	input chan monitor.Event

	// Batching
	batch   []row
	batchMu sync.Mutex

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metricsMu sync.Mutex
	metrics   Metrics
}

var _ monitor.EventSink = (*Writer)(nil)

// row is one journal record.
type row struct {
	ID              uuid.UUID
	QueryID         string
	SessionID       string
	Kind            string
	Status          *string
	PreviousStatus  *string
	Mode            *string
	Sequence        *int64
	ProgressPercent *float64
	Message         *string
	Error           *string
	OccurredAt      time.Time
}

func (r row) values() []any {
	return []any{
		r.ID, r.QueryID, r.SessionID, r.Kind, r.Status, r.PreviousStatus, r.Mode,
		r.Sequence, r.ProgressPercent, r.Message, r.Error, r.OccurredAt,
	}
}

// New creates a Writer.
func New(cfg Config, db Copier, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	return &Writer{
		cfg:    cfg,
		db:     db,
		logger: logger,
		input:  make(chan monitor.Event, cfg.BufferSize),
		batch:  make([]row, 0, cfg.BatchSize),
	}
}

// Record queues ev without blocking. Events are dropped when the buffer
// is full.
func (w *Writer) Record(ev monitor.Event) {
	select {
	case w.input <- ev:
		w.count(func(m *Metrics) { m.Recorded++ })
	default:
		w.count(func(m *Metrics) { m.Dropped++ })
	}
}

// Start begins consuming events and writing to the database.
func (w *Writer) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(2)
	go w.consumeLoop()
	go w.flushLoop()

	w.logger.Info("journal writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop stops the loops, writes whatever is buffered and returns.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping journal writer")

	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("journal writer stop timed out")
		return ctx.Err()
	}

	// Drain anything still queued, then a final flush.
	for {
		select {
		case ev := <-w.input:
			w.add(transform(ev))
			continue
		default:
		}
		break
	}
	w.flush(ctx)

	w.logger.Info("journal writer stopped")
	return nil
}

// Stats returns current metrics.
func (w *Writer) Stats() Metrics {
	w.metricsMu.Lock()
	defer w.metricsMu.Unlock()
	return w.metrics
}

func (w *Writer) count(fn func(*Metrics)) {
	w.metricsMu.Lock()
	fn(&w.metrics)
	w.metricsMu.Unlock()
}

// consumeLoop reads queued events and accumulates batches.
func (w *Writer) consumeLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case ev := <-w.input:
			if w.add(transform(ev)) {
				w.flushBackground()
			}
		}
	}
}

// flushLoop periodically flushes the batch.
func (w *Writer) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flushBackground()
		}
	}
}

func (w *Writer) flushBackground() {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(w.ctx), flushTimeout)
	defer cancel()
	w.flush(ctx)
}

// add appends r and reports whether the batch is full.
func (w *Writer) add(r row) bool {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	w.batch = append(w.batch, r)
	return len(w.batch) >= w.cfg.BatchSize
}

// transform converts an event into a journal row.
func transform(ev monitor.Event) row {
	r := row{
		ID:         uuid.New(),
		QueryID:    ev.QueryID,
		SessionID:  ev.SessionID,
		Kind:       ev.Kind.String(),
		OccurredAt: ev.At,
	}
	if r.OccurredAt.IsZero() {
		r.OccurredAt = time.Now()
	}

	switch ev.Kind {
	case monitor.EventStatusChanged:
		r.Status = ptr(string(ev.Status))
		if ev.Previous != "" {
			r.PreviousStatus = ptr(string(ev.Previous))
		}
		if ev.Mode != "" {
			r.Mode = ptr(string(ev.Mode))
		}
		if ev.Err != nil {
			r.Error = ptr(ev.Err.Error())
		}
	case monitor.EventProgress:
		if p := ev.Progress; p != nil {
			r.Sequence = ptr(p.Sequence)
			r.ProgressPercent = ptr(p.ProgressPercent)
			r.Message = nonEmpty(p.Message)
		}
	case monitor.EventError:
		if e := ev.Error; e != nil {
			r.Sequence = ptr(e.Sequence)
			r.Message = nonEmpty(e.Message)
			r.Error = nonEmpty(e.ErrorType)
		}
	case monitor.EventCompleted:
		if c := ev.Completion; c != nil {
			r.Sequence = ptr(c.Sequence)
			r.Status = ptr(c.Status)
			r.Message = nonEmpty(c.Message)
		}
	}
	return r
}

// flush writes the current batch to the database.
func (w *Writer) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]row, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()
	rows := make([][]any, len(batch))
	for i, r := range batch {
		rows[i] = r.values()
	}

	n, err := w.db.CopyFrom(ctx, pgx.Identifier{TableName}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		w.logger.Error("journal copy failed", "error", err, "count", len(batch))
		w.count(func(m *Metrics) { m.Errors++ })
		return
	}

	w.count(func(m *Metrics) {
		m.Inserted += n
		m.Flushes++
	})

	w.logger.Debug("flushed journal events",
		"count", n,
		"duration", time.Since(start),
	)
}

func ptr[T any](v T) *T {
	return &v
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
