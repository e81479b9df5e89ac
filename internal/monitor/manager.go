package monitor

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/rickgao/querywatch/internal/metrics"
	"github.com/rickgao/querywatch/internal/model"
	"github.com/rickgao/querywatch/internal/notify"
	"github.com/rickgao/querywatch/internal/reconnect"
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithAggregator sets the metrics aggregator.
func WithAggregator(agg *metrics.Aggregator) Option {
	return func(m *Manager) {
		m.agg = agg
	}
}

// WithNotifications sets the notification queue.
func WithNotifications(q *notify.Queue) Option {
	return func(m *Manager) {
		m.notes = q
	}
}

// WithSink sets a sink that receives every delivered event.
func WithSink(sink EventSink) Option {
	return func(m *Manager) {
		m.sink = sink
	}
}

// WithJitterSource overrides the random source of the reconnect policy.
func WithJitterSource(source func() float64) Option {
	return func(m *Manager) {
		m.jitter = source
	}
}

// Manager is the registry of monitoring sessions keyed by query ID.
type Manager struct {
	cfg     Config
	factory TransportFactory
	policy  reconnect.Policy
	agg     *metrics.Aggregator
	notes   *notify.Queue
	sink    EventSink
	limiter *rate.Limiter
	logger  *slog.Logger
	jitter  func() float64

	ctx    context.Context
	cancel context.CancelFunc

	nextObserverID atomic.Uint64

	mu       sync.Mutex
	sessions map[string]*session
	shutdown bool
}

// NewManager creates a Manager.
func NewManager(cfg Config, factory TransportFactory, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg.withDefaults(),
		factory:  factory,
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.agg == nil {
		m.agg = metrics.NewAggregator()
	}
	if m.notes == nil {
		m.notes = notify.NewQueue(notify.DefaultConfig(), notify.WithLogger(m.logger))
	}

	m.policy = reconnect.New(m.cfg.Reconnect, m.jitter)
	m.limiter = rate.NewLimiter(m.cfg.UpgradeRate, m.cfg.UpgradeBurst)
	m.ctx, m.cancel = context.WithCancel(context.Background())

	return m
}

// Handle identifies one observer registration.
type Handle struct {
	m       *Manager
	s       *session
	id      uint64
	detach  sync.Once
	QueryID string
}

// SessionID returns the ID of the session the observer is attached to.
func (h *Handle) SessionID() string {
	return h.s.id
}

// Status returns the current state of the monitored query.
func (h *Handle) Status() (Snapshot, bool) {
	return h.m.GetConnectionStatus(h.QueryID)
}

// Detach removes the observer. The session keeps running.
func (h *Handle) Detach() {
	h.detach.Do(func() {
		h.s.detach(h.id)
	})
}

// StartMonitoring attaches obs to the session for queryID, creating and
// starting the session if needed. It never waits for a transport. A
// session that gave up is replaced by a fresh one.
func (m *Manager) StartMonitoring(queryID string, obs Observer) (*Handle, error) {
	if queryID == "" {
		return nil, ErrEmptyQueryID
	}

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}

	var stale *session
	s, ok := m.sessions[queryID]
	if ok && s.Snapshot().Status == model.StatusError {
		stale = s
		ok = false
	}

	created := false
	if !ok {
		s = newSession(m, queryID)
		m.sessions[queryID] = s
		created = true
	}

	var id uint64
	if obs != nil {
		id = s.attach(obs)
	}
	m.mu.Unlock()

	if stale != nil {
		stale.stop()
		m.logger.Info("restarting failed session", "query_id", queryID)
	}
	if created {
		s.start()
		m.logger.Info("monitoring started", "query_id", queryID, "session_id", s.id)
	}

	return &Handle{m: m, s: s, id: id, QueryID: queryID}, nil
}

// StopMonitoring stops and removes the session for queryID. Unknown IDs
// are ignored. Once it returns no new event is handed to observers; a
// callback that was already running may still finish, so observers may
// call StopMonitoring themselves.
func (m *Manager) StopMonitoring(queryID string) {
	m.mu.Lock()
	s, ok := m.sessions[queryID]
	if ok {
		delete(m.sessions, queryID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	s.stop()
	m.logger.Info("monitoring stopped", "query_id", queryID)
}

// release removes s after its grace period, unless it was replaced.
func (m *Manager) release(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessions[s.queryID] == s {
		delete(m.sessions, s.queryID)
	}
}

func (m *Manager) lookup(queryID string) (*session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[queryID]
	return s, ok
}

// GetConnectionStatus returns the session state for queryID.
func (m *Manager) GetConnectionStatus(queryID string) (Snapshot, bool) {
	s, ok := m.lookup(queryID)
	if !ok {
		return Snapshot{}, false
	}
	return s.Snapshot(), true
}

// GetConnectionMetrics returns the session metrics for queryID.
func (m *Manager) GetConnectionMetrics(queryID string) (metrics.ConnectionMetrics, bool) {
	s, ok := m.lookup(queryID)
	if !ok {
		return metrics.ConnectionMetrics{}, false
	}
	return s.rec.Snapshot(), true
}

// GetHealthStatus returns the service health rollup.
func (m *Manager) GetHealthStatus() metrics.HealthStatus {
	return m.agg.Health()
}

// GlobalMetrics returns the metrics rollup across all sessions.
func (m *Manager) GlobalMetrics() metrics.ConnectionMetrics {
	return m.agg.Snapshot()
}

// Notifications returns the notification queue.
func (m *Manager) Notifications() *notify.Queue {
	return m.notes
}

// Sessions returns snapshots of all sessions ordered by query ID.
func (m *Manager) Sessions() []Snapshot {
	m.mu.Lock()
	list := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()

	out := make([]Snapshot, len(list))
	for i, s := range list {
		out[i] = s.Snapshot()
	}
	slices.SortFunc(out, func(a, b Snapshot) int {
		return cmp.Compare(a.QueryID, b.QueryID)
	})
	return out
}

// Shutdown stops every session and waits for them to exit. It must not be
// called from an observer.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shutdown = true
	sessions := m.sessions
	m.sessions = make(map[string]*session)
	m.mu.Unlock()

	m.logger.Info("stopping monitor", "sessions", len(sessions))

	var g errgroup.Group
	for _, s := range sessions {
		s.stop()
		g.Go(func() error {
			return s.wait(ctx)
		})
	}
	err := g.Wait()

	m.cancel()
	if err != nil {
		m.logger.Warn("shutdown timeout, sessions still running", "error", err)
	}
	return err
}
