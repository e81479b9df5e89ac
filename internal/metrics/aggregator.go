package metrics

import (
	"sync"
	"time"
)

// Service identifies a backend dependency.
type Service int

const (
	ServiceWebsocket Service = iota
	ServiceAPI
	ServicePolling
	serviceCount
)

// String returns the service name.
func (s Service) String() string {
	switch s {
	case ServiceWebsocket:
		return "websocket"
	case ServiceAPI:
		return "api"
	case ServicePolling:
		return "polling"
	default:
		return "unknown"
	}
}

// Overall summarizes service health.
type Overall string

const (
	OverallHealthy  Overall = "healthy"
	OverallDegraded Overall = "degraded"
	OverallCritical Overall = "critical"
)

// HealthStatus is the system-wide health snapshot.
type HealthStatus struct {
	WebsocketService bool    `json:"websocketService"`
	APIService       bool    `json:"apiService"`
	PollingService   bool    `json:"pollingService"`
	OverallHealth    Overall `json:"overallHealth"`
}

// ConnectionMetrics is a read-only view of connection counters.
type ConnectionMetrics struct {
	TotalConnections      int64     `json:"totalConnections"`
	SuccessfulConnections int64     `json:"successfulConnections"`
	FailedConnections     int64     `json:"failedConnections"`
	AverageLatencyMs      float64   `json:"averageLatencyMs"`
	UptimeRatio           float64   `json:"uptimeRatio"`
	LastConnectionAt      time.Time `json:"lastConnectionAt"`
}

// DefaultFailureThreshold is the number of consecutive failures after
// which a service is reported down.
const DefaultFailureThreshold = 3

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		a.now = now
	}
}

// WithFailureThreshold sets the consecutive-failure threshold.
func WithFailureThreshold(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.threshold = n
		}
	}
}

// Aggregator owns per-session recorders and the global rollup.
type Aggregator struct {
	now       func() time.Time
	threshold int

	mu          sync.Mutex
	recorders   map[string]*Recorder
	global      counters
	consecutive [serviceCount]int
}

// counters is the mutable state behind ConnectionMetrics.
type counters struct {
	total, success, failed int64
	latencySum             time.Duration
	latencyCount           int64
	lastConnectionAt       time.Time
}

func (c *counters) averageLatencyMs() float64 {
	if c.latencyCount == 0 {
		return 0
	}
	return float64(c.latencySum) / float64(c.latencyCount) / float64(time.Millisecond)
}

// NewAggregator creates an Aggregator.
func NewAggregator(opts ...Option) *Aggregator {
	a := &Aggregator{
		now:       time.Now,
		threshold: DefaultFailureThreshold,
		recorders: make(map[string]*Recorder),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Track starts a fresh recorder for queryID, replacing any previous one.
func (a *Aggregator) Track(queryID string) *Recorder {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	r := &Recorder{
		agg:     a,
		queryID: queryID,
		started: now,
		since:   now,
	}
	a.recorders[queryID] = r
	return r
}

// Release stops tracking r. A newer recorder for the same query is kept.
func (a *Aggregator) Release(r *Recorder) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.recorders[r.queryID] == r {
		delete(a.recorders, r.queryID)
	}
	r.closed = true
}

// Get returns the metrics of the current recorder for queryID.
func (a *Aggregator) Get(queryID string) (ConnectionMetrics, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.recorders[queryID]
	if !ok {
		return ConnectionMetrics{}, false
	}
	return r.snapshotLocked(a.now()), true
}

// Snapshot returns the global rollup. UptimeRatio is the mean over tracked
// sessions, or 1 when nothing is tracked.
func (a *Aggregator) Snapshot() ConnectionMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	out := ConnectionMetrics{
		TotalConnections:      a.global.total,
		SuccessfulConnections: a.global.success,
		FailedConnections:     a.global.failed,
		AverageLatencyMs:      a.global.averageLatencyMs(),
		LastConnectionAt:      a.global.lastConnectionAt,
		UptimeRatio:           1,
	}
	if len(a.recorders) > 0 {
		var sum float64
		for _, r := range a.recorders {
			sum += r.uptimeLocked(now)
		}
		out.UptimeRatio = sum / float64(len(a.recorders))
	}
	return out
}

// Report records the outcome of an interaction with svc.
func (a *Aggregator) Report(svc Service, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reportLocked(svc, ok)
}

func (a *Aggregator) reportLocked(svc Service, ok bool) {
	if svc < 0 || svc >= serviceCount {
		return
	}
	if ok {
		a.consecutive[svc] = 0
	} else {
		a.consecutive[svc]++
	}
}

// Health computes the service health snapshot.
func (a *Aggregator) Health() HealthStatus {
	a.mu.Lock()
	defer a.mu.Unlock()

	up := func(svc Service) bool {
		return a.consecutive[svc] < a.threshold
	}
	h := HealthStatus{
		WebsocketService: up(ServiceWebsocket),
		APIService:       up(ServiceAPI),
		PollingService:   up(ServicePolling),
	}

	switch {
	case h.WebsocketService && h.APIService && h.PollingService:
		h.OverallHealth = OverallHealthy
	case !h.APIService, !h.WebsocketService && !h.PollingService:
		h.OverallHealth = OverallCritical
	default:
		h.OverallHealth = OverallDegraded
	}
	return h
}

// Recorder collects metrics for one session. Safe for concurrent use.
type Recorder struct {
	agg     *Aggregator
	queryID string

	// Guarded by agg.mu.
	c       counters
	started time.Time
	since   time.Time
	healthy bool
	upTime  time.Duration
	closed  bool
}

// Attempt records the start of a connection attempt.
func (r *Recorder) Attempt() {
	r.agg.mu.Lock()
	defer r.agg.mu.Unlock()
	if r.closed {
		return
	}

	r.c.total++
	r.agg.global.total++
}

// Success records an established connection on svc.
func (r *Recorder) Success(svc Service) {
	r.agg.mu.Lock()
	defer r.agg.mu.Unlock()
	if r.closed {
		return
	}

	now := r.agg.now()
	r.c.success++
	r.c.lastConnectionAt = now
	r.agg.global.success++
	r.agg.global.lastConnectionAt = now
	r.agg.reportLocked(svc, true)
}

// Failure records a failed or lost connection on svc.
func (r *Recorder) Failure(svc Service) {
	r.agg.mu.Lock()
	defer r.agg.mu.Unlock()
	if r.closed {
		return
	}

	r.c.failed++
	r.agg.global.failed++
	r.agg.reportLocked(svc, false)
}

// Latency records a measured round trip.
func (r *Recorder) Latency(d time.Duration) {
	if d <= 0 {
		return
	}

	r.agg.mu.Lock()
	defer r.agg.mu.Unlock()
	if r.closed {
		return
	}

	r.c.latencySum += d
	r.c.latencyCount++
	r.agg.global.latencySum += d
	r.agg.global.latencyCount++
}

// SetHealthy marks the start of a healthy or unhealthy period.
func (r *Recorder) SetHealthy(healthy bool) {
	r.agg.mu.Lock()
	defer r.agg.mu.Unlock()
	if r.closed || healthy == r.healthy {
		return
	}

	now := r.agg.now()
	if r.healthy {
		r.upTime += now.Sub(r.since)
	}
	r.healthy = healthy
	r.since = now
}

// Snapshot returns the session's metrics.
func (r *Recorder) Snapshot() ConnectionMetrics {
	r.agg.mu.Lock()
	defer r.agg.mu.Unlock()
	return r.snapshotLocked(r.agg.now())
}

func (r *Recorder) snapshotLocked(now time.Time) ConnectionMetrics {
	return ConnectionMetrics{
		TotalConnections:      r.c.total,
		SuccessfulConnections: r.c.success,
		FailedConnections:     r.c.failed,
		AverageLatencyMs:      r.c.averageLatencyMs(),
		UptimeRatio:           r.uptimeLocked(now),
		LastConnectionAt:      r.c.lastConnectionAt,
	}
}

func (r *Recorder) uptimeLocked(now time.Time) float64 {
	total := now.Sub(r.started)
	if total <= 0 {
		if r.healthy {
			return 1
		}
		return 0
	}

	up := r.upTime
	if r.healthy {
		up += now.Sub(r.since)
	}
	ratio := float64(up) / float64(total)
	if ratio > 1 {
		ratio = 1
	}
	return ratio
}
