package poller

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rickgao/querywatch/internal/connection"
	"github.com/rickgao/querywatch/internal/model"
)

// StatusSource fetches the current status of a query.
type StatusSource interface {
	GetQueryStatus(ctx context.Context, queryID string) (*model.StatusResponse, error)
}

// StatusSourceFunc is a function adapter for StatusSource.
type StatusSourceFunc func(ctx context.Context, queryID string) (*model.StatusResponse, error)

func (f StatusSourceFunc) GetQueryStatus(ctx context.Context, queryID string) (*model.StatusResponse, error) {
	return f(ctx, queryID)
}

// Config holds poller configuration.
type Config struct {
	Interval   time.Duration // Base poll interval (default: 3s)
	Jitter     float64       // Symmetric interval jitter, 0.25 = ±25%
	Timeout    time.Duration // Per-request timeout (default: 10s)
	BufferSize int           // Event channel buffer size
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:   3 * time.Second,
		Jitter:     0.25,
		Timeout:    10 * time.Second,
		BufferSize: 64,
	}
}

// Transport polls the status endpoint for one query.
type Transport struct {
	cfg     Config
	source  StatusSource
	queryID string
	logger  *slog.Logger

	events chan connection.Event
	float  func() float64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	opened      bool
	closed      bool
	seq         int64
	last        *model.StatusResponse
	lastLatency time.Duration
}

var _ connection.Transport = (*Transport)(nil)

// New creates a poll transport for queryID.
func New(cfg Config, source StatusSource, queryID string, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1
	}
	return &Transport{
		cfg:     cfg,
		source:  source,
		queryID: queryID,
		logger:  logger,
		events:  make(chan connection.Event, cfg.BufferSize),
		float:   rand.Float64,
	}
}

// Mode returns model.ModePolling.
func (p *Transport) Mode() model.Mode {
	return model.ModePolling
}

// Events returns the event channel.
func (p *Transport) Events() <-chan connection.Event {
	return p.events
}

// Open starts the polling loop. The first request is issued immediately.
func (p *Transport) Open(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return connection.ErrAlreadyClosed
	}
	if p.opened {
		return nil
	}
	p.opened = true

	// The loop outlives Open's ctx; only Close stops it.
	p.ctx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))

	p.wg.Add(1)
	go p.run()

	p.logger.Debug("status poller started",
		"query_id", p.queryID,
		"interval", p.cfg.Interval,
	)

	return nil
}

// Close stops polling and waits for the in-flight request to finish.
func (p *Transport) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
	return nil
}

// HealthProbe times a status request.
func (p *Transport) HealthProbe(ctx context.Context) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	start := time.Now()
	if _, err := p.source.GetQueryStatus(ctx, p.queryID); err != nil {
		return 0, err
	}
	latency := time.Since(start)

	p.mu.Lock()
	p.lastLatency = latency
	p.mu.Unlock()

	return latency, nil
}

// nextInterval returns the jittered wait before the next poll.
func (p *Transport) nextInterval() time.Duration {
	jitter := (p.float()*2 - 1) * p.cfg.Jitter
	d := time.Duration(float64(p.cfg.Interval) * (1 + jitter))
	if d <= 0 {
		d = p.cfg.Interval
	}
	return d
}

// run is the main polling loop.
func (p *Transport) run() {
	defer p.wg.Done()

	// Poll immediately on start.
	if p.pollOnce() {
		return
	}

	timer := time.NewTimer(p.nextInterval())
	defer timer.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-timer.C:
			if p.pollOnce() {
				return
			}
			timer.Reset(p.nextInterval())
		}
	}
}

// pollOnce fetches the status once. It returns true when polling should
// stop because the query reached a terminal state.
func (p *Transport) pollOnce() bool {
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := p.source.GetQueryStatus(ctx, p.queryID)
	receivedAt := time.Now()
	latency := receivedAt.Sub(start)

	if err != nil {
		if p.ctx.Err() != nil {
			return true
		}
		p.logger.Warn("failed to poll query status",
			"query_id", p.queryID,
			"err", err,
		)
		p.emit(connection.Event{Kind: connection.EventError, Err: err, At: receivedAt})
		return false
	}

	p.mu.Lock()
	p.lastLatency = latency
	unchanged := p.last != nil && sameStatus(*p.last, *resp)
	if !unchanged {
		p.seq++
		p.last = resp
	}
	seq := p.seq
	p.mu.Unlock()

	if unchanged {
		p.emit(connection.Event{Kind: connection.EventHeartbeat, Latency: latency, At: receivedAt})
		return false
	}

	frame, err := model.FrameFromStatus(*resp, p.queryID, seq, receivedAt)
	if err != nil {
		p.logger.Warn("dropping malformed status", "query_id", p.queryID, "err", err)
		p.mu.Lock()
		p.last = nil
		p.mu.Unlock()
		p.emit(connection.Event{Kind: connection.EventInvalid, Err: err, At: receivedAt})
		return false
	}
	frame.Local = true

	p.emit(connection.Event{Kind: connection.EventFrame, Frame: frame, Latency: latency, At: receivedAt})
	return frame.Terminal()
}

// emit delivers ev unless the transport is closed.
func (p *Transport) emit(ev connection.Event) {
	select {
	case p.events <- ev:
	case <-p.ctx.Done():
	}
}

// sameStatus reports whether two responses carry the same progress state.
func sameStatus(a, b model.StatusResponse) bool {
	return a.Status == b.Status &&
		a.ProgressPercentage == b.ProgressPercentage &&
		a.CurrentStep == b.CurrentStep &&
		a.TotalSteps == b.TotalSteps &&
		a.Message == b.Message &&
		a.Error == b.Error
}
