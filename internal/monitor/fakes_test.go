package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/rickgao/querywatch/internal/connection"
	"github.com/rickgao/querywatch/internal/model"
)

var errDial = errors.New("dial tcp: connection refused")

// fakeTransport is a scriptable connection.Transport.
type fakeTransport struct {
	mode    model.Mode
	openErr error
	events  chan connection.Event
	latency time.Duration

	mu     sync.Mutex
	opened bool
	closed bool
}

func newFakeTransport(mode model.Mode, openErr error) *fakeTransport {
	return &fakeTransport{
		mode:    mode,
		openErr: openErr,
		events:  make(chan connection.Event, 32),
	}
}

func (f *fakeTransport) Open(ctx context.Context) error {
	if f.openErr != nil {
		return f.openErr
	}
	f.mu.Lock()
	f.opened = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Events() <-chan connection.Event {
	return f.events
}

func (f *fakeTransport) HealthProbe(ctx context.Context) (time.Duration, error) {
	if f.latency == 0 {
		return 0, connection.ErrNoLatency
	}
	return f.latency, nil
}

func (f *fakeTransport) Mode() model.Mode {
	return f.mode
}

func (f *fakeTransport) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// send delivers ev as if the transport received it.
func (f *fakeTransport) send(t *testing.T, ev connection.Event) {
	t.Helper()
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case f.events <- ev:
	case <-time.After(time.Second):
		t.Fatal("transport event buffer full")
	}
}

func (f *fakeTransport) sendFrame(t *testing.T, frame model.Frame) {
	t.Helper()
	f.send(t, connection.Event{Kind: connection.EventFrame, Frame: frame})
}

// fakeFactory records every transport it creates. The open hooks receive
// the zero-based attempt number for their mode.
type fakeFactory struct {
	liveSupported bool
	liveOpen      func(n int) error
	pollOpen      func(n int) error
	pollSeed      []connection.Event

	mu    sync.Mutex
	lives []*fakeTransport
	polls []*fakeTransport
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{liveSupported: true}
}

func (f *fakeFactory) LiveSupported() bool {
	return f.liveSupported
}

func (f *fakeFactory) NewLive(queryID string) connection.Transport {
	f.mu.Lock()
	defer f.mu.Unlock()

	var err error
	if f.liveOpen != nil {
		err = f.liveOpen(len(f.lives))
	}
	t := newFakeTransport(model.ModeLive, err)
	f.lives = append(f.lives, t)
	return t
}

func (f *fakeFactory) NewPoll(queryID string) connection.Transport {
	f.mu.Lock()
	defer f.mu.Unlock()

	var err error
	if f.pollOpen != nil {
		err = f.pollOpen(len(f.polls))
	}
	t := newFakeTransport(model.ModePolling, err)
	for _, ev := range f.pollSeed {
		t.events <- ev
	}
	f.polls = append(f.polls, t)
	return t
}

func (f *fakeFactory) counts() (lives, polls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.lives), len(f.polls)
}

func (f *fakeFactory) live(i int) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lives[i]
}

func (f *fakeFactory) poll(i int) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls[i]
}

func alwaysFail(err error) func(int) error {
	return func(int) error { return err }
}

// eventLog is an Observer that records everything it receives.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) HandleEvent(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

func (l *eventLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func (l *eventLog) statuses() []model.Status {
	var out []model.Status
	for _, ev := range l.all() {
		if ev.Kind == EventStatusChanged {
			out = append(out, ev.Status)
		}
	}
	return out
}

func (l *eventLog) progress() []float64 {
	var out []float64
	for _, ev := range l.all() {
		if ev.Kind == EventProgress {
			out = append(out, ev.Progress.ProgressPercent)
		}
	}
	return out
}

func (l *eventLog) count(kind EventKind) int {
	n := 0
	for _, ev := range l.all() {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (l *eventLog) sawStatus(s model.Status) bool {
	for _, got := range l.statuses() {
		if got == s {
			return true
		}
	}
	return false
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Reconnect.BaseDelay = time.Millisecond
	cfg.Reconnect.MaxDelay = 5 * time.Millisecond
	cfg.OpenTimeout = time.Second
	cfg.GracePeriod = 20 * time.Millisecond
	cfg.StallTimeout = time.Minute
	cfg.ProbeInterval = 0
	cfg.UpgradeInterval = time.Hour
	cfg.UpgradeRate = 1000
	return cfg
}

func newTestManager(t *testing.T, cfg Config, factory TransportFactory) *Manager {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(cfg, factory,
		WithLogger(logger),
		WithJitterSource(func() float64 { return 0.5 }),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitStatus(t *testing.T, m *Manager, queryID string, want model.Status) Snapshot {
	t.Helper()
	var snap Snapshot
	waitFor(t, string(want)+" status", func() bool {
		var ok bool
		snap, ok = m.GetConnectionStatus(queryID)
		return ok && snap.Status == want
	})
	return snap
}

func progressFrame(seq int64, pct float64) model.Frame {
	return model.Frame{
		Kind:     model.FrameProgress,
		Sequence: seq,
		Progress: &model.ProgressMessage{
			Sequence:        seq,
			ProgressPercent: pct,
		},
		ReceivedAt: time.Now(),
	}
}

// localFrame marks f as numbered by its transport.
func localFrame(f model.Frame) model.Frame {
	f.Local = true
	return f
}

func completionFrame(seq int64, failed bool) model.Frame {
	status := "completed"
	if failed {
		status = "failed"
	}
	return model.Frame{
		Kind:     model.FrameCompletion,
		Sequence: seq,
		Completion: &model.CompletionMessage{
			Sequence: seq,
			Status:   status,
			Failed:   failed,
			Message:  "done",
		},
		ReceivedAt: time.Now(),
	}
}
