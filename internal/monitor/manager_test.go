package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rickgao/querywatch/internal/metrics"
	"github.com/rickgao/querywatch/internal/model"
)

func TestManager_StartEmptyQueryID(t *testing.T) {
	m := newTestManager(t, testConfig(), newFakeFactory())

	if _, err := m.StartMonitoring("", &eventLog{}); !errors.Is(err, ErrEmptyQueryID) {
		t.Errorf("StartMonitoring(\"\") error = %v, want ErrEmptyQueryID", err)
	}
}

func TestManager_StartTwiceSharesTransport(t *testing.T) {
	factory := newFakeFactory()
	m := newTestManager(t, testConfig(), factory)

	first, second := &eventLog{}, &eventLog{}
	h1, err := m.StartMonitoring("q1", first)
	if err != nil {
		t.Fatalf("StartMonitoring() error = %v", err)
	}
	h2, err := m.StartMonitoring("q1", second)
	if err != nil {
		t.Fatalf("StartMonitoring() error = %v", err)
	}

	if h1.SessionID() != h2.SessionID() {
		t.Errorf("session IDs differ: %s vs %s", h1.SessionID(), h2.SessionID())
	}

	waitStatus(t, m, "q1", model.StatusConnected)
	if lives, polls := factory.counts(); lives != 1 || polls != 0 {
		t.Fatalf("transports = %d live, %d poll; want 1, 0", lives, polls)
	}

	factory.live(0).sendFrame(t, progressFrame(1, 25))

	for _, log := range []*eventLog{first, second} {
		waitFor(t, "progress on both observers", func() bool {
			return log.count(EventProgress) == 1
		})
	}
}

func TestManager_StopIdempotent(t *testing.T) {
	factory := newFakeFactory()
	m := newTestManager(t, testConfig(), factory)

	// Never started.
	m.StopMonitoring("nope")

	log := &eventLog{}
	if _, err := m.StartMonitoring("q1", log); err != nil {
		t.Fatalf("StartMonitoring() error = %v", err)
	}
	waitStatus(t, m, "q1", model.StatusConnected)

	m.StopMonitoring("q1")
	m.StopMonitoring("q1")

	if _, ok := m.GetConnectionStatus("q1"); ok {
		t.Error("GetConnectionStatus() after stop = true")
	}
	if _, ok := m.GetConnectionMetrics("q1"); ok {
		t.Error("GetConnectionMetrics() after stop = true")
	}
	waitFor(t, "transport closed", factory.live(0).IsClosed)
}

// Scenario C: a frame arriving after StopMonitoring fires no callback.
func TestManager_NoCallbacksAfterStop(t *testing.T) {
	factory := newFakeFactory()
	m := newTestManager(t, testConfig(), factory)

	log := &eventLog{}
	if _, err := m.StartMonitoring("q1", log); err != nil {
		t.Fatalf("StartMonitoring() error = %v", err)
	}
	waitStatus(t, m, "q1", model.StatusConnected)
	waitFor(t, "connected event", func() bool { return log.sawStatus(model.StatusConnected) })

	m.StopMonitoring("q1")
	before := log.len()

	factory.live(0).sendFrame(t, progressFrame(1, 50))
	time.Sleep(30 * time.Millisecond)

	if got := log.len(); got != before {
		t.Errorf("received %d events after stop", got-before)
	}
	if log.count(EventProgress) != 0 {
		t.Error("progress delivered after stop")
	}
	if _, ok := m.GetConnectionStatus("q1"); ok {
		t.Error("GetConnectionStatus() after stop = true")
	}
}

func TestManager_StopDuringCallback(t *testing.T) {
	factory := newFakeFactory()
	m := newTestManager(t, testConfig(), factory)

	entered := make(chan struct{})
	release := make(chan struct{})
	blocking := Callbacks{
		OnProgress: func(string, model.ProgressMessage) {
			close(entered)
			<-release
		},
	}
	later := &eventLog{}
	m.StartMonitoring("q1", blocking)
	m.StartMonitoring("q1", later)
	waitStatus(t, m, "q1", model.StatusConnected)

	factory.live(0).sendFrame(t, progressFrame(1, 10))
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("callback not invoked")
	}

	// Stop does not wait for the running callback.
	stopped := make(chan struct{})
	go func() {
		m.StopMonitoring("q1")
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("StopMonitoring blocked on a running callback")
	}
	close(release)

	time.Sleep(30 * time.Millisecond)
	if n := later.count(EventProgress); n != 0 {
		t.Errorf("observer after the running one got %d progress events", n)
	}
}

func TestManager_Detach(t *testing.T) {
	factory := newFakeFactory()
	m := newTestManager(t, testConfig(), factory)

	kept, dropped := &eventLog{}, &eventLog{}
	m.StartMonitoring("q1", kept)
	h, _ := m.StartMonitoring("q1", dropped)
	waitStatus(t, m, "q1", model.StatusConnected)

	h.Detach()
	h.Detach()
	factory.live(0).sendFrame(t, progressFrame(1, 10))

	waitFor(t, "progress on kept observer", func() bool { return kept.count(EventProgress) == 1 })
	time.Sleep(10 * time.Millisecond)
	if dropped.count(EventProgress) != 0 {
		t.Error("detached observer received progress")
	}
	if _, ok := m.GetConnectionStatus("q1"); !ok {
		t.Error("Detach() stopped the session")
	}
}

func TestManager_ReentrantCallbacks(t *testing.T) {
	factory := newFakeFactory()
	m := newTestManager(t, testConfig(), factory)

	started := make(chan error, 1)
	obs := Callbacks{
		OnProgress: func(queryID string, msg model.ProgressMessage) {
			m.StopMonitoring(queryID)
			_, err := m.StartMonitoring("q2", nil)
			started <- err
		},
	}
	if _, err := m.StartMonitoring("q1", obs); err != nil {
		t.Fatalf("StartMonitoring() error = %v", err)
	}
	waitStatus(t, m, "q1", model.StatusConnected)

	factory.live(0).sendFrame(t, progressFrame(1, 10))

	select {
	case err := <-started:
		if err != nil {
			t.Fatalf("StartMonitoring() from callback error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback deadlocked")
	}

	if _, ok := m.GetConnectionStatus("q1"); ok {
		t.Error("q1 still registered")
	}
	waitStatus(t, m, "q2", model.StatusConnected)
}

func TestManager_RestartAfterExhaustion(t *testing.T) {
	factory := newFakeFactory()
	factory.liveOpen = alwaysFail(errDial)
	factory.pollOpen = alwaysFail(errDial)

	m := newTestManager(t, testConfig(), factory)
	h1, _ := m.StartMonitoring("q1", &eventLog{})
	waitStatus(t, m, "q1", model.StatusError)

	factory.mu.Lock()
	factory.liveOpen = nil
	factory.pollOpen = nil
	factory.mu.Unlock()

	h2, err := m.StartMonitoring("q1", &eventLog{})
	if err != nil {
		t.Fatalf("StartMonitoring() error = %v", err)
	}
	if h1.SessionID() == h2.SessionID() {
		t.Error("expected a fresh session after exhaustion")
	}

	snap := waitStatus(t, m, "q1", model.StatusConnected)
	if snap.RetryCount != 0 || snap.FallbackActive || snap.Mode != model.ModeLive {
		t.Errorf("fresh session = %+v", snap)
	}

	mt, ok := m.GetConnectionMetrics("q1")
	if !ok {
		t.Fatal("GetConnectionMetrics() = false")
	}
	if mt.FailedConnections != 0 || mt.SuccessfulConnections != 1 {
		t.Errorf("metrics not reset: %+v", mt)
	}
}

func TestManager_HealthAfterFallback(t *testing.T) {
	factory := newFakeFactory()
	factory.liveOpen = alwaysFail(errDial)

	m := newTestManager(t, testConfig(), factory)
	m.StartMonitoring("q1", nil)

	waitFor(t, "polling", func() bool {
		snap, _ := m.GetConnectionStatus("q1")
		return snap.Mode == model.ModePolling && snap.Status == model.StatusConnected
	})

	h := m.GetHealthStatus()
	want := metrics.HealthStatus{
		WebsocketService: false,
		APIService:       true,
		PollingService:   true,
		OverallHealth:    metrics.OverallDegraded,
	}
	if h != want {
		t.Errorf("GetHealthStatus() = %+v, want %+v", h, want)
	}

	mt, _ := m.GetConnectionMetrics("q1")
	if mt.TotalConnections != 4 || mt.FailedConnections != 3 || mt.SuccessfulConnections != 1 {
		t.Errorf("metrics = %+v", mt)
	}
}

func TestManager_Sessions(t *testing.T) {
	m := newTestManager(t, testConfig(), newFakeFactory())

	m.StartMonitoring("b", nil)
	m.StartMonitoring("a", nil)

	list := m.Sessions()
	if len(list) != 2 {
		t.Fatalf("len(Sessions()) = %d, want 2", len(list))
	}
	if list[0].QueryID != "a" || list[1].QueryID != "b" {
		t.Errorf("Sessions() order = %s, %s", list[0].QueryID, list[1].QueryID)
	}
}

func TestManager_Shutdown(t *testing.T) {
	factory := newFakeFactory()
	m := newTestManager(t, testConfig(), factory)

	m.StartMonitoring("q1", nil)
	m.StartMonitoring("q2", nil)
	waitStatus(t, m, "q1", model.StatusConnected)
	waitStatus(t, m, "q2", model.StatusConnected)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		if !factory.live(i).IsClosed() {
			t.Errorf("transport %d not closed", i)
		}
	}
	if _, err := m.StartMonitoring("q3", nil); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("StartMonitoring() after shutdown error = %v, want ErrManagerClosed", err)
	}
}
