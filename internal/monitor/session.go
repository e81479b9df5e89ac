package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/querywatch/internal/connection"
	"github.com/rickgao/querywatch/internal/metrics"
	"github.com/rickgao/querywatch/internal/model"
	"github.com/rickgao/querywatch/internal/notify"
	"github.com/rickgao/querywatch/internal/reconnect"
)

// Notification titles.
const (
	TitleFallback  = "Fallback aktiv"
	TitleExhausted = "Verbindung fehlgeschlagen"
	TitleFailed    = "Abfrage fehlgeschlagen"
	TitleCompleted = "Abfrage abgeschlossen"
)

// openResult reports the outcome of an asynchronous Transport.Open.
type openResult struct {
	transport connection.Transport
	gen       uint64
	upgrade   bool
	err       error
}

// probeResult reports the outcome of an asynchronous health probe.
type probeResult struct {
	mode    model.Mode
	latency time.Duration
	err     error
}

type observerEntry struct {
	id  uint64
	obs Observer
}

// session monitors one query. All fields below "Loop-owned state" are only
// touched by the run goroutine.
type session struct {
	m       *Manager
	id      string
	queryID string
	rec     *metrics.Recorder
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
	closed atomic.Bool

	mailbox *mailbox[Event]
	opened  chan openResult
	probed  chan probeResult

	obsMu     sync.RWMutex
	observers []observerEntry

	snapMu sync.RWMutex
	snap   Snapshot

	// Loop-owned state.
	mode           model.Mode
	status         model.Status
	seqCounter     int64
	lastSeq        int64 // Session watermark; never reset across transports
	progress       float64
	retryCount     int
	lastErr        error
	history        []error
	lastBeatAt     time.Time
	fallbackActive bool
	invalidStreak  int
	closeStreak    int // Clean server closes since the last frame
	finished       bool
	startedAt      time.Time

	active     connection.Transport
	events     <-chan connection.Event
	gen        uint64
	upgradeGen uint64
	upgrading  bool
	probing    bool

	retry, stall, grace, probe, upgrade loopTimer
}

func newSession(m *Manager, queryID string) *session {
	ctx, cancel := context.WithCancel(m.ctx)
	id := uuid.NewString()

	s := &session{
		m:         m,
		id:        id,
		queryID:   queryID,
		rec:       m.agg.Track(queryID),
		logger:    m.logger.With("query_id", queryID, "session_id", id),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		mailbox:   newMailbox[Event](16),
		opened:    make(chan openResult),
		probed:    make(chan probeResult),
		mode:      model.ModeLive,
		status:    model.StatusConnecting,
		startedAt: time.Now(),
	}
	s.sync()
	return s
}

// start launches the session loop and its dispatcher.
func (s *session) start() {
	s.wg.Add(2)
	go s.run()
	go s.dispatch()

	go func() {
		s.wg.Wait()
		close(s.done)
	}()
}

// stop marks the session closed and tears it down asynchronously. Once
// stop returns no new delivery starts; a callback already running when
// stop was called may still finish.
func (s *session) stop() {
	if s.closed.Swap(true) {
		return
	}

	s.snapMu.Lock()
	s.snap.Status = model.StatusClosed
	s.snapMu.Unlock()

	s.cancel()
}

// wait blocks until the session goroutines exit or ctx is done.
func (s *session) wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session %s: %w", s.queryID, ctx.Err())
	}
}

// Snapshot returns the latest published state.
func (s *session) Snapshot() Snapshot {
	s.snapMu.RLock()
	snap := s.snap
	s.snapMu.RUnlock()

	st := s.mailbox.Stats()
	snap.PendingEvents = st.Pending
	snap.DeliveredEvents = st.Delivered
	return snap
}

func (s *session) attach(obs Observer) uint64 {
	id := s.m.nextObserverID.Add(1)

	s.obsMu.Lock()
	s.observers = append(s.observers, observerEntry{id: id, obs: obs})
	s.obsMu.Unlock()
	return id
}

func (s *session) detach(id uint64) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()

	for i, e := range s.observers {
		if e.id == id {
			s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
			return
		}
	}
}

// observerList returns a copy so observers can attach or detach while
// an event is being delivered.
func (s *session) observerList() []Observer {
	s.obsMu.RLock()
	defer s.obsMu.RUnlock()

	out := make([]Observer, len(s.observers))
	for i, e := range s.observers {
		out[i] = e.obs
	}
	return out
}

// dispatch delivers mailbox events to observers in order.
func (s *session) dispatch() {
	defer s.wg.Done()

	for {
		ev, ok := s.mailbox.Receive()
		if !ok {
			return
		}
		if s.closed.Load() {
			continue
		}

		if s.m.sink != nil {
			s.m.sink.Record(ev)
		}
		for _, obs := range s.observerList() {
			if s.closed.Load() {
				break
			}
			obs.HandleEvent(ev)
		}
	}
}

// publish queues ev for the dispatcher.
func (s *session) publish(ev Event) {
	if s.closed.Load() {
		return
	}
	ev.QueryID = s.queryID
	ev.SessionID = s.id
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.mailbox.Send(ev)
}

// run is the session loop.
func (s *session) run() {
	defer s.wg.Done()
	defer s.cleanup()

	s.publish(Event{Kind: EventStatusChanged, Status: s.status, Mode: s.mode})

	if !s.m.factory.LiveSupported() {
		s.mode = model.ModePolling
		s.fallbackActive = true
		s.notifyFallback(reconnect.ErrLiveUnsupported)
	}
	s.connect()
	s.sync()

	for {
		select {
		case <-s.ctx.Done():
			return
		case res := <-s.opened:
			s.handleOpen(res)
		case ev := <-s.events:
			s.handleEvent(ev)
		case res := <-s.probed:
			s.handleProbe(res)
		case <-s.retry.C():
			s.retry.fired()
			s.connect()
		case <-s.stall.C():
			s.stall.fired()
			s.handleStall()
		case <-s.probe.C():
			s.probe.fired()
			s.startProbe()
		case <-s.upgrade.C():
			s.upgrade.fired()
			s.tryUpgrade()
		case <-s.grace.C():
			s.grace.fired()
			s.expire()
			return
		}
		s.sync()
	}
}

// cleanup releases everything the loop owns.
func (s *session) cleanup() {
	for _, t := range []*loopTimer{&s.retry, &s.stall, &s.grace, &s.probe, &s.upgrade} {
		t.stop()
	}
	s.closeActive()
	s.cancel()
	s.mailbox.Close()
	s.m.agg.Release(s.rec)

	s.logger.Debug("session loop stopped")
}

// connect opens a transport for the current mode.
func (s *session) connect() {
	if s.finished {
		return
	}

	s.gen++
	var t connection.Transport
	if s.mode == model.ModeLive {
		t = s.m.factory.NewLive(s.queryID)
	} else {
		t = s.m.factory.NewPoll(s.queryID)
	}

	s.rec.Attempt()
	s.setStatus(model.StatusConnecting, nil)
	s.logger.Debug("opening transport", "mode", s.mode, "retry_count", s.retryCount)
	s.openAsync(t, s.gen, false)
}

func (s *session) openAsync(t connection.Transport, gen uint64, upgrade bool) {
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.m.cfg.OpenTimeout)
		err := t.Open(ctx)
		cancel()

		select {
		case s.opened <- openResult{transport: t, gen: gen, upgrade: upgrade, err: err}:
		case <-s.ctx.Done():
			t.Close()
		}
	}()
}

func (s *session) handleOpen(res openResult) {
	if res.upgrade {
		s.handleUpgrade(res)
		return
	}
	if res.gen != s.gen || s.finished || s.status.Terminal() {
		res.transport.Close()
		return
	}
	if res.err != nil {
		res.transport.Close()
		s.handleFailure(res.transport.Mode(), res.err)
		return
	}

	s.activate(res.transport)
	s.rec.Success(serviceFor(s.mode))
	if s.mode == model.ModeLive {
		s.retryCount = 0
		s.history = nil
	}
	s.setStatus(model.StatusConnected, nil)

	if s.mode == model.ModePolling && s.fallbackActive && s.m.factory.LiveSupported() && !s.upgrading {
		s.upgrade.reset(s.m.cfg.UpgradeInterval)
	}

	s.logger.Info("transport connected", "mode", s.mode)
}

// activate makes t the active transport and arms liveness timers.
func (s *session) activate(t connection.Transport) {
	s.active = t
	s.events = t.Events()
	s.invalidStreak = 0
	s.lastBeatAt = time.Now()

	s.stall.reset(s.m.cfg.StallTimeout)
	if s.m.cfg.ProbeInterval > 0 {
		s.probe.reset(s.m.cfg.ProbeInterval)
	}
}

func (s *session) closeActive() {
	if s.active == nil {
		return
	}
	if err := s.active.Close(); err != nil {
		s.logger.Debug("error closing transport", "error", err)
	}
	s.active = nil
	s.events = nil
	s.probing = false
}

func (s *session) handleEvent(ev connection.Event) {
	if s.finished {
		return
	}

	switch ev.Kind {
	case connection.EventFrame:
		s.invalidStreak = 0
		s.closeStreak = 0
		s.alive(ev)
		s.applyFrame(ev.Frame)

	case connection.EventHeartbeat:
		s.alive(ev)

	case connection.EventDegraded:
		if s.status == model.StatusConnected {
			s.logger.Warn("live transport degraded, heartbeat overdue")
			s.setStatus(model.StatusDegraded, nil)
		}

	case connection.EventInvalid:
		s.invalidStreak++
		s.logger.Warn("dropped malformed frame",
			"error", ev.Err,
			"streak", s.invalidStreak,
		)
		if s.invalidStreak >= s.m.cfg.ProtocolErrorLimit {
			s.invalidStreak = 0
			s.handleFailure(s.mode, fmt.Errorf("%w: %v", ErrProtocol, ev.Err))
		}

	case connection.EventError:
		s.handleTransientError(ev.Err)

	case connection.EventFailure:
		s.handleFailure(s.mode, ev.Err)

	case connection.EventClosed:
		s.handleClosed(ev.Err)
	}
}

// alive records proof of liveness and updates the healthy status.
func (s *session) alive(ev connection.Event) {
	s.lastBeatAt = ev.At
	if s.lastBeatAt.IsZero() {
		s.lastBeatAt = time.Now()
	}
	if ev.Latency > 0 {
		s.rec.Latency(ev.Latency)
	}

	if s.mode == model.ModePolling {
		s.m.agg.Report(metrics.ServiceAPI, true)
		s.m.agg.Report(metrics.ServicePolling, true)
		if s.retryCount > 0 {
			s.retryCount = 0
			s.history = nil
		}
		if s.status.Healthy() {
			s.setStatus(model.StatusConnected, nil)
		}
		return
	}

	// Live frames prove liveness but only heartbeats carry timing.
	if ev.Kind != connection.EventHeartbeat || !s.status.Healthy() {
		return
	}
	next := model.StatusConnected
	if limit := s.m.cfg.DegradedLatency; limit > 0 && ev.Latency > limit {
		next = model.StatusDegraded
	}
	if next != s.status {
		s.logger.Info("live latency changed status", "latency", ev.Latency, "status", next)
	}
	s.setStatus(next, nil)
}

// applyFrame applies f if it is newer than the session watermark. Frames
// numbered by their transport are renumbered from the watermark, since
// their sequence restarts with every transport.
func (s *session) applyFrame(f model.Frame) {
	if f.Local {
		f = f.WithSequence(s.lastSeq + 1)
	} else if f.Sequence <= s.lastSeq {
		s.logger.Debug("dropping stale frame",
			"sequence", f.Sequence,
			"last_sequence", s.lastSeq,
		)
		return
	}
	s.lastSeq = f.Sequence
	s.seqCounter++

	switch f.Kind {
	case model.FrameProgress:
		if f.Progress == nil {
			return
		}
		s.progress = f.Progress.ProgressPercent
		s.publish(Event{Kind: EventProgress, Progress: f.Progress, At: f.ReceivedAt})

	case model.FrameError:
		if f.Error == nil {
			return
		}
		s.publish(Event{Kind: EventError, Error: f.Error, At: f.ReceivedAt})
		s.m.notes.Push(notify.TypeError, TitleFailed, f.Error.Message)
		s.logger.Warn("query failed", "error_type", f.Error.ErrorType, "message", f.Error.Message)
		s.finish()

	case model.FrameCompletion:
		if f.Completion == nil {
			return
		}
		if !f.Completion.Failed {
			s.progress = 100
		}
		s.publish(Event{Kind: EventCompleted, Completion: f.Completion, At: f.ReceivedAt})
		if f.Completion.Failed {
			s.m.notes.Push(notify.TypeError, TitleFailed, f.Completion.Message)
		} else {
			s.m.notes.Push(notify.TypeSuccess, TitleCompleted, f.Completion.Message)
		}
		s.logger.Info("query finished", "status", f.Completion.Status)
		s.finish()
	}
}

// finish stops monitoring after a terminal frame and arms the grace timer.
func (s *session) finish() {
	s.finished = true
	s.closeActive()
	s.gen++
	s.cancelUpgrade()
	for _, t := range []*loopTimer{&s.retry, &s.stall, &s.probe} {
		t.stop()
	}
	s.grace.reset(s.m.cfg.GracePeriod)
}

// expire closes the session once the grace period has elapsed.
func (s *session) expire() {
	s.setStatus(model.StatusClosed, nil)
	s.m.release(s)
}

// handleTransientError handles a failed request on a transport that keeps
// running, which only the poll transport produces.
func (s *session) handleTransientError(err error) {
	svc := metrics.ServiceAPI
	if reconnect.IsPermanent(err) {
		// The API answered; the query itself is unreachable.
		svc = metrics.ServicePolling
	}
	s.rec.Failure(svc)
	s.recordError(err)

	if s.status.Healthy() {
		s.setStatus(model.StatusDegraded, err)
	}

	if d := s.m.policy.Next(s.retryCount, s.mode, s.history); d.GiveUp {
		s.exhaust(err)
	}
}

// handleFailure handles a dead transport.
func (s *session) handleFailure(mode model.Mode, err error) {
	if s.finished || s.status.Terminal() {
		return
	}

	wasHealthy := s.status.Healthy()
	s.closeActive()
	s.stall.stop()
	s.probe.stop()

	s.rec.Failure(serviceFor(mode))
	s.recordError(err)

	s.logger.Warn("transport failed",
		"mode", mode,
		"error", err,
		"retry_count", s.retryCount,
	)

	if wasHealthy && mode == model.ModeLive {
		s.setStatus(model.StatusDisconnected, err)
	}

	d := s.m.policy.Next(s.retryCount, s.mode, s.history)
	switch {
	case d.GiveUp:
		s.exhaust(err)
	case d.ShouldFallback && !s.fallbackActive:
		s.activateFallback(err)
	default:
		s.setStatus(model.StatusReconnecting, err)
		s.retry.reset(d.Delay)
		s.logger.Debug("reconnect scheduled", "delay", d.Delay, "retry_count", s.retryCount)
	}
}

// handleClosed handles a clean close by the server before a terminal frame.
// The session reconnects with backoff, but clean closes are not failures
// and never count toward fallback.
func (s *session) handleClosed(err error) {
	if s.finished || s.status.Terminal() {
		return
	}

	s.closeActive()
	s.stall.stop()
	s.probe.stop()
	s.setStatus(model.StatusDisconnected, err)

	delay := s.m.policy.Delay(s.closeStreak)
	s.closeStreak++
	s.logger.Info("transport closed by server, reconnecting",
		"mode", s.mode,
		"delay", delay,
		"closes", s.closeStreak,
	)
	s.setStatus(model.StatusReconnecting, err)
	s.retry.reset(delay)
}

// handleStall forces a reconnect when nothing was heard for StallTimeout.
func (s *session) handleStall() {
	if s.finished || s.status.Terminal() {
		return
	}
	if s.status == model.StatusConnecting || s.status == model.StatusReconnecting {
		return
	}

	silence := time.Since(s.lastBeatAt)
	if silence < s.m.cfg.StallTimeout {
		s.stall.reset(s.m.cfg.StallTimeout - silence)
		return
	}

	s.logger.Warn("session stalled, forcing reconnect", "silence", silence)
	s.handleFailure(s.mode, ErrStalled)
}

func (s *session) recordError(err error) {
	s.lastErr = err
	s.retryCount++
	s.history = append(s.history, err)
	if n := len(s.history) - s.m.cfg.HistorySize; n > 0 {
		s.history = append(s.history[:0], s.history[n:]...)
	}
}

// activateFallback switches the session to polling.
func (s *session) activateFallback(err error) {
	s.fallbackActive = true
	s.mode = model.ModePolling

	s.logger.Warn("live transport unavailable, falling back to polling",
		"error", err,
		"retry_count", s.retryCount,
	)
	s.notifyFallback(err)

	s.setStatus(model.StatusReconnecting, err)
	s.connect()
}

func (s *session) notifyFallback(err error) {
	msg := fmt.Sprintf("Live-Verbindung für Abfrage %s nicht verfügbar, Fortschritt wird per Polling abgerufen", s.queryID)
	if err != nil && !errors.Is(err, reconnect.ErrLiveUnsupported) {
		msg += fmt.Sprintf(" (%v)", err)
	}
	s.m.notes.Push(notify.TypeWarning, TitleFallback, msg)
}

// exhaust moves the session into the error state. Only a new
// StartMonitoring call revives the query.
func (s *session) exhaust(err error) {
	s.closeActive()
	s.gen++
	s.cancelUpgrade()
	for _, t := range []*loopTimer{&s.retry, &s.stall, &s.probe} {
		t.stop()
	}

	s.logger.Error("giving up on query",
		"error", err,
		"retry_count", s.retryCount,
		"mode", s.mode,
	)
	s.setStatus(model.StatusError, err)
	s.m.notes.PushPersistent(notify.TypeError, TitleExhausted,
		fmt.Sprintf("Abfrage %s: %v", s.queryID, err))
}

// tryUpgrade starts a background live attempt while polling.
func (s *session) tryUpgrade() {
	if s.finished || s.upgrading || !s.fallbackActive || s.mode != model.ModePolling || s.status.Terminal() {
		return
	}

	if !s.m.limiter.Allow() {
		s.logger.Debug("live upgrade deferred by rate limit")
		s.upgrade.reset(s.m.cfg.UpgradeInterval)
		return
	}

	s.upgrading = true
	s.upgradeGen++
	s.rec.Attempt()
	s.logger.Debug("attempting live upgrade")
	s.openAsync(s.m.factory.NewLive(s.queryID), s.upgradeGen, true)
}

func (s *session) cancelUpgrade() {
	s.upgradeGen++
	s.upgrading = false
	s.upgrade.stop()
}

// handleUpgrade swaps the poll transport for a freshly opened live one.
// Buffered poll frames are applied before the switch.
func (s *session) handleUpgrade(res openResult) {
	if res.gen != s.upgradeGen {
		res.transport.Close()
		return
	}
	s.upgrading = false

	if s.finished || s.mode != model.ModePolling || s.status.Terminal() {
		res.transport.Close()
		return
	}

	if res.err != nil {
		res.transport.Close()
		s.rec.Failure(metrics.ServiceWebsocket)
		s.logger.Debug("live upgrade failed", "error", res.err)
		s.upgrade.reset(s.m.cfg.UpgradeInterval)
		return
	}

	if old := s.active; old != nil {
		s.closeActive()
		s.drain(old.Events())
	}
	if s.finished {
		res.transport.Close()
		return
	}

	s.retry.stop()
	s.gen++

	s.mode = model.ModeLive
	s.fallbackActive = false
	s.retryCount = 0
	s.history = nil
	s.activate(res.transport)
	s.rec.Success(metrics.ServiceWebsocket)
	s.setStatus(model.StatusConnected, nil)

	s.logger.Info("upgraded back to live transport")
}

// drain applies frames already buffered on a closed transport.
func (s *session) drain(events <-chan connection.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind == connection.EventFrame && !s.finished {
				s.applyFrame(ev.Frame)
			}
		default:
			return
		}
	}
}

func (s *session) startProbe() {
	if s.active == nil || s.probing {
		return
	}

	t := s.active
	mode := s.mode
	s.probing = true

	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.m.cfg.OpenTimeout)
		latency, err := t.HealthProbe(ctx)
		cancel()

		select {
		case s.probed <- probeResult{mode: mode, latency: latency, err: err}:
		case <-s.ctx.Done():
		}
	}()
}

func (s *session) handleProbe(res probeResult) {
	s.probing = false
	if s.active != nil && !s.finished && s.m.cfg.ProbeInterval > 0 {
		s.probe.reset(s.m.cfg.ProbeInterval)
	}

	if res.err == nil {
		s.rec.Latency(res.latency)
	}

	switch res.mode {
	case model.ModePolling:
		s.m.agg.Report(metrics.ServiceAPI, res.err == nil || reconnect.IsPermanent(res.err))
	case model.ModeLive:
		if res.err != nil && !errors.Is(res.err, connection.ErrNoLatency) {
			s.logger.Debug("live health probe failed", "error", res.err)
		}
	}
}

// setStatus transitions to next and publishes the change once.
func (s *session) setStatus(next model.Status, err error) {
	if s.status == next {
		return
	}

	prev := s.status
	s.status = next
	if err != nil {
		s.lastErr = err
	}
	s.rec.SetHealthy(next.Healthy())
	s.sync()

	s.logger.Debug("status changed", "from", prev, "to", next, "mode", s.mode)
	s.publish(Event{
		Kind:     EventStatusChanged,
		Status:   next,
		Previous: prev,
		Mode:     s.mode,
		Err:      err,
	})
}

// sync publishes loop-owned state to the snapshot.
func (s *session) sync() {
	snap := Snapshot{
		QueryID:         s.queryID,
		SessionID:       s.id,
		Mode:            s.mode,
		Status:          s.status,
		SequenceCounter: s.seqCounter,
		LastSequence:    s.lastSeq,
		ProgressPercent: s.progress,
		RetryCount:      s.retryCount,
		LastHeartbeatAt: s.lastBeatAt,
		FallbackActive:  s.fallbackActive,
		StartedAt:       s.startedAt,
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
	}

	s.snapMu.Lock()
	if s.closed.Load() {
		snap.Status = model.StatusClosed
	}
	s.snap = snap
	s.snapMu.Unlock()
}

func serviceFor(mode model.Mode) metrics.Service {
	if mode == model.ModePolling {
		return metrics.ServicePolling
	}
	return metrics.ServiceWebsocket
}

// loopTimer is a one-shot timer owned by the session loop. An unarmed
// timer's channel is nil so its select case never fires.
type loopTimer struct {
	t *time.Timer
}

func (lt *loopTimer) C() <-chan time.Time {
	if lt.t == nil {
		return nil
	}
	return lt.t.C
}

func (lt *loopTimer) reset(d time.Duration) {
	lt.stop()
	lt.t = time.NewTimer(d)
}

func (lt *loopTimer) stop() {
	if lt.t != nil {
		lt.t.Stop()
		lt.t = nil
	}
}

// fired must be called after receiving from C.
func (lt *loopTimer) fired() {
	lt.t = nil
}
