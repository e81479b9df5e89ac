package connection

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/querywatch/internal/model"
)

// LiveTransport streams progress frames for one query over a WebSocket.
type LiveTransport struct {
	cfg     LiveConfig
	queryID string
	logger  *slog.Logger

	conn *websocket.Conn

	// Output
	events chan Event
	done   chan struct{}

	// Write serialization
	writeMu sync.Mutex

	failOnce sync.Once

	// State
	mu          sync.RWMutex
	connected   bool
	closed      bool
	lastBeatAt  time.Time
	lastLatency time.Duration
	degraded    bool
	seq         int64
}

// NewLiveTransport creates a live transport for queryID.
func NewLiveTransport(cfg LiveConfig, queryID string, logger *slog.Logger) *LiveTransport {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1
	}

	return &LiveTransport{
		cfg:     cfg,
		queryID: queryID,
		logger:  logger,
		events:  make(chan Event, cfg.BufferSize),
		done:    make(chan struct{}),
	}
}

// QueryURL returns the WebSocket URL for queryID under baseURL.
func QueryURL(baseURL, queryID string) string {
	return strings.TrimRight(baseURL, "/") + "/ws/query/" + url.PathEscape(queryID)
}

// Mode returns model.ModeLive.
func (t *LiveTransport) Mode() model.Mode {
	return model.ModeLive
}

// Events returns the event channel.
func (t *LiveTransport) Events() <-chan Event {
	return t.events
}

// Open dials the query's WebSocket endpoint.
func (t *LiveTransport) Open(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrAlreadyClosed
	}
	t.mu.Unlock()

	header := http.Header{}
	header.Set("Accept", "application/json")
	if t.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+t.cfg.APIKey)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: t.cfg.HandshakeTimeout,
	}

	target := QueryURL(t.cfg.BaseURL, t.queryID)
	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil && errors.Is(err, websocket.ErrBadHandshake) {
			return &HandshakeError{StatusCode: resp.StatusCode, Err: err}
		}
		return err
	}

	t.mu.Lock()
	if t.closed {
		// Closed while dialing.
		t.mu.Unlock()
		conn.Close()
		return ErrAlreadyClosed
	}
	t.conn = conn
	t.connected = true
	t.lastBeatAt = time.Now()
	t.mu.Unlock()

	// Server ping: answer with pong and count as heartbeat.
	conn.SetPingHandler(func(data string) error {
		t.beat(0)

		t.writeMu.Lock()
		defer t.writeMu.Unlock()
		return conn.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(time.Second),
		)
	})

	// Pong to our ping: payload is the send time in unix nanoseconds.
	conn.SetPongHandler(func(data string) error {
		var latency time.Duration
		if sent, err := strconv.ParseInt(data, 10, 64); err == nil {
			latency = time.Since(time.Unix(0, sent))
		}
		t.beat(latency)
		return nil
	})

	go t.readLoop()
	go t.heartbeatLoop()

	t.logger.Debug("websocket connected", "url", target)

	return nil
}

// Close gracefully closes the connection.
func (t *LiveTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.connected = false
	conn := t.conn
	t.mu.Unlock()

	close(t.done)

	if conn != nil {
		t.writeMu.Lock()
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		t.writeMu.Unlock()
		return conn.Close()
	}

	return nil
}

// IsConnected returns the current connection state.
func (t *LiveTransport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// HealthProbe sends a ping and returns the latest measured round trip.
func (t *LiveTransport) HealthProbe(ctx context.Context) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if !t.IsConnected() {
		return 0, ErrNotConnected
	}
	if err := t.ping(); err != nil {
		return 0, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.lastLatency == 0 {
		return 0, ErrNoLatency
	}
	return t.lastLatency, nil
}

// ping writes a ping control frame stamped with the current time.
func (t *LiveTransport) ping() error {
	t.mu.RLock()
	conn := t.conn
	connected := t.connected
	t.mu.RUnlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	payload := strconv.FormatInt(time.Now().UnixNano(), 10)
	deadline := time.Now().Add(t.cfg.WriteTimeout)
	return conn.WriteControl(websocket.PingMessage, []byte(payload), deadline)
}

// beat records a heartbeat. A heartbeat is reported upward when it carries
// a latency sample or ends a degraded period.
func (t *LiveTransport) beat(latency time.Duration) {
	now := time.Now()

	recovered := t.touch(now, latency)
	if latency > 0 || recovered {
		t.emit(Event{Kind: EventHeartbeat, Latency: latency, At: now})
	}
}

// touch records liveness at and reports whether a degraded period ended.
func (t *LiveTransport) touch(at time.Time, latency time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lastBeatAt = at
	if latency > 0 {
		t.lastLatency = latency
	}
	recovered := t.degraded
	t.degraded = false
	return recovered
}

// emit delivers ev unless the transport is closed.
func (t *LiveTransport) emit(ev Event) {
	select {
	case t.events <- ev:
	case <-t.done:
	}
}

// fail reports a terminal failure exactly once.
func (t *LiveTransport) fail(kind EventKind, err error) {
	t.failOnce.Do(func() {
		t.mu.Lock()
		t.connected = false
		t.mu.Unlock()
		t.emit(Event{Kind: kind, Err: err, At: time.Now()})
	})
}

// readLoop decodes incoming frames and forwards them as events.
func (t *LiveTransport) readLoop() {
	for {
		select {
		case <-t.done:
			return
		default:
		}

		_, data, err := t.conn.ReadMessage()
		receivedAt := time.Now()

		if err != nil {
			// Ignore errors after Close() is called
			select {
			case <-t.done:
				return
			default:
			}

			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Debug("websocket closed by server", "error", err)
				t.fail(EventClosed, err)
			} else {
				t.fail(EventFailure, err)
			}
			return
		}

		// Any traffic proves liveness.
		recovered := t.touch(receivedAt, 0)

		frame, err := model.DecodeEnvelope(data, t.queryID, receivedAt)
		if err != nil {
			t.logger.Warn("dropping malformed frame", "error", err)
			t.emit(Event{Kind: EventInvalid, Err: err, At: receivedAt})
			continue
		}

		if frame.Kind == model.FrameHeartbeat || recovered {
			t.emit(Event{Kind: EventHeartbeat, At: receivedAt})
		}
		if frame.Kind == model.FrameHeartbeat {
			continue
		}

		t.emit(Event{Kind: EventFrame, Frame: t.stamp(frame), At: receivedAt})
	}
}

// stamp assigns a local sequence to frames the server sent without one.
func (t *LiveTransport) stamp(f model.Frame) model.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()

	if f.Sequence == 0 {
		t.seq++
		f.Local = true
		return f.WithSequence(t.seq)
	}
	if f.Sequence > t.seq {
		t.seq = f.Sequence
	}
	return f
}

// heartbeatLoop pings the server and watches for missing heartbeats.
func (t *LiveTransport) heartbeatLoop() {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := t.ping(); err != nil {
				t.logger.Debug("failed to send ping", "error", err)
			}

			t.mu.Lock()
			silence := time.Since(t.lastBeatAt)
			becameDegraded := false
			if silence > 2*t.cfg.HeartbeatInterval && !t.degraded {
				t.degraded = true
				becameDegraded = true
			}
			t.mu.Unlock()

			if silence > t.cfg.PingTimeout {
				t.logger.Warn("no heartbeat received, connection stale",
					"silence", silence,
					"timeout", t.cfg.PingTimeout,
				)
				t.fail(EventFailure, ErrStaleConnection)
				return
			}

			if becameDegraded {
				t.logger.Debug("heartbeat overdue", "silence", silence)
				t.emit(Event{Kind: EventDegraded, At: time.Now()})
			}
		}
	}
}
