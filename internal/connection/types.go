package connection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rickgao/querywatch/internal/model"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no heartbeat)")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrNoLatency       = errors.New("no latency sample yet")
)

// Transport moves frames for a single query.
type Transport interface {
	// Open establishes the channel. It blocks until the channel is usable
	// or ctx is done.
	Open(ctx context.Context) error

	// Close releases the channel. Safe to call more than once.
	Close() error

	// Events returns the ordered stream of transport events.
	Events() <-chan Event

	// HealthProbe returns the latest measured round-trip latency.
	HealthProbe(ctx context.Context) (time.Duration, error)

	// Mode identifies the transport variant.
	Mode() model.Mode
}

// EventKind classifies transport events.
type EventKind int

const (
	// EventFrame carries a decoded frame.
	EventFrame EventKind = iota
	// EventHeartbeat proves liveness; Latency is set when measured.
	EventHeartbeat
	// EventDegraded reports missed heartbeats while still connected.
	EventDegraded
	// EventInvalid reports a frame that failed to decode.
	EventInvalid
	// EventError reports a transient failure; the transport keeps running.
	EventError
	// EventFailure reports that the transport is dead.
	EventFailure
	// EventClosed reports a clean close initiated by the server.
	EventClosed
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventFrame:
		return "frame"
	case EventHeartbeat:
		return "heartbeat"
	case EventDegraded:
		return "degraded"
	case EventInvalid:
		return "invalid"
	case EventError:
		return "error"
	case EventFailure:
		return "failure"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is a single transport-level occurrence.
type Event struct {
	Kind    EventKind
	Frame   model.Frame
	Err     error
	Latency time.Duration
	At      time.Time
}

// HandshakeError is returned when the server rejects the WebSocket upgrade.
type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("websocket handshake failed (%d): %v", e.StatusCode, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// Permanent reports whether retrying the handshake is pointless.
func (e *HandshakeError) Permanent() bool {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusGone:
		return true
	}
	return false
}

// LiveConfig configures a live transport.
type LiveConfig struct {
	BaseURL           string        // ws(s)://host, the query path is appended
	APIKey            string        // Sent as bearer token when set
	HeartbeatInterval time.Duration // Client ping interval
	PingTimeout       time.Duration // Max time without heartbeat before failing
	WriteTimeout      time.Duration // Write deadline for control frames
	HandshakeTimeout  time.Duration // Dial timeout
	BufferSize        int           // Event channel buffer size
}

// DefaultLiveConfig returns sensible defaults.
func DefaultLiveConfig() LiveConfig {
	return LiveConfig{
		HeartbeatInterval: 15 * time.Second,
		PingTimeout:       60 * time.Second,
		WriteTimeout:      5 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		BufferSize:        256,
	}
}
