package monitor

import (
	"errors"
	"time"

	"github.com/rickgao/querywatch/internal/model"
)

// Errors
var (
	ErrEmptyQueryID  = errors.New("query id is required")
	ErrManagerClosed = errors.New("manager is shut down")
	ErrProtocol      = errors.New("too many malformed frames")
	ErrStalled       = errors.New("no frames or heartbeats received")
)

// EventKind classifies session events.
type EventKind int

const (
	EventStatusChanged EventKind = iota
	EventProgress
	EventError
	EventCompleted
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventStatusChanged:
		return "status_changed"
	case EventProgress:
		return "progress"
	case EventError:
		return "error"
	case EventCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Event is delivered to observers in the order the session produced it.
type Event struct {
	Kind      EventKind
	QueryID   string
	SessionID string
	At        time.Time

	// Set for EventStatusChanged.
	Status   model.Status
	Previous model.Status
	Mode     model.Mode
	Err      error

	// Set for EventProgress, EventError and EventCompleted respectively.
	Progress   *model.ProgressMessage
	Error      *model.ErrorMessage
	Completion *model.CompletionMessage
}

// Observer receives session events.
type Observer interface {
	HandleEvent(ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev Event)

func (f ObserverFunc) HandleEvent(ev Event) {
	f(ev)
}

// Callbacks adapts per-kind functions to Observer. Nil fields are skipped.
type Callbacks struct {
	OnProgress     func(queryID string, msg model.ProgressMessage)
	OnError        func(queryID string, msg model.ErrorMessage)
	OnCompletion   func(queryID string, msg model.CompletionMessage)
	OnStatusChange func(queryID string, status model.Status)
}

// HandleEvent dispatches ev to the matching callback.
func (c Callbacks) HandleEvent(ev Event) {
	switch ev.Kind {
	case EventStatusChanged:
		if c.OnStatusChange != nil {
			c.OnStatusChange(ev.QueryID, ev.Status)
		}
	case EventProgress:
		if c.OnProgress != nil && ev.Progress != nil {
			c.OnProgress(ev.QueryID, *ev.Progress)
		}
	case EventError:
		if c.OnError != nil && ev.Error != nil {
			c.OnError(ev.QueryID, *ev.Error)
		}
	case EventCompleted:
		if c.OnCompletion != nil && ev.Completion != nil {
			c.OnCompletion(ev.QueryID, *ev.Completion)
		}
	}
}

// EventSink receives a copy of every delivered event. Record must not block.
type EventSink interface {
	Record(ev Event)
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	QueryID         string       `json:"queryId"`
	SessionID       string       `json:"sessionId"`
	Mode            model.Mode   `json:"mode"`
	Status          model.Status `json:"status"`
	SequenceCounter int64        `json:"sequenceCounter"`
	LastSequence    int64        `json:"lastSequence"`
	ProgressPercent float64      `json:"progressPercent"`
	RetryCount      int          `json:"retryCount"`
	LastError       string       `json:"lastError,omitempty"`
	LastHeartbeatAt time.Time    `json:"lastHeartbeatAt"`
	FallbackActive  bool         `json:"fallbackActive"`
	StartedAt       time.Time    `json:"startedAt"`

	// Observer delivery backlog.
	PendingEvents   int   `json:"pendingEvents"`
	DeliveredEvents int64 `json:"deliveredEvents"`
}
