package model

import (
	"encoding/json"
	"time"
)

// Mode identifies which transport currently serves a session.
type Mode string

const (
	ModeLive    Mode = "live"
	ModePolling Mode = "polling"
)

// Status is the state of a monitoring session.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDegraded     Status = "degraded"
	StatusDisconnected Status = "disconnected"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
	StatusClosed       Status = "closed"
)

// Terminal reports whether no further automatic transitions happen from s.
func (s Status) Terminal() bool {
	return s == StatusError || s == StatusClosed
}

// Healthy reports whether frames are currently flowing.
func (s Status) Healthy() bool {
	return s == StatusConnected || s == StatusDegraded
}

// FrameKind identifies the payload carried by a Frame.
type FrameKind int

const (
	FrameProgress FrameKind = iota
	FrameError
	FrameCompletion
	FrameHeartbeat
)

// String returns the wire-independent name of the kind.
func (k FrameKind) String() string {
	switch k {
	case FrameProgress:
		return "progress"
	case FrameError:
		return "error"
	case FrameCompletion:
		return "completion"
	case FrameHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// Step is one stage of query processing.
type Step struct {
	Name            string  `json:"name"`
	Status          string  `json:"status"` // "pending", "running", "completed", "failed"
	ProgressPercent float64 `json:"progress_percent"`
	Message         string  `json:"message,omitempty"`
}

// ProgressMessage reports intermediate progress of a query.
type ProgressMessage struct {
	Sequence        int64
	ProgressPercent float64
	Message         string
	CurrentStep     int
	TotalSteps      int
	ChunkID         string
	Steps           []Step
}

// ErrorMessage reports that the query itself failed.
type ErrorMessage struct {
	Sequence  int64
	Message   string
	ErrorType string
}

// CompletionMessage is the terminal frame of a query.
type CompletionMessage struct {
	Sequence int64
	Status   string // "completed" or "failed"
	Failed   bool
	Message  string
	Result   json.RawMessage
}

// Frame is a decoded unit received over either transport. Exactly one of
// Progress, Error or Completion is set unless Kind is FrameHeartbeat.
type Frame struct {
	Kind       FrameKind
	Sequence   int64
	QueryID    string
	Progress   *ProgressMessage
	Error      *ErrorMessage
	Completion *CompletionMessage
	ReceivedAt time.Time
	// Local is set when Sequence was assigned by the transport because the
	// server sent none. Local sequences only order frames within one transport.
	Local bool
}

// Terminal reports whether the frame ends the query.
func (f Frame) Terminal() bool {
	return f.Kind == FrameError || f.Kind == FrameCompletion
}

// WithSequence returns a copy of f with seq stamped on the frame and its payload.
func (f Frame) WithSequence(seq int64) Frame {
	f.Sequence = seq
	switch {
	case f.Progress != nil:
		p := *f.Progress
		p.Sequence = seq
		f.Progress = &p
	case f.Error != nil:
		e := *f.Error
		e.Sequence = seq
		f.Error = &e
	case f.Completion != nil:
		c := *f.Completion
		c.Sequence = seq
		f.Completion = &c
	}
	return f
}
