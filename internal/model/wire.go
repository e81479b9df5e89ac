package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedFrame is returned for frames that cannot be parsed or fail
// schema checks.
var ErrMalformedFrame = errors.New("malformed frame")

// Envelope is the JSON frame pushed over the live channel.
type Envelope struct {
	EventType          string          `json:"event_type"`
	QueryID            string          `json:"query_id"`
	Sequence           int64           `json:"sequence,omitempty"`
	CurrentStep        int             `json:"current_step"`
	TotalSteps         int             `json:"total_steps"`
	ProgressPercentage float64         `json:"progress_percentage"`
	Message            string          `json:"message"`
	ChunkID            json.RawMessage `json:"chunk_id,omitempty"` // number or string
	Steps              []Step          `json:"steps,omitempty"`
	ErrorType          string          `json:"error_type,omitempty"`
	Status             string          `json:"status,omitempty"`
	Result             json.RawMessage `json:"result,omitempty"`
	Timestamp          string          `json:"timestamp"`
}

// StatusResponse is the body of GET /api/query/{query_id}/status.
type StatusResponse struct {
	QueryID            string          `json:"query_id"`
	Status             string          `json:"status"` // "pending", "processing", "completed", "failed"
	ProgressPercentage float64         `json:"progress_percentage"`
	CurrentStep        int             `json:"current_step"`
	TotalSteps         int             `json:"total_steps"`
	Message            string          `json:"message"`
	Error              string          `json:"error,omitempty"`
	Result             json.RawMessage `json:"result,omitempty"`
}

// DecodeEnvelope parses a live-channel frame. queryID, when non-empty, must
// match the frame's query_id if the frame carries one.
func DecodeEnvelope(data []byte, queryID string, receivedAt time.Time) (Frame, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if queryID != "" && env.QueryID != "" && env.QueryID != queryID {
		return Frame{}, fmt.Errorf("%w: query_id %q, want %q", ErrMalformedFrame, env.QueryID, queryID)
	}
	if env.Sequence < 0 {
		return Frame{}, fmt.Errorf("%w: negative sequence %d", ErrMalformedFrame, env.Sequence)
	}

	f := Frame{
		Sequence:   env.Sequence,
		QueryID:    queryID,
		ReceivedAt: receivedAt,
	}
	if f.QueryID == "" {
		f.QueryID = env.QueryID
	}

	switch strings.ToLower(env.EventType) {
	case "progress", "progress_update", "step_update", "step_started", "step_completed", "query_started":
		if err := checkPercent(env.ProgressPercentage); err != nil {
			return Frame{}, err
		}
		f.Kind = FrameProgress
		f.Progress = &ProgressMessage{
			Sequence:        env.Sequence,
			ProgressPercent: env.ProgressPercentage,
			Message:         env.Message,
			CurrentStep:     env.CurrentStep,
			TotalSteps:      env.TotalSteps,
			ChunkID:         chunkID(env.ChunkID),
			Steps:           env.Steps,
		}

	case "error", "query_failed":
		f.Kind = FrameError
		f.Error = &ErrorMessage{
			Sequence:  env.Sequence,
			Message:   env.Message,
			ErrorType: env.ErrorType,
		}

	case "completed", "completion", "query_completed":
		status := strings.ToLower(env.Status)
		if status == "" {
			status = "completed"
		}
		f.Kind = FrameCompletion
		f.Completion = &CompletionMessage{
			Sequence: env.Sequence,
			Status:   status,
			Failed:   isFailedStatus(status),
			Message:  env.Message,
			Result:   env.Result,
		}

	case "heartbeat", "ping", "pong":
		f.Kind = FrameHeartbeat

	case "":
		return Frame{}, fmt.Errorf("%w: missing event_type", ErrMalformedFrame)

	default:
		return Frame{}, fmt.Errorf("%w: unknown event_type %q", ErrMalformedFrame, env.EventType)
	}

	return f, nil
}

// FrameFromStatus synthesizes a frame from a poll response. The REST endpoint
// carries no sequence, so the caller supplies one.
func FrameFromStatus(resp StatusResponse, queryID string, seq int64, receivedAt time.Time) (Frame, error) {
	if queryID != "" && resp.QueryID != "" && resp.QueryID != queryID {
		return Frame{}, fmt.Errorf("%w: query_id %q, want %q", ErrMalformedFrame, resp.QueryID, queryID)
	}

	f := Frame{
		Sequence:   seq,
		QueryID:    queryID,
		ReceivedAt: receivedAt,
	}

	status := strings.ToLower(resp.Status)
	switch status {
	case "pending", "queued", "processing", "running", "in_progress":
		if err := checkPercent(resp.ProgressPercentage); err != nil {
			return Frame{}, err
		}
		f.Kind = FrameProgress
		f.Progress = &ProgressMessage{
			Sequence:        seq,
			ProgressPercent: resp.ProgressPercentage,
			Message:         resp.Message,
			CurrentStep:     resp.CurrentStep,
			TotalSteps:      resp.TotalSteps,
		}

	case "completed", "complete", "done", "success":
		f.Kind = FrameCompletion
		f.Completion = &CompletionMessage{
			Sequence: seq,
			Status:   "completed",
			Message:  resp.Message,
			Result:   resp.Result,
		}

	case "failed", "error", "cancelled":
		msg := resp.Error
		if msg == "" {
			msg = resp.Message
		}
		f.Kind = FrameError
		f.Error = &ErrorMessage{
			Sequence:  seq,
			Message:   msg,
			ErrorType: status,
		}

	case "":
		return Frame{}, fmt.Errorf("%w: missing status", ErrMalformedFrame)

	default:
		return Frame{}, fmt.Errorf("%w: unknown status %q", ErrMalformedFrame, resp.Status)
	}

	return f, nil
}

func checkPercent(p float64) error {
	if p < 0 || p > 100 {
		return fmt.Errorf("%w: progress_percentage %.2f out of range", ErrMalformedFrame, p)
	}
	return nil
}

func isFailedStatus(status string) bool {
	return status == "failed" || status == "error" || status == "cancelled"
}

// chunkID normalizes a numeric or string chunk_id to a string.
func chunkID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return strconv.Quote(string(raw))
}
