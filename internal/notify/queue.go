// Package notify keeps the short list of human-readable connection
// notifications shown by the dashboard.
//
// The queue holds at most Capacity entries. Pushing an undismissed
// (type, title) pair again within the dedupe window refreshes the existing
// entry in place. Error notifications are evicted last and never silently.
package notify

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type is the severity of a notification.
type Type string

const (
	TypeError   Type = "error"
	TypeWarning Type = "warning"
	TypeInfo    Type = "info"
	TypeSuccess Type = "success"
)

// Notification is a single queued message.
type Notification struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
	Dismissed  bool      `json:"dismissed"`
	Persistent bool      `json:"persistent"`
}

// Config holds queue settings.
type Config struct {
	Capacity     int           // Max retained entries (default: 5)
	DedupeWindow time.Duration // Replacement window for same (type, title)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:     5,
		DedupeWindow: 10 * time.Second,
	}
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// WithOnChange registers a hook called with a copy of the entries after
// every mutation. It runs without the queue lock held. Calls are serialized
// and a snapshot older than one already delivered is skipped, so the hook
// never sees the list go backwards. The hook must not modify the queue.
func WithOnChange(fn func([]Notification)) Option {
	return func(q *Queue) {
		q.onChange = fn
	}
}

// Queue is a bounded, de-duplicating notification list. Safe for
// concurrent use.
type Queue struct {
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	onChange func([]Notification)

	mu      sync.Mutex
	items   []Notification
	evicted int64
	version uint64 // Bumped on every mutation

	deliverMu sync.Mutex
	delivered uint64
}

// NewQueue creates a Queue.
func NewQueue(cfg Config, opts ...Option) *Queue {
	if cfg.Capacity < 1 {
		cfg.Capacity = DefaultConfig().Capacity
	}
	q := &Queue{
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
		items:  make([]Notification, 0, cfg.Capacity),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Push adds a notification or refreshes a matching recent one.
func (q *Queue) Push(typ Type, title, message string) Notification {
	return q.push(typ, title, message, false)
}

// PushPersistent adds a notification that bypasses de-duplication and is
// evicted only after every other entry.
func (q *Queue) PushPersistent(typ Type, title, message string) Notification {
	return q.push(typ, title, message, true)
}

func (q *Queue) push(typ Type, title, message string, persistent bool) Notification {
	now := q.now()

	q.mu.Lock()
	var result Notification
	if i := q.findRecent(typ, title, now); i >= 0 && !persistent {
		q.items[i].Message = message
		q.items[i].Timestamp = now
		result = q.items[i]
	} else {
		if len(q.items) >= q.cfg.Capacity {
			q.evictOne()
		}
		result = Notification{
			ID:         uuid.New().String(),
			Type:       typ,
			Title:      title,
			Message:    message,
			Timestamp:  now,
			Persistent: persistent,
		}
		q.items = append(q.items, result)
	}
	version, snapshot := q.mutatedLocked()
	q.mu.Unlock()

	q.changed(version, snapshot)
	return result
}

// findRecent returns the index of an undismissed, non-persistent entry
// with the same type and title inside the dedupe window, or -1.
func (q *Queue) findRecent(typ Type, title string, now time.Time) int {
	for i := len(q.items) - 1; i >= 0; i-- {
		n := q.items[i]
		if n.Dismissed || n.Persistent || n.Type != typ || n.Title != title {
			continue
		}
		if now.Sub(n.Timestamp) <= q.cfg.DedupeWindow {
			return i
		}
	}
	return -1
}

// evictOne removes one entry to make room. Must be called with lock held.
func (q *Queue) evictOne() {
	victim := q.pickVictim()
	n := q.items[victim]

	if n.Type == TypeError && !n.Dismissed {
		q.evicted++
		q.logger.Warn("notification queue full, evicting error notification",
			"id", n.ID,
			"title", n.Title,
			"message", n.Message,
		)
	}

	q.items = append(q.items[:victim], q.items[victim+1:]...)
}

// pickVictim selects the oldest dismissed entry, then the oldest non-error
// entry, then the oldest non-persistent error, then the oldest entry.
func (q *Queue) pickVictim() int {
	for i, n := range q.items {
		if n.Dismissed {
			return i
		}
	}
	for i, n := range q.items {
		if n.Type != TypeError {
			return i
		}
	}
	for i, n := range q.items {
		if !n.Persistent {
			return i
		}
	}
	return 0
}

// Dismiss marks the notification dismissed. It returns false for unknown IDs.
func (q *Queue) Dismiss(id string) bool {
	q.mu.Lock()
	found := false
	for i := range q.items {
		if q.items[i].ID == id && !q.items[i].Dismissed {
			q.items[i].Dismissed = true
			found = true
			break
		}
	}
	if !found {
		q.mu.Unlock()
		return false
	}
	version, snapshot := q.mutatedLocked()
	q.mu.Unlock()

	q.changed(version, snapshot)
	return true
}

// Next returns the oldest undismissed notification.
func (q *Queue) Next() (Notification, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, n := range q.items {
		if !n.Dismissed {
			return n, true
		}
	}
	return Notification{}, false
}

// List returns a copy of all retained notifications, oldest first.
func (q *Queue) List() []Notification {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.copyLocked()
}

// Len returns the number of retained notifications.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// EvictedErrors returns how many undismissed error notifications were
// evicted because the queue was full of errors.
func (q *Queue) EvictedErrors() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evicted
}

func (q *Queue) copyLocked() []Notification {
	out := make([]Notification, len(q.items))
	copy(out, q.items)
	return out
}

// mutatedLocked bumps the version and copies the entries. Must be called
// with lock held.
func (q *Queue) mutatedLocked() (uint64, []Notification) {
	q.version++
	return q.version, q.copyLocked()
}

func (q *Queue) changed(version uint64, snapshot []Notification) {
	if q.onChange == nil {
		return
	}

	q.deliverMu.Lock()
	defer q.deliverMu.Unlock()
	if version <= q.delivered {
		return
	}
	q.delivered = version
	q.onChange(snapshot)
}
