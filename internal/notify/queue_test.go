package notify

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestQueue(opts ...Option) (*Queue, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	opts = append([]Option{
		WithClock(clock.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	return NewQueue(DefaultConfig(), opts...), clock
}

func TestQueue_PushAndNext(t *testing.T) {
	q, clock := newTestQueue()

	first := q.Push(TypeInfo, "Verbunden", "live")
	clock.Advance(time.Second)
	q.Push(TypeWarning, "Fallback aktiv", "polling")

	if first.ID == "" {
		t.Error("expected generated ID")
	}

	next, ok := q.Next()
	if !ok {
		t.Fatal("expected a notification")
	}
	if next.ID != first.ID {
		t.Errorf("Next() = %q, want oldest %q", next.Title, first.Title)
	}

	if !q.Dismiss(first.ID) {
		t.Fatal("Dismiss() = false")
	}
	next, _ = q.Next()
	if next.Title != "Fallback aktiv" {
		t.Errorf("after dismiss Next() = %q, want Fallback aktiv", next.Title)
	}
}

func TestQueue_DedupeReplacesInPlace(t *testing.T) {
	q, clock := newTestQueue()

	a := q.Push(TypeWarning, "Langsam", "first")
	q.Push(TypeInfo, "Other", "x")
	clock.Advance(5 * time.Second)
	b := q.Push(TypeWarning, "Langsam", "second")

	if b.ID != a.ID {
		t.Errorf("expected same ID on replacement, got %q and %q", a.ID, b.ID)
	}
	list := q.List()
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	if list[0].Message != "second" {
		t.Errorf("message = %q, want second", list[0].Message)
	}
	if !list[0].Timestamp.Equal(clock.Now()) {
		t.Error("expected refreshed timestamp")
	}
}

func TestQueue_DedupeWindowExpires(t *testing.T) {
	q, clock := newTestQueue()

	q.Push(TypeWarning, "Langsam", "first")
	clock.Advance(11 * time.Second)
	q.Push(TypeWarning, "Langsam", "second")

	if q.Len() != 2 {
		t.Errorf("len = %d, want 2", q.Len())
	}
}

func TestQueue_DismissedNotReplaced(t *testing.T) {
	q, _ := newTestQueue()

	a := q.Push(TypeInfo, "Hinweis", "first")
	q.Dismiss(a.ID)
	b := q.Push(TypeInfo, "Hinweis", "second")

	if a.ID == b.ID {
		t.Error("dismissed entry should not be reused")
	}
}

func TestQueue_PersistentBypassesDedupe(t *testing.T) {
	q, _ := newTestQueue()

	q.PushPersistent(TypeError, "Verbindung fehlgeschlagen", "a")
	q.PushPersistent(TypeError, "Verbindung fehlgeschlagen", "b")

	if q.Len() != 2 {
		t.Errorf("len = %d, want 2", q.Len())
	}
}

func TestQueue_CapacityEvictsNonErrorFirst(t *testing.T) {
	q, _ := newTestQueue()

	q.Push(TypeError, "E1", "")
	q.Push(TypeInfo, "I1", "")
	q.Push(TypeError, "E2", "")
	q.Push(TypeWarning, "W1", "")
	q.Push(TypeError, "E3", "")
	q.Push(TypeError, "E4", "")

	list := q.List()
	if len(list) != 5 {
		t.Fatalf("len = %d, want 5", len(list))
	}
	for _, n := range list {
		if n.Title == "I1" {
			t.Error("I1 should have been evicted first")
		}
	}

	q.Push(TypeError, "E5", "")
	for _, n := range q.List() {
		if n.Title == "W1" {
			t.Error("W1 should have been evicted second")
		}
	}
	if q.EvictedErrors() != 0 {
		t.Errorf("EvictedErrors() = %d, want 0", q.EvictedErrors())
	}
}

func TestQueue_DismissedEvictedBeforeUndismissed(t *testing.T) {
	q, _ := newTestQueue()

	var firstErr Notification
	for i := 0; i < 5; i++ {
		n := q.Push(TypeError, fmt.Sprintf("E%d", i), "")
		if i == 2 {
			firstErr = n
		}
	}
	q.Dismiss(firstErr.ID)
	q.Push(TypeError, "E5", "")

	for _, n := range q.List() {
		if n.ID == firstErr.ID {
			t.Error("dismissed entry should be evicted first")
		}
	}
	if q.EvictedErrors() != 0 {
		t.Errorf("EvictedErrors() = %d, want 0", q.EvictedErrors())
	}
}

func TestQueue_FullOfErrorsCountsEviction(t *testing.T) {
	q, _ := newTestQueue()

	q.PushPersistent(TypeError, "Verbindung fehlgeschlagen", "")
	for i := 0; i < 5; i++ {
		q.Push(TypeError, fmt.Sprintf("E%d", i), "")
	}

	if q.Len() != 5 {
		t.Fatalf("len = %d, want 5", q.Len())
	}
	if q.EvictedErrors() != 1 {
		t.Errorf("EvictedErrors() = %d, want 1", q.EvictedErrors())
	}
	if q.List()[0].Title != "Verbindung fehlgeschlagen" {
		t.Error("persistent entry should be evicted last")
	}
}

func TestQueue_NeverExceedsCapacity(t *testing.T) {
	q, clock := newTestQueue()

	types := []Type{TypeError, TypeWarning, TypeInfo, TypeSuccess}
	for i := 0; i < 50; i++ {
		q.Push(types[i%len(types)], fmt.Sprintf("T%d", i%7), "")
		clock.Advance(3 * time.Second)
		if q.Len() > 5 {
			t.Fatalf("len = %d after push %d", q.Len(), i)
		}
	}
}

func TestQueue_OnChange(t *testing.T) {
	var calls int
	var last []Notification
	q, _ := newTestQueue(WithOnChange(func(list []Notification) {
		calls++
		last = list
	}))

	n := q.Push(TypeInfo, "A", "")
	q.Dismiss(n.ID)
	q.Dismiss("unknown")

	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if len(last) != 1 || !last[0].Dismissed {
		t.Errorf("last snapshot = %+v", last)
	}
}

func TestQueue_OnChangeNeverGoesBackwards(t *testing.T) {
	var mu sync.Mutex
	var lengths []int
	q := NewQueue(Config{Capacity: 200, DedupeWindow: time.Second},
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithOnChange(func(list []Notification) {
			mu.Lock()
			lengths = append(lengths, len(list))
			mu.Unlock()
		}),
	)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				q.Push(TypeInfo, fmt.Sprintf("g%d-%d", g, i), "")
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(lengths) == 0 {
		t.Fatal("OnChange never called")
	}
	// Every push grows the list, so delivered snapshots must grow strictly.
	for i := 1; i < len(lengths); i++ {
		if lengths[i] <= lengths[i-1] {
			t.Fatalf("snapshot %d has %d entries after %d", i, lengths[i], lengths[i-1])
		}
	}
	if last := lengths[len(lengths)-1]; last != 160 {
		t.Errorf("last snapshot has %d entries, want 160", last)
	}
}

func TestQueue_DismissUnknown(t *testing.T) {
	q, _ := newTestQueue()
	if q.Dismiss("nope") {
		t.Error("Dismiss(unknown) = true")
	}
	if _, ok := q.Next(); ok {
		t.Error("Next() on empty queue returned ok")
	}
}
