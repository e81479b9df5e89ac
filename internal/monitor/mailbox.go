package monitor

import (
	"sync"
)

// mailbox is an unbounded FIFO queue between a session loop and its
// dispatcher. It doubles its ring when 70% full, so Send never blocks.
type mailbox[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []T
	head   int // read position
	tail   int // write position
	count  int
	closed bool

	// Stats
	sent      int64
	delivered int64
	resizes   int
}

// mailboxStats contains mailbox statistics.
type mailboxStats struct {
	Pending   int
	Capacity  int
	Sent      int64
	Delivered int64
	Resizes   int
}

func newMailbox[T any](initialCapacity int) *mailbox[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	mb := &mailbox[T]{
		buf: make([]T, initialCapacity),
	}
	mb.cond = sync.NewCond(&mb.mu)
	return mb
}

// Send enqueues item. Returns false once the mailbox is closed.
func (mb *mailbox[T]) Send(item T) bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.closed {
		return false
	}

	threshold := (len(mb.buf) * 70) / 100
	if threshold < 1 {
		threshold = 1
	}
	if mb.count+1 >= threshold {
		mb.grow()
	}

	mb.buf[mb.tail] = item
	mb.tail = (mb.tail + 1) % len(mb.buf)
	mb.count++
	mb.sent++

	mb.cond.Signal()
	return true
}

// Receive blocks until an item is available. After Close it keeps
// returning queued items, then the zero value and false.
func (mb *mailbox[T]) Receive() (T, bool) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	for mb.count == 0 && !mb.closed {
		mb.cond.Wait()
	}
	if mb.count == 0 {
		var zero T
		return zero, false
	}
	return mb.popLocked(), true
}

// Close stops accepting items and wakes blocked receivers.
func (mb *mailbox[T]) Close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	mb.closed = true
	mb.cond.Broadcast()
}

// Stats returns mailbox statistics.
func (mb *mailbox[T]) Stats() mailboxStats {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mailboxStats{
		Pending:   mb.count,
		Capacity:  len(mb.buf),
		Sent:      mb.sent,
		Delivered: mb.delivered,
		Resizes:   mb.resizes,
	}
}

// popLocked removes the head item. Must be called with lock held.
func (mb *mailbox[T]) popLocked() T {
	item := mb.buf[mb.head]
	var zero T
	mb.buf[mb.head] = zero // Clear reference for GC
	mb.head = (mb.head + 1) % len(mb.buf)
	mb.count--
	mb.delivered++
	return item
}

// grow doubles the ring. Must be called with lock held.
func (mb *mailbox[T]) grow() {
	next := make([]T, len(mb.buf)*2)

	if mb.count > 0 {
		if mb.head < mb.tail {
			copy(next, mb.buf[mb.head:mb.tail])
		} else {
			n := copy(next, mb.buf[mb.head:])
			copy(next[n:], mb.buf[:mb.tail])
		}
	}

	mb.buf = next
	mb.head = 0
	mb.tail = mb.count
	mb.resizes++
}
