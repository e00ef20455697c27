package realtime

import (
	"sync"

	"github.com/parkops/lotsync/internal/model"
)

// eventQueue is a thread-safe FIFO queue for normalized change events.
//
// The queue is unbounded so a burst of row changes arriving during a
// slow fanout never blocks the network read path.
//
// Thread-safety is provided for external enqueuing (the receive loop,
// lifecycle broadcasts) while the dispatcher's run loop dequeues.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the run loop (prevents goroutine hangs on teardown).
type eventQueue struct {
	mu     sync.Mutex
	events []model.ChangeEvent
	closed bool
	signal chan struct{} // Signals event availability (buffered, size 1)
}

// newEventQueue creates an empty event queue.
func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]model.ChangeEvent, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an event to the back of the queue.
// Thread-safe: may be called from any goroutine.
// Returns false if the queue is closed; events enqueued after close are
// dropped, never delivered.
func (q *eventQueue) Enqueue(e model.ChangeEvent) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.events = append(q.events, e)

	// Signal availability (non-blocking - buffer of 1 coalesces signals)
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue attempts to dequeue without blocking.
// Returns (zero, false) if the queue is empty.
func (q *eventQueue) TryDequeue() (model.ChangeEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return model.ChangeEvent{}, false
	}

	e := q.events[0]

	// Nil out the slot so the payload slices can be collected; the
	// underlying array otherwise retains them until reallocation.
	q.events[0] = model.ChangeEvent{}

	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}

	return e, true
}

// Wait returns a channel that signals when events may be available.
// Use with select for context-aware waiting.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Closed reports whether the queue has been closed.
func (q *eventQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close signals that no more events will be enqueued.
// Pending events are discarded: teardown must not deliver late events.
// Wakes any blocked waiters by closing the signal channel.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	q.events = nil
	close(q.signal)
}
