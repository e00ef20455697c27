package realtime

import "sync/atomic"

// Clock is a monotonic logical clock stamping received events.
//
// Every normalized ChangeEvent gets a strictly increasing seq from this
// clock, preserving arrival order within one client session without
// relying on wall-clock comparisons.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// Next returns the next sequence number and increments the clock.
// Calls are linearizable - each call returns a unique, increasing value.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
