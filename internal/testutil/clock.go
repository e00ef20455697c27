// Package testutil provides deterministic helpers shared across test
// packages.
package testutil

import (
	"fmt"
	"sync"
	"time"
)

// FakeClock provides a settable wall clock for tests.
//
// Lifecycle, dispatcher, and aggregator code take a now func; handing
// them clock.Now makes transitions and timestamps reproducible.
//
// Thread-safety: all methods are safe for concurrent use.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock creates a clock frozen at the given instant.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set pins the clock to an exact instant.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// SeqIDs generates "prefix-1", "prefix-2", ... for deterministic
// session and op ids in tests.
//
// Thread-safety: safe for concurrent use via internal mutex.
type SeqIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSeqIDs creates a sequential id generator.
func NewSeqIDs(prefix string) *SeqIDs {
	if prefix == "" {
		prefix = "id"
	}
	return &SeqIDs{prefix: prefix}
}

// Next returns the next id in sequence.
func (g *SeqIDs) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
