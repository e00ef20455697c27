package realtime

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff defaults: 1s, 2s, 4s, ... capped at 30s, with ±20% jitter.
const (
	DefaultBackoffBase   = 1 * time.Second
	DefaultBackoffCap    = 30 * time.Second
	DefaultBackoffJitter = 0.2
)

// Backoff produces capped exponential reconnect delays with jitter.
//
// The pre-jitter schedule is non-decreasing: base·2^attempt until the
// cap, then flat. Jitter spreads simultaneous reconnecting clients so
// they do not stampede the server.
//
// Thread-safety: all methods are safe for concurrent use.
type Backoff struct {
	mu      sync.Mutex
	base    time.Duration
	cap     time.Duration
	jitter  float64 // fraction of the delay, e.g. 0.2 for ±20%
	attempt int
	rng     *rand.Rand
}

// NewBackoff creates a backoff policy. Zero values fall back to the
// defaults; jitter < 0 disables jitter entirely (deterministic tests).
func NewBackoff(base, cap time.Duration, jitter float64) *Backoff {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if cap <= 0 {
		cap = DefaultBackoffCap
	}
	if jitter == 0 {
		jitter = DefaultBackoffJitter
	}
	if jitter < 0 {
		jitter = 0
	}
	return &Backoff{
		base:   base,
		cap:    cap,
		jitter: jitter,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay before the next attempt and advances the
// attempt counter.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.delayLocked(b.attempt)
	b.attempt++

	if b.jitter > 0 {
		// Uniform in [d·(1-jitter), d·(1+jitter)].
		span := float64(d) * b.jitter
		d = time.Duration(float64(d) - span + b.rng.Float64()*2*span)
	}
	return d
}

// Delay returns the pre-jitter delay for a given attempt number.
func (b *Backoff) Delay(attempt int) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delayLocked(attempt)
}

func (b *Backoff) delayLocked(attempt int) time.Duration {
	d := b.base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.cap {
			return b.cap
		}
	}
	if d > b.cap {
		d = b.cap
	}
	return d
}

// Attempt returns the number of delays handed out since the last Reset.
func (b *Backoff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}

// Reset restarts the schedule after a successful connection.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt = 0
}
