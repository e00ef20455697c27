package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/parkops/lotsync/internal/fault"
	"github.com/parkops/lotsync/internal/model"
)

// Offline queue defaults.
const (
	DefaultQueueLimit  = 1000
	DefaultMaxAttempts = 3
)

// Mutation is one local write buffered while disconnected. OpID makes
// replay idempotent: a duplicate op id is never applied twice.
type Mutation struct {
	OpID      string          `json:"op_id"`
	Entity    string          `json:"entity"`
	Operation model.Operation `json:"operation"`
	Payload   json.RawMessage `json:"payload"`
}

// QueueItem is a queued mutation with its retry bookkeeping. Owned by
// the queue until successfully applied or permanently failed.
type QueueItem struct {
	Mutation   Mutation
	EnqueuedAt time.Time
	Attempts   int
}

// FailedItem reports a mutation that exhausted its retries during
// replay. Failures are reported, never silently discarded.
type FailedItem struct {
	Item QueueItem
	Err  error
}

// ApplyFunc applies one mutation against the server. Transient errors
// are retried per item; any other fault code fails the item immediately.
type ApplyFunc func(ctx context.Context, m Mutation) error

// OfflineQueue buffers local mutations made while disconnected and
// replays them in enqueue order on reconnect.
//
// The queue is bounded. Enqueue beyond the bound fails synchronously
// with a Conflict fault rather than evicting an older item.
//
// Thread-safety: all methods are safe for concurrent use, but Replay is
// intended to run on the connection manager's session goroutine.
type OfflineQueue struct {
	mu      sync.Mutex
	items   []QueueItem
	applied map[string]bool // op ids already applied, for idempotent replay

	limit       int
	maxAttempts int
	backoff     *Backoff
	log         *slog.Logger
}

// NewOfflineQueue creates a bounded queue. Non-positive limit or
// maxAttempts fall back to the defaults. backoff may be nil for
// immediate retries (tests).
func NewOfflineQueue(limit, maxAttempts int, backoff *Backoff, log *slog.Logger) *OfflineQueue {
	if limit <= 0 {
		limit = DefaultQueueLimit
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if log == nil {
		log = slog.Default()
	}
	return &OfflineQueue{
		applied:     make(map[string]bool),
		limit:       limit,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		log:         log,
	}
}

// Enqueue appends a mutation. Fails loudly at capacity: the caller must
// know its write was not buffered.
func (q *OfflineQueue) Enqueue(m Mutation) error {
	if m.OpID == "" {
		return fault.New(fault.CodeValidation, "mutation has no op id")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.limit {
		return fault.New(fault.CodeConflict,
			"offline queue is full (%d items); mutation %s rejected", q.limit, m.OpID)
	}
	if q.applied[m.OpID] {
		// Already applied in a previous replay; buffering it again
		// would double-apply on the next reconnect.
		return nil
	}

	q.items = append(q.items, QueueItem{Mutation: m, EnqueuedAt: time.Now()})
	return nil
}

// Len returns the number of buffered mutations.
func (q *OfflineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Replay applies buffered mutations FIFO. Each item gets bounded
// retries with backoff on transient errors; an item exhausting its
// retries (or failing non-transiently) is dropped from the queue and
// returned in the failed list.
//
// Replay stops early if ctx is cancelled; unattempted items, and an
// item whose retries were cut short by the cancellation, stay queued
// for the next reconnect.
func (q *OfflineQueue) Replay(ctx context.Context, apply ApplyFunc) []FailedItem {
	var failed []FailedItem

	for {
		if ctx.Err() != nil {
			return failed
		}

		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			return failed
		}
		item := q.items[0]
		q.items = q.items[1:]
		alreadyApplied := q.applied[item.Mutation.OpID]
		q.mu.Unlock()

		if alreadyApplied {
			q.log.Debug("skipping already-applied mutation", "op_id", item.Mutation.OpID)
			continue
		}

		err := q.applyWithRetry(ctx, apply, &item)
		if err != nil {
			if ctx.Err() != nil && item.Attempts < q.maxAttempts {
				// Cancelled mid-retry with budget left. Back to the
				// front of the queue for the next reconnect.
				q.mu.Lock()
				q.items = append([]QueueItem{item}, q.items...)
				q.mu.Unlock()
				return failed
			}
			q.log.Warn("offline mutation permanently failed",
				"op_id", item.Mutation.OpID,
				"entity", item.Mutation.Entity,
				"attempts", item.Attempts,
				"error", err)
			failed = append(failed, FailedItem{Item: item, Err: err})
			continue
		}

		q.mu.Lock()
		q.applied[item.Mutation.OpID] = true
		q.mu.Unlock()
	}
}

// applyWithRetry attempts one item up to maxAttempts times. Only
// transient faults are retried; everything else fails immediately.
func (q *OfflineQueue) applyWithRetry(ctx context.Context, apply ApplyFunc, item *QueueItem) error {
	var err error
	for item.Attempts < q.maxAttempts {
		item.Attempts++

		err = apply(ctx, item.Mutation)
		if err == nil {
			return nil
		}
		if !fault.IsTransient(err) {
			return err
		}
		if item.Attempts >= q.maxAttempts {
			break
		}

		if q.backoff != nil {
			select {
			case <-ctx.Done():
				return err
			case <-time.After(q.backoff.Delay(item.Attempts - 1)):
			}
		}
	}
	return err
}
