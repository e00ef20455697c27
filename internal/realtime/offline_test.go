package realtime

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parkops/lotsync/internal/fault"
	"github.com/parkops/lotsync/internal/model"
)

func mutation(opID string) Mutation {
	return Mutation{
		OpID:      opID,
		Entity:    "parking_entries",
		Operation: model.OpInsert,
		Payload:   []byte(`{}`),
	}
}

// applyRecorder records mutations applied during replay; optional
// per-op errors simulate server responses.
type applyRecorder struct {
	mu      sync.Mutex
	applied []string
	errs    map[string][]error // consumed in order per op id
}

func (a *applyRecorder) apply(_ context.Context, m Mutation) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if errs := a.errs[m.OpID]; len(errs) > 0 {
		err := errs[0]
		a.errs[m.OpID] = errs[1:]
		return err
	}
	a.applied = append(a.applied, m.OpID)
	return nil
}

func TestOfflineQueue_ReplayPreservesEnqueueOrder(t *testing.T) {
	q := NewOfflineQueue(10, 3, nil, testLogger())

	for i := 1; i <= 3; i++ {
		require.NoError(t, q.Enqueue(mutation(fmt.Sprintf("op-%d", i))))
	}
	assert.Equal(t, 3, q.Len())

	rec := &applyRecorder{}
	failed := q.Replay(context.Background(), rec.apply)

	assert.Empty(t, failed)
	assert.Equal(t, []string{"op-1", "op-2", "op-3"}, rec.applied)
	assert.Equal(t, 0, q.Len())
}

func TestOfflineQueue_EnqueueAtCapacityFailsLoudly(t *testing.T) {
	q := NewOfflineQueue(2, 3, nil, testLogger())

	require.NoError(t, q.Enqueue(mutation("op-1")))
	require.NoError(t, q.Enqueue(mutation("op-2")))

	err := q.Enqueue(mutation("op-3"))
	require.Error(t, err)
	assert.True(t, fault.IsConflict(err))
	assert.Equal(t, 2, q.Len())
}

func TestOfflineQueue_EnqueueRequiresOpID(t *testing.T) {
	q := NewOfflineQueue(10, 3, nil, testLogger())

	err := q.Enqueue(Mutation{Entity: "parking_entries"})
	assert.Equal(t, fault.CodeValidation, fault.CodeOf(err))
}

func TestOfflineQueue_ReplayIsIdempotentPerOpID(t *testing.T) {
	q := NewOfflineQueue(10, 3, nil, testLogger())

	require.NoError(t, q.Enqueue(mutation("op-1")))

	rec := &applyRecorder{}
	q.Replay(context.Background(), rec.apply)
	require.Equal(t, []string{"op-1"}, rec.applied)

	// Re-buffering an already-applied op is silently dropped, so the
	// next replay cannot double-apply it.
	require.NoError(t, q.Enqueue(mutation("op-1")))
	assert.Equal(t, 0, q.Len())

	q.Replay(context.Background(), rec.apply)
	assert.Equal(t, []string{"op-1"}, rec.applied)
}

func TestOfflineQueue_TransientErrorsAreRetried(t *testing.T) {
	q := NewOfflineQueue(10, 3, nil, testLogger())
	require.NoError(t, q.Enqueue(mutation("op-1")))

	rec := &applyRecorder{errs: map[string][]error{
		"op-1": {
			fault.New(fault.CodeTransientNetwork, "flaky"),
			fault.New(fault.CodeTransientNetwork, "flaky"),
		},
	}}

	failed := q.Replay(context.Background(), rec.apply)
	assert.Empty(t, failed)
	assert.Equal(t, []string{"op-1"}, rec.applied)
}

func TestOfflineQueue_ExhaustedRetriesAreReported(t *testing.T) {
	q := NewOfflineQueue(10, 2, nil, testLogger())
	require.NoError(t, q.Enqueue(mutation("op-1")))
	require.NoError(t, q.Enqueue(mutation("op-2")))

	rec := &applyRecorder{errs: map[string][]error{
		"op-1": {
			fault.New(fault.CodeTransientNetwork, "down"),
			fault.New(fault.CodeTransientNetwork, "down"),
			fault.New(fault.CodeTransientNetwork, "down"),
		},
	}}

	failed := q.Replay(context.Background(), rec.apply)
	require.Len(t, failed, 1)
	assert.Equal(t, "op-1", failed[0].Item.Mutation.OpID)
	assert.Equal(t, 2, failed[0].Item.Attempts)
	assert.True(t, fault.IsTransient(failed[0].Err))

	// The failure did not block the rest of the queue.
	assert.Equal(t, []string{"op-2"}, rec.applied)
}

func TestOfflineQueue_NonTransientFailsImmediately(t *testing.T) {
	q := NewOfflineQueue(10, 5, nil, testLogger())
	require.NoError(t, q.Enqueue(mutation("op-1")))

	rec := &applyRecorder{errs: map[string][]error{
		"op-1": {fault.New(fault.CodeValidation, "bad payload")},
	}}

	failed := q.Replay(context.Background(), rec.apply)
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].Item.Attempts)
	assert.Equal(t, fault.CodeValidation, fault.CodeOf(failed[0].Err))
}

func TestOfflineQueue_CancelledContextStopsReplay(t *testing.T) {
	q := NewOfflineQueue(10, 3, NewBackoff(time.Hour, time.Hour, -1), testLogger())
	require.NoError(t, q.Enqueue(mutation("op-1")))
	require.NoError(t, q.Enqueue(mutation("op-2")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := &applyRecorder{}
	failed := q.Replay(ctx, rec.apply)

	assert.Empty(t, failed)
	assert.Empty(t, rec.applied)
	// Unattempted items stay queued for the next reconnect.
	assert.Equal(t, 2, q.Len())
}

func TestOfflineQueue_CancelDuringBackoffRequeuesItem(t *testing.T) {
	q := NewOfflineQueue(10, 3, NewBackoff(time.Hour, time.Hour, -1), testLogger())
	require.NoError(t, q.Enqueue(mutation("op-1")))
	require.NoError(t, q.Enqueue(mutation("op-2")))

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	apply := func(context.Context, Mutation) error {
		attempts++
		cancel()
		return fault.New(fault.CodeTransientNetwork, "server unreachable")
	}

	failed := q.Replay(ctx, apply)

	// Cut short with retry budget left: the interrupted item is not a
	// permanent failure, it goes back to the front of the queue.
	assert.Empty(t, failed)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 2, q.Len())

	rec := &applyRecorder{}
	failed = q.Replay(context.Background(), rec.apply)
	assert.Empty(t, failed)
	assert.Equal(t, []string{"op-1", "op-2"}, rec.applied)
}
