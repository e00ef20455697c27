package shift_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parkops/lotsync/internal/model"
	"github.com/parkops/lotsync/internal/realtime"
	"github.com/parkops/lotsync/internal/shift"
)

func TestDispatchBroadcaster_RoutesIntoDispatcher(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := realtime.NewDispatcher(log, 0)
	d.Start()
	defer d.Close()

	var mu sync.Mutex
	var got []model.ChangeEvent
	d.Subscribe(string(model.BroadcastShiftEnded), func(ev model.ChangeEvent) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
	}, nil)

	b := &shift.DispatchBroadcaster{Dispatcher: d, Log: log}
	ended := &model.ShiftSession{
		ID:         "shift-1",
		OperatorID: "op1",
		Status:     model.StatusCompleted,
	}
	b.Broadcast(model.BroadcastShiftEnded, model.BroadcastPayload{
		Shift:     ended,
		Timestamp: time.Date(2024, 3, 1, 16, 0, 0, 0, time.UTC),
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	ev := got[0]
	assert.Equal(t, model.SourceBroadcast, ev.Source)
	assert.Equal(t, "shift-ended", ev.Entity)
	assert.Equal(t, "shift-1", ev.EntityID)

	var payload model.BroadcastPayload
	require.NoError(t, json.Unmarshal(ev.NewPayload, &payload))
	require.NotNil(t, payload.Shift)
	assert.Equal(t, "op1", payload.Shift.OperatorID)
}

func TestDispatchBroadcaster_NilDispatcherIsNoOp(t *testing.T) {
	b := &shift.DispatchBroadcaster{}
	b.Broadcast(model.BroadcastShiftStarted, model.BroadcastPayload{})
}
