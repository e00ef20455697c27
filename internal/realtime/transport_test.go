package realtime

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parkops/lotsync/internal/fault"
	"github.com/parkops/lotsync/internal/model"
)

func TestFrameNormalize_RowChannel(t *testing.T) {
	ts := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	received := ts.Add(50 * time.Millisecond)

	f := Frame{
		Channel:   "row",
		Entity:    "parking_entries",
		EntityID:  "42",
		Operation: "update",
		Old:       json.RawMessage(`{"status":"Parked"}`),
		New:       json.RawMessage(`{"status":"Exited"}`),
		Timestamp: ts,
	}

	ev, err := f.Normalize(received)
	require.NoError(t, err)
	assert.Equal(t, model.SourceRow, ev.Source)
	assert.Equal(t, model.OpUpdate, ev.Operation)
	assert.Equal(t, "parking_entries", ev.Entity)
	assert.Equal(t, "42", ev.EntityID)
	assert.Equal(t, ts, ev.ServerTimestamp)
	assert.Equal(t, received, ev.ReceivedTimestamp)
	assert.JSONEq(t, `{"status":"Exited"}`, string(ev.NewPayload))
}

func TestFrameNormalize_BroadcastChannel(t *testing.T) {
	f := Frame{
		Channel:   "broadcast",
		Entity:    "shift-ended",
		New:       json.RawMessage(`{"shift":null}`),
		Timestamp: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}

	ev, err := f.Normalize(time.Now())
	require.NoError(t, err)
	assert.Equal(t, model.SourceBroadcast, ev.Source)
	assert.Equal(t, model.OpInsert, ev.Operation)
	assert.Equal(t, "shift-ended", ev.Entity)
}

func TestFrameNormalize_Rejections(t *testing.T) {
	ts := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		frame Frame
	}{
		{"unknown channel", Frame{Channel: "presence", Entity: "x", Timestamp: ts}},
		{"unknown operation", Frame{Channel: "row", Entity: "x", Operation: "upsert", Timestamp: ts}},
		{"missing entity", Frame{Channel: "broadcast", Timestamp: ts}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.frame.Normalize(time.Now())
			require.Error(t, err)
			assert.Equal(t, fault.CodeValidation, fault.CodeOf(err))
		})
	}
}
