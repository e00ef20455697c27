package shift

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/parkops/lotsync/internal/model"
	"github.com/parkops/lotsync/internal/realtime"
)

// DispatchBroadcaster routes lifecycle broadcasts into the local change
// dispatcher, so the initiating client refreshes its own projections
// through the same path as every other observer. In a deployment the
// server's broadcast channel delivers the same event to remote clients;
// the dedup window collapses the duplicate when both arrive.
type DispatchBroadcaster struct {
	Dispatcher *realtime.Dispatcher
	Log        *slog.Logger
}

// Broadcast implements Broadcaster.
func (b *DispatchBroadcaster) Broadcast(kind model.BroadcastKind, payload model.BroadcastPayload) {
	if b.Dispatcher == nil {
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		if b.Log != nil {
			b.Log.Error("failed to encode broadcast payload", "kind", kind, "error", err)
		}
		return
	}

	entityID := ""
	if payload.Shift != nil {
		entityID = payload.Shift.ID
	}

	b.Dispatcher.Ingest(model.ChangeEvent{
		Source:            model.SourceBroadcast,
		Entity:            string(kind),
		EntityID:          entityID,
		Operation:         model.OpInsert,
		NewPayload:        body,
		ServerTimestamp:   payload.Timestamp,
		ReceivedTimestamp: time.Now(),
	})
}
