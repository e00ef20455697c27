package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coder/websocket"

	"github.com/parkops/lotsync/internal/fault"
	"github.com/parkops/lotsync/internal/model"
)

// Frame is the wire format of one inbound message. The server multiplexes
// the row-level change feed and the application broadcast channel over a
// single websocket; Channel tells them apart.
type Frame struct {
	Channel   string          `json:"channel"` // "row" | "broadcast"
	Entity    string          `json:"entity"`  // table name or broadcast topic
	EntityID  string          `json:"entity_id,omitempty"`
	Operation string          `json:"operation,omitempty"` // insert|update|delete
	Old       json.RawMessage `json:"old,omitempty"`
	New       json.RawMessage `json:"new,omitempty"`
	Timestamp time.Time       `json:"timestamp"` // server clock
}

// Normalize converts a wire frame into the canonical ChangeEvent.
// Broadcast frames always normalize as inserts with the topic as entity.
func (f *Frame) Normalize(received time.Time) (model.ChangeEvent, error) {
	ev := model.ChangeEvent{
		Entity:            f.Entity,
		EntityID:          f.EntityID,
		OldPayload:        f.Old,
		NewPayload:        f.New,
		ServerTimestamp:   f.Timestamp,
		ReceivedTimestamp: received,
	}

	switch f.Channel {
	case "row":
		ev.Source = model.SourceRow
		switch op := model.Operation(f.Operation); op {
		case model.OpInsert, model.OpUpdate, model.OpDelete:
			ev.Operation = op
		default:
			return model.ChangeEvent{}, fault.New(fault.CodeValidation,
				"unknown row operation %q", f.Operation)
		}
	case "broadcast":
		ev.Source = model.SourceBroadcast
		ev.Operation = model.OpInsert
	default:
		return model.ChangeEvent{}, fault.New(fault.CodeValidation,
			"unknown channel %q", f.Channel)
	}

	if ev.Entity == "" {
		return model.ChangeEvent{}, fault.New(fault.CodeValidation, "frame has no entity")
	}
	return ev, nil
}

// Conn is one established realtime session.
type Conn interface {
	// Read blocks until the next message or error. A returned error
	// terminates the session.
	Read(ctx context.Context) ([]byte, error)
	// Write sends one message.
	Write(ctx context.Context, data []byte) error
	// Close tears the session down. Safe to call more than once.
	Close() error
}

// Transport dials realtime sessions. The production implementation is
// a websocket client; tests substitute an in-memory fake.
type Transport interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketTransport dials the server's websocket endpoint.
type WebsocketTransport struct{}

// Dial implements Transport.
func (WebsocketTransport) Dial(ctx context.Context, url string) (Conn, error) {
	c, resp, err := websocket.Dial(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fault.Wrap(fault.CodeTransientNetwork, err, "dial %s failed", url)
	}
	// Inbound bursts can exceed the default 32KiB read limit when the
	// server replays missed row changes after a reconnect.
	c.SetReadLimit(1 << 20)
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	if err != nil {
		return nil, fault.Wrap(fault.CodeTransientNetwork, err, "connection lost")
	}
	return data, nil
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	if err := w.c.Write(ctx, websocket.MessageText, data); err != nil {
		return fault.Wrap(fault.CodeTransientNetwork, err, "write failed")
	}
	return nil
}

func (w *wsConn) Close() error {
	err := w.c.Close(websocket.StatusNormalClosure, "client disconnect")
	if err != nil {
		// Already-closed connections are fine on teardown.
		return fmt.Errorf("close websocket: %w", err)
	}
	return nil
}
