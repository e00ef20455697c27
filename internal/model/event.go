package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventSource distinguishes the two inbound channels.
type EventSource string

const (
	// SourceRow is the row-level change feed of the relational store.
	SourceRow EventSource = "row"
	// SourceBroadcast is the application-level pub/sub channel.
	SourceBroadcast EventSource = "broadcast"
)

// Operation is the row mutation kind carried by a change event.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// BroadcastKind names the application-level broadcast topics emitted by
// shift lifecycle transitions.
type BroadcastKind string

const (
	BroadcastShiftStarted  BroadcastKind = "shift-started"
	BroadcastShiftEnded    BroadcastKind = "shift-ended"
	BroadcastShiftHandover BroadcastKind = "shift-handover"
	BroadcastEmergencyEnd  BroadcastKind = "emergency-end"
)

// ChangeEvent is the canonical normalized form of any inbound message.
//
// Instances are ephemeral: created per inbound frame by the dispatcher,
// consumed once by subscribers, then discarded.
type ChangeEvent struct {
	Source    EventSource `json:"source"`
	Entity    string      `json:"entity"`    // table or broadcast topic
	EntityID  string      `json:"entity_id"` // row id, empty for broadcasts
	Operation Operation   `json:"operation"`

	// OldPayload/NewPayload carry the row images for row events, or the
	// broadcast payload (NewPayload only) for broadcast events.
	OldPayload json.RawMessage `json:"old_payload,omitempty"`
	NewPayload json.RawMessage `json:"new_payload,omitempty"`

	ServerTimestamp   time.Time `json:"server_timestamp"`
	ReceivedTimestamp time.Time `json:"received_timestamp"`

	// Seq is a per-session logical sequence stamped at receive time.
	// It preserves arrival order within one client after dedup.
	Seq int64 `json:"seq"`
}

// DedupKey identifies an event for duplicate suppression. The same
// logical change can arrive on both the row feed and a broadcast; the
// key deliberately ignores the source.
func (e *ChangeEvent) DedupKey() string {
	return fmt.Sprintf("%s|%s|%d", e.Entity, e.EntityID, e.ServerTimestamp.UnixNano())
}

// BroadcastPayload is the body of every shift lifecycle broadcast.
type BroadcastPayload struct {
	Shift        *ShiftSession `json:"shift"`
	Timestamp    time.Time     `json:"timestamp"`
	EmployeeName string        `json:"employee_name,omitempty"`
	Reason       string        `json:"reason,omitempty"`
}

// SettingScope is the applicability scope of a configuration setting.
type SettingScope string

const (
	ScopeSystem   SettingScope = "system"
	ScopeLocation SettingScope = "location"
	ScopeUser     SettingScope = "user"
)

// SettingValue is one key/value configuration row, versioned for
// optimistic concurrency.
type SettingValue struct {
	Key          string       `json:"key"`
	Value        string       `json:"value"`
	Scope        SettingScope `json:"scope"`
	Version      int64        `json:"version"`
	OriginID     string       `json:"origin_id"` // client that last wrote it
	LastModified time.Time    `json:"last_modified"`
}
