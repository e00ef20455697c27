// Package store provides SQLite-backed durable storage for lotsync.
//
// Tables:
//   - shift_sessions: one row per shift, never deleted
//   - parking_entries: vehicle stays with fee/payment state
//   - shift_changes: append-only audit of lifecycle transitions
//   - app_settings: versioned key/value settings per scope
//
// # Invariant enforcement
//
// The single-active-shift invariant lives here, not in callers. A
// partial unique index on shift_sessions(status) WHERE status='active'
// turns every start/handover into an atomic conditional write; a losing
// concurrent start surfaces as a Conflict fault. Client-side "is there
// an active shift" reads are a fast-path hint only.
//
// All other shared state (app_settings) uses optimistic version
// comparison rather than locking.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: enforce referential integrity
//
// Timestamps are stored as unix nanoseconds (INTEGER) for lossless
// round-tripping and deterministic ordering.
package store
