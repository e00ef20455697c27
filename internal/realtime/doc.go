// Package realtime implements the client-side synchronization layer:
// the connection manager, change dispatcher, conflict resolver, and
// offline queue.
//
// ARCHITECTURE:
//
// Single-consumer dispatch loop:
// All subscriber callbacks run on one dispatcher goroutine. The network
// read path only normalizes, dedups, and enqueues; a slow or panicking
// subscriber can never block delivery from the wire. This gives:
//   - Per-entity arrival-order delivery within one client
//   - Fault isolation between subscribers
//   - Deterministic teardown: closing the queue and joining the loop
//     guarantees zero callbacks after Close returns
//
// Thread-safety model:
//   - Dispatcher.Ingest, Subscribe, Unsubscribe: safe from any goroutine
//   - subscriber callbacks: invoked only from the dispatch loop
//   - Manager status transitions: serialized by the manager mutex
//
// No cross-client total order is provided; the single-active-shift
// invariant is enforced by the store, not by this layer.
package realtime
