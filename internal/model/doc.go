// Package model provides the canonical domain types for lotsync.
//
// This package contains type definitions and pure domain logic only.
// All other internal packages import model; model imports nothing
// internal. This ensures the data layer has no circular dependencies.
//
// Key design constraints:
//   - Shift sessions are never deleted; terminal states are retained
//     for history and reporting.
//   - At most one ShiftSession has StatusActive at any time. The store
//     enforces this; model types only describe it.
//   - All JSON tags use snake_case to match the wire contract.
package model
