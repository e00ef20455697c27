package realtime

import (
	"time"

	"github.com/parkops/lotsync/internal/fault"
)

// Policy selects the rule deciding which of two concurrent writes to
// the same key takes effect.
type Policy string

const (
	// PolicyServerWins: the store-acknowledged write always wins.
	PolicyServerWins Policy = "server_wins"
	// PolicyLastWriteWins: later timestamp wins; ties break toward the
	// lexicographically smaller origin id.
	PolicyLastWriteWins Policy = "last_write_wins"
	// PolicyManual: surface both values; apply nothing until resolved.
	PolicyManual Policy = "manual"
)

// Valid reports whether p is a known policy.
func (p Policy) Valid() bool {
	return p == PolicyServerWins || p == PolicyLastWriteWins || p == PolicyManual
}

// Write is one side of a conflict: a keyed value with its timestamp and
// the id of the client that produced it.
type Write struct {
	Key       string
	Value     string
	Timestamp time.Time
	OriginID  string

	// Acknowledged marks a write the store has accepted. Under
	// server_wins an acknowledged write beats any pending local one.
	Acknowledged bool
}

// Resolution is the outcome of resolving two conflicting writes.
type Resolution struct {
	// Winner is the write to apply. Nil when Manual is true.
	Winner *Write

	// Manual means neither side may be auto-applied; Local and Remote
	// carry both candidates for the caller to surface.
	Manual bool
	Local  Write
	Remote Write
}

// Resolver decides between a local pending write and an incoming remote
// write per the configured policy.
//
// Resolution is commutative for server_wins and last_write_wins:
// resolve(a, b) and resolve(b, a) select the same logical winner, so
// arrival order cannot change the converged value.
type Resolver struct {
	policy Policy
}

// NewResolver creates a resolver for the given policy.
func NewResolver(policy Policy) (*Resolver, error) {
	if !policy.Valid() {
		return nil, fault.New(fault.CodeValidation, "unknown conflict policy %q", policy)
	}
	return &Resolver{policy: policy}, nil
}

// Policy returns the configured policy.
func (r *Resolver) Policy() Policy {
	return r.policy
}

// Resolve picks the winner between a local pending write and a remote
// write for the same key.
func (r *Resolver) Resolve(local, remote Write) Resolution {
	switch r.policy {
	case PolicyManual:
		return Resolution{Manual: true, Local: local, Remote: remote}
	case PolicyServerWins:
		return resolveServerWins(local, remote)
	default:
		w := lastWriteWinner(local, remote)
		return Resolution{Winner: &w, Local: local, Remote: remote}
	}
}

// resolveServerWins prefers the acknowledged write. Acknowledgement is a
// property of the write, not of the argument position, which keeps the
// decision order-independent. When both or neither are acknowledged the
// timestamp rule decides.
func resolveServerWins(local, remote Write) Resolution {
	switch {
	case remote.Acknowledged && !local.Acknowledged:
		return Resolution{Winner: &remote, Local: local, Remote: remote}
	case local.Acknowledged && !remote.Acknowledged:
		return Resolution{Winner: &local, Local: local, Remote: remote}
	default:
		w := lastWriteWinner(local, remote)
		return Resolution{Winner: &w, Local: local, Remote: remote}
	}
}

// lastWriteWinner implements the symmetric timestamp comparison.
func lastWriteWinner(a, b Write) Write {
	if a.Timestamp.After(b.Timestamp) {
		return a
	}
	if b.Timestamp.After(a.Timestamp) {
		return b
	}
	// Equal timestamps: lexicographically smaller origin wins. Both
	// sides of the comparison apply the same rule, so swapping the
	// arguments cannot change the winner.
	if a.OriginID <= b.OriginID {
		return a
	}
	return b
}
