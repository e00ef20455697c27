package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parkops/lotsync/internal/fault"
)

func TestNewResolver_RejectsUnknownPolicy(t *testing.T) {
	_, err := NewResolver(Policy("newest_wins"))
	require.Error(t, err)
	assert.Equal(t, fault.CodeValidation, fault.CodeOf(err))

	r, err := NewResolver(PolicyLastWriteWins)
	require.NoError(t, err)
	assert.Equal(t, PolicyLastWriteWins, r.Policy())
}

func TestResolve_LastWriteWins_LaterTimestamp(t *testing.T) {
	r, err := NewResolver(PolicyLastWriteWins)
	require.NoError(t, err)

	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	older := Write{Key: "capacity", Value: "120", Timestamp: base, OriginID: "client-a"}
	newer := Write{Key: "capacity", Value: "90", Timestamp: base.Add(time.Second), OriginID: "client-b"}

	res := r.Resolve(older, newer)
	require.NotNil(t, res.Winner)
	assert.Equal(t, "90", res.Winner.Value)
	assert.False(t, res.Manual)
}

func TestResolve_LastWriteWins_Commutative(t *testing.T) {
	r, err := NewResolver(PolicyLastWriteWins)
	require.NoError(t, err)

	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	a := Write{Key: "k", Value: "A", Timestamp: base, OriginID: "client-a"}
	b := Write{Key: "k", Value: "B", Timestamp: base.Add(time.Millisecond), OriginID: "client-b"}

	// Arrival order must not change the converged value.
	ab := r.Resolve(a, b)
	ba := r.Resolve(b, a)
	require.NotNil(t, ab.Winner)
	require.NotNil(t, ba.Winner)
	assert.Equal(t, ab.Winner.Value, ba.Winner.Value)
}

func TestResolve_LastWriteWins_TieBreaksOnOrigin(t *testing.T) {
	r, err := NewResolver(PolicyLastWriteWins)
	require.NoError(t, err)

	ts := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	a := Write{Key: "k", Value: "A", Timestamp: ts, OriginID: "client-a"}
	b := Write{Key: "k", Value: "B", Timestamp: ts, OriginID: "client-b"}

	ab := r.Resolve(a, b)
	ba := r.Resolve(b, a)
	require.NotNil(t, ab.Winner)
	require.NotNil(t, ba.Winner)

	// Equal timestamps: the lexicographically smaller origin wins,
	// regardless of which side it arrives on.
	assert.Equal(t, "client-a", ab.Winner.OriginID)
	assert.Equal(t, "client-a", ba.Winner.OriginID)
}

func TestResolve_ServerWins_AcknowledgedBeatsPending(t *testing.T) {
	r, err := NewResolver(PolicyServerWins)
	require.NoError(t, err)

	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	// The local pending write is newer, but the remote one has been
	// accepted by the store.
	local := Write{Key: "k", Value: "local", Timestamp: base.Add(time.Minute), OriginID: "client-a"}
	remote := Write{Key: "k", Value: "server", Timestamp: base, OriginID: "client-b", Acknowledged: true}

	res := r.Resolve(local, remote)
	require.NotNil(t, res.Winner)
	assert.Equal(t, "server", res.Winner.Value)

	// Swapped argument order selects the same winner.
	res = r.Resolve(remote, local)
	require.NotNil(t, res.Winner)
	assert.Equal(t, "server", res.Winner.Value)
}

func TestResolve_ServerWins_FallsBackToTimestamps(t *testing.T) {
	r, err := NewResolver(PolicyServerWins)
	require.NoError(t, err)

	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	a := Write{Key: "k", Value: "A", Timestamp: base, OriginID: "client-a", Acknowledged: true}
	b := Write{Key: "k", Value: "B", Timestamp: base.Add(time.Second), OriginID: "client-b", Acknowledged: true}

	res := r.Resolve(a, b)
	require.NotNil(t, res.Winner)
	assert.Equal(t, "B", res.Winner.Value)
}

func TestResolve_Manual_SurfacesBothSides(t *testing.T) {
	r, err := NewResolver(PolicyManual)
	require.NoError(t, err)

	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	local := Write{Key: "k", Value: "mine", Timestamp: base, OriginID: "client-a"}
	remote := Write{Key: "k", Value: "theirs", Timestamp: base.Add(time.Second), OriginID: "client-b"}

	res := r.Resolve(local, remote)
	assert.True(t, res.Manual)
	assert.Nil(t, res.Winner)
	assert.Equal(t, "mine", res.Local.Value)
	assert.Equal(t, "theirs", res.Remote.Value)
}
