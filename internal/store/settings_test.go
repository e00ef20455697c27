package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parkops/lotsync/internal/fault"
	"github.com/parkops/lotsync/internal/model"
)

func TestPutSetting_VersionedWrites(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	sv := &model.SettingValue{
		Key:      "overstay_hours",
		Scope:    model.ScopeSystem,
		Value:    "24",
		OriginID: "client-a",
	}

	written, err := s.PutSetting(ctx, sv, 0, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), written.Version)

	sv.Value = "48"
	written, err = s.PutSetting(ctx, sv, 1, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), written.Version)

	got, err := s.GetSetting(ctx, "overstay_hours", model.ScopeSystem)
	require.NoError(t, err)
	assert.Equal(t, "48", got.Value)
	assert.Equal(t, int64(2), got.Version)
}

func TestPutSetting_StaleVersionConflicts(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	sv := &model.SettingValue{Key: "capacity", Scope: model.ScopeSystem, Value: "120"}
	_, err := s.PutSetting(ctx, sv, 0, now)
	require.NoError(t, err)

	// A writer holding the old version loses without clobbering anything.
	stale := &model.SettingValue{Key: "capacity", Scope: model.ScopeSystem, Value: "90"}
	_, err = s.PutSetting(ctx, stale, 0, now.Add(time.Second))
	assert.True(t, fault.IsConflict(err))

	got, err := s.GetSetting(ctx, "capacity", model.ScopeSystem)
	require.NoError(t, err)
	assert.Equal(t, "120", got.Value)
	assert.Equal(t, int64(1), got.Version)
}

func TestGetSetting_MissingIsNotFound(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.GetSetting(context.Background(), "nope", model.ScopeSystem)
	assert.True(t, fault.IsNotFound(err))
}

func TestListSettings_ScopedAndOrdered(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	for _, kv := range []struct {
		key, value string
		scope      model.SettingScope
	}{
		{"capacity", "120", model.ScopeSystem},
		{"theme", "dark", model.ScopeUser},
		{"overstay_hours", "24", model.ScopeSystem},
	} {
		_, err := s.PutSetting(ctx, &model.SettingValue{
			Key: kv.key, Scope: kv.scope, Value: kv.value,
		}, 0, now)
		require.NoError(t, err)
	}

	global, err := s.ListSettings(ctx, model.ScopeSystem)
	require.NoError(t, err)
	require.Len(t, global, 2)
	assert.Equal(t, "capacity", global[0].Key)
	assert.Equal(t, "overstay_hours", global[1].Key)
}
