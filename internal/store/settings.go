package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/parkops/lotsync/internal/fault"
	"github.com/parkops/lotsync/internal/model"
)

// GetSetting returns one setting row, or a NotFound fault.
func (s *Store) GetSetting(ctx context.Context, key string, scope model.SettingScope) (*model.SettingValue, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, scope, value, version, origin_id, last_modified
		FROM app_settings
		WHERE key = ? AND scope = ?
	`, key, string(scope))

	sv, err := scanSetting(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.CodeNotFound, "setting %s (%s) not found", key, scope)
	}
	if err != nil {
		return nil, fmt.Errorf("get setting %s: %w", key, err)
	}
	return sv, nil
}

// PutSetting writes a setting with optimistic concurrency. The write
// succeeds only if the stored version still equals expectedVersion
// (use 0 for a fresh key); a stale write is a Conflict fault carrying
// no partial state.
//
// This is the "all other shared state" half of the concurrency model:
// settings use version comparison, never locks.
func (s *Store) PutSetting(ctx context.Context, sv *model.SettingValue, expectedVersion int64, now time.Time) (*model.SettingValue, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("put setting: begin: %w", err)
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx, `
		SELECT version FROM app_settings WHERE key = ? AND scope = ?
	`, sv.Key, string(sv.Scope)).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		current = 0
	case err != nil:
		return nil, fmt.Errorf("put setting: read version: %w", err)
	}

	if current != expectedVersion {
		return nil, fault.New(fault.CodeConflict,
			"setting %s was modified concurrently (have v%d, expected v%d)",
			sv.Key, current, expectedVersion)
	}

	next := current + 1
	_, err = tx.ExecContext(ctx, `
		INSERT INTO app_settings (key, scope, value, version, origin_id, last_modified)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key, scope) DO UPDATE SET
			value = excluded.value,
			version = excluded.version,
			origin_id = excluded.origin_id,
			last_modified = excluded.last_modified
	`, sv.Key, string(sv.Scope), sv.Value, next, sv.OriginID, now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("put setting: upsert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("put setting: commit: %w", err)
	}

	out := *sv
	out.Version = next
	out.LastModified = now.UTC()
	return &out, nil
}

// ListSettings returns all settings in a scope, ordered by key.
func (s *Store) ListSettings(ctx context.Context, scope model.SettingScope) ([]model.SettingValue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, scope, value, version, origin_id, last_modified
		FROM app_settings
		WHERE scope = ?
		ORDER BY key ASC
	`, string(scope))
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()

	settings := []model.SettingValue{}
	for rows.Next() {
		sv, err := scanSetting(rows)
		if err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		settings = append(settings, *sv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate settings: %w", err)
	}
	return settings, nil
}

func scanSetting(row scanner) (*model.SettingValue, error) {
	var (
		sv            model.SettingValue
		scope         string
		modifiedNanos int64
	)
	if err := row.Scan(&sv.Key, &scope, &sv.Value, &sv.Version, &sv.OriginID, &modifiedNanos); err != nil {
		return nil, err
	}
	sv.Scope = model.SettingScope(scope)
	sv.LastModified = time.Unix(0, modifiedNanos).UTC()
	return &sv, nil
}
