package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/user/contexthub/internal/types"
)

// StatusStore keeps exactly one SyncStatusRecord per (user, platform).
// Rows are mutated only by the platform manager.
type StatusStore struct {
	db *sql.DB
}

func NewStatusStore(db *sql.DB) *StatusStore {
	return &StatusStore{db: db}
}

// Get returns the record for (user, platform), or (nil, nil).
func (s *StatusStore) Get(ctx context.Context, userID types.UserID, platform types.Platform) (*types.SyncStatusRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, platform, last_sync_at, next_sync_at, status, items_synced, errors_json, metadata_json
		FROM sync_status WHERE user_id = ? AND platform = ?`,
		string(userID), string(platform))
	rec, err := scanStatus(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// Upsert writes the record, replacing any existing row for the pair.
func (s *StatusStore) Upsert(ctx context.Context, rec *types.SyncStatusRecord) error {
	errorsJSON, err := json.Marshal(rec.Errors)
	if err != nil {
		return fmt.Errorf("marshal status errors: %w", err)
	}
	metaJSON, err := json.Marshal(orEmpty(rec.Metadata))
	if err != nil {
		return fmt.Errorf("marshal status metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_status (user_id, platform, last_sync_at, next_sync_at, status, items_synced, errors_json, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, platform) DO UPDATE SET
		  last_sync_at = excluded.last_sync_at,
		  next_sync_at = excluded.next_sync_at,
		  status = excluded.status,
		  items_synced = excluded.items_synced,
		  errors_json = excluded.errors_json,
		  metadata_json = excluded.metadata_json`,
		string(rec.UserID), string(rec.Platform),
		unixOrNil(rec.LastSyncAt), unixOrNil(rec.NextSyncAt),
		string(rec.Status), rec.ItemsSynced, string(errorsJSON), string(metaJSON),
	)
	if err != nil {
		return fmt.Errorf("upsert sync status: %w", err)
	}
	return nil
}

// Due returns records whose next_sync_at has passed and that are not
// already syncing. The scheduler enqueues one incremental sync per row.
func (s *StatusStore) Due(ctx context.Context, now time.Time) ([]*types.SyncStatusRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, platform, last_sync_at, next_sync_at, status, items_synced, errors_json, metadata_json
		FROM sync_status
		WHERE next_sync_at IS NOT NULL AND next_sync_at <= ? AND status != ?
		ORDER BY next_sync_at ASC`,
		now.Unix(), string(types.SyncSyncing))
	if err != nil {
		return nil, fmt.Errorf("query due syncs: %w", err)
	}
	defer rows.Close()
	return collectStatus(rows)
}

// List returns all records for a user, sorted by platform.
func (s *StatusStore) List(ctx context.Context, userID types.UserID) ([]*types.SyncStatusRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, platform, last_sync_at, next_sync_at, status, items_synced, errors_json, metadata_json
		FROM sync_status WHERE user_id = ? ORDER BY platform ASC`,
		string(userID))
	if err != nil {
		return nil, fmt.Errorf("list sync status: %w", err)
	}
	defer rows.Close()
	return collectStatus(rows)
}

func collectStatus(rows *sql.Rows) ([]*types.SyncStatusRecord, error) {
	var out []*types.SyncStatusRecord
	for rows.Next() {
		rec, err := scanStatus(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan sync status: %w", err)
	}
	return out, nil
}

func scanStatus(scan func(...any) error) (*types.SyncStatusRecord, error) {
	var (
		rec                  types.SyncStatusRecord
		userID, platform     string
		lastSync, nextSync   sql.NullInt64
		errorsJSON, metaJSON string
	)
	err := scan(&userID, &platform, &lastSync, &nextSync, &rec.Status, &rec.ItemsSynced, &errorsJSON, &metaJSON)
	if err != nil {
		return nil, err
	}
	rec.UserID = types.UserID(userID)
	rec.Platform = types.Platform(platform)
	if lastSync.Valid {
		t := time.Unix(lastSync.Int64, 0).UTC()
		rec.LastSyncAt = &t
	}
	if nextSync.Valid {
		t := time.Unix(nextSync.Int64, 0).UTC()
		rec.NextSyncAt = &t
	}
	if err := json.Unmarshal([]byte(errorsJSON), &rec.Errors); err != nil {
		rec.Errors = nil
	}
	if err := json.Unmarshal([]byte(metaJSON), &rec.Metadata); err != nil {
		rec.Metadata = nil
	}
	return &rec, nil
}

func unixOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}
