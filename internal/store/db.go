// Package store provides the SQLite-backed persistence layer: the
// context graph, sync status records, the webhook audit log, and the
// encrypted credential store.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// CurrentSchemaVersion is the latest schema version.
// Bump this when adding migrations.
const CurrentSchemaVersion = 1

// Open initializes the SQLite database at baseDir/contexthub.db. The
// baseDir parameter allows tests to use t.TempDir().
func Open(baseDir string) (*sql.DB, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}
	_ = os.Chmod(baseDir, 0700)

	dbPath := filepath.Join(baseDir, "contexthub.db")
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	_ = os.Chmod(dbPath, 0600)
	return db, nil
}

// OpenMemory opens an in-memory database for tests.
func OpenMemory() (*sql.DB, error) {
	db, err := sql.Open("sqlite", ":memory:?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps the in-memory database alive and
	// serializes writers the same way the on-disk WAL database does.
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func migrate(db *sql.DB) error {
	version, err := userVersion(db)
	if err != nil {
		return err
	}

	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS context_nodes (
		  id             TEXT PRIMARY KEY,
		  team_id        TEXT NOT NULL,
		  platform       TEXT NOT NULL,
		  external_id    TEXT NOT NULL,
		  type           TEXT NOT NULL,
		  title          TEXT NOT NULL DEFAULT '',
		  content        TEXT NOT NULL DEFAULT '',
		  url            TEXT NOT NULL DEFAULT '',
		  author         TEXT NOT NULL DEFAULT '',
		  created_at     INTEGER NOT NULL,
		  updated_at     INTEGER NOT NULL,
		  token_estimate INTEGER NOT NULL DEFAULT 0,
		  excerpt        TEXT NOT NULL DEFAULT '',
		  metadata_json  TEXT NOT NULL DEFAULT '{}'
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_nodes_identity
		ON context_nodes(team_id, platform, external_id);

		CREATE INDEX IF NOT EXISTS idx_nodes_team_updated
		ON context_nodes(team_id, updated_at DESC);

		CREATE TABLE IF NOT EXISTS context_relations (
		  source_id     TEXT NOT NULL REFERENCES context_nodes(id) ON DELETE CASCADE,
		  target_id     TEXT NOT NULL REFERENCES context_nodes(id) ON DELETE CASCADE,
		  type          TEXT NOT NULL,
		  weight        REAL NOT NULL DEFAULT 1.0,
		  metadata_json TEXT NOT NULL DEFAULT '{}',
		  PRIMARY KEY (source_id, target_id, type)
		);

		CREATE TABLE IF NOT EXISTS sync_status (
		  user_id       TEXT NOT NULL,
		  platform      TEXT NOT NULL,
		  last_sync_at  INTEGER,
		  next_sync_at  INTEGER,
		  status        TEXT NOT NULL DEFAULT 'pending',
		  items_synced  INTEGER NOT NULL DEFAULT 0,
		  errors_json   TEXT NOT NULL DEFAULT '[]',
		  metadata_json TEXT NOT NULL DEFAULT '{}',
		  PRIMARY KEY (user_id, platform)
		);

		CREATE TABLE IF NOT EXISTS webhook_events (
		  id           TEXT PRIMARY KEY,
		  platform     TEXT NOT NULL,
		  event_type   TEXT NOT NULL,
		  event_id     TEXT NOT NULL DEFAULT '',
		  payload      BLOB,
		  status       TEXT NOT NULL DEFAULT 'pending',
		  attempts     INTEGER NOT NULL DEFAULT 0,
		  error        TEXT NOT NULL DEFAULT '',
		  processed_at INTEGER,
		  created_at   INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_webhook_events_status
		ON webhook_events(status, created_at);

		CREATE TABLE IF NOT EXISTS credentials (
		  user_id    TEXT NOT NULL,
		  platform   TEXT NOT NULL,
		  team_id    TEXT NOT NULL,
		  nonce      BLOB NOT NULL,
		  ciphertext BLOB NOT NULL,
		  created_at INTEGER NOT NULL,
		  updated_at INTEGER NOT NULL,
		  PRIMARY KEY (user_id, platform)
		);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("apply schema v1: %w", err)
		}
		if err := setUserVersion(db, 1); err != nil {
			return err
		}
	}

	return nil
}

func userVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("read user_version: %w", err)
	}
	return v, nil
}

func setUserVersion(db *sql.DB, v int) error {
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", v)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}
