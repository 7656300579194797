// Package db provides database schema management for the sync core.
package db

import (
	"database/sql"
	"fmt"
)

// schema holds the DDL for all sync-core tables. Statements are idempotent
// so Initialize is safe to run on every startup.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS devices (
		device_id    TEXT PRIMARY KEY,
		user_id      TEXT NOT NULL,
		device_type  TEXT NOT NULL,
		device_name  TEXT NOT NULL DEFAULT '',
		platform     TEXT NOT NULL DEFAULT '',
		app_version  TEXT NOT NULL DEFAULT '',
		last_sync_at INTEGER NOT NULL DEFAULT 0,
		created_at   INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_devices_user ON devices(user_id, last_sync_at DESC);`,

	`CREATE TABLE IF NOT EXISTS sync_records (
		id                  TEXT PRIMARY KEY,
		user_id             TEXT NOT NULL,
		device_id           TEXT NOT NULL,
		data_type           TEXT NOT NULL,
		operation           TEXT NOT NULL,
		data_id             TEXT NOT NULL,
		data_hash           TEXT NOT NULL,
		timestamp           INTEGER NOT NULL,
		version             INTEGER NOT NULL,
		conflict_resolution TEXT,
		UNIQUE(user_id, data_id, version)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_sync_records_user_ts ON sync_records(user_id, timestamp);`,
	`CREATE INDEX IF NOT EXISTS idx_sync_records_entity ON sync_records(user_id, data_id, version);`,

	`CREATE TABLE IF NOT EXISTS offline_operations (
		id             TEXT PRIMARY KEY,
		user_id        TEXT NOT NULL,
		device_id      TEXT NOT NULL,
		operation_type TEXT NOT NULL,
		data_type      TEXT NOT NULL,
		data_id        TEXT NOT NULL,
		payload        BLOB NOT NULL,
		created_at     INTEGER NOT NULL,
		retry_count    INTEGER NOT NULL DEFAULT 0,
		max_retries    INTEGER NOT NULL DEFAULT 3,
		priority       INTEGER NOT NULL DEFAULT 2
	);`,
	`CREATE INDEX IF NOT EXISTS idx_offline_ops_order ON offline_operations(priority DESC, created_at ASC);`,

	`CREATE TABLE IF NOT EXISTS offline_cache (
		key        TEXT PRIMARY KEY,
		payload    BLOB NOT NULL,
		data_type  TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL DEFAULT 0,
		size_bytes INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_offline_cache_age ON offline_cache(created_at ASC);`,

	`CREATE TABLE IF NOT EXISTS sync_conflicts (
		id             TEXT PRIMARY KEY,
		user_id        TEXT NOT NULL,
		data_id        TEXT NOT NULL,
		local_version  TEXT NOT NULL,
		remote_version TEXT NOT NULL,
		conflict_type  TEXT NOT NULL,
		created_at     INTEGER NOT NULL,
		resolved       INTEGER NOT NULL DEFAULT 0,
		resolution     TEXT NOT NULL DEFAULT ''
	);`,
	`CREATE INDEX IF NOT EXISTS idx_sync_conflicts_user ON sync_conflicts(user_id, resolved);`,

	`CREATE TABLE IF NOT EXISTS entities (
		data_type  TEXT NOT NULL,
		data_id    TEXT NOT NULL,
		payload    BLOB NOT NULL,
		data_hash  TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		deleted    INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (data_type, data_id)
	);`,
}

// Initialize creates all sync-core tables and indexes.
func Initialize(db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}
