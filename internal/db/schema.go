// Package db provides schema bootstrap for the engine's object stores.
package db

// Schema for the durable object stores. Indexes follow the access paths:
// queue drained by status/priority, cache invalidated by table, trash swept
// by deleted_at, log read newest-first. local_records mirrors the live
// entities the portal works against while offline.
const schema = `
CREATE TABLE IF NOT EXISTS mutation_queue (
	id TEXT PRIMARY KEY,
	entity_table TEXT NOT NULL CHECK(length(entity_table) > 0),
	operation TEXT NOT NULL CHECK(operation IN ('create', 'update', 'delete')),
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0 CHECK(retry_count >= 0),
	max_retries INTEGER NOT NULL DEFAULT 5,
	status TEXT NOT NULL CHECK(status IN ('pending', 'syncing', 'success', 'failed')),
	priority INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_queue_status ON mutation_queue(status);
CREATE INDEX IF NOT EXISTS idx_queue_table ON mutation_queue(entity_table);
CREATE INDEX IF NOT EXISTS idx_queue_drain ON mutation_queue(status, priority DESC, created_at ASC);

CREATE TABLE IF NOT EXISTS cache_entries (
	key TEXT PRIMARY KEY,
	entity_table TEXT NOT NULL,
	data TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	expires_at INTEGER NOT NULL CHECK(expires_at > timestamp)
);
CREATE INDEX IF NOT EXISTS idx_cache_table ON cache_entries(entity_table);
CREATE INDEX IF NOT EXISTS idx_cache_expiry ON cache_entries(expires_at);

CREATE TABLE IF NOT EXISTS trash_records (
	id TEXT PRIMARY KEY,
	entity_table TEXT NOT NULL,
	original_id TEXT NOT NULL,
	data TEXT NOT NULL,
	deleted_at INTEGER NOT NULL,
	retention_days INTEGER NOT NULL CHECK(retention_days > 0)
);
CREATE INDEX IF NOT EXISTS idx_trash_deleted_at ON trash_records(deleted_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_trash_original ON trash_records(entity_table, original_id);

CREATE TABLE IF NOT EXISTS local_records (
	entity_table TEXT NOT NULL CHECK(length(entity_table) > 0),
	id TEXT NOT NULL CHECK(length(id) > 0),
	data TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (entity_table, id)
);

CREATE TABLE IF NOT EXISTS sync_log (
	id TEXT PRIMARY KEY,
	item_id TEXT NOT NULL,
	entity_table TEXT NOT NULL,
	operation TEXT NOT NULL,
	result TEXT NOT NULL CHECK(result IN ('success', 'failed', 'conflict')),
	error TEXT NOT NULL DEFAULT '',
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_synclog_timestamp ON sync_log(timestamp);
`

// InitSchema creates the object stores if they do not exist.
func (db *DB) InitSchema() error {
	_, err := db.Exec(schema)
	return err
}
