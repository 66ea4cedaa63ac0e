// Package view maintains the materialized view: the deduplicated, dependency
// ordered, ranked projection of the ingest buffer that every read goes through.
package view

// Times are stored as unix nanoseconds; attributes as snappy-compressed JSON.
// principal, token_hash and nonce are extracted at write time so access checks
// can use indexes instead of decoding attributes.
const eventColumnsSQL = `
    event_id TEXT PRIMARY KEY,
    occurred_at INTEGER NOT NULL,
    received_at INTEGER NOT NULL,
    actor_id TEXT NOT NULL DEFAULT '',
    action TEXT NOT NULL,
    object_type TEXT NOT NULL DEFAULT '',
    object_id TEXT NOT NULL DEFAULT '',
    source TEXT NOT NULL DEFAULT '',
    schema_version TEXT NOT NULL DEFAULT '',
    attributes BLOB,
    depends_on_event_id TEXT NOT NULL DEFAULT '',
    source_lane TEXT NOT NULL DEFAULT '',
    lsn INTEGER NOT NULL,
    seq INTEGER,
    seq_rank INTEGER NOT NULL DEFAULT 0,
    attr_hash TEXT NOT NULL DEFAULT '',
    principal TEXT NOT NULL DEFAULT '',
    token_hash TEXT NOT NULL DEFAULT '',
    nonce TEXT NOT NULL DEFAULT ''`

// CreateEventsTableSQL creates the materialized events table.
const CreateEventsTableSQL = `CREATE TABLE IF NOT EXISTS events (` + eventColumnsSQL + `
)`

// CreatePendingTableSQL holds events withheld until their parent is materialized.
const CreatePendingTableSQL = `CREATE TABLE IF NOT EXISTS pending_events (` + eventColumnsSQL + `
)`

// CreateRefreshStateTableSQL tracks the buffer watermark consumed per source.
const CreateRefreshStateTableSQL = `
CREATE TABLE IF NOT EXISTS refresh_state (
    source TEXT PRIMARY KEY,
    watermark INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
)`

// CreateEventsIndexesSQL creates the read-path indexes.
var CreateEventsIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_events_principal ON events(principal, occurred_at)
		WHERE principal != ''`,
	`CREATE INDEX IF NOT EXISTS idx_events_token_hash ON events(token_hash)
		WHERE token_hash != ''`,
	`CREATE INDEX IF NOT EXISTS idx_events_nonce ON events(nonce)
		WHERE nonce != ''`,
	`CREATE INDEX IF NOT EXISTS idx_events_action_time ON events(action, occurred_at)`,
	`CREATE INDEX IF NOT EXISTS idx_events_time ON events(occurred_at, seq_rank)`,
}

// AllSchemaSQL returns all statements needed to initialize the view database.
func AllSchemaSQL() []string {
	statements := []string{
		CreateEventsTableSQL,
		CreatePendingTableSQL,
		CreateRefreshStateTableSQL,
	}
	return append(statements, CreateEventsIndexesSQL...)
}
