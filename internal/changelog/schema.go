package changelog

import (
	"context"
	"database/sql"
)

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Bookkeeping tables. They are never tracked themselves.
const (
	LogTable       = "change_log"
	TombstoneTable = "sync_tombstone"
	ControlTable   = "sync_control"
	MetaTable      = "sync_meta"
)

// nowMillis is the current unix time in milliseconds as an SQL expression.
const nowMillis = "CAST(ROUND((julianday('now') - 2440587.5) * 86400000) AS INTEGER)"

const schemaDDL = `
CREATE TABLE IF NOT EXISTS change_log (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	table_name TEXT NOT NULL,
	row_id TEXT NOT NULL,
	operation TEXT NOT NULL CHECK(operation IN ('INSERT', 'UPDATE', 'DELETE')),
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_change_log_row ON change_log(table_name, row_id);
CREATE TABLE IF NOT EXISTS sync_tombstone (
	table_name TEXT NOT NULL,
	row_id TEXT NOT NULL,
	deleted_at INTEGER NOT NULL,
	PRIMARY KEY (table_name, row_id)
);
CREATE TABLE IF NOT EXISTS sync_control (
	id INTEGER PRIMARY KEY CHECK(id = 1),
	suppressed INTEGER NOT NULL DEFAULT 0
);
INSERT OR IGNORE INTO sync_control (id, suppressed) VALUES (1, 0);
CREATE TABLE IF NOT EXISTS sync_meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);`

// EnsureSchema creates the bookkeeping tables if they are missing.
func EnsureSchema(ctx context.Context, q Querier) error {
	_, err := q.ExecContext(ctx, schemaDDL)
	return err
}

// IsBookkeeping reports whether table belongs to change tracking or sync
// state rather than to the domain.
func IsBookkeeping(table string) bool {
	switch table {
	case LogTable, TombstoneTable, ControlTable, MetaTable, "sqlite_sequence":
		return true
	}
	return len(table) > 5 && table[:5] == "sync_"
}
