package models

import "time"

// Operation is the kind of mutation a log entry records.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// LogEntry is one captured mutation of a tracked table. Seq is monotonic per
// store.
type LogEntry struct {
	Seq       int64     `db:"seq" json:"seq"`
	Table     string    `db:"table_name" json:"table_name"`
	RowID     string    `db:"row_id" json:"row_id"`
	Operation Operation `db:"operation" json:"operation"`
	Timestamp int64     `db:"timestamp" json:"timestamp"` // unix ms
}

// TableName returns the table name for LogEntry.
func (LogEntry) TableName() string {
	return "change_log"
}

// Time returns the Timestamp as time.Time.
func (e *LogEntry) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Tombstone marks a deleted row so stale updates do not resurrect it.
type Tombstone struct {
	Table     string `db:"table_name" json:"table_name"`
	RowID     string `db:"row_id" json:"row_id"`
	DeletedAt int64  `db:"deleted_at" json:"deleted_at"`
}

// TableName returns the table name for Tombstone.
func (Tombstone) TableName() string {
	return "sync_tombstone"
}
