package models

import "time"

// Conflict resolutions.
const (
	ResolutionLocalWins  = "local_wins"
	ResolutionRemoteWins = "remote_wins"
)

// ConflictLog records a row both replicas held that the merge had to decide.
type ConflictLog struct {
	ID              int64  `db:"id" json:"id"`
	Table           string `db:"table_name" json:"table_name"`
	RowID           string `db:"row_id" json:"row_id"`
	LocalTimestamp  int64  `db:"local_timestamp" json:"local_timestamp"`
	RemoteTimestamp int64  `db:"remote_timestamp" json:"remote_timestamp"`
	LocalDeleted    bool   `db:"local_deleted" json:"local_deleted"`
	RemoteDeleted   bool   `db:"remote_deleted" json:"remote_deleted"`
	Resolution      string `db:"resolution" json:"resolution"`
	SourceFile      string `db:"source_file" json:"source_file"`
	DetectedAt      int64  `db:"detected_at" json:"detected_at"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "sync_conflict_log"
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}
