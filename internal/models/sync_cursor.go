package models

import "time"

// SyncCursor is the reconciliation watermark between a store and its remote
// folder. It only moves forward until an explicit reset.
type SyncCursor struct {
	Store          string `db:"store" json:"store"`
	FolderID       string `db:"folder_id" json:"folder_id"`
	LastRemoteTime int64  `db:"last_remote_time" json:"last_remote_time"` // unix ms
	LastFileID     string `db:"last_file_id" json:"last_file_id"`
	PushedSeq      int64  `db:"pushed_seq" json:"pushed_seq"`
	LastSyncAt     int64  `db:"last_sync_at" json:"last_sync_at"`
}

// TableName returns the table name for SyncCursor.
func (SyncCursor) TableName() string {
	return "sync_cursor"
}

// IsFresh reports whether the store has never completed a pass since
// creation or the last reset.
func (c *SyncCursor) IsFresh() bool {
	return c == nil || c.FolderID == ""
}

// Advance moves the cursor forward. Older values never replace newer ones.
func (c *SyncCursor) Advance(remoteTime int64, fileID string, pushedSeq int64) {
	if remoteTime > c.LastRemoteTime || (remoteTime == c.LastRemoteTime && fileID > c.LastFileID) {
		c.LastRemoteTime = remoteTime
		c.LastFileID = fileID
	}
	if pushedSeq > c.PushedSeq {
		c.PushedSeq = pushedSeq
	}
}

// LastSyncTime returns LastSyncAt as time.Time.
func (c *SyncCursor) LastSyncTime() time.Time {
	return time.UnixMilli(c.LastSyncAt)
}
