package sync

import (
	"context"
	"database/sql"

	"github.com/kimhsiao/studysync/internal/changelog"
	"github.com/kimhsiao/studysync/internal/errors"
	"github.com/kimhsiao/studysync/internal/models"
)

// Sync state lives in the store it describes, so replacing or resetting the
// store file resets it too. The tables share the sync_ prefix and are never
// tracked or exchanged.
const stateDDL = `
CREATE TABLE IF NOT EXISTS sync_cursor (
	store TEXT PRIMARY KEY,
	folder_id TEXT NOT NULL DEFAULT '',
	last_remote_time INTEGER NOT NULL DEFAULT 0,
	last_file_id TEXT NOT NULL DEFAULT '',
	pushed_seq INTEGER NOT NULL DEFAULT 0,
	last_sync_at INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS sync_applied_file (
	file_id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	created_ms INTEGER NOT NULL,
	applied_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS sync_conflict_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	table_name TEXT NOT NULL,
	row_id TEXT NOT NULL,
	local_timestamp INTEGER NOT NULL,
	remote_timestamp INTEGER NOT NULL,
	local_deleted INTEGER NOT NULL DEFAULT 0,
	remote_deleted INTEGER NOT NULL DEFAULT 0,
	resolution TEXT NOT NULL,
	source_file TEXT NOT NULL DEFAULT '',
	detected_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_conflict_log_detected ON sync_conflict_log(detected_at);
CREATE TABLE IF NOT EXISTS sync_own_file (
	file_id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	kind TEXT NOT NULL,
	created_ms INTEGER NOT NULL
);`

func ensureState(ctx context.Context, q changelog.Querier) error {
	if err := changelog.EnsureSchema(ctx, q); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to create change log tables", err)
	}
	if _, err := q.ExecContext(ctx, stateDDL); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to create sync state tables", err)
	}
	return nil
}

func loadCursor(ctx context.Context, q changelog.Querier, store string) (*models.SyncCursor, error) {
	c := &models.SyncCursor{Store: store}
	err := q.QueryRowContext(ctx,
		"SELECT folder_id, last_remote_time, last_file_id, pushed_seq, last_sync_at FROM sync_cursor WHERE store = ?", store).
		Scan(&c.FolderID, &c.LastRemoteTime, &c.LastFileID, &c.PushedSeq, &c.LastSyncAt)
	if err == sql.ErrNoRows {
		return c, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to load sync cursor", err)
	}
	return c, nil
}

func saveCursor(ctx context.Context, q changelog.Querier, c *models.SyncCursor) error {
	_, err := q.ExecContext(ctx, `INSERT INTO sync_cursor (store, folder_id, last_remote_time, last_file_id, pushed_seq, last_sync_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(store) DO UPDATE SET
			folder_id = excluded.folder_id,
			last_remote_time = excluded.last_remote_time,
			last_file_id = excluded.last_file_id,
			pushed_seq = excluded.pushed_seq,
			last_sync_at = excluded.last_sync_at`,
		c.Store, c.FolderID, c.LastRemoteTime, c.LastFileID, c.PushedSeq, c.LastSyncAt)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to save sync cursor", err)
	}
	return nil
}

// appliedFiles returns the ids of remote files already merged.
func appliedFiles(ctx context.Context, q changelog.Querier) (map[string]bool, error) {
	rows, err := q.QueryContext(ctx, "SELECT file_id FROM sync_applied_file")
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to read applied files", err)
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to read applied files", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

func markApplied(ctx context.Context, q changelog.Querier, id, name string, createdMillis, now int64) error {
	if _, err := q.ExecContext(ctx,
		"INSERT OR REPLACE INTO sync_applied_file (file_id, name, created_ms, applied_at) VALUES (?, ?, ?, ?)",
		id, name, createdMillis, now); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to record applied file", err)
	}
	return nil
}

// forgetAppliedBefore drops applied file records the listing window no
// longer reaches.
func forgetAppliedBefore(ctx context.Context, q changelog.Querier, createdMillis int64) error {
	if _, err := q.ExecContext(ctx, "DELETE FROM sync_applied_file WHERE created_ms < ?", createdMillis); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to prune applied files", err)
	}
	return nil
}

// ownFile is a remote file this device uploaded and has not retired yet.
type ownFile struct {
	ID        string
	Name      string
	Kind      string
	CreatedMs int64
}

func recordOwn(ctx context.Context, q changelog.Querier, f ownFile) error {
	if _, err := q.ExecContext(ctx,
		"INSERT OR REPLACE INTO sync_own_file (file_id, name, kind, created_ms) VALUES (?, ?, ?, ?)",
		f.ID, f.Name, f.Kind, f.CreatedMs); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to record uploaded file", err)
	}
	return nil
}

// ownPatchCount returns the number of live patches this device uploaded.
func ownPatchCount(ctx context.Context, q changelog.Querier) (int, error) {
	var n int
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM sync_own_file WHERE kind = ?", KindPatch).Scan(&n); err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "failed to count uploaded patches", err)
	}
	return n, nil
}

// ownFilesBefore returns the uploaded files created no later than
// createdMillis, except keep, oldest first.
func ownFilesBefore(ctx context.Context, q changelog.Querier, createdMillis int64, keep string) ([]ownFile, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT file_id, name, kind, created_ms FROM sync_own_file WHERE created_ms <= ? AND file_id <> ? ORDER BY created_ms, file_id",
		createdMillis, keep)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to read uploaded files", err)
	}
	defer rows.Close()
	var out []ownFile
	for rows.Next() {
		var f ownFile
		if err := rows.Scan(&f.ID, &f.Name, &f.Kind, &f.CreatedMs); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to read uploaded files", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func forgetOwn(ctx context.Context, q changelog.Querier, id string) error {
	if _, err := q.ExecContext(ctx, "DELETE FROM sync_own_file WHERE file_id = ?", id); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to forget uploaded file", err)
	}
	return nil
}

func logConflict(ctx context.Context, q changelog.Querier, c *models.ConflictLog) error {
	res, err := q.ExecContext(ctx, `INSERT INTO sync_conflict_log
		(table_name, row_id, local_timestamp, remote_timestamp, local_deleted, remote_deleted, resolution, source_file, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Table, c.RowID, c.LocalTimestamp, c.RemoteTimestamp, c.LocalDeleted, c.RemoteDeleted, c.Resolution, c.SourceFile, c.DetectedAt)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to record conflict", err)
	}
	c.ID, _ = res.LastInsertId()
	return nil
}

// resetState forgets the cursor and the applied files and marks the log
// truncated so the next pass is a first sync that pushes the full state.
func resetState(ctx context.Context, tx *sql.Tx, store string) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM sync_cursor WHERE store = ?", store); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to reset sync cursor", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM sync_applied_file"); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to reset applied files", err)
	}
	return changelog.SetTruncated(ctx, tx, true)
}

func conflictCount(ctx context.Context, q changelog.Querier) (int64, error) {
	var n int64
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM sync_conflict_log").Scan(&n); err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "failed to count conflicts", err)
	}
	return n, nil
}

func readConflicts(ctx context.Context, q changelog.Querier, limit int) ([]models.ConflictLog, error) {
	query := `SELECT id, table_name, row_id, local_timestamp, remote_timestamp, local_deleted, remote_deleted,
		resolution, source_file, detected_at FROM sync_conflict_log ORDER BY id DESC`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to read conflicts", err)
	}
	defer rows.Close()

	var out []models.ConflictLog
	for rows.Next() {
		var c models.ConflictLog
		if err := rows.Scan(&c.ID, &c.Table, &c.RowID, &c.LocalTimestamp, &c.RemoteTimestamp,
			&c.LocalDeleted, &c.RemoteDeleted, &c.Resolution, &c.SourceFile, &c.DetectedAt); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to read conflicts", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
