// Package changelog captures every committed mutation of the tracked tables
// of a store into its change_log table using SQLite triggers. A mutation and
// its log entry share a transaction, so rolled back writes leave no entry.
package changelog

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	"github.com/kimhsiao/studysync/internal/errors"
	"github.com/kimhsiao/studysync/internal/models"
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Tracker installs the change capture triggers of one store. Every tracked
// table must have a TEXT id primary key and a last_updated_on column.
type Tracker struct {
	tables []string
}

// NewTracker returns a tracker for tables.
func NewTracker(tables ...string) (*Tracker, error) {
	for _, t := range tables {
		if !identifier.MatchString(t) || IsBookkeeping(t) {
			return nil, errors.Newf(errors.ErrInvalid, "cannot track table %q", t)
		}
	}
	return &Tracker{tables: append([]string(nil), tables...)}, nil
}

// MustNewTracker is like NewTracker but panics on an invalid table name.
func MustNewTracker(tables ...string) *Tracker {
	t, err := NewTracker(tables...)
	if err != nil {
		panic(err)
	}
	return t
}

// Tables returns the tracked tables.
func (t *Tracker) Tables() []string {
	return append([]string(nil), t.tables...)
}

// BeforeMigrate drops the triggers inside the migration transaction so
// migrations can alter tracked tables.
func (t *Tracker) BeforeMigrate(ctx context.Context, tx *sql.Tx) error {
	return t.DropTriggers(ctx, tx)
}

// AfterOpen creates the bookkeeping tables and reinstalls the triggers.
func (t *Tracker) AfterOpen(ctx context.Context, db *sql.DB) error {
	return t.Install(ctx, db)
}

// Install drops and recreates every trigger in one transaction.
func (t *Tracker) Install(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to begin trigger install", err)
	}
	defer tx.Rollback()

	if err := EnsureSchema(ctx, tx); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to create change log tables", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE sync_control SET suppressed = 0 WHERE id = 1"); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to reset trigger suppression", err)
	}
	if err := t.DropTriggers(ctx, tx); err != nil {
		return err
	}
	if err := t.CreateTriggers(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to commit trigger install", err)
	}
	return nil
}

// DropTriggers removes every change capture trigger in the store, including
// triggers of tables no longer tracked.
func (t *Tracker) DropTriggers(ctx context.Context, q Querier) error {
	rows, err := q.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'trigger' AND name LIKE 'sync\\_%' ESCAPE '\\'")
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to list triggers", err)
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return errors.Wrap(errors.ErrDatabase, "failed to list triggers", err)
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to list triggers", err)
	}

	for _, name := range names {
		if !identifier.MatchString(name) {
			continue
		}
		if _, err := q.ExecContext(ctx, "DROP TRIGGER IF EXISTS "+name); err != nil {
			return errors.Wrap(errors.ErrDatabase, "failed to drop trigger "+name, err)
		}
	}
	return nil
}

// CreateTriggers installs the insert, update and delete triggers of every
// tracked table.
func (t *Tracker) CreateTriggers(ctx context.Context, q Querier) error {
	for _, table := range t.tables {
		for _, stmt := range TriggerDDL(table) {
			if _, err := q.ExecContext(ctx, stmt); err != nil {
				return errors.Wrap(errors.ErrDatabase, "failed to create triggers for "+table, err)
			}
		}
	}
	return nil
}

// TriggerDDL returns the AFTER INSERT/UPDATE/DELETE triggers for table.
// Triggers are silent while sync_control.suppressed is set, which the merge
// of remote changes uses to avoid echoing them back. A delete records a
// tombstone; re-inserting the row clears it.
func TriggerDDL(table string) []string {
	when := "WHEN (SELECT suppressed FROM sync_control WHERE id = 1) = 0"
	deletedAt := fmt.Sprintf("MAX(%s, COALESCE(OLD.last_updated_on, 0))", nowMillis)

	insertTrig := fmt.Sprintf(`CREATE TRIGGER sync_%[1]s_ai AFTER INSERT ON %[1]s
%[2]s
BEGIN
	INSERT INTO change_log (table_name, row_id, operation, timestamp)
	VALUES ('%[1]s', NEW.id, 'INSERT', COALESCE(NEW.last_updated_on, %[3]s));
	DELETE FROM sync_tombstone WHERE table_name = '%[1]s' AND row_id = NEW.id;
END;`, table, when, nowMillis)

	updateTrig := fmt.Sprintf(`CREATE TRIGGER sync_%[1]s_au AFTER UPDATE ON %[1]s
%[2]s
BEGIN
	INSERT INTO change_log (table_name, row_id, operation, timestamp)
	VALUES ('%[1]s', NEW.id, 'UPDATE', COALESCE(NEW.last_updated_on, %[3]s));
END;`, table, when, nowMillis)

	deleteTrig := fmt.Sprintf(`CREATE TRIGGER sync_%[1]s_ad AFTER DELETE ON %[1]s
%[2]s
BEGIN
	INSERT INTO change_log (table_name, row_id, operation, timestamp)
	VALUES ('%[1]s', OLD.id, 'DELETE', %[3]s);
	INSERT OR REPLACE INTO sync_tombstone (table_name, row_id, deleted_at)
	VALUES ('%[1]s', OLD.id, %[3]s);
END;`, table, when, deletedAt)

	return []string{insertTrig, updateTrig, deleteTrig}
}

// SetSuppressed turns trigger capture off or on inside tx.
func SetSuppressed(ctx context.Context, tx *sql.Tx, suppressed bool) error {
	v := 0
	if suppressed {
		v = 1
	}
	if _, err := tx.ExecContext(ctx, "UPDATE sync_control SET suppressed = ? WHERE id = 1", v); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to toggle change capture", err)
	}
	return nil
}

// Since returns up to limit entries with seq greater than after, oldest
// first. A limit of 0 returns every entry.
func Since(ctx context.Context, q Querier, after int64, limit int) ([]models.LogEntry, error) {
	query := "SELECT seq, table_name, row_id, operation, timestamp FROM change_log WHERE seq > ? ORDER BY seq"
	args := []interface{}{after}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to read change log", err)
	}
	defer rows.Close()

	var entries []models.LogEntry
	for rows.Next() {
		var e models.LogEntry
		var op string
		if err := rows.Scan(&e.Seq, &e.Table, &e.RowID, &op, &e.Timestamp); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to read change log", err)
		}
		e.Operation = models.Operation(op)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Pending returns the number of entries not yet pruned.
func Pending(ctx context.Context, q Querier) (int64, error) {
	var n int64
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM change_log").Scan(&n); err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "failed to count change log", err)
	}
	return n, nil
}

// MaxSeq returns the highest sequence number ever assigned, including
// pruned entries.
func MaxSeq(ctx context.Context, q Querier) (int64, error) {
	var seq sql.NullInt64
	err := q.QueryRowContext(ctx, "SELECT seq FROM sqlite_sequence WHERE name = 'change_log'").Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "failed to read change log sequence", err)
	}
	return seq.Int64, nil
}

// Prune deletes the entries up to and including seq.
func Prune(ctx context.Context, q Querier, seq int64) (int64, error) {
	res, err := q.ExecContext(ctx, "DELETE FROM change_log WHERE seq <= ?", seq)
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "failed to prune change log", err)
	}
	return res.RowsAffected()
}

// Cap keeps at most max entries, dropping the oldest. Dropping entries marks
// the log truncated so the next push sends the full state.
func Cap(ctx context.Context, q Querier, max int) (bool, error) {
	n, err := Pending(ctx, q)
	if err != nil {
		return false, err
	}
	if max <= 0 || n <= int64(max) {
		return false, nil
	}
	if _, err := q.ExecContext(ctx,
		"DELETE FROM change_log WHERE seq IN (SELECT seq FROM change_log ORDER BY seq LIMIT ?)", n-int64(max)); err != nil {
		return false, errors.Wrap(errors.ErrDatabase, "failed to cap change log", err)
	}
	if err := SetTruncated(ctx, q, true); err != nil {
		return false, err
	}
	return true, nil
}

// Truncated reports whether entries were dropped since the last full push.
func Truncated(ctx context.Context, q Querier) (bool, error) {
	var v string
	err := q.QueryRowContext(ctx, "SELECT value FROM sync_meta WHERE key = 'log_truncated'").Scan(&v)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(errors.ErrDatabase, "failed to read sync meta", err)
	}
	return v == "1", nil
}

// SetTruncated records whether the log lost entries.
func SetTruncated(ctx context.Context, q Querier, truncated bool) error {
	v := "0"
	if truncated {
		v = "1"
	}
	if _, err := q.ExecContext(ctx,
		"INSERT INTO sync_meta (key, value) VALUES ('log_truncated', ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value", v); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to write sync meta", err)
	}
	return nil
}

// Tombstones returns every tombstone of the store.
func Tombstones(ctx context.Context, q Querier) ([]models.Tombstone, error) {
	rows, err := q.QueryContext(ctx, "SELECT table_name, row_id, deleted_at FROM sync_tombstone ORDER BY table_name, row_id")
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to read tombstones", err)
	}
	defer rows.Close()

	var out []models.Tombstone
	for rows.Next() {
		var ts models.Tombstone
		if err := rows.Scan(&ts.Table, &ts.RowID, &ts.DeletedAt); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to read tombstones", err)
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// Tombstone returns the deletion time of a row, or false when the row has
// no tombstone.
func Tombstone(ctx context.Context, q Querier, table, rowID string) (int64, bool, error) {
	var at int64
	err := q.QueryRowContext(ctx,
		"SELECT deleted_at FROM sync_tombstone WHERE table_name = ? AND row_id = ?", table, rowID).Scan(&at)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(errors.ErrDatabase, "failed to read tombstone", err)
	}
	return at, true, nil
}

// PutTombstone records a deletion, keeping the later time if one exists.
func PutTombstone(ctx context.Context, q Querier, table, rowID string, deletedAt int64) error {
	_, err := q.ExecContext(ctx, `INSERT INTO sync_tombstone (table_name, row_id, deleted_at) VALUES (?, ?, ?)
		ON CONFLICT(table_name, row_id) DO UPDATE SET deleted_at = MAX(deleted_at, excluded.deleted_at)`,
		table, rowID, deletedAt)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to write tombstone", err)
	}
	return nil
}

// ClearTombstone removes the tombstone of a row.
func ClearTombstone(ctx context.Context, q Querier, table, rowID string) error {
	if _, err := q.ExecContext(ctx,
		"DELETE FROM sync_tombstone WHERE table_name = ? AND row_id = ?", table, rowID); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to clear tombstone", err)
	}
	return nil
}
