package sync

import (
	"compress/gzip"
	"context"
	"database/sql"
	"io"
	"os"
	"path/filepath"

	"github.com/kimhsiao/studysync/internal/changelog"
	"github.com/kimhsiao/studysync/internal/db"
	"github.com/kimhsiao/studysync/internal/errors"
)

// makeSnapshot writes a gzipped copy of the store at path into dir and
// returns its location. The copy keeps domain tables and tombstones; the
// change log, sync state and triggers are device local and are stripped.
func makeSnapshot(ctx context.Context, store *db.Store, dir, name string) (string, error) {
	raw := filepath.Join(dir, name+".raw")
	os.Remove(raw)
	defer os.Remove(raw)

	if _, err := store.DB().ExecContext(ctx, "VACUUM INTO ?", raw); err != nil {
		return "", errors.Wrap(errors.ErrDatabase, "failed to copy store for snapshot", err)
	}
	if err := stripBookkeeping(ctx, raw); err != nil {
		return "", err
	}

	out := filepath.Join(dir, name)
	if err := gzipFile(raw, out); err != nil {
		os.Remove(out)
		return "", errors.Wrap(errors.ErrInternal, "failed to compress snapshot", err)
	}
	return out, nil
}

func stripBookkeeping(ctx context.Context, path string) error {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to open snapshot", err)
	}
	defer conn.Close()
	conn.SetMaxOpenConns(1)

	if err := changelog.MustNewTracker().DropTriggers(ctx, conn); err != nil {
		return err
	}

	rows, err := conn.QueryContext(ctx, "SELECT name FROM sqlite_master WHERE type = 'table'")
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to list snapshot tables", err)
	}
	var drop []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return errors.Wrap(errors.ErrDatabase, "failed to list snapshot tables", err)
		}
		if changelog.IsBookkeeping(name) && name != changelog.TombstoneTable && name != "sqlite_sequence" {
			drop = append(drop, name)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to list snapshot tables", err)
	}

	for _, name := range drop {
		if _, err := conn.ExecContext(ctx, "DROP TABLE IF EXISTS "+quote(name)); err != nil {
			return errors.Wrap(errors.ErrDatabase, "failed to strip snapshot table "+name, err)
		}
	}
	if _, err := conn.ExecContext(ctx, "VACUUM"); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to compact snapshot", err)
	}
	return nil
}

func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(out)
	if _, err := io.Copy(zw, in); err != nil {
		out.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func gunzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	zr, err := gzip.NewReader(in)
	if err != nil {
		return err
	}
	defer zr.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, zr); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// snapshotFile is a downloaded snapshot, decompressed and migrated to the
// local schema.
type snapshotFile struct {
	path    string
	changes []RowChange
}

// readSnapshot decompresses the snapshot at src, brings it to the local
// schema version and reads every tracked row and tombstone from it. A
// snapshot written by a newer schema is SYNC_INCOMPATIBLE; one that is not
// a store file is CONFLICT_UNRESOLVABLE.
func readSnapshot(ctx context.Context, def db.Definition, src string) (*snapshotFile, error) {
	raw := src + ".sqlite3"
	if err := gunzipFile(src, raw); err != nil {
		os.Remove(raw)
		return nil, errors.Wrap(errors.ErrConflictUnresolvable, "snapshot is not gzip data", err)
	}

	version, err := db.FileVersion(raw)
	if err != nil {
		return nil, errors.Wrap(errors.ErrConflictUnresolvable, "snapshot is not a store file", err)
	}
	if version > def.Version {
		return nil, errors.Newf(errors.ErrSyncIncompatible,
			"snapshot schema version %d is newer than local version %d", version, def.Version)
	}

	store, err := db.Open(ctx, def, raw, false)
	if err != nil {
		return nil, errors.Wrap(errors.ErrConflictUnresolvable, "failed to migrate snapshot", err)
	}
	defer store.Close()
	conn := store.DB()

	if err := changelog.EnsureSchema(ctx, conn); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to prepare snapshot", err)
	}

	snap := &snapshotFile{path: raw}
	for _, table := range def.Tables {
		cols, err := tableColumns(ctx, conn, table)
		if err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to read snapshot table "+table, err)
		}
		rows, err := readTable(ctx, conn, table, cols)
		if err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to read snapshot table "+table, err)
		}
		for _, row := range rows {
			snap.changes = append(snap.changes, RowChange{Table: table, ID: row.ID(), Timestamp: row.Timestamp(), Row: row})
		}
	}

	tombstones, err := changelog.Tombstones(ctx, conn)
	if err != nil {
		return nil, err
	}
	for _, ts := range tombstones {
		snap.changes = append(snap.changes, RowChange{Table: ts.Table, ID: ts.RowID, Deleted: true, Timestamp: ts.DeletedAt})
	}
	return snap, nil
}

// isEmpty reports whether the store holds no tracked rows, tombstones or
// pending log entries.
func isEmpty(ctx context.Context, q changelog.Querier, tables []string) (bool, error) {
	for _, t := range tables {
		var n int
		if err := q.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM "+quote(t)+")").Scan(&n); err != nil {
			return false, errors.Wrap(errors.ErrDatabase, "failed to inspect table "+t, err)
		}
		if n != 0 {
			return false, nil
		}
	}
	tombstones, err := changelog.Tombstones(ctx, q)
	if err != nil || len(tombstones) > 0 {
		return false, err
	}
	pending, err := changelog.Pending(ctx, q)
	if err != nil {
		return false, err
	}
	return pending == 0, nil
}
