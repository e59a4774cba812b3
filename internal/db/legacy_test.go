package db

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/studysync/internal/errors"
)

const legacyFile = "monolith.db"

func writeLegacy(t *testing.T, dir string, rows int) {
	t.Helper()
	db, err := openFile(filepath.Join(dir, legacyFile))
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec("CREATE TABLE Note (id INTEGER PRIMARY KEY, body TEXT NOT NULL); PRAGMA user_version = 7")
	require.NoError(t, err)
	for i := 1; i <= rows; i++ {
		_, err = db.Exec("INSERT INTO Note (id, body) VALUES (?, ?)", i, fmt.Sprintf("note %d", i))
		require.NoError(t, err)
	}
}

func countingSplit(calls *int) *LegacySource {
	return &LegacySource{
		FileName: legacyFile,
		Split: func(ctx context.Context, src *sql.DB, dst map[string]*sql.DB) error {
			*calls++
			rows, err := src.QueryContext(ctx, "SELECT id, body FROM Note ORDER BY id")
			if err != nil {
				return err
			}
			defer rows.Close()
			for rows.Next() {
				var id int
				var body string
				if err := rows.Scan(&id, &body); err != nil {
					return err
				}
				if _, err := dst["notes"].ExecContext(ctx,
					"INSERT INTO notes (id, body) VALUES (?, ?)", fmt.Sprintf("legacy-%d", id), body); err != nil {
					return err
				}
			}
			return rows.Err()
		},
	}
}

func countNotes(t *testing.T, r *Registry) int {
	t.Helper()
	s, err := r.Store("notes")
	require.NoError(t, err)
	var n int
	require.NoError(t, s.DB().QueryRow("SELECT COUNT(*) FROM notes").Scan(&n))
	return n
}

func TestMigrateLegacyMonolith_SplitsAndDeletes(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeLegacy(t, dir, 3)

	// Leftover from an interrupted run.
	partial, err := Open(ctx, notesDef(), filepath.Join(dir, "notes.sqlite3"), false)
	require.NoError(t, err)
	_, err = partial.DB().Exec("INSERT INTO notes (id, body) VALUES ('stale', 'partial copy')")
	require.NoError(t, err)
	require.NoError(t, partial.Close())

	calls := 0
	r := newTestRegistry(t, dir, countingSplit(&calls), notesDef(), plansDef())
	require.NoError(t, r.Start(ctx))

	assert.Equal(t, 1, calls)
	assert.False(t, r.LegacyPresent())
	assert.NoFileExists(t, filepath.Join(dir, legacyFile))
	assert.Equal(t, 3, countNotes(t, r), "stale partial rows must not survive")

	want := filepath.Join(dir, "backup", "dbBackup-5.0.1-7-20260314-092653.tar.gz")
	assert.Equal(t, want, r.LastBackup())
	manifest, err := ReadManifest(want)
	require.NoError(t, err)
	assert.True(t, manifest.Legacy)
	assert.Contains(t, manifest.Files, legacyFile)
}

func TestMigrateLegacyMonolith_SecondRunIsNoop(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeLegacy(t, dir, 2)

	calls := 0
	r := newTestRegistry(t, dir, countingSplit(&calls), notesDef())
	require.NoError(t, r.Start(ctx))
	before := countNotes(t, r)
	require.NoError(t, r.CloseAll())

	r2 := newTestRegistry(t, dir, countingSplit(&calls), notesDef())
	require.NoError(t, r2.MigrateLegacyMonolith(ctx))
	require.NoError(t, r2.Start(ctx))

	assert.Equal(t, 1, calls)
	assert.Equal(t, before, countNotes(t, r2))
	assert.Empty(t, r2.LastBackup())
}

func TestMigrateLegacyMonolith_FailureKeepsLegacy(t *testing.T) {
	dir := t.TempDir()
	writeLegacy(t, dir, 1)

	src := &LegacySource{
		FileName: legacyFile,
		Split: func(ctx context.Context, src *sql.DB, dst map[string]*sql.DB) error {
			return fmt.Errorf("disk full")
		},
	}
	r := newTestRegistry(t, dir, src, notesDef())

	err := r.Start(context.Background())
	assert.True(t, errors.Is(err, errors.ErrMigration), "got %v", err)
	assert.FileExists(t, filepath.Join(dir, legacyFile))
	assert.False(t, r.Ready())
}

func TestMigrateLegacyMonolith_RejectedAfterStart(t *testing.T) {
	r := newTestRegistry(t, t.TempDir(), nil, notesDef())
	require.NoError(t, r.Start(context.Background()))
	assert.True(t, errors.Is(r.MigrateLegacyMonolith(context.Background()), errors.ErrInvalid))
}
