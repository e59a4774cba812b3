package changelog

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/studysync/internal/db"
	"github.com/kimhsiao/studysync/internal/models"
)

func openTracked(t *testing.T) *sql.DB {
	t.Helper()
	tracker := MustNewTracker("item")
	def := db.Definition{
		Name:     "items",
		FileName: "items.sqlite3",
		Version:  1,
		Migrations: []db.Migration{{From: 0, To: 1, Description: "create",
			SQL: "CREATE TABLE item (id TEXT PRIMARY KEY, name TEXT NOT NULL, last_updated_on INTEGER NOT NULL)"}},
		Tables: []string{"item"},
		Hooks:  []db.Hook{tracker},
	}
	store, err := db.Open(context.Background(), def, filepath.Join(t.TempDir(), def.FileName), true)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store.DB()
}

func TestNewTracker_RejectsBadNames(t *testing.T) {
	for _, name := range []string{"", "drop table x", "change_log", "sync_cursor"} {
		_, err := NewTracker(name)
		assert.Error(t, err, name)
	}
}

func TestTracker_OneEntryPerMutation(t *testing.T) {
	ctx := context.Background()
	conn := openTracked(t)

	_, err := conn.Exec("INSERT INTO item (id, name, last_updated_on) VALUES ('a', 'one', 100)")
	require.NoError(t, err)
	_, err = conn.Exec("UPDATE item SET name = 'two', last_updated_on = 200 WHERE id = 'a'")
	require.NoError(t, err)
	_, err = conn.Exec("DELETE FROM item WHERE id = 'a'")
	require.NoError(t, err)

	entries, err := Since(ctx, conn, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, []models.Operation{models.OpInsert, models.OpUpdate, models.OpDelete},
		[]models.Operation{entries[0].Operation, entries[1].Operation, entries[2].Operation})
	assert.Equal(t, int64(100), entries[0].Timestamp)
	assert.Equal(t, int64(200), entries[1].Timestamp)
	for i := 1; i < len(entries); i++ {
		assert.Greater(t, entries[i].Seq, entries[i-1].Seq)
	}

	deletedAt, ok, err := Tombstone(ctx, conn, "item", "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.GreaterOrEqual(t, deletedAt, int64(200))

	// Re-inserting clears the tombstone.
	_, err = conn.Exec("INSERT INTO item (id, name, last_updated_on) VALUES ('a', 'back', 300)")
	require.NoError(t, err)
	_, ok, err = Tombstone(ctx, conn, "item", "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTracker_RollbackLeavesNoEntry(t *testing.T) {
	ctx := context.Background()
	conn := openTracked(t)

	tx, err := conn.Begin()
	require.NoError(t, err)
	_, err = tx.Exec("INSERT INTO item (id, name, last_updated_on) VALUES ('a', 'one', 1)")
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	n, err := Pending(ctx, conn)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTracker_SuppressedWritesAreNotLogged(t *testing.T) {
	ctx := context.Background()
	conn := openTracked(t)

	tx, err := conn.Begin()
	require.NoError(t, err)
	require.NoError(t, SetSuppressed(ctx, tx, true))
	_, err = tx.Exec("INSERT INTO item (id, name, last_updated_on) VALUES ('remote', 'x', 1)")
	require.NoError(t, err)
	require.NoError(t, SetSuppressed(ctx, tx, false))
	require.NoError(t, tx.Commit())

	_, err = conn.Exec("INSERT INTO item (id, name, last_updated_on) VALUES ('local', 'y', 2)")
	require.NoError(t, err)

	entries, err := Since(ctx, conn, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "local", entries[0].RowID)
}

func TestTracker_RandomSequence(t *testing.T) {
	ctx := context.Background()
	conn := openTracked(t)
	rng := rand.New(rand.NewSource(42))

	live := map[string]bool{}
	committed := 0
	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("r%d", rng.Intn(20))
		tx, err := conn.Begin()
		require.NoError(t, err)

		switch {
		case !live[id]:
			_, err = tx.Exec("INSERT INTO item (id, name, last_updated_on) VALUES (?, 'n', ?)", id, i)
		case rng.Intn(2) == 0:
			_, err = tx.Exec("UPDATE item SET last_updated_on = ? WHERE id = ?", i, id)
		default:
			_, err = tx.Exec("DELETE FROM item WHERE id = ?", id)
		}
		require.NoError(t, err)

		if rng.Intn(4) == 0 {
			require.NoError(t, tx.Rollback())
			continue
		}
		require.NoError(t, tx.Commit())
		committed++
		var exists int
		require.NoError(t, conn.QueryRow("SELECT COUNT(*) FROM item WHERE id = ?", id).Scan(&exists))
		live[id] = exists == 1
	}

	entries, err := Since(ctx, conn, 0, 0)
	require.NoError(t, err)
	assert.Len(t, entries, committed)
	for i := 1; i < len(entries); i++ {
		assert.Greater(t, entries[i].Seq, entries[i-1].Seq)
	}
}

func TestTracker_InstallIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn := openTracked(t)

	// A trigger left behind by a table that is no longer tracked.
	_, err := conn.Exec("CREATE TABLE old (id TEXT PRIMARY KEY, last_updated_on INTEGER)")
	require.NoError(t, err)
	for _, stmt := range TriggerDDL("old") {
		_, err := conn.Exec(stmt)
		require.NoError(t, err)
	}

	tracker := MustNewTracker("item")
	require.NoError(t, tracker.Install(ctx, conn))
	require.NoError(t, tracker.Install(ctx, conn))

	rows, err := conn.Query("SELECT name FROM sqlite_master WHERE type = 'trigger' ORDER BY name")
	require.NoError(t, err)
	var names []string
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		names = append(names, name)
	}
	require.NoError(t, rows.Close())
	assert.Equal(t, []string{"sync_item_ad", "sync_item_ai", "sync_item_au"}, names)
}

func TestTracker_FailedMigrationKeepsTriggers(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "items.sqlite3")
	v1 := db.Definition{
		Name:     "items",
		FileName: "items.sqlite3",
		Version:  1,
		Migrations: []db.Migration{{From: 0, To: 1, Description: "create",
			SQL: "CREATE TABLE item (id TEXT PRIMARY KEY, name TEXT NOT NULL, last_updated_on INTEGER NOT NULL)"}},
		Tables: []string{"item"},
		Hooks:  []db.Hook{MustNewTracker("item")},
	}
	store, err := db.Open(ctx, v1, path, true)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	countTriggers := func() int {
		conn, err := db.OpenReadOnly(path)
		require.NoError(t, err)
		defer conn.Close()
		var n int
		require.NoError(t, conn.QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type = 'trigger' AND name LIKE 'sync\\_%' ESCAPE '\\'").Scan(&n))
		return n
	}
	require.Equal(t, 3, countTriggers())

	v2 := v1
	v2.Version = 2
	v2.Migrations = append([]db.Migration{}, v1.Migrations...)
	v2.Migrations = append(v2.Migrations, db.Migration{From: 1, To: 2, Description: "broken",
		SQL: "ALTER TABLE missing ADD COLUMN x INTEGER"})
	_, err = db.Open(ctx, v2, path, true)
	require.Error(t, err)

	version, err := db.FileVersion(path)
	require.NoError(t, err)
	assert.Equal(t, 1, version)
	assert.Equal(t, 3, countTriggers(), "a failed open must leave the triggers in place")
}

func TestPruneAndCap(t *testing.T) {
	ctx := context.Background()
	conn := openTracked(t)

	for i := 0; i < 10; i++ {
		_, err := conn.Exec("INSERT INTO item (id, name, last_updated_on) VALUES (?, 'n', ?)", fmt.Sprintf("i%d", i), i)
		require.NoError(t, err)
	}

	entries, err := Since(ctx, conn, 0, 4)
	require.NoError(t, err)
	require.Len(t, entries, 4)

	pruned, err := Prune(ctx, conn, entries[3].Seq)
	require.NoError(t, err)
	assert.Equal(t, int64(4), pruned)

	maxSeq, err := MaxSeq(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, int64(10), maxSeq, "pruning never rewinds the sequence")

	capped, err := Cap(ctx, conn, 10)
	require.NoError(t, err)
	assert.False(t, capped)

	capped, err = Cap(ctx, conn, 2)
	require.NoError(t, err)
	assert.True(t, capped)

	n, err := Pending(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	truncated, err := Truncated(ctx, conn)
	require.NoError(t, err)
	assert.True(t, truncated)

	remaining, err := Since(ctx, conn, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "i8", remaining[0].RowID)
}
