package sync

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/studysync/internal/changelog"
	"github.com/kimhsiao/studysync/internal/cloud"
	"github.com/kimhsiao/studysync/internal/cloud/localfs"
	"github.com/kimhsiao/studysync/internal/db"
	"github.com/kimhsiao/studysync/internal/errors"
	"github.com/kimhsiao/studysync/internal/models"
	"github.com/kimhsiao/studysync/internal/notify"
	"github.com/kimhsiao/studysync/internal/studydb"
	"github.com/kimhsiao/studysync/internal/uuid"
)

// device is one installation sharing a remote folder with others.
type device struct {
	t        *testing.T
	id       string
	reg      *db.Registry
	provider *localfs.Provider
	hub      *notify.Hub
	mgr      *Manager
}

func newDevice(t *testing.T, remote string) *device {
	t.Helper()
	return newDeviceWith(t, remote, Options{})
}

func newDeviceWith(t *testing.T, remote string, opts Options) *device {
	t.Helper()
	ctx := context.Background()

	reg, err := db.NewRegistry(db.Options{DataDir: t.TempDir(), AppVersion: "test"}, studydb.Definitions()...)
	require.NoError(t, err)
	require.NoError(t, reg.Start(ctx))
	t.Cleanup(func() { reg.CloseAll() })

	p := localfs.New(remote, "")
	ok, err := p.SignIn(ctx, cloud.Confirmed{})
	require.NoError(t, err)
	require.True(t, ok)

	d := &device{t: t, id: uuid.New(), reg: reg, provider: p, hub: notify.NewHub()}
	opts.Device = d.id
	opts.TempDir = t.TempDir()
	d.mgr, err = NewManager(reg, p, d.hub, opts)
	require.NoError(t, err)
	t.Cleanup(d.mgr.Close)
	return d
}

func TestNewManagerRejectsBadDevice(t *testing.T) {
	reg, err := db.NewRegistry(db.Options{DataDir: t.TempDir(), AppVersion: "test"}, studydb.Definitions()...)
	require.NoError(t, err)
	p := localfs.New(t.TempDir(), "")

	for _, dev := range []string{"", "laptop", uuid.Derive("laptop")} {
		_, err := NewManager(reg, p, nil, Options{Device: dev})
		assert.True(t, errors.Is(err, errors.ErrInvalid), "device %q: got %v", dev, err)
	}

	_, err = NewAccessor(reg, studydb.Definitions()[0], p, nil, Options{})
	assert.True(t, errors.Is(err, errors.ErrInvalid))
}

func remoteFiles(t *testing.T, remote, device string) (patches, snapshots int) {
	t.Helper()
	entries, err := os.ReadDir(storeFolder(remote))
	require.NoError(t, err)
	for _, e := range entries {
		kind, dev, ok := ParseFileName(e.Name())
		if !ok || dev != device {
			continue
		}
		switch kind {
		case KindPatch:
			patches++
		case KindSnapshot:
			snapshots++
		}
	}
	return patches, snapshots
}

func TestSyncCompactsAndRetiresOwnFiles(t *testing.T) {
	remote := t.TempDir()
	a := newDeviceWith(t, remote, Options{CompactAfter: 3})
	b := newDevice(t, remote)

	ids := []string{uuid.New(), uuid.New(), uuid.New(), uuid.New()}
	for i, id := range ids[:3] {
		a.addLabel(id, fmt.Sprintf("label %d", i), int64(i+1))
		res := a.sync()
		assert.Zero(t, res.Retired)
	}
	patches, snapshots := remoteFiles(t, remote, a.id)
	require.Equal(t, 3, patches)
	require.Equal(t, 0, snapshots)

	// The fourth upload replaces the three patches with one snapshot.
	a.addLabel(ids[3], "label 3", 4)
	res := a.sync()
	assert.Contains(t, res.Uploaded, "snapshot-")
	assert.Equal(t, 3, res.Retired)
	patches, snapshots = remoteFiles(t, remote, a.id)
	assert.Equal(t, 0, patches)
	assert.Equal(t, 1, snapshots)

	// A peer joining afterwards still gets every row.
	b.sync()
	for i, id := range ids {
		name, ok := b.labelName(id)
		require.True(t, ok, id)
		assert.Equal(t, fmt.Sprintf("label %d", i), name)
	}

	// Back to patches until the threshold is reached again.
	a.addLabel(uuid.New(), "after", 5)
	res = a.sync()
	assert.Contains(t, res.Uploaded, "patch-")
	assert.Zero(t, res.Retired)
}

func TestSyncCompactionDisabled(t *testing.T) {
	remote := t.TempDir()
	a := newDeviceWith(t, remote, Options{CompactAfter: -1})
	for i := 0; i < 4; i++ {
		a.addLabel(uuid.New(), "x", int64(i+1))
		a.sync()
	}
	patches, snapshots := remoteFiles(t, remote, a.id)
	assert.Equal(t, 4, patches)
	assert.Equal(t, 0, snapshots)
}

func (d *device) accessor() *Accessor {
	a, err := d.mgr.Accessor(studydb.StoreBookmarks)
	require.NoError(d.t, err)
	return a
}

func (d *device) sync() *Result {
	d.t.Helper()
	res, err := d.mgr.Sync(context.Background(), studydb.StoreBookmarks)
	require.NoError(d.t, err)
	return res
}

func (d *device) exec(query string, args ...interface{}) {
	d.t.Helper()
	s, err := d.reg.Store(studydb.StoreBookmarks)
	require.NoError(d.t, err)
	_, err = s.DB().Exec(query, args...)
	require.NoError(d.t, err)
}

func (d *device) addLabel(id, name string, ts int64) {
	d.t.Helper()
	d.exec("INSERT INTO label (id, name, last_updated_on) VALUES (?, ?, ?)", id, name, ts)
}

func (d *device) labelName(id string) (string, bool) {
	d.t.Helper()
	s, err := d.reg.Store(studydb.StoreBookmarks)
	require.NoError(d.t, err)
	var name string
	err = s.DB().QueryRow("SELECT name FROM label WHERE id = ?", id).Scan(&name)
	if err != nil {
		return "", false
	}
	return name, true
}

func (d *device) cursor() *models.SyncCursor {
	d.t.Helper()
	s, err := d.reg.Store(studydb.StoreBookmarks)
	require.NoError(d.t, err)
	require.NoError(d.t, ensureState(context.Background(), s.DB()))
	c, err := loadCursor(context.Background(), s.DB(), studydb.StoreBookmarks)
	require.NoError(d.t, err)
	return c
}

// dump returns the canonical contents of every tracked table.
func (d *device) dump() []string {
	d.t.Helper()
	ctx := context.Background()
	s, err := d.reg.Store(studydb.StoreBookmarks)
	require.NoError(d.t, err)
	var out []string
	for _, table := range s.Definition().Tables {
		cols, err := tableColumns(ctx, s.DB(), table)
		require.NoError(d.t, err)
		sort.Strings(cols)
		rows, err := readTable(ctx, s.DB(), table, cols)
		require.NoError(d.t, err)
		for _, r := range rows {
			out = append(out, table+" "+string(r.canonical(cols)))
		}
	}
	return out
}

func storeFolder(remote string) string {
	return filepath.Join(remote, DefaultFolderName, studydb.StoreBookmarks)
}

func TestSyncSkippedWhenSignedOut(t *testing.T) {
	d := newDevice(t, t.TempDir())
	require.NoError(t, d.mgr.SignOut(context.Background()))

	res := d.sync()
	assert.True(t, res.Skipped)
	assert.True(t, d.cursor().IsFresh())
}

func TestSyncNoOpCreatesFolders(t *testing.T) {
	remote := t.TempDir()
	d := newDevice(t, remote)

	res := d.sync()
	assert.True(t, res.NoOp)
	assert.DirExists(t, storeFolder(remote))
	assert.NotEmpty(t, d.cursor().FolderID)
}

func TestSyncConvergesDisjointChanges(t *testing.T) {
	remote := t.TempDir()
	a, b := newDevice(t, remote), newDevice(t, remote)

	a.addLabel(uuid.New(), "prayer", 10)
	a.addLabel(uuid.New(), "study", 11)
	b.addLabel(uuid.New(), "memory", 12)

	resA := a.sync()
	assert.NotEmpty(t, resA.Uploaded)
	resB := b.sync()
	assert.Equal(t, 1, resB.Downloaded)
	assert.Len(t, resB.Update.IDs("label"), 2)
	a.sync()

	assert.Len(t, a.dump(), 3)
	assert.Equal(t, a.dump(), b.dump())

	// Nothing left to exchange.
	assert.True(t, a.sync().NoOp)
	assert.True(t, b.sync().NoOp)
}

func TestSyncLaterWriteWins(t *testing.T) {
	orders := map[string]func(a, b *device) []*device{
		"earlier writer first": func(a, b *device) []*device { return []*device{a, b, a} },
		"later writer first":   func(a, b *device) []*device { return []*device{b, a, b} },
	}
	for name, order := range orders {
		t.Run(name, func(t *testing.T) {
			remote := t.TempDir()
			a, b := newDevice(t, remote), newDevice(t, remote)
			id := uuid.New()
			a.addLabel(id, "original", 10)
			a.sync()
			b.sync()

			a.exec("UPDATE label SET name = 'from a', last_updated_on = 100 WHERE id = ?", id)
			b.exec("UPDATE label SET name = 'from b', last_updated_on = 200 WHERE id = ?", id)
			for _, d := range order(a, b) {
				d.sync()
			}

			for _, d := range []*device{a, b} {
				name, ok := d.labelName(id)
				require.True(t, ok)
				assert.Equal(t, "from b", name)
			}
			assert.Equal(t, a.dump(), b.dump())
		})
	}
}

func TestSyncRecordsConflicts(t *testing.T) {
	remote := t.TempDir()
	a, b := newDevice(t, remote), newDevice(t, remote)
	id := uuid.New()
	a.addLabel(id, "original", 10)
	a.sync()
	b.sync()

	a.exec("UPDATE label SET name = 'from a', last_updated_on = 100 WHERE id = ?", id)
	b.exec("UPDATE label SET name = 'from b', last_updated_on = 200 WHERE id = ?", id)
	a.sync()
	res := b.sync()
	assert.Equal(t, 1, res.Conflicts)

	conflicts, err := b.accessor().Conflicts(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, id, conflicts[0].RowID)
	assert.Equal(t, models.ResolutionLocalWins, conflicts[0].Resolution)
	assert.Equal(t, int64(200), conflicts[0].LocalTimestamp)
	assert.Equal(t, int64(100), conflicts[0].RemoteTimestamp)
}

func TestSyncEqualTimestampsConverge(t *testing.T) {
	remote := t.TempDir()
	a, b := newDevice(t, remote), newDevice(t, remote)
	id := uuid.New()
	a.addLabel(id, "original", 10)
	a.sync()
	b.sync()

	a.exec("UPDATE label SET name = 'apple', last_updated_on = 100 WHERE id = ?", id)
	b.exec("UPDATE label SET name = 'banana', last_updated_on = 100 WHERE id = ?", id)
	a.sync()
	b.sync()
	a.sync()

	nameA, _ := a.labelName(id)
	nameB, _ := b.labelName(id)
	assert.Equal(t, nameA, nameB)
	assert.Equal(t, a.dump(), b.dump())
}

func TestSyncStaleUpdateDoesNotResurrect(t *testing.T) {
	remote := t.TempDir()
	a, b := newDevice(t, remote), newDevice(t, remote)
	id := uuid.New()
	a.addLabel(id, "doomed", 30)
	a.sync()
	b.sync()

	a.exec("DELETE FROM label WHERE id = ?", id)
	b.exec("UPDATE label SET name = 'stale', last_updated_on = 40 WHERE id = ?", id)
	a.sync()
	res := b.sync()
	a.sync()

	_, ok := a.labelName(id)
	assert.False(t, ok)
	_, ok = b.labelName(id)
	assert.False(t, ok)
	assert.Contains(t, res.Update.Changes, models.Change{Table: "label", ID: id, Op: models.OpDelete})

	s, err := b.reg.Store(studydb.StoreBookmarks)
	require.NoError(t, err)
	_, tombstoned, err := changelog.Tombstone(context.Background(), s.DB(), "label", id)
	require.NoError(t, err)
	assert.True(t, tombstoned)
}

func TestSyncNewerUpdateRevivesDeletedRow(t *testing.T) {
	remote := t.TempDir()
	a, b := newDevice(t, remote), newDevice(t, remote)
	id := uuid.New()
	a.addLabel(id, "phoenix", 30)
	a.sync()
	b.sync()

	a.exec("DELETE FROM label WHERE id = ?", id)
	future := time.Now().Add(time.Hour).UnixMilli()
	b.exec("UPDATE label SET name = 'reborn', last_updated_on = ? WHERE id = ?", future, id)
	a.sync()
	b.sync()
	a.sync()

	for _, d := range []*device{a, b} {
		name, ok := d.labelName(id)
		require.True(t, ok)
		assert.Equal(t, "reborn", name)
	}
}

func TestSyncRepairsOrphans(t *testing.T) {
	remote := t.TempDir()
	a, b := newDevice(t, remote), newDevice(t, remote)
	label := uuid.New()
	a.addLabel(label, "pad", 10)
	a.sync()
	b.sync()

	a.exec("DELETE FROM label WHERE id = ?", label)
	entry := uuid.New()
	b.exec("INSERT INTO studypad_text_entry (id, label_id, order_number, text, last_updated_on) VALUES (?, ?, 0, 'note', 20)", entry, label)

	a.sync()
	b.sync()
	res := a.sync()
	assert.Contains(t, res.Update.Changes, models.Change{Table: "studypad_text_entry", ID: entry, Op: models.OpDelete})

	assert.Empty(t, a.dump())
	assert.Empty(t, b.dump())
}

func TestSyncCursorIsMonotonic(t *testing.T) {
	remote := t.TempDir()
	a, b := newDevice(t, remote), newDevice(t, remote)

	a.addLabel(uuid.New(), "one", 1)
	a.sync()
	first := a.cursor()
	assert.Positive(t, first.PushedSeq)
	assert.Positive(t, first.LastRemoteTime)

	// Own uploads are never downloaded again.
	res := a.sync()
	assert.True(t, res.NoOp)
	assert.Equal(t, first, a.cursor())

	b.addLabel(uuid.New(), "two", 2)
	b.sync()
	a.addLabel(uuid.New(), "three", 3)
	res = a.sync()
	assert.Equal(t, 1, res.Downloaded)

	second := a.cursor()
	assert.GreaterOrEqual(t, second.LastRemoteTime, first.LastRemoteTime)
	assert.Greater(t, second.PushedSeq, first.PushedSeq)
	assert.GreaterOrEqual(t, second.LastSyncAt, first.LastSyncAt)

	st, err := a.accessor().Status(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.Pending)
	assert.Equal(t, second.PushedSeq, st.PushedSeq)
}

func TestSyncRejectsConcurrentPass(t *testing.T) {
	d := newDevice(t, t.TempDir())
	a := d.accessor()
	a.mu.Lock()
	defer a.mu.Unlock()

	_, err := d.mgr.Sync(context.Background(), studydb.StoreBookmarks)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSyncInProgress))
}

func writeRemotePatch(t *testing.T, remote string, p *Patch) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, EncodePatch(&buf, p))
	name := PatchFileName(p.Device, p.ToSeq, time.Now().UnixMilli())
	require.NoError(t, os.WriteFile(filepath.Join(storeFolder(remote), name), buf.Bytes(), 0644))
}

func TestSyncMalformedPatchAborts(t *testing.T) {
	remote := t.TempDir()
	d := newDevice(t, remote)
	d.sync()
	before := d.cursor()

	name := PatchFileName(uuid.New(), 3, time.Now().UnixMilli())
	require.NoError(t, os.WriteFile(filepath.Join(storeFolder(remote), name), []byte("not a patch"), 0644))
	d.addLabel(uuid.New(), "local", 5)

	_, err := d.mgr.Sync(context.Background(), studydb.StoreBookmarks)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConflictUnresolvable), "got %v", err)
	assert.Equal(t, before, d.cursor())
}

func TestSyncNewerSchemaIsIncompatible(t *testing.T) {
	remote := t.TempDir()
	d := newDevice(t, remote)
	d.sync()
	before := d.cursor()

	writeRemotePatch(t, remote, &Patch{
		Format:        PatchFormat,
		Store:         studydb.StoreBookmarks,
		Device:        uuid.New(),
		SchemaVersion: studydb.BookmarksVersion + 1,
		ToSeq:         1,
		CreatedAt:     time.Now().UnixMilli(),
		Changes:       []RowChange{{Table: "label", ID: "x", Deleted: true, Timestamp: 1}},
	})

	_, err := d.mgr.Sync(context.Background(), studydb.StoreBookmarks)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSyncIncompatible), "got %v", err)
	assert.Equal(t, before, d.cursor())
}

func TestSyncAppliesForeignPatch(t *testing.T) {
	remote := t.TempDir()
	d := newDevice(t, remote)
	d.sync()
	sub := d.hub.Subscribe()
	defer d.hub.Unsubscribe(sub)

	id := uuid.New()
	writeRemotePatch(t, remote, &Patch{
		Format:        PatchFormat,
		Store:         studydb.StoreBookmarks,
		Device:        uuid.New(),
		SchemaVersion: 2,
		ToSeq:         7,
		CreatedAt:     time.Now().UnixMilli(),
		Changes: []RowChange{{
			Table:     "label",
			ID:        id,
			Timestamp: 50,
			Row:       Row{"id": id, "name": "older schema", "color": int64(3), "last_updated_on": int64(50)},
		}},
	})

	res := d.sync()
	assert.Equal(t, []string{id}, res.Update.IDs("label"))
	name, ok := d.labelName(id)
	require.True(t, ok)
	assert.Equal(t, "older schema", name)

	// Merged rows are not logged as local changes.
	st, err := d.accessor().Status(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.Pending)

	var updated bool
	deadline := time.After(2 * time.Second)
	for !updated {
		select {
		case ev := <-sub.C:
			if ev.Type == notify.EventStoreUpdated {
				assert.Equal(t, []string{id}, ev.Update.IDs("label"))
				updated = true
			}
		case <-deadline:
			t.Fatal("no store update event")
		}
	}
}

func TestFirstSyncTakesSnapshot(t *testing.T) {
	remote := t.TempDir()
	a := newDevice(t, remote)
	ids := []string{uuid.New(), uuid.New()}
	a.addLabel(ids[0], "first", 1)
	a.addLabel(ids[1], "second", 2)
	a.exec("DELETE FROM label WHERE id = ?", ids[1])

	require.NoError(t, a.mgr.ResetSync(context.Background(), studydb.StoreBookmarks))
	res := a.sync()
	require.NotEmpty(t, res.Uploaded)
	kind, _, ok := ParseFileName(res.Uploaded)
	require.True(t, ok)
	assert.Equal(t, KindSnapshot, kind)

	st, err := a.accessor().Status(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Truncated)

	b := newDevice(t, remote)
	res = b.sync()
	assert.True(t, res.Replaced)
	assert.Equal(t, []string{ids[0]}, res.Update.IDs("label"))
	assert.Equal(t, a.dump(), b.dump())

	s, err := b.reg.Store(studydb.StoreBookmarks)
	require.NoError(t, err)
	_, tombstoned, err := changelog.Tombstone(context.Background(), s.DB(), "label", ids[1])
	require.NoError(t, err)
	assert.True(t, tombstoned)

	// The replaced store keeps tracking local edits.
	b.addLabel(uuid.New(), "third", 3)
	assert.NotEmpty(t, b.sync().Uploaded)
	a.sync()
	assert.Equal(t, a.dump(), b.dump())
}

func TestSnapshotMergesIntoNonEmptyStore(t *testing.T) {
	remote := t.TempDir()
	a, b := newDevice(t, remote), newDevice(t, remote)
	a.addLabel(uuid.New(), "from a", 1)
	require.NoError(t, a.mgr.ResetSync(context.Background(), studydb.StoreBookmarks))
	a.sync()

	b.addLabel(uuid.New(), "from b", 2)
	res := b.sync()
	assert.False(t, res.Replaced)
	a.sync()

	assert.Len(t, b.dump(), 2)
	assert.Equal(t, a.dump(), b.dump())
}

func TestSyncAllCoversEveryStore(t *testing.T) {
	d := newDevice(t, t.TempDir())
	results, err := d.mgr.SyncAll(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, d.mgr.Stores(), keys(results))
	assert.NotContains(t, d.mgr.Stores(), studydb.StoreSettings)

	_, err = d.mgr.Accessor(studydb.StoreSettings)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func keys(m map[string]*Result) []string {
	var out []string
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestSignOutCancelsPasses(t *testing.T) {
	d := newDevice(t, t.TempDir())
	ctx, cancel := d.mgr.bind(context.Background())
	defer cancel()

	require.NoError(t, d.mgr.SignOut(context.Background()))
	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("pass context not cancelled by sign out")
	}
	assert.False(t, d.provider.SignedIn())

	ok, err := d.mgr.SignIn(context.Background(), cloud.Confirmed{})
	require.NoError(t, err)
	require.True(t, ok)
	ctx2, cancel2 := d.mgr.bind(context.Background())
	defer cancel2()
	assert.NoError(t, ctx2.Err())
}

func TestResetSyncForgetsCursor(t *testing.T) {
	d := newDevice(t, t.TempDir())
	d.addLabel(uuid.New(), "x", 1)
	d.sync()
	require.False(t, d.cursor().IsFresh())

	require.NoError(t, d.mgr.ResetSync(context.Background(), studydb.StoreBookmarks))
	assert.True(t, d.cursor().IsFresh())
	st, err := d.accessor().Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Truncated)
}
