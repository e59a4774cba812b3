// Package sync reconciles each syncable store with its folder on a cloud
// provider.
//
// Every device uploads its local changes as small gzipped JSON patches, or
// as a full snapshot after the change log was truncated, and merges the
// files other devices uploaded. Rows are merged with whole-row last write
// wins on last_updated_on; deletions leave tombstones so stale updates do
// not bring rows back.
package sync

import (
	"context"
	"os"
	"path/filepath"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/kimhsiao/studysync/internal/changelog"
	"github.com/kimhsiao/studysync/internal/cloud"
	"github.com/kimhsiao/studysync/internal/db"
	"github.com/kimhsiao/studysync/internal/errors"
	"github.com/kimhsiao/studysync/internal/logging"
	"github.com/kimhsiao/studysync/internal/models"
	"github.com/kimhsiao/studysync/internal/notify"
	"github.com/kimhsiao/studysync/internal/sync/conflict"
	"github.com/kimhsiao/studysync/internal/uuid"
)

// Defaults for Options.
const (
	DefaultFolderName    = "studysync"
	DefaultMaxLogEntries = 10000
	DefaultSafetyMargin  = 10 * time.Minute
	DefaultCompactAfter  = 50
)

// Options configures an Accessor.
type Options struct {
	// FolderName is the root remote folder holding one folder per store.
	FolderName string
	// Device identifies this installation in remote file names.
	Device string
	// MaxLogEntries caps the change log after a pass; dropping entries
	// forces the next push to be a snapshot.
	MaxLogEntries int
	// SafetyMargin widens the remote listing window to tolerate provider
	// clock skew. Files already applied are skipped.
	SafetyMargin time.Duration
	// CompactAfter is the number of live patches after which this device
	// uploads a snapshot instead of another patch. Once a snapshot is up,
	// the device deletes its older files. Negative disables compaction.
	CompactAfter int
	TempDir      string
	Now          func() time.Time
}

// validate checks the device id and fills in defaults. Remote file names
// embed the device id, so files written under anything but a v4 UUID would
// be invisible to every peer, including this device.
func (o *Options) validate() error {
	if err := uuid.Validate(o.Device); err != nil {
		return errors.Wrap(errors.ErrInvalid, "sync device id", err)
	}
	o.defaults()
	return nil
}

func (o *Options) defaults() {
	if o.FolderName == "" {
		o.FolderName = DefaultFolderName
	}
	if o.MaxLogEntries == 0 {
		o.MaxLogEntries = DefaultMaxLogEntries
	}
	if o.SafetyMargin == 0 {
		o.SafetyMargin = DefaultSafetyMargin
	}
	if o.CompactAfter == 0 {
		o.CompactAfter = DefaultCompactAfter
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Result summarizes one sync pass.
type Result struct {
	Store string `json:"store"`
	// Skipped is set when no session was available.
	Skipped bool `json:"skipped,omitempty"`
	// NoOp is set when there was nothing to exchange.
	NoOp       bool              `json:"no_op,omitempty"`
	Downloaded int               `json:"downloaded"`
	Uploaded   string            `json:"uploaded,omitempty"`
	Replaced   bool              `json:"replaced,omitempty"`
	Retired    int               `json:"retired,omitempty"`
	Conflicts  int               `json:"conflicts"`
	Update     models.Update     `json:"update"`
	Cursor     models.SyncCursor `json:"cursor"`
	Duration   time.Duration     `json:"duration"`
}

// Status describes the sync state of a store.
type Status struct {
	Store      string `json:"store"`
	SignedIn   bool   `json:"signed_in"`
	FolderID   string `json:"folder_id,omitempty"`
	LastSyncAt int64  `json:"last_sync_at"`
	PushedSeq  int64  `json:"pushed_seq"`
	Pending    int64  `json:"pending"`
	Truncated  bool   `json:"truncated"`
	Conflicts  int64  `json:"conflicts"`
	InProgress bool   `json:"in_progress"`
}

// Accessor pairs one store with its remote folder. Passes of one accessor
// never overlap.
type Accessor struct {
	reg      *db.Registry
	def      db.Definition
	adapter  cloud.Adapter
	hub      *notify.Hub
	opts     Options
	resolver *conflict.Resolver

	mu      stdsync.Mutex
	running atomic.Bool
}

// NewAccessor creates the accessor of the store described by def. hub may
// be nil.
func NewAccessor(reg *db.Registry, def db.Definition, adapter cloud.Adapter, hub *notify.Hub, opts Options) (*Accessor, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Accessor{
		reg:      reg,
		def:      def,
		adapter:  adapter,
		hub:      hub,
		opts:     opts,
		resolver: conflict.NewResolver(),
	}, nil
}

// Store returns the name of the accessor's store.
func (a *Accessor) Store() string { return a.def.Name }

// remoteFile is a listed remote file and its decoded contents.
type remoteFile struct {
	file     *cloud.File
	kind     string
	changes  []RowChange
	snapshot *snapshotFile
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func (a *Accessor) publish(typ string, data map[string]any) {
	if a.hub == nil {
		return
	}
	a.hub.Publish(notify.Event{Type: typ, Store: a.def.Name, Data: data})
}

// Sync runs one pass. A second pass on the same store while one is running
// fails with SYNC_IN_PROGRESS. Without a session the pass is skipped, which
// is not an error. A failed pass leaves the cursor and the store untouched.
func (a *Accessor) Sync(ctx context.Context) (*Result, error) {
	if !a.mu.TryLock() {
		return nil, errors.Newf(errors.ErrSyncInProgress, "sync of %s is already running", a.def.Name)
	}
	defer a.mu.Unlock()
	a.running.Store(true)
	defer a.running.Store(false)

	res := &Result{Store: a.def.Name}
	if !a.adapter.SignedIn() {
		logging.Info("sync skipped, not signed in", map[string]interface{}{"store": a.def.Name})
		res.Skipped = true
		a.publish(notify.EventSyncSkipped, map[string]any{"reason": "not signed in"})
		return res, nil
	}

	started := time.Now()
	a.publish(notify.EventSyncStarted, nil)
	if err := a.pass(ctx, res); err != nil {
		if ctx.Err() != nil && !errors.Is(err, errors.ErrSyncCancelled) {
			err = errors.Wrap(errors.ErrSyncCancelled, "sync of "+a.def.Name+" cancelled", err)
		}
		logging.ErrorWithCode("sync pass failed", string(errors.CodeOf(err)), err, map[string]interface{}{
			"store":    a.def.Name,
			"provider": a.adapter.Name(),
		})
		a.publish(notify.EventSyncFailed, map[string]any{
			"code":    string(errors.CodeOf(err)),
			"message": errors.UserMessage(err),
		})
		return nil, err
	}
	res.Duration = time.Since(started)

	if res.Conflicts > 0 {
		a.publish(notify.EventConflict, map[string]any{"count": res.Conflicts})
	}
	if a.hub != nil {
		a.hub.PublishUpdate(res.Update)
	}
	a.publish(notify.EventSyncCompleted, map[string]any{
		"downloaded": res.Downloaded,
		"uploaded":   res.Uploaded,
		"changed":    len(res.Update.Changes),
		"no_op":      res.NoOp,
	})
	logging.Info("sync pass completed", map[string]interface{}{
		"store":       a.def.Name,
		"downloaded":  res.Downloaded,
		"uploaded":    res.Uploaded,
		"replaced":    res.Replaced,
		"changed":     len(res.Update.Changes),
		"conflicts":   res.Conflicts,
		"no_op":       res.NoOp,
		"duration_ms": res.Duration.Milliseconds(),
	})
	return res, nil
}

func (a *Accessor) pass(ctx context.Context, res *Result) error {
	name := a.def.Name
	store, err := a.reg.Store(name)
	if err != nil {
		return err
	}
	conn := store.DB()
	if err := ensureState(ctx, conn); err != nil {
		return err
	}
	cursor, err := loadCursor(ctx, conn, name)
	if err != nil {
		return err
	}
	folderID, err := a.resolveFolder(ctx, cursor)
	if err != nil {
		return err
	}
	files, err := a.listRemote(ctx, conn, cursor, folderID)
	if err != nil {
		return err
	}

	toSeq, err := changelog.MaxSeq(ctx, conn)
	if err != nil {
		return err
	}
	truncated, err := changelog.Truncated(ctx, conn)
	if err != nil {
		return err
	}
	if len(files) == 0 && !truncated && toSeq <= cursor.PushedSeq {
		res.NoOp = true
		res.Cursor = *cursor
		if cursor.FolderID != folderID {
			cursor.FolderID = folderID
			return saveCursor(ctx, conn, cursor)
		}
		return nil
	}

	tmp, err := os.MkdirTemp(a.opts.TempDir, "studysync-"+name+"-")
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "failed to create sync work directory", err)
	}
	defer os.RemoveAll(tmp)

	remote, err := a.download(ctx, files, tmp)
	if err != nil {
		return err
	}
	res.Downloaded = len(remote)

	// A store that never synced and holds nothing takes the newest snapshot
	// as a whole instead of merging it row by row.
	var replaced string
	if cursor.LastSyncAt == 0 {
		if snap := newestSnapshot(remote); snap != nil {
			empty, err := isEmpty(ctx, conn, a.def.Tables)
			if err != nil {
				return err
			}
			if empty {
				if err := a.reg.Replace(ctx, name, snap.snapshot.path); err != nil {
					return err
				}
				replaced = snap.file.ID
				res.Replaced = true
				if store, err = a.reg.Store(name); err != nil {
					return err
				}
				conn = store.DB()
				if err := ensureState(ctx, conn); err != nil {
					return err
				}
				cursor = &models.SyncCursor{Store: name}
				if toSeq, err = changelog.MaxSeq(ctx, conn); err != nil {
					return err
				}
				if truncated, err = changelog.Truncated(ctx, conn); err != nil {
					return err
				}
			}
		}
	}

	snapshot := truncated
	if !snapshot && toSeq > cursor.PushedSeq && a.opts.CompactAfter > 0 {
		n, err := ownPatchCount(ctx, conn)
		if err != nil {
			return err
		}
		snapshot = n >= a.opts.CompactAfter
	}

	var uploaded *cloud.File
	if truncated || toSeq > cursor.PushedSeq {
		uploaded, err = a.upload(ctx, store, cursor, toSeq, snapshot, folderID, tmp)
		if err != nil {
			return err
		}
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to begin merge", err)
	}
	defer tx.Rollback()

	if err := changelog.SetSuppressed(ctx, tx, true); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "PRAGMA defer_foreign_keys = ON"); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to defer foreign keys", err)
	}
	m, err := newMerger(ctx, tx, a.def.Tables, a.resolver)
	if err != nil {
		return err
	}

	now := a.opts.Now().UnixMilli()
	for _, rf := range remote {
		if rf.file.ID == replaced {
			for _, c := range rf.changes {
				if !c.Deleted {
					m.record(c.Table, c.ID, models.OpInsert)
				}
			}
		} else if err := m.apply(ctx, rf.file.Name, rf.changes); err != nil {
			return err
		}
		created := millis(rf.file.CreatedTime)
		if err := markApplied(ctx, tx, rf.file.ID, rf.file.Name, created, now); err != nil {
			return err
		}
		cursor.Advance(created, rf.file.ID, cursor.PushedSeq)
	}
	if err := m.repair(ctx); err != nil {
		return err
	}

	if uploaded != nil {
		created := millis(uploaded.CreatedTime)
		if err := markApplied(ctx, tx, uploaded.ID, uploaded.Name, created, now); err != nil {
			return err
		}
		kind, _, _ := ParseFileName(uploaded.Name)
		if err := recordOwn(ctx, tx, ownFile{ID: uploaded.ID, Name: uploaded.Name, Kind: kind, CreatedMs: created}); err != nil {
			return err
		}
		cursor.Advance(created, uploaded.ID, toSeq)
		res.Uploaded = uploaded.Name
	} else {
		cursor.Advance(0, "", toSeq)
	}
	if truncated && uploaded != nil {
		if err := changelog.SetTruncated(ctx, tx, false); err != nil {
			return err
		}
	}

	cursor.FolderID = folderID
	cursor.LastSyncAt = now
	if err := saveCursor(ctx, tx, cursor); err != nil {
		return err
	}
	if err := forgetAppliedBefore(ctx, tx, cursor.LastRemoteTime-2*a.opts.SafetyMargin.Milliseconds()); err != nil {
		return err
	}
	if err := changelog.SetSuppressed(ctx, tx, false); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to commit merge", err)
	}

	res.Cursor = *cursor
	res.Conflicts = len(m.conflicts)
	res.Update = models.Update{Store: name, Changes: m.changes}

	if uploaded != nil && snapshot {
		res.Retired = a.retire(ctx, conn, uploaded)
	}

	// The pushed entries are no longer needed. Failing to trim the log only
	// costs space, so it does not fail the pass.
	if _, err := changelog.Prune(ctx, conn, cursor.PushedSeq); err != nil {
		logging.Warn("failed to prune change log", map[string]interface{}{"store": name, "error": err.Error()})
	}
	if _, err := changelog.Cap(ctx, conn, a.opts.MaxLogEntries); err != nil {
		logging.Warn("failed to cap change log", map[string]interface{}{"store": name, "error": err.Error()})
	}
	return nil
}

// retire deletes the files this device uploaded before snap. The snapshot
// holds every row and tombstone they carried, so peers lose nothing; a peer
// that listed a retired file skips it as gone and picks up the snapshot.
// Failures are logged and retried after the next snapshot.
func (a *Accessor) retire(ctx context.Context, conn changelog.Querier, snap *cloud.File) int {
	old, err := ownFilesBefore(ctx, conn, millis(snap.CreatedTime), snap.ID)
	if err != nil {
		logging.Warn("failed to list retired files", map[string]interface{}{"store": a.def.Name, "error": err.Error()})
		return 0
	}
	retired := 0
	for _, f := range old {
		if err := a.adapter.Delete(ctx, f.ID); err != nil && !cloud.NotFound(err) {
			logging.Warn("failed to delete superseded remote file", map[string]interface{}{
				"store": a.def.Name,
				"file":  f.Name,
				"error": err.Error(),
			})
			break
		}
		if err := forgetOwn(ctx, conn, f.ID); err != nil {
			logging.Warn("failed to forget retired file", map[string]interface{}{"store": a.def.Name, "error": err.Error()})
			break
		}
		retired++
	}
	if retired > 0 {
		logging.Debug("retired superseded remote files", map[string]interface{}{"store": a.def.Name, "count": retired})
	}
	return retired
}

// resolveFolder returns the store's remote folder, creating it and the root
// folder when absent. A cached folder that vanished is resolved again and
// the remote watermark restarts.
func (a *Accessor) resolveFolder(ctx context.Context, cursor *models.SyncCursor) (string, error) {
	if cursor.FolderID != "" {
		f, err := a.adapter.Get(ctx, cursor.FolderID)
		if err == nil && f.IsFolder() {
			return f.ID, nil
		}
		if err != nil && !cloud.NotFound(err) {
			return "", err
		}
		logging.Warn("remote sync folder is gone, resolving it again", map[string]interface{}{
			"store":     a.def.Name,
			"folder_id": cursor.FolderID,
		})
		cursor.LastRemoteTime = 0
		cursor.LastFileID = ""
	}

	root, err := a.folder(ctx, a.opts.FolderName, "")
	if err != nil {
		return "", err
	}
	f, err := a.folder(ctx, a.def.Name, root.ID)
	if err != nil {
		return "", err
	}
	return f.ID, nil
}

func (a *Accessor) folder(ctx context.Context, name, parentID string) (*cloud.File, error) {
	folders, err := a.adapter.Folders(ctx, parentID)
	if err != nil {
		return nil, err
	}
	cloud.SortByCreated(folders)
	for _, f := range folders {
		if f.Name == name {
			return f, nil
		}
	}
	return a.adapter.CreateFolder(ctx, name, parentID)
}

// listRemote returns the files of other devices not applied yet, oldest
// first.
func (a *Accessor) listRemote(ctx context.Context, q changelog.Querier, cursor *models.SyncCursor, folderID string) ([]*cloud.File, error) {
	query := cloud.ListQuery{ParentIDs: []string{folderID}}
	if cursor.LastRemoteTime > 0 {
		query.CreatedAtLeast = time.UnixMilli(cursor.LastRemoteTime - a.opts.SafetyMargin.Milliseconds())
	}
	files, err := a.adapter.List(ctx, query)
	if err != nil {
		return nil, err
	}
	applied, err := appliedFiles(ctx, q)
	if err != nil {
		return nil, err
	}

	var out []*cloud.File
	for _, f := range files {
		if f.IsFolder() || applied[f.ID] {
			continue
		}
		_, device, ok := ParseFileName(f.Name)
		if !ok || device == a.opts.Device {
			continue
		}
		out = append(out, f)
	}
	cloud.SortByCreated(out)
	return out, nil
}

// download fetches and decodes files into dir. Files removed remotely in the
// meantime are skipped.
func (a *Accessor) download(ctx context.Context, files []*cloud.File, dir string) ([]*remoteFile, error) {
	var out []*remoteFile
	for _, f := range files {
		kind, _, _ := ParseFileName(f.Name)
		local := filepath.Join(dir, f.Name)
		if err := cloud.DownloadToFile(ctx, a.adapter, f.ID, local); err != nil {
			if cloud.NotFound(err) {
				logging.Warn("remote file disappeared before download", map[string]interface{}{
					"store": a.def.Name,
					"file":  f.Name,
				})
				continue
			}
			if errors.CodeOf(err) == "" {
				err = errors.Wrap(errors.ErrProviderUnavailable, "failed to download "+f.Name, err)
			}
			return nil, err
		}

		rf := &remoteFile{file: f, kind: kind}
		switch kind {
		case KindPatch:
			p, err := a.readPatch(local)
			if err != nil {
				return nil, errors.Wrap(errors.CodeOf(err), "remote file "+f.Name, err)
			}
			rf.changes = p.Changes
		case KindSnapshot:
			snap, err := readSnapshot(ctx, a.def, local)
			if err != nil {
				return nil, errors.Wrap(errors.CodeOf(err), "remote file "+f.Name, err)
			}
			rf.snapshot = snap
			rf.changes = snap.changes
		}
		out = append(out, rf)
	}
	return out, nil
}

func (a *Accessor) readPatch(path string) (*Patch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "failed to open downloaded patch", err)
	}
	defer f.Close()

	p, err := DecodePatch(f)
	if err != nil {
		return nil, err
	}
	if p.Store != a.def.Name {
		return nil, errors.Newf(errors.ErrConflictUnresolvable, "patch belongs to store %q", p.Store)
	}
	if p.SchemaVersion > a.def.Version {
		return nil, errors.Newf(errors.ErrSyncIncompatible,
			"patch schema version %d is newer than local version %d", p.SchemaVersion, a.def.Version)
	}
	return p, nil
}

func newestSnapshot(files []*remoteFile) *remoteFile {
	var newest *remoteFile
	for _, rf := range files {
		if rf.snapshot != nil {
			newest = rf
		}
	}
	return newest
}

// upload sends the local changes up to toSeq: a snapshot when asked for
// (truncated log or compaction), otherwise a patch. It returns nil when
// there was nothing to send.
func (a *Accessor) upload(ctx context.Context, store *db.Store, cursor *models.SyncCursor, toSeq int64, snapshot bool, folderID, dir string) (*cloud.File, error) {
	createdAt := a.opts.Now().UnixMilli()

	var name, path string
	if snapshot {
		name = SnapshotFileName(a.opts.Device, createdAt)
		p, err := makeSnapshot(ctx, store, dir, name)
		if err != nil {
			return nil, err
		}
		path = p
	} else {
		p, err := a.buildPatch(ctx, store, cursor.PushedSeq, toSeq, createdAt)
		if err != nil {
			return nil, err
		}
		if len(p.Changes) == 0 {
			return nil, nil
		}
		name = PatchFileName(a.opts.Device, toSeq, createdAt)
		path = filepath.Join(dir, name)
		if err := writePatch(path, p); err != nil {
			return nil, err
		}
	}

	f, err := a.adapter.Upload(ctx, name, path, folderID)
	if err != nil {
		return nil, err
	}
	logging.Debug("uploaded local changes", map[string]interface{}{
		"store": a.def.Name,
		"file":  name,
		"seq":   toSeq,
	})
	return f, nil
}

// buildPatch collects the current state of every row logged in
// (fromSeq, toSeq].
func (a *Accessor) buildPatch(ctx context.Context, store *db.Store, fromSeq, toSeq, createdAt int64) (*Patch, error) {
	conn := store.DB()
	entries, err := changelog.Since(ctx, conn, fromSeq, 0)
	if err != nil {
		return nil, err
	}

	p := &Patch{
		Format:        PatchFormat,
		Store:         a.def.Name,
		Device:        a.opts.Device,
		SchemaVersion: a.def.Version,
		FromSeq:       fromSeq,
		ToSeq:         toSeq,
		CreatedAt:     createdAt,
	}
	columns := make(map[string][]string)
	seen := make(map[string]bool)
	for _, e := range entries {
		if e.Seq > toSeq {
			break
		}
		key := e.Table + "\x00" + e.RowID
		if seen[key] {
			continue
		}
		seen[key] = true

		cols, ok := columns[e.Table]
		if !ok {
			if cols, err = tableColumns(ctx, conn, e.Table); err != nil {
				return nil, errors.Wrap(errors.ErrDatabase, "failed to read columns of "+e.Table, err)
			}
			columns[e.Table] = cols
		}
		row, err := readRow(ctx, conn, e.Table, cols, e.RowID)
		if err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to read changed row", err)
		}
		if row != nil {
			p.Changes = append(p.Changes, RowChange{Table: e.Table, ID: e.RowID, Timestamp: row.Timestamp(), Row: row})
			continue
		}
		at, ok, err := changelog.Tombstone(ctx, conn, e.Table, e.RowID)
		if err != nil {
			return nil, err
		}
		if ok {
			p.Changes = append(p.Changes, RowChange{Table: e.Table, ID: e.RowID, Deleted: true, Timestamp: at})
		}
	}
	return p, nil
}

func writePatch(path string, p *Patch) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "failed to create patch file", err)
	}
	if err := EncodePatch(f, p); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(errors.ErrInternal, "failed to write patch file", err)
	}
	return nil
}

// ResetSync forgets everything the store knows about its remote folder. The
// next pass behaves as a first sync and pushes the full local state.
func (a *Accessor) ResetSync(ctx context.Context) error {
	if !a.mu.TryLock() {
		return errors.Newf(errors.ErrSyncInProgress, "sync of %s is running", a.def.Name)
	}
	defer a.mu.Unlock()

	store, err := a.reg.Store(a.def.Name)
	if err != nil {
		return err
	}
	conn := store.DB()
	if err := ensureState(ctx, conn); err != nil {
		return err
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to begin sync reset", err)
	}
	defer tx.Rollback()
	if err := resetState(ctx, tx, a.def.Name); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to commit sync reset", err)
	}

	logging.Info("sync state reset", map[string]interface{}{"store": a.def.Name})
	return nil
}

// Status reports the sync state of the store.
func (a *Accessor) Status(ctx context.Context) (*Status, error) {
	st := &Status{
		Store:      a.def.Name,
		SignedIn:   a.adapter.SignedIn(),
		InProgress: a.running.Load(),
	}
	store, err := a.reg.Store(a.def.Name)
	if err != nil {
		return nil, err
	}
	conn := store.DB()
	if err := ensureState(ctx, conn); err != nil {
		return nil, err
	}
	cursor, err := loadCursor(ctx, conn, a.def.Name)
	if err != nil {
		return nil, err
	}
	st.FolderID = cursor.FolderID
	st.LastSyncAt = cursor.LastSyncAt
	st.PushedSeq = cursor.PushedSeq
	if st.Pending, err = changelog.Pending(ctx, conn); err != nil {
		return nil, err
	}
	if st.Truncated, err = changelog.Truncated(ctx, conn); err != nil {
		return nil, err
	}
	if st.Conflicts, err = conflictCount(ctx, conn); err != nil {
		return nil, err
	}
	return st, nil
}

// Conflicts returns the most recent conflict decisions, newest first. A
// limit of zero returns all of them.
func (a *Accessor) Conflicts(ctx context.Context, limit int) ([]models.ConflictLog, error) {
	store, err := a.reg.Store(a.def.Name)
	if err != nil {
		return nil, err
	}
	if err := ensureState(ctx, store.DB()); err != nil {
		return nil, err
	}
	return readConflicts(ctx, store.DB(), limit)
}
