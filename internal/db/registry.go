package db

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kimhsiao/studysync/internal/errors"
	"github.com/kimhsiao/studysync/internal/logging"
)

// LegacySource describes the pre-split single-file database and how its rows
// are copied into the per-domain stores. Split receives the read-only legacy
// connection and every target store keyed by store name.
type LegacySource struct {
	FileName string
	Split    func(ctx context.Context, src *sql.DB, dst map[string]*sql.DB) error
}

// Options configures a Registry.
type Options struct {
	DataDir    string
	BackupDir  string
	AppVersion string
	Legacy     *LegacySource
	Now        func() time.Time
}

// Registry owns every store file handle. Stores become reachable only after
// Start has run the startup sequence: backup, legacy split, open.
type Registry struct {
	opts   Options
	defs   []Definition
	byName map[string]Definition

	// admin serializes startup and administrative operations.
	admin sync.Mutex
	mu    sync.RWMutex
	ready atomic.Bool

	stores     map[string]*Store
	lastBackup string
}

// NewRegistry creates a registry over defs. Stores are not opened until
// Start.
func NewRegistry(opts Options, defs ...Definition) (*Registry, error) {
	if opts.DataDir == "" {
		return nil, errors.New(errors.ErrInvalid, "data dir is required")
	}
	if opts.BackupDir == "" {
		opts.BackupDir = filepath.Join(opts.DataDir, "backup")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	r := &Registry{
		opts:   opts,
		byName: make(map[string]Definition, len(defs)),
		stores: make(map[string]*Store, len(defs)),
	}
	files := make(map[string]bool, len(defs))
	for _, def := range defs {
		if def.Name == "" || def.FileName == "" {
			return nil, errors.New(errors.ErrInvalid, "store definition needs a name and a file name")
		}
		if _, dup := r.byName[def.Name]; dup {
			return nil, errors.Newf(errors.ErrInvalid, "duplicate store %q", def.Name)
		}
		if files[def.FileName] {
			return nil, errors.Newf(errors.ErrInvalid, "duplicate store file %q", def.FileName)
		}
		files[def.FileName] = true
		r.byName[def.Name] = def
		r.defs = append(r.defs, def)
	}
	return r, nil
}

// Definitions returns the managed store definitions in registration order.
func (r *Registry) Definitions() []Definition {
	out := make([]Definition, len(r.defs))
	copy(out, r.defs)
	return out
}

// Definition returns the definition of the named store.
func (r *Registry) Definition(name string) (Definition, bool) {
	def, ok := r.byName[name]
	return def, ok
}

// Path returns the file path of the named store.
func (r *Registry) Path(name string) string {
	return filepath.Join(r.opts.DataDir, r.byName[name].FileName)
}

func (r *Registry) legacyPath() string {
	if r.opts.Legacy == nil {
		return ""
	}
	return filepath.Join(r.opts.DataDir, r.opts.Legacy.FileName)
}

// Ready reports whether the startup sequence has completed.
func (r *Registry) Ready() bool {
	return r.ready.Load()
}

// Start runs the startup sequence strictly in order: backup when any store
// version differs from its target, the one-time legacy split, then opening
// every store with its hooks. Start is a no-op once ready.
func (r *Registry) Start(ctx context.Context) error {
	r.admin.Lock()
	defer r.admin.Unlock()

	if r.ready.Load() {
		return nil
	}

	if _, err := r.backupIfVersionMismatch(ctx); err != nil {
		return err
	}
	if err := r.migrateLegacyMonolith(ctx); err != nil {
		return err
	}

	opened := make(map[string]*Store, len(r.defs))
	for _, def := range r.defs {
		store, err := Open(ctx, def, r.Path(def.Name), true)
		if err != nil {
			for _, s := range opened {
				s.Close()
			}
			logging.Error("store open failed", err, map[string]interface{}{"store": def.Name})
			return err
		}
		opened[def.Name] = store
	}

	r.mu.Lock()
	r.stores = opened
	r.mu.Unlock()
	r.ready.Store(true)

	logging.Info("registry ready", map[string]interface{}{"stores": len(opened)})
	return nil
}

// Store returns the open handle of the named store. It fails with NOT_READY
// until Start has completed.
func (r *Registry) Store(name string) (*Store, error) {
	if !r.ready.Load() {
		return nil, errors.New(errors.ErrNotReady, "database registry is not ready")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stores[name]
	if !ok {
		if _, known := r.byName[name]; known {
			return nil, errors.Newf(errors.ErrNotReady, "store %s is not open", name)
		}
		return nil, errors.Newf(errors.ErrNotFound, "unknown store %q", name)
	}
	return s, nil
}

// Reset closes the named store and opens it again, rerunning migrations and
// hooks.
func (r *Registry) Reset(ctx context.Context, name string) error {
	if !r.ready.Load() {
		return errors.New(errors.ErrNotReady, "database registry is not ready")
	}
	r.admin.Lock()
	defer r.admin.Unlock()

	return r.swap(ctx, name, nil)
}

// Replace swaps the named store's file for the file at src, then reopens it
// with migrations and hooks. If the replacement cannot be opened the
// previous file is restored.
func (r *Registry) Replace(ctx context.Context, name, src string) error {
	if !r.ready.Load() {
		return errors.New(errors.ErrNotReady, "database registry is not ready")
	}
	r.admin.Lock()
	defer r.admin.Unlock()

	return r.swap(ctx, name, func(path string) error {
		return copyFile(src, path)
	})
}

// swap closes the store, runs replace on its path if set, and reopens it.
func (r *Registry) swap(ctx context.Context, name string, replace func(path string) error) error {
	def, ok := r.byName[name]
	if !ok {
		return errors.Newf(errors.ErrNotFound, "unknown store %q", name)
	}
	path := r.Path(name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.stores[name]; ok {
		if err := s.Close(); err != nil {
			return errors.Wrap(errors.ErrDatabase, "failed to close store "+name, err)
		}
		delete(r.stores, name)
	}

	var previous string
	if replace != nil {
		previous = path + ".previous"
		if err := os.Rename(path, previous); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(errors.ErrDatabase, "failed to set aside store "+name, err)
		}
		removeStoreFiles(path)
		if err := replace(path); err != nil {
			r.restorePrevious(path, previous)
			return r.reopenAfterFailure(ctx, def, path, errors.Wrap(errors.ErrDatabase, "failed to replace store "+name, err))
		}
	}

	store, err := Open(ctx, def, path, true)
	if err != nil {
		if previous != "" {
			r.restorePrevious(path, previous)
			return r.reopenAfterFailure(ctx, def, path, err)
		}
		return err
	}
	if previous != "" {
		os.Remove(previous)
	}
	r.stores[name] = store

	logging.Info("store reopened", map[string]interface{}{"store": name, "replaced": replace != nil})
	return nil
}

func (r *Registry) restorePrevious(path, previous string) {
	removeStoreFiles(path)
	if err := os.Rename(previous, path); err != nil && !os.IsNotExist(err) {
		logging.Error("failed to restore previous store file", err, map[string]interface{}{"path": path})
	}
}

// reopenAfterFailure reopens the restored store so the registry stays usable
// and returns cause.
func (r *Registry) reopenAfterFailure(ctx context.Context, def Definition, path string, cause error) error {
	store, err := Open(ctx, def, path, true)
	if err != nil {
		logging.Error("failed to reopen store after failed replace", err, map[string]interface{}{"store": def.Name})
		return cause
	}
	r.stores[def.Name] = store
	return cause
}

// Sync checkpoints the write-ahead log of every store into its main file.
func (r *Registry) Sync(ctx context.Context) error {
	return r.forEach(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
}

// Vacuum rebuilds every store file.
func (r *Registry) Vacuum(ctx context.Context) error {
	return r.forEach(ctx, "VACUUM")
}

func (r *Registry) forEach(ctx context.Context, stmt string) error {
	if !r.ready.Load() {
		return errors.New(errors.ErrNotReady, "database registry is not ready")
	}
	r.admin.Lock()
	defer r.admin.Unlock()

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, def := range r.defs {
		s, ok := r.stores[def.Name]
		if !ok {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(errors.ErrDatabase, fmt.Sprintf("store %s: %s failed", def.Name, stmt), err)
		}
	}
	return nil
}

// CloseAll checkpoints and closes every store. The registry is not ready
// afterwards; Start opens the stores again.
func (r *Registry) CloseAll() error {
	r.admin.Lock()
	defer r.admin.Unlock()

	r.ready.Store(false)
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for name, s := range r.stores {
		s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrap(errors.ErrDatabase, "failed to close store "+name, err)
		}
	}
	r.stores = make(map[string]*Store, len(r.defs))
	return firstErr
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tempPath := dst + ".tmp"
	out, err := os.Create(tempPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tempPath)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tempPath)
		return err
	}
	return os.Rename(tempPath, dst)
}
