// Package db manages the lifecycle of the independently versioned local
// stores: opening, migrating, backing up, splitting the legacy monolith and
// the administrative operations shared by every store.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/kimhsiao/studysync/internal/errors"
)

// Hook lets a collaborator instrument a store around its migrations.
// BeforeMigrate runs inside the migration transaction ahead of the first
// step, and only when there are steps to apply. AfterOpen runs once the
// store is at its target version.
type Hook interface {
	BeforeMigrate(ctx context.Context, tx *sql.Tx) error
	AfterOpen(ctx context.Context, db *sql.DB) error
}

// Definition identifies one independently versioned store.
type Definition struct {
	Name       string
	FileName   string
	Version    int
	Migrations []Migration
	// Tables lists the tables exchanged with peers, parents before children.
	// A store with no tables is local only.
	Tables []string
	Hooks  []Hook
}

// Syncable reports whether the store takes part in cloud sync.
func (d Definition) Syncable() bool {
	return len(d.Tables) > 0
}

// Store is an open handle to one store. Handles are owned by the Registry;
// callers must not keep them across Reset or Replace.
type Store struct {
	def  Definition
	path string
	db   *sql.DB
}

// Name returns the store name.
func (s *Store) Name() string { return s.def.Name }

// Path returns the store file path.
func (s *Store) Path() string { return s.path }

// Definition returns the definition the store was opened with.
func (s *Store) Definition() Definition { return s.def }

// DB returns the underlying connection pool.
func (s *Store) DB() *sql.DB { return s.db }

// Version returns the on-disk schema version.
func (s *Store) Version(ctx context.Context) (int, error) {
	return userVersion(ctx, s.db)
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

func dsn(path string, readOnly bool) string {
	q := url.Values{}
	if readOnly {
		q.Set("mode", "ro")
	} else {
		q.Add("_pragma", "foreign_keys(1)")
		q.Add("_pragma", "journal_mode(WAL)")
	}
	q.Add("_pragma", "busy_timeout(5000)")
	return "file:" + path + "?" + q.Encode()
}

// openFile opens path with the store pragmas. SQLite only allows one writer,
// so the pool is limited to a single connection.
func openFile(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	db, err := sql.Open("sqlite", dsn(path, false))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// OpenReadOnly opens an existing SQLite file without write access.
func OpenReadOnly(path string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrap(errors.ErrNotFound, "database file missing", err)
	}
	db, err := sql.Open("sqlite", dsn(path, true))
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to open database read-only", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// FileVersion reads the schema version of a store file without modifying
// it. A missing file is version 0.
func FileVersion(path string) (int, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return 0, nil
	}
	db, err := OpenReadOnly(path)
	if err != nil {
		return 0, err
	}
	defer db.Close()
	return userVersion(context.Background(), db)
}

func userVersion(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}) (int, error) {
	var v int
	if err := q.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "failed to read schema version", err)
	}
	return v, nil
}

// Open opens the store described by def at path, applying pending
// migrations. Hooks run unless withHooks is false. On a migration failure
// the file is left as it was; a file created by this call is removed.
func Open(ctx context.Context, def Definition, path string, withHooks bool) (*Store, error) {
	_, statErr := os.Stat(path)
	created := os.IsNotExist(statErr)

	db, err := openFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to open store "+def.Name, err)
	}

	fail := func(err error) (*Store, error) {
		db.Close()
		if created {
			removeStoreFiles(path)
		}
		return nil, err
	}

	m := NewMigrator(db, def)
	if withHooks {
		m.hooks = def.Hooks
	}
	if err := m.Up(ctx); err != nil {
		return fail(err)
	}

	if withHooks {
		for _, h := range def.Hooks {
			if err := h.AfterOpen(ctx, db); err != nil {
				return fail(errors.Wrap(errors.ErrDatabase, "store "+def.Name+": after-open hook failed", err))
			}
		}
	}

	return &Store{def: def, path: path, db: db}, nil
}

// removeStoreFiles deletes a store file and its rollback journal.
func removeStoreFiles(path string) error {
	for _, p := range []string{path, path + "-journal", path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
