package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/kimhsiao/studysync/internal/errors"
	"github.com/kimhsiao/studysync/internal/logging"
)

// Migration is one versioned schema step. SQL runs first, then Apply if
// set. A step with From 0 creates the schema from scratch.
type Migration struct {
	From        int
	To          int
	Description string
	SQL         string
	Apply       func(ctx context.Context, tx *sql.Tx) error
}

// Checksum returns the SHA-256 of the step's description and SQL.
func (m Migration) Checksum() string {
	hash := sha256.Sum256([]byte(m.Description + "\n" + m.SQL))
	return hex.EncodeToString(hash[:])
}

// AppliedMigration is a row of the schema_migrations history.
type AppliedMigration struct {
	Version     int
	FromVersion int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

// Migrator applies a store's migration chain.
type Migrator struct {
	db    *sql.DB
	def   Definition
	hooks []Hook
}

// NewMigrator creates a new Migrator instance.
func NewMigrator(db *sql.DB, def Definition) *Migrator {
	return &Migrator{
		db:  db,
		def: def,
	}
}

const schemaMigrationsDDL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY CHECK(version > 0),
	from_version INTEGER NOT NULL,
	applied_at INTEGER NOT NULL CHECK(applied_at > 0),
	description TEXT NOT NULL CHECK(length(description) > 0),
	checksum TEXT NOT NULL CHECK(length(checksum) = 64)
);`

// CurrentVersion returns the on-disk schema version.
func (m *Migrator) CurrentVersion(ctx context.Context) (int, error) {
	return userVersion(ctx, m.db)
}

// GetAppliedMigrations returns the recorded migration history.
func (m *Migrator) GetAppliedMigrations(ctx context.Context) ([]AppliedMigration, error) {
	var exists int
	if err := m.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_migrations'").Scan(&exists); err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, nil
	}

	rows, err := m.db.QueryContext(ctx,
		"SELECT version, from_version, applied_at, description, checksum FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var migrations []AppliedMigration
	for rows.Next() {
		var am AppliedMigration
		var appliedAt int64
		if err := rows.Scan(&am.Version, &am.FromVersion, &appliedAt, &am.Description, &am.Checksum); err != nil {
			return nil, err
		}
		am.AppliedAt = time.Unix(appliedAt, 0)
		migrations = append(migrations, am)
	}
	return migrations, rows.Err()
}

// Plan returns the steps leading from version from to version to. At each
// version the longest step that does not overshoot the target is taken.
func (m *Migrator) Plan(from, to int) ([]Migration, error) {
	if from > to {
		return nil, errors.Newf(errors.ErrMigration,
			"store %s is at version %d, newer than supported version %d", m.def.Name, from, to)
	}

	var plan []Migration
	for v := from; v < to; {
		best := -1
		for i, step := range m.def.Migrations {
			if step.From != v || step.To <= v || step.To > to {
				continue
			}
			if best < 0 || step.To > m.def.Migrations[best].To {
				best = i
			}
		}
		if best < 0 {
			return nil, errors.Newf(errors.ErrMigration,
				"store %s has no migration path from version %d to %d", m.def.Name, v, to)
		}
		plan = append(plan, m.def.Migrations[best])
		v = m.def.Migrations[best].To
	}
	return plan, nil
}

// Up brings the store to its target version. The whole chain runs in one
// transaction together with the hooks' BeforeMigrate and the version bump,
// so a failing step leaves the file untouched.
func (m *Migrator) Up(ctx context.Context) error {
	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return errors.Wrap(errors.ErrMigration, "store "+m.def.Name, err)
	}
	plan, err := m.Plan(current, m.def.Version)
	if err != nil {
		return err
	}
	if len(plan) == 0 {
		return nil
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.ErrMigration, "failed to begin migration transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, schemaMigrationsDDL); err != nil {
		return errors.Wrap(errors.ErrMigration, "failed to create schema_migrations", err)
	}

	for _, h := range m.hooks {
		if err := h.BeforeMigrate(ctx, tx); err != nil {
			return errors.Wrap(errors.ErrMigration, "store "+m.def.Name+": before-migrate hook failed", err)
		}
	}

	for _, step := range plan {
		if err := m.applyMigration(ctx, tx, step); err != nil {
			return errors.Wrap(errors.ErrMigration,
				fmt.Sprintf("store %s: migration %d->%d failed", m.def.Name, step.From, step.To), err)
		}
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", m.def.Version)); err != nil {
		return errors.Wrap(errors.ErrMigration, "failed to set schema version", err)
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.ErrMigration, "failed to commit migrations", err)
	}

	logging.Info("store migrated", map[string]interface{}{
		"store": m.def.Name,
		"from":  current,
		"to":    m.def.Version,
		"steps": len(plan),
	})
	return nil
}

// applyMigration applies a single step inside tx and records it.
func (m *Migrator) applyMigration(ctx context.Context, tx *sql.Tx, step Migration) error {
	if step.SQL != "" {
		if _, err := tx.ExecContext(ctx, step.SQL); err != nil {
			return fmt.Errorf("failed to execute migration SQL: %w", err)
		}
	}
	if step.Apply != nil {
		if err := step.Apply(ctx, tx); err != nil {
			return err
		}
	}

	description := step.Description
	if description == "" {
		description = fmt.Sprintf("v%d_to_v%d", step.From, step.To)
	}
	query := `INSERT OR REPLACE INTO schema_migrations (version, from_version, applied_at, description, checksum)
			  VALUES (?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, query, step.To, step.From, time.Now().Unix(), description, step.Checksum()); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return nil
}
