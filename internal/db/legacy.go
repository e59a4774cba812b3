package db

import (
	"context"
	"database/sql"

	"github.com/kimhsiao/studysync/internal/errors"
	"github.com/kimhsiao/studysync/internal/logging"
)

// MigrateLegacyMonolith splits the legacy single-file database into the
// per-domain stores and deletes it. The legacy file's presence is the only
// gate: an interrupted run is repeated from scratch because existing store
// files are deleted first. Rows are copied without hooks, so the split is
// not recorded by change tracking.
func (r *Registry) MigrateLegacyMonolith(ctx context.Context) error {
	r.admin.Lock()
	defer r.admin.Unlock()
	if r.ready.Load() {
		return errors.New(errors.ErrInvalid, "legacy split must run before the stores are opened")
	}
	return r.migrateLegacyMonolith(ctx)
}

func (r *Registry) migrateLegacyMonolith(ctx context.Context) error {
	legacy := r.legacyPath()
	if legacy == "" || !fileExists(legacy) {
		return nil
	}
	if r.opts.Legacy.Split == nil {
		return errors.New(errors.ErrMigration, "legacy database present but no split is configured")
	}

	logging.Info("splitting legacy database", map[string]interface{}{"path": legacy})

	for _, def := range r.defs {
		if err := removeStoreFiles(r.Path(def.Name)); err != nil {
			return errors.Wrap(errors.ErrMigration, "failed to remove partial store "+def.Name, err)
		}
	}

	targets := make(map[string]*Store, len(r.defs))
	closeTargets := func() {
		for _, s := range targets {
			s.Close()
		}
	}
	for _, def := range r.defs {
		s, err := Open(ctx, def, r.Path(def.Name), false)
		if err != nil {
			closeTargets()
			return err
		}
		targets[def.Name] = s
	}

	src, err := OpenReadOnly(legacy)
	if err != nil {
		closeTargets()
		return errors.Wrap(errors.ErrMigration, "failed to open legacy database", err)
	}

	dst := make(map[string]*sql.DB, len(targets))
	for name, s := range targets {
		dst[name] = s.db
	}
	splitErr := r.opts.Legacy.Split(ctx, src, dst)
	src.Close()
	closeTargets()
	if splitErr != nil {
		return errors.Wrap(errors.ErrMigration, "legacy split failed", splitErr)
	}

	if err := removeStoreFiles(legacy); err != nil {
		return errors.Wrap(errors.ErrMigration, "failed to delete legacy database", err)
	}
	logging.Info("legacy database split", map[string]interface{}{"stores": len(targets)})
	return nil
}

// LegacyPresent reports whether the legacy monolith still exists.
func (r *Registry) LegacyPresent() bool {
	p := r.legacyPath()
	return p != "" && fileExists(p)
}

