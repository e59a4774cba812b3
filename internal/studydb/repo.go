package studydb

import (
	"context"
	"database/sql"
	"time"

	"github.com/kimhsiao/studysync/internal/db"
	"github.com/kimhsiao/studysync/internal/errors"
)

// repo resolves its store on every call, since the registry may swap the
// handle after a reset or a snapshot replacement.
type repo struct {
	reg   *db.Registry
	store string
	now   func() time.Time
}

func newRepo(reg *db.Registry, store string) repo {
	return repo{reg: reg, store: store, now: time.Now}
}

func (r repo) conn() (*sql.DB, error) {
	s, err := r.reg.Store(r.store)
	if err != nil {
		return nil, err
	}
	return s.DB(), nil
}

// stamp returns the current time in unix ms, strictly after prev so an edit
// always wins over the state it replaces.
func (r repo) stamp(prev int64) int64 {
	now := r.now().UnixMilli()
	if now <= prev {
		now = prev + 1
	}
	return now
}

func (r repo) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	conn, err := r.conn()
	if err != nil {
		return nil, err
	}
	res, err := conn.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, r.store+": write failed", err)
	}
	return res, nil
}

// inTx runs fn in a transaction on the store.
func (r repo) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	conn, err := r.conn()
	if err != nil {
		return err
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, r.store+": failed to begin transaction", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.ErrDatabase, r.store+": commit failed", err)
	}
	return nil
}

func notFound(err error, what, id string) error {
	if err == sql.ErrNoRows {
		return errors.Newf(errors.ErrNotFound, "%s %s not found", what, id)
	}
	return errors.Wrap(errors.ErrDatabase, "failed to read "+what, err)
}

// lastUpdated returns the last_updated_on of a row, or 0 if it is absent.
func lastUpdated(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}, table, id string) int64 {
	var v int64
	q.QueryRowContext(ctx, "SELECT last_updated_on FROM "+table+" WHERE id = ?", id).Scan(&v)
	return v
}

// Versifier converts verse ordinals between versification systems. The
// conversion itself lives outside this module.
type Versifier interface {
	ToKJV(v11n string, ordinal int) (int, error)
}

// IdentityVersifier treats every versification as KJV.
type IdentityVersifier struct{}

// ToKJV implements Versifier.
func (IdentityVersifier) ToKJV(v11n string, ordinal int) (int, error) {
	return ordinal, nil
}
