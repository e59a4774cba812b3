package sync

import (
	"context"
	"database/sql"

	"github.com/kimhsiao/studysync/internal/changelog"
	"github.com/kimhsiao/studysync/internal/errors"
	"github.com/kimhsiao/studysync/internal/logging"
	"github.com/kimhsiao/studysync/internal/models"
	"github.com/kimhsiao/studysync/internal/sync/conflict"
)

// merger applies remote row states to one store inside a transaction whose
// triggers are suppressed, so merged rows are not logged again.
type merger struct {
	tx       *sql.Tx
	tables   map[string][]string
	resolver *conflict.Resolver

	changes   []models.Change
	touched   map[string]int
	conflicts []*models.ConflictLog
}

func newMerger(ctx context.Context, tx *sql.Tx, tables []string, resolver *conflict.Resolver) (*merger, error) {
	m := &merger{
		tx:       tx,
		tables:   make(map[string][]string, len(tables)),
		resolver: resolver,
		touched:  make(map[string]int),
	}
	for _, t := range tables {
		cols, err := tableColumns(ctx, tx, t)
		if err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to read columns of "+t, err)
		}
		m.tables[t] = cols
	}
	return m, nil
}

// local returns the local state of a row: the row itself, its tombstone, or
// nil when the row was never seen.
func (m *merger) local(ctx context.Context, table string, cols []string, id string) (*conflict.Version, error) {
	row, err := readRow(ctx, m.tx, table, cols, id)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to read local row", err)
	}
	if row != nil {
		return &conflict.Version{Timestamp: row.Timestamp(), Data: row.canonical(cols)}, nil
	}
	at, ok, err := changelog.Tombstone(ctx, m.tx, table, id)
	if err != nil || !ok {
		return nil, err
	}
	return &conflict.Version{Timestamp: at, Deleted: true}, nil
}

// apply merges the changes of one remote file.
func (m *merger) apply(ctx context.Context, source string, changes []RowChange) error {
	for i := range changes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.applyOne(ctx, source, &changes[i]); err != nil {
			return err
		}
	}
	return nil
}

func (m *merger) applyOne(ctx context.Context, source string, c *RowChange) error {
	cols, ok := m.tables[c.Table]
	if !ok {
		logging.Warn("skipping change to untracked table", map[string]interface{}{
			"table":  c.Table,
			"source": source,
		})
		return nil
	}

	local, err := m.local(ctx, c.Table, cols, c.ID)
	if err != nil {
		return err
	}
	remote := &conflict.Version{Timestamp: c.Timestamp, Deleted: c.Deleted}
	if !c.Deleted {
		remote.Data = c.Row.canonical(cols)
	}

	res, err := m.resolver.Resolve(&conflict.Conflict{
		Table:  c.Table,
		RowID:  c.ID,
		Local:  local,
		Remote: remote,
		Source: source,
	})
	if err != nil {
		return errors.Wrap(errors.ErrConflictUnresolvable, "cannot resolve "+c.Table+" "+c.ID, err)
	}
	if res.ConflictLog != nil {
		if err := logConflict(ctx, m.tx, res.ConflictLog); err != nil {
			return err
		}
		m.conflicts = append(m.conflicts, res.ConflictLog)
	}
	if !res.RemoteWins {
		return nil
	}

	if c.Deleted {
		if err := deleteRow(ctx, m.tx, c.Table, c.ID); err != nil {
			return errors.Wrap(errors.ErrDatabase, "failed to delete "+c.Table+" "+c.ID, err)
		}
		if err := changelog.PutTombstone(ctx, m.tx, c.Table, c.ID, c.Timestamp); err != nil {
			return err
		}
		if local != nil && !local.Deleted {
			m.record(c.Table, c.ID, models.OpDelete)
		}
		return nil
	}

	if err := upsertRow(ctx, m.tx, c.Table, cols, c.Row); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to write "+c.Table+" "+c.ID, err)
	}
	if err := changelog.ClearTombstone(ctx, m.tx, c.Table, c.ID); err != nil {
		return err
	}
	op := models.OpUpdate
	if local == nil || local.Deleted {
		op = models.OpInsert
	}
	m.record(c.Table, c.ID, op)
	return nil
}

// record notes a changed row once, keeping the latest operation.
func (m *merger) record(table, id string, op models.Operation) {
	key := table + "\x00" + id
	if i, ok := m.touched[key]; ok {
		m.changes[i].Op = op
		return
	}
	m.touched[key] = len(m.changes)
	m.changes = append(m.changes, models.Change{Table: table, ID: id, Op: op})
}

type fkViolation struct {
	table string
	rowid int64
	fkid  int
}

type fkInfo struct {
	column   string
	onDelete string
}

// maxRepairRounds bounds the referential repair loop.
const maxRepairRounds = 16

// repair resolves rows left pointing at a missing parent, as the schema's
// ON DELETE action would have: CASCADE deletes the child, SET NULL clears
// the reference. Any other action leaves the merge unresolvable.
func (m *merger) repair(ctx context.Context) error {
	for round := 0; round < maxRepairRounds; round++ {
		violations, err := m.violations(ctx)
		if err != nil {
			return err
		}
		if len(violations) == 0 {
			return nil
		}
		for _, v := range violations {
			if err := m.fix(ctx, v); err != nil {
				return err
			}
		}
	}
	return errors.New(errors.ErrConflictUnresolvable, "foreign key repair did not converge")
}

func (m *merger) violations(ctx context.Context) ([]fkViolation, error) {
	rows, err := m.tx.QueryContext(ctx, "PRAGMA foreign_key_check")
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to check foreign keys", err)
	}
	defer rows.Close()

	var out []fkViolation
	for rows.Next() {
		var v fkViolation
		var rowid sql.NullInt64
		var parent string
		if err := rows.Scan(&v.table, &rowid, &parent, &v.fkid); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to check foreign keys", err)
		}
		if !rowid.Valid {
			continue
		}
		v.rowid = rowid.Int64
		out = append(out, v)
	}
	return out, rows.Err()
}

func (m *merger) foreignKey(ctx context.Context, table string, fkid int) (*fkInfo, error) {
	rows, err := m.tx.QueryContext(ctx, `SELECT "from", on_delete FROM pragma_foreign_key_list(?) WHERE id = ?`, table, fkid)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to read foreign keys of "+table, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, errors.Newf(errors.ErrDatabase, "foreign key %d of %s not found", fkid, table)
	}
	var fk fkInfo
	if err := rows.Scan(&fk.column, &fk.onDelete); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to read foreign keys of "+table, err)
	}
	return &fk, nil
}

func (m *merger) fix(ctx context.Context, v fkViolation) error {
	fk, err := m.foreignKey(ctx, v.table, v.fkid)
	if err != nil {
		return err
	}

	var id string
	if err := m.tx.QueryRowContext(ctx, "SELECT id FROM "+quote(v.table)+" WHERE rowid = ?", v.rowid).Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return errors.Wrap(errors.ErrDatabase, "failed to read orphaned row", err)
	}

	switch fk.onDelete {
	case "CASCADE":
		if _, err := m.tx.ExecContext(ctx, "DELETE FROM "+quote(v.table)+" WHERE rowid = ?", v.rowid); err != nil {
			return errors.Wrap(errors.ErrDatabase, "failed to delete orphaned row", err)
		}
		m.record(v.table, id, models.OpDelete)
	case "SET NULL":
		if _, err := m.tx.ExecContext(ctx,
			"UPDATE "+quote(v.table)+" SET "+quote(fk.column)+" = NULL WHERE rowid = ?", v.rowid); err != nil {
			return errors.Wrap(errors.ErrDatabase, "failed to clear orphaned reference", err)
		}
		m.record(v.table, id, models.OpUpdate)
	default:
		return errors.Newf(errors.ErrConflictUnresolvable,
			"%s %s references a missing row and its foreign key does not allow repair", v.table, id)
	}

	logging.Debug("repaired orphaned row after merge", map[string]interface{}{
		"table":     v.table,
		"row_id":    id,
		"on_delete": fk.onDelete,
	})
	return nil
}
