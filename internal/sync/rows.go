package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/kimhsiao/studysync/internal/changelog"
)

// Row is one table row keyed by column name. Values are nil, int64,
// float64 or string.
type Row map[string]any

// Timestamp returns the last_updated_on column of r.
func (r Row) Timestamp() int64 {
	n, _ := r["last_updated_on"].(int64)
	return n
}

// ID returns the id column of r.
func (r Row) ID() string {
	s, _ := r["id"].(string)
	return s
}

// canonical returns the JSON encoding of r restricted to cols. Keys are
// sorted by encoding/json, so equal rows encode to equal bytes on every
// device.
func (r Row) canonical(cols []string) []byte {
	out := make(map[string]any, len(cols))
	for _, c := range cols {
		out[c] = r[c]
	}
	b, _ := json.Marshal(out)
	return b
}

// normalize converts driver and JSON values into the Row value set.
func normalize(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case bool:
		if t {
			return int64(1)
		}
		return int64(0)
	case int:
		return int64(t)
	case json.Number:
		if n, err := strconv.ParseInt(string(t), 10, 64); err == nil {
			return n
		}
		f, _ := t.Float64()
		return f
	case float64:
		if t == float64(int64(t)) {
			return int64(t)
		}
		return t
	}
	return v
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// tableColumns returns the column names of table in declaration order.
func tableColumns(ctx context.Context, q changelog.Querier, table string) ([]string, error) {
	rows, err := q.QueryContext(ctx, "SELECT name FROM pragma_table_info(?) ORDER BY cid", table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var cols []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

func scanRows(rows *sql.Rows, cols []string) ([]Row, error) {
	var out []Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			row[c] = normalize(vals[i])
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func selectList(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quote(c)
	}
	return strings.Join(quoted, ", ")
}

// readRow returns the row with id, or nil when it does not exist.
func readRow(ctx context.Context, q changelog.Querier, table string, cols []string, id string) (Row, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+selectList(cols)+" FROM "+quote(table)+" WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	found, err := scanRows(rows, cols)
	if err != nil || len(found) == 0 {
		return nil, err
	}
	return found[0], nil
}

// readTable returns every row of table ordered by id.
func readTable(ctx context.Context, q changelog.Querier, table string, cols []string) ([]Row, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+selectList(cols)+" FROM "+quote(table)+" ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows, cols)
}

// upsertRow writes row into table. Columns the row does not carry keep
// their default on insert and their value on update, so rows from an older
// schema still apply.
func upsertRow(ctx context.Context, q changelog.Querier, table string, cols []string, row Row) error {
	var names, marks, sets []string
	var args []any
	for _, c := range cols {
		v, ok := row[c]
		if !ok {
			continue
		}
		names = append(names, quote(c))
		marks = append(marks, "?")
		args = append(args, v)
		if c != "id" {
			sets = append(sets, quote(c)+" = excluded."+quote(c))
		}
	}
	query := "INSERT INTO " + quote(table) + " (" + strings.Join(names, ", ") + ") VALUES (" + strings.Join(marks, ", ") + ")"
	if len(sets) > 0 {
		query += " ON CONFLICT(id) DO UPDATE SET " + strings.Join(sets, ", ")
	} else {
		query += " ON CONFLICT(id) DO NOTHING"
	}
	_, err := q.ExecContext(ctx, query, args...)
	return err
}

func deleteRow(ctx context.Context, q changelog.Querier, table, id string) error {
	_, err := q.ExecContext(ctx, "DELETE FROM "+quote(table)+" WHERE id = ?", id)
	return err
}
