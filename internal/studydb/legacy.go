package studydb

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/kimhsiao/studysync/internal/changelog"
	"github.com/kimhsiao/studysync/internal/errors"
	"github.com/kimhsiao/studysync/internal/logging"
	"github.com/kimhsiao/studysync/internal/uuid"
)

// legacyRow is one row of a legacy table keyed by column name. The legacy
// file went through many schema versions, so every column is optional.
type legacyRow map[string]interface{}

func (r legacyRow) nullString(col string) *string {
	switch v := r[col].(type) {
	case string:
		return &v
	case []byte:
		s := string(v)
		return &s
	case int64:
		s := strconv.FormatInt(v, 10)
		return &s
	}
	return nil
}

func (r legacyRow) str(col, def string) string {
	if s := r.nullString(col); s != nil {
		return *s
	}
	return def
}

func (r legacyRow) nullInt(col string) *int64 {
	switch v := r[col].(type) {
	case int64:
		return &v
	case float64:
		n := int64(v)
		return &n
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return &n
		}
	}
	return nil
}

func (r legacyRow) num(col string, def int64) int64 {
	if n := r.nullInt(col); n != nil {
		return *n
	}
	return def
}

func (r legacyRow) flag(col string, def bool) bool {
	if n := r.nullInt(col); n != nil {
		return *n != 0
	}
	return def
}

// key returns the legacy id of the row as a string.
func (r legacyRow) key(col string) string {
	if v, ok := r[col]; ok && v != nil {
		if b, ok := v.([]byte); ok {
			return string(b)
		}
		return fmt.Sprint(v)
	}
	return ""
}

func readLegacyTable(ctx context.Context, src *sql.DB, table string) ([]legacyRow, error) {
	var n int
	if err := src.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&n); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	rows, err := src.QueryContext(ctx, "SELECT * FROM "+table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []legacyRow
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(legacyRow, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// idMap assigns uuids to legacy integer ids. Ids that already are uuids
// are kept.
type idMap map[string]string

func (m idMap) assign(old string) string {
	if id, ok := m[old]; ok {
		return id
	}
	id := old
	if !uuid.IsValid(old) {
		id = uuid.New()
	}
	m[old] = id
	return id
}

// lookup returns the new id for a legacy reference, or nil when the
// reference is empty or dangling.
func (m idMap) lookup(old *string) *string {
	if old == nil {
		return nil
	}
	if id, ok := m[*old]; ok {
		return &id
	}
	return nil
}

// SplitLegacy copies the rows of the legacy monolith into the study
// stores. The stores receive no change log for the copy; instead their log
// is marked truncated so the first sync uploads a full snapshot.
func SplitLegacy(ctx context.Context, src *sql.DB, dst map[string]*sql.DB) error {
	now := time.Now().UnixMilli()
	steps := []struct {
		store string
		split func(context.Context, *sql.DB, *sql.Tx, int64) (int, error)
	}{
		{StoreBookmarks, splitBookmarks},
		{StoreReadingPlans, splitReadingPlans},
		{StoreWorkspaces, splitWorkspaces},
	}

	for _, step := range steps {
		target, ok := dst[step.store]
		if !ok {
			continue
		}
		tx, err := target.BeginTx(ctx, nil)
		if err != nil {
			return errors.Wrap(errors.ErrDatabase, step.store+": failed to begin transaction", err)
		}
		n, err := step.split(ctx, src, tx, now)
		if err == nil {
			err = changelog.EnsureSchema(ctx, tx)
		}
		if err == nil {
			err = changelog.SetTruncated(ctx, tx, true)
		}
		if err != nil {
			tx.Rollback()
			return errors.Wrap(errors.ErrMigration, step.store+": split failed", err)
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrap(errors.ErrDatabase, step.store+": commit failed", err)
		}
		logging.Info("legacy rows copied", map[string]interface{}{"store": step.store, "rows": n})
	}
	return nil
}

func splitBookmarks(ctx context.Context, src *sql.DB, tx *sql.Tx, now int64) (int, error) {
	labels, err := readLegacyTable(ctx, src, "Label")
	if err != nil {
		return 0, err
	}
	bookmarks, err := readLegacyTable(ctx, src, "Bookmark")
	if err != nil {
		return 0, err
	}
	links, err := readLegacyTable(ctx, src, "BookmarkToLabel")
	if err != nil {
		return 0, err
	}
	pads, err := readLegacyTable(ctx, src, "StudyPadTextEntry")
	if err != nil {
		return 0, err
	}

	labelIDs, bookmarkIDs := idMap{}, idMap{}
	count := 0

	for _, l := range labels {
		id := labelIDs.assign(l.key("id"))
		_, err := tx.ExecContext(ctx, `INSERT INTO label
			(id, name, color, marker_style, underline_style, hide_style, favourite, type, last_updated_on)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, l.str("name", ""), l.num("color", 0), l.flag("markerStyle", false),
			l.flag("underlineStyle", false), l.flag("hideStyle", false), l.flag("favourite", false),
			l.nullString("type"), l.num("lastUpdatedOn", now))
		if err != nil {
			return count, err
		}
		count++
	}

	for _, b := range bookmarks {
		id := bookmarkIDs.assign(b.key("id"))
		start := b.num("ordinalStart", 0)
		end := b.num("ordinalEnd", start)
		_, err := tx.ExecContext(ctx, `INSERT INTO bible_bookmark
			(id, kjv_ordinal_start, kjv_ordinal_end, ordinal_start, ordinal_end, v11n, book,
			 start_offset, end_offset, primary_label_id, notes, whole_verse, type, created_at, last_updated_on)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, b.num("kjvOrdinalStart", start), b.num("kjvOrdinalEnd", end), start, end,
			b.str("v11n", "KJV"), b.nullString("book"), b.nullInt("startOffset"), b.nullInt("endOffset"),
			labelIDs.lookup(b.nullString("primaryLabelId")), b.nullString("notes"),
			b.flag("wholeVerse", false), b.nullString("type"),
			b.num("createdAt", now), b.num("lastUpdatedOn", now))
		if err != nil {
			return count, err
		}
		count++
	}

	for _, l := range links {
		bookmarkID := bookmarkIDs.lookup(l.nullString("bookmarkId"))
		labelID := labelIDs.lookup(l.nullString("labelId"))
		if bookmarkID == nil || labelID == nil {
			continue
		}
		res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO bible_bookmark_to_label
			(id, bookmark_id, label_id, order_number, indent_level, expand_content, last_updated_on)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			LinkID("bible_bookmark_to_label", *bookmarkID, *labelID), *bookmarkID, *labelID,
			l.num("orderNumber", -1), l.num("indentLevel", 0), l.flag("expandContent", true),
			l.num("lastUpdatedOn", now))
		if err != nil {
			return count, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			count++
		}
	}

	for _, p := range pads {
		labelID := labelIDs.lookup(p.nullString("labelId"))
		if labelID == nil {
			continue
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO studypad_text_entry
			(id, label_id, order_number, indent_level, text, last_updated_on)
			VALUES (?, ?, ?, ?, ?, ?)`,
			uuid.New(), *labelID, p.num("orderNumber", 0), p.num("indentLevel", 0),
			p.str("text", ""), p.num("lastUpdatedOn", now))
		if err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func splitReadingPlans(ctx context.Context, src *sql.DB, tx *sql.Tx, now int64) (int, error) {
	plans, err := readLegacyTable(ctx, src, "ReadingPlan")
	if err != nil {
		return 0, err
	}
	statuses, err := readLegacyTable(ctx, src, "ReadingPlanStatus")
	if err != nil {
		return 0, err
	}

	count := 0
	for _, p := range plans {
		code := p.str("planCode", "")
		if code == "" {
			continue
		}
		start := p.num("planStartDate", now)
		_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO reading_plan
			(id, plan_code, start_date, current_day, created_at, last_updated_on)
			VALUES (?, ?, ?, ?, ?, ?)`,
			PlanID(code), code, start, p.num("planCurrentDay", 1), start, p.num("lastUpdatedOn", now))
		if err != nil {
			return count, err
		}
		count++
	}

	for _, s := range statuses {
		code := s.str("planCode", "")
		day := int(s.num("planDay", 0))
		if code == "" || day < 1 {
			continue
		}
		_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO reading_plan_status
			(id, plan_code, plan_day, reading_status, last_updated_on)
			VALUES (?, ?, ?, ?, ?)`,
			PlanStatusID(code, day), code, day, s.str("readingStatus", ""), s.num("lastUpdatedOn", now))
		if err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func splitWorkspaces(ctx context.Context, src *sql.DB, tx *sql.Tx, now int64) (int, error) {
	workspaces, err := readLegacyTable(ctx, src, "Workspace")
	if err != nil {
		return 0, err
	}
	windows, err := readLegacyTable(ctx, src, "Window")
	if err != nil {
		return 0, err
	}

	// Windows reference each other and are referenced by workspaces, so
	// every id is assigned before the first insert.
	workspaceIDs, windowIDs := idMap{}, idMap{}
	for _, w := range workspaces {
		workspaceIDs.assign(w.key("id"))
	}
	for _, w := range windows {
		windowIDs.assign(w.key("id"))
	}

	count := 0
	for _, w := range workspaces {
		_, err := tx.ExecContext(ctx, `INSERT INTO workspace (`+workspaceColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			workspaceIDs[w.key("id")], w.str("name", ""), w.nullString("contents"), w.num("orderNumber", 0),
			w.nullString("textDisplaySettings"), w.nullString("workspaceSettings"),
			windowIDs.lookup(w.nullString("maximizedWindowId")), w.nullInt("color"),
			w.num("createdAt", now), w.num("lastUpdatedOn", now))
		if err != nil {
			return count, err
		}
		count++
	}

	for _, w := range windows {
		workspaceID := workspaceIDs.lookup(w.nullString("workspaceId"))
		if workspaceID == nil {
			continue
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO workspace_window (`+windowColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			windowIDs[w.key("id")], *workspaceID, w.flag("isSynchronized", true), w.flag("isPinMode", false),
			w.flag("isLinksWindow", false), w.num("orderNumber", 0),
			windowIDs.lookup(w.nullString("targetLinksWindowId")), w.num("syncGroup", 0),
			w.nullString("pageManager"), w.num("lastUpdatedOn", now))
		if err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}
