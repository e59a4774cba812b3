package studydb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/kimhsiao/studysync/internal/db"
	"github.com/kimhsiao/studysync/internal/errors"
	"github.com/kimhsiao/studysync/internal/models"
	"github.com/kimhsiao/studysync/internal/uuid"
)

// Bookmarks accesses labels, bookmarks, their label links and study pads.
type Bookmarks struct {
	repo
	v11n Versifier
}

// NewBookmarks returns the bookmarks repository. A nil versifier treats
// every versification as KJV.
func NewBookmarks(reg *db.Registry, v Versifier) *Bookmarks {
	if v == nil {
		v = IdentityVersifier{}
	}
	return &Bookmarks{repo: newRepo(reg, StoreBookmarks), v11n: v}
}

const labelColumns = "id, name, color, marker_style, underline_style, hide_style, favourite, type, last_updated_on"

// SaveLabel inserts or updates l.
func (b *Bookmarks) SaveLabel(ctx context.Context, l *models.Label) error {
	if strings.TrimSpace(l.Name) == "" {
		return errors.New(errors.ErrInvalid, "label name is required")
	}
	if l.ID == "" {
		l.ID = models.UUID(uuid.New())
	}
	conn, err := b.conn()
	if err != nil {
		return err
	}
	l.LastUpdatedOn = b.stamp(maxInt64(l.LastUpdatedOn, lastUpdated(ctx, conn, "label", l.ID.String())))
	_, err = b.exec(ctx, `INSERT INTO label (`+labelColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, color = excluded.color,
			marker_style = excluded.marker_style, underline_style = excluded.underline_style,
			hide_style = excluded.hide_style, favourite = excluded.favourite, type = excluded.type,
			last_updated_on = excluded.last_updated_on`,
		l.ID, l.Name, l.Color, l.MarkerStyle, l.UnderlineStyle, l.HideStyle, l.Favourite, l.Type, l.LastUpdatedOn)
	return err
}

func scanLabel(row interface{ Scan(...interface{}) error }) (*models.Label, error) {
	var l models.Label
	err := row.Scan(&l.ID, &l.Name, &l.Color, &l.MarkerStyle, &l.UnderlineStyle, &l.HideStyle, &l.Favourite, &l.Type, &l.LastUpdatedOn)
	return &l, err
}

// Label returns the label with id.
func (b *Bookmarks) Label(ctx context.Context, id string) (*models.Label, error) {
	conn, err := b.conn()
	if err != nil {
		return nil, err
	}
	l, err := scanLabel(conn.QueryRowContext(ctx, "SELECT "+labelColumns+" FROM label WHERE id = ?", id))
	if err != nil {
		return nil, notFound(err, "label", id)
	}
	return l, nil
}

// Labels returns every label ordered by name.
func (b *Bookmarks) Labels(ctx context.Context) ([]*models.Label, error) {
	conn, err := b.conn()
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, "SELECT "+labelColumns+" FROM label ORDER BY name, id")
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to list labels", err)
	}
	defer rows.Close()

	var out []*models.Label
	for rows.Next() {
		l, err := scanLabel(rows)
		if err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to list labels", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// DeleteLabel deletes a label. Its links and study pad entries go with it
// and bookmarks using it as primary label lose that reference.
func (b *Bookmarks) DeleteLabel(ctx context.Context, id string) error {
	_, err := b.exec(ctx, "DELETE FROM label WHERE id = ?", id)
	return err
}

const (
	bibleColumns = "id, kjv_ordinal_start, kjv_ordinal_end, ordinal_start, ordinal_end, v11n, book, start_offset, end_offset, " +
		"primary_label_id, notes, whole_verse, type, created_at, last_updated_on"
	genericColumns = "id, key, book_initials, ordinal_start, ordinal_end, start_offset, end_offset, " +
		"primary_label_id, notes, whole_verse, created_at, last_updated_on"
)

// SaveBookmark inserts or updates a bible or generic bookmark. For bible
// bookmarks the KJV ordinals are recomputed from the native range.
func (b *Bookmarks) SaveBookmark(ctx context.Context, bm models.Bookmark) error {
	base := bm.Base()
	if base.OrdinalEnd < base.OrdinalStart {
		return errors.Newf(errors.ErrInvalid, "bookmark range %d-%d is inverted", base.OrdinalStart, base.OrdinalEnd)
	}
	if base.ID == "" {
		base.ID = models.UUID(uuid.New())
	}
	conn, err := b.conn()
	if err != nil {
		return err
	}
	base.LastUpdatedOn = b.stamp(maxInt64(base.LastUpdatedOn, lastUpdated(ctx, conn, bm.TableName(), base.ID.String())))
	if base.CreatedAt == 0 {
		base.CreatedAt = base.LastUpdatedOn
	}

	switch v := bm.(type) {
	case *models.BibleBookmark:
		if v.V11n == "" {
			return errors.New(errors.ErrInvalid, "bible bookmark needs a versification")
		}
		if v.KJVOrdinalStart, err = b.v11n.ToKJV(v.V11n, v.OrdinalStart); err != nil {
			return errors.Wrap(errors.ErrInvalid, "cannot map bookmark start to KJV", err)
		}
		if v.KJVOrdinalEnd, err = b.v11n.ToKJV(v.V11n, v.OrdinalEnd); err != nil {
			return errors.Wrap(errors.ErrInvalid, "cannot map bookmark end to KJV", err)
		}
		_, err = b.exec(ctx, `INSERT INTO bible_bookmark (`+bibleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET kjv_ordinal_start = excluded.kjv_ordinal_start,
				kjv_ordinal_end = excluded.kjv_ordinal_end, ordinal_start = excluded.ordinal_start,
				ordinal_end = excluded.ordinal_end, v11n = excluded.v11n, book = excluded.book,
				start_offset = excluded.start_offset, end_offset = excluded.end_offset,
				primary_label_id = excluded.primary_label_id, notes = excluded.notes,
				whole_verse = excluded.whole_verse, type = excluded.type,
				last_updated_on = excluded.last_updated_on`,
			v.ID, v.KJVOrdinalStart, v.KJVOrdinalEnd, v.OrdinalStart, v.OrdinalEnd, v.V11n, v.Book,
			v.StartOffset, v.EndOffset, v.PrimaryLabelID, v.Notes, v.WholeVerse, v.Type, v.CreatedAt, v.LastUpdatedOn)
	case *models.GenericBookmark:
		if v.Key == "" || v.BookInitials == "" {
			return errors.New(errors.ErrInvalid, "generic bookmark needs a key and a book")
		}
		_, err = b.exec(ctx, `INSERT INTO generic_bookmark (`+genericColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET key = excluded.key, book_initials = excluded.book_initials,
				ordinal_start = excluded.ordinal_start, ordinal_end = excluded.ordinal_end,
				start_offset = excluded.start_offset, end_offset = excluded.end_offset,
				primary_label_id = excluded.primary_label_id, notes = excluded.notes,
				whole_verse = excluded.whole_verse, last_updated_on = excluded.last_updated_on`,
			v.ID, v.Key, v.BookInitials, v.OrdinalStart, v.OrdinalEnd, v.StartOffset, v.EndOffset,
			v.PrimaryLabelID, v.Notes, v.WholeVerse, v.CreatedAt, v.LastUpdatedOn)
	default:
		return errors.Newf(errors.ErrInvalid, "unknown bookmark kind %T", bm)
	}
	return err
}

func scanBible(row interface{ Scan(...interface{}) error }) (*models.BibleBookmark, error) {
	var v models.BibleBookmark
	err := row.Scan(&v.ID, &v.KJVOrdinalStart, &v.KJVOrdinalEnd, &v.OrdinalStart, &v.OrdinalEnd, &v.V11n, &v.Book,
		&v.StartOffset, &v.EndOffset, &v.PrimaryLabelID, &v.Notes, &v.WholeVerse, &v.Type, &v.CreatedAt, &v.LastUpdatedOn)
	return &v, err
}

func scanGeneric(row interface{ Scan(...interface{}) error }) (*models.GenericBookmark, error) {
	var v models.GenericBookmark
	err := row.Scan(&v.ID, &v.Key, &v.BookInitials, &v.OrdinalStart, &v.OrdinalEnd, &v.StartOffset, &v.EndOffset,
		&v.PrimaryLabelID, &v.Notes, &v.WholeVerse, &v.CreatedAt, &v.LastUpdatedOn)
	return &v, err
}

// BibleBookmark returns the bible bookmark with id.
func (b *Bookmarks) BibleBookmark(ctx context.Context, id string) (*models.BibleBookmark, error) {
	conn, err := b.conn()
	if err != nil {
		return nil, err
	}
	v, err := scanBible(conn.QueryRowContext(ctx, "SELECT "+bibleColumns+" FROM bible_bookmark WHERE id = ?", id))
	if err != nil {
		return nil, notFound(err, "bookmark", id)
	}
	return v, nil
}

// GenericBookmark returns the generic bookmark with id.
func (b *Bookmarks) GenericBookmark(ctx context.Context, id string) (*models.GenericBookmark, error) {
	conn, err := b.conn()
	if err != nil {
		return nil, err
	}
	v, err := scanGeneric(conn.QueryRowContext(ctx, "SELECT "+genericColumns+" FROM generic_bookmark WHERE id = ?", id))
	if err != nil {
		return nil, notFound(err, "bookmark", id)
	}
	return v, nil
}

// BibleBookmarksInRange returns the bible bookmarks overlapping the KJV
// ordinal range, in canonical order.
func (b *Bookmarks) BibleBookmarksInRange(ctx context.Context, kjvStart, kjvEnd int) ([]*models.BibleBookmark, error) {
	conn, err := b.conn()
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, "SELECT "+bibleColumns+` FROM bible_bookmark
		WHERE kjv_ordinal_start <= ? AND kjv_ordinal_end >= ?
		ORDER BY kjv_ordinal_start, kjv_ordinal_end, id`, kjvEnd, kjvStart)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to query bookmarks", err)
	}
	defer rows.Close()

	var out []*models.BibleBookmark
	for rows.Next() {
		v, err := scanBible(rows)
		if err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to query bookmarks", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// DeleteBookmark deletes bm together with its label links.
func (b *Bookmarks) DeleteBookmark(ctx context.Context, bm models.Bookmark) error {
	_, err := b.exec(ctx, "DELETE FROM "+bm.TableName()+" WHERE id = ?", bm.Base().ID)
	return err
}

// LinkLabel attaches bm to a label. The link id is derived from the pair, so
// re-linking after an unlink or linking on another device yields the same
// row.
func (b *Bookmarks) LinkLabel(ctx context.Context, bm models.Bookmark, labelID string, orderNumber int) (*models.BookmarkToLabel, error) {
	table := models.LinkTable(bm)
	link := &models.BookmarkToLabel{
		ID:            models.UUID(LinkID(table, bm.Base().ID.String(), labelID)),
		BookmarkID:    bm.Base().ID,
		LabelID:       models.UUID(labelID),
		OrderNumber:   orderNumber,
		ExpandContent: true,
	}
	err := b.inTx(ctx, func(tx *sql.Tx) error {
		link.LastUpdatedOn = b.stamp(lastUpdated(ctx, tx, table, link.ID.String()))
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (id, bookmark_id, label_id, order_number, indent_level, expand_content, last_updated_on)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET order_number = excluded.order_number, last_updated_on = excluded.last_updated_on`, table),
			link.ID, link.BookmarkID, link.LabelID, link.OrderNumber, link.IndentLevel, link.ExpandContent, link.LastUpdatedOn)
		if err != nil {
			return errors.Wrap(errors.ErrDatabase, "failed to link label", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return link, nil
}

// UnlinkLabel detaches bm from a label.
func (b *Bookmarks) UnlinkLabel(ctx context.Context, bm models.Bookmark, labelID string) error {
	table := models.LinkTable(bm)
	_, err := b.exec(ctx, "DELETE FROM "+table+" WHERE id = ?", LinkID(table, bm.Base().ID.String(), labelID))
	return err
}

// LabelIDs returns the ids of the labels attached to bm.
func (b *Bookmarks) LabelIDs(ctx context.Context, bm models.Bookmark) ([]string, error) {
	conn, err := b.conn()
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx,
		"SELECT label_id FROM "+models.LinkTable(bm)+" WHERE bookmark_id = ? ORDER BY order_number, label_id", bm.Base().ID)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to read label links", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to read label links", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SaveStudyPadEntry inserts or updates a study pad text entry.
func (b *Bookmarks) SaveStudyPadEntry(ctx context.Context, e *models.StudyPadEntry) error {
	if e.LabelID == "" {
		return errors.New(errors.ErrInvalid, "study pad entry needs a label")
	}
	if e.ID == "" {
		e.ID = models.UUID(uuid.New())
	}
	conn, err := b.conn()
	if err != nil {
		return err
	}
	e.LastUpdatedOn = b.stamp(maxInt64(e.LastUpdatedOn, lastUpdated(ctx, conn, "studypad_text_entry", e.ID.String())))
	_, err = b.exec(ctx, `INSERT INTO studypad_text_entry (id, label_id, order_number, indent_level, text, last_updated_on)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET label_id = excluded.label_id, order_number = excluded.order_number,
			indent_level = excluded.indent_level, text = excluded.text, last_updated_on = excluded.last_updated_on`,
		e.ID, e.LabelID, e.OrderNumber, e.IndentLevel, e.Text, e.LastUpdatedOn)
	return err
}

// StudyPadEntries returns the entries of a label's study pad in order.
func (b *Bookmarks) StudyPadEntries(ctx context.Context, labelID string) ([]*models.StudyPadEntry, error) {
	conn, err := b.conn()
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, `SELECT id, label_id, order_number, indent_level, text, last_updated_on
		FROM studypad_text_entry WHERE label_id = ? ORDER BY order_number, id`, labelID)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to read study pad", err)
	}
	defer rows.Close()

	var out []*models.StudyPadEntry
	for rows.Next() {
		var e models.StudyPadEntry
		if err := rows.Scan(&e.ID, &e.LabelID, &e.OrderNumber, &e.IndentLevel, &e.Text, &e.LastUpdatedOn); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to read study pad", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// DeleteStudyPadEntry deletes a study pad entry.
func (b *Bookmarks) DeleteStudyPadEntry(ctx context.Context, id string) error {
	_, err := b.exec(ctx, "DELETE FROM studypad_text_entry WHERE id = ?", id)
	return err
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
