package models

import "time"

// Bookmark is either a *BibleBookmark or a *GenericBookmark. Both share
// BookmarkBase so one merge and log path serves them.
type Bookmark interface {
	Base() *BookmarkBase
	TableName() string
	isBookmark()
}

// BookmarkBase holds the columns both bookmark kinds carry.
type BookmarkBase struct {
	ID             UUID    `db:"id" json:"id"`
	CreatedAt      int64   `db:"created_at" json:"created_at"`
	OrdinalStart   int     `db:"ordinal_start" json:"ordinal_start"`
	OrdinalEnd     int     `db:"ordinal_end" json:"ordinal_end"`
	StartOffset    *int    `db:"start_offset" json:"start_offset,omitempty"`
	EndOffset      *int    `db:"end_offset" json:"end_offset,omitempty"`
	PrimaryLabelID *UUID   `db:"primary_label_id" json:"primary_label_id,omitempty"`
	Notes          *string `db:"notes" json:"notes,omitempty"`
	WholeVerse     bool    `db:"whole_verse" json:"whole_verse"`
	LastUpdatedOn  int64   `db:"last_updated_on" json:"last_updated_on"`
}

// Base returns the shared columns.
func (b *BookmarkBase) Base() *BookmarkBase { return b }

// Touch sets LastUpdatedOn to now, never moving it backward.
func (b *BookmarkBase) Touch() {
	now := time.Now().UnixMilli()
	if now <= b.LastUpdatedOn {
		now = b.LastUpdatedOn + 1
	}
	b.LastUpdatedOn = now
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (b *BookmarkBase) CreatedAtTime() time.Time {
	return time.UnixMilli(b.CreatedAt)
}

// BibleBookmark marks a verse range in a bible. The KJV ordinals are derived
// from the native range and kept alongside it.
type BibleBookmark struct {
	BookmarkBase
	KJVOrdinalStart int     `db:"kjv_ordinal_start" json:"kjv_ordinal_start"`
	KJVOrdinalEnd   int     `db:"kjv_ordinal_end" json:"kjv_ordinal_end"`
	V11n            string  `db:"v11n" json:"v11n"`
	Book            *string `db:"book" json:"book,omitempty"`
	Type            *string `db:"type" json:"type,omitempty"`
}

// TableName returns the table name for BibleBookmark.
func (BibleBookmark) TableName() string { return "bible_bookmark" }

func (*BibleBookmark) isBookmark() {}

// GenericBookmark marks a key in a non-bible book.
type GenericBookmark struct {
	BookmarkBase
	Key          string `db:"key" json:"key"`
	BookInitials string `db:"book_initials" json:"book_initials"`
}

// TableName returns the table name for GenericBookmark.
func (GenericBookmark) TableName() string { return "generic_bookmark" }

func (*GenericBookmark) isBookmark() {}

// LinkTable returns the bookmark-to-label table for b's kind.
func LinkTable(b Bookmark) string {
	if _, ok := b.(*GenericBookmark); ok {
		return "generic_bookmark_to_label"
	}
	return "bible_bookmark_to_label"
}

// BookmarkToLabel attaches a bookmark to a label with its study pad layout.
type BookmarkToLabel struct {
	ID            UUID  `db:"id" json:"id"`
	BookmarkID    UUID  `db:"bookmark_id" json:"bookmark_id"`
	LabelID       UUID  `db:"label_id" json:"label_id"`
	OrderNumber   int   `db:"order_number" json:"order_number"`
	IndentLevel   int   `db:"indent_level" json:"indent_level"`
	ExpandContent bool  `db:"expand_content" json:"expand_content"`
	LastUpdatedOn int64 `db:"last_updated_on" json:"last_updated_on"`
}
