// Package studydb defines the study stores: bookmarks, reading plans,
// workspaces and local settings. Each store is an independent SQLite file
// with its own migration chain. The syncable ones carry change tracking.
package studydb

import (
	"context"
	"database/sql"
	"strconv"

	"github.com/kimhsiao/studysync/internal/changelog"
	"github.com/kimhsiao/studysync/internal/db"
	"github.com/kimhsiao/studysync/internal/uuid"
)

// Store names.
const (
	StoreBookmarks    = "bookmarks"
	StoreReadingPlans = "readingplans"
	StoreWorkspaces   = "workspaces"
	StoreSettings     = "settings"
)

// LegacyFileName is the pre-split single-file database.
const LegacyFileName = "andBibleDatabase.db"

// Target schema versions.
const (
	BookmarksVersion    = 3
	ReadingPlansVersion = 2
	WorkspacesVersion   = 1
	SettingsVersion     = 1
)

const labelV1 = `
CREATE TABLE label (
	id TEXT PRIMARY KEY NOT NULL,
	name TEXT NOT NULL,
	color INTEGER NOT NULL DEFAULT 0,
	marker_style INTEGER NOT NULL DEFAULT 0,
	underline_style INTEGER NOT NULL DEFAULT 0,
	hide_style INTEGER NOT NULL DEFAULT 0,
	type TEXT,
	last_updated_on INTEGER NOT NULL DEFAULT 0`

const bibleBookmarkDDL = `
CREATE TABLE bible_bookmark (
	id TEXT PRIMARY KEY NOT NULL,
	kjv_ordinal_start INTEGER NOT NULL,
	kjv_ordinal_end INTEGER NOT NULL,
	ordinal_start INTEGER NOT NULL,
	ordinal_end INTEGER NOT NULL,
	v11n TEXT NOT NULL,
	book TEXT,
	start_offset INTEGER,
	end_offset INTEGER,
	primary_label_id TEXT REFERENCES label(id) ON DELETE SET NULL,
	notes TEXT,
	whole_verse INTEGER NOT NULL DEFAULT 0,
	type TEXT,
	created_at INTEGER NOT NULL,
	last_updated_on INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX idx_bible_bookmark_kjv ON bible_bookmark(kjv_ordinal_start, kjv_ordinal_end);
CREATE INDEX idx_bible_bookmark_label ON bible_bookmark(primary_label_id);
CREATE TABLE bible_bookmark_to_label (
	id TEXT PRIMARY KEY NOT NULL,
	bookmark_id TEXT NOT NULL REFERENCES bible_bookmark(id) ON DELETE CASCADE,
	label_id TEXT NOT NULL REFERENCES label(id) ON DELETE CASCADE,
	order_number INTEGER NOT NULL DEFAULT -1,
	indent_level INTEGER NOT NULL DEFAULT 0,
	expand_content INTEGER NOT NULL DEFAULT 1,
	last_updated_on INTEGER NOT NULL DEFAULT 0,
	UNIQUE(bookmark_id, label_id)
);
CREATE INDEX idx_bible_bookmark_to_label_label ON bible_bookmark_to_label(label_id);`

const studyPadDDL = `
CREATE TABLE studypad_text_entry (
	id TEXT PRIMARY KEY NOT NULL,
	label_id TEXT NOT NULL REFERENCES label(id) ON DELETE CASCADE,
	order_number INTEGER NOT NULL,
	indent_level INTEGER NOT NULL DEFAULT 0,
	text TEXT NOT NULL DEFAULT '',
	last_updated_on INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX idx_studypad_text_entry_label ON studypad_text_entry(label_id);`

const genericBookmarkDDL = `
CREATE TABLE generic_bookmark (
	id TEXT PRIMARY KEY NOT NULL,
	key TEXT NOT NULL,
	book_initials TEXT NOT NULL,
	ordinal_start INTEGER NOT NULL,
	ordinal_end INTEGER NOT NULL,
	start_offset INTEGER,
	end_offset INTEGER,
	primary_label_id TEXT REFERENCES label(id) ON DELETE SET NULL,
	notes TEXT,
	whole_verse INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	last_updated_on INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX idx_generic_bookmark_key ON generic_bookmark(book_initials, key);
CREATE TABLE generic_bookmark_to_label (
	id TEXT PRIMARY KEY NOT NULL,
	bookmark_id TEXT NOT NULL REFERENCES generic_bookmark(id) ON DELETE CASCADE,
	label_id TEXT NOT NULL REFERENCES label(id) ON DELETE CASCADE,
	order_number INTEGER NOT NULL DEFAULT -1,
	indent_level INTEGER NOT NULL DEFAULT 0,
	expand_content INTEGER NOT NULL DEFAULT 1,
	last_updated_on INTEGER NOT NULL DEFAULT 0,
	UNIQUE(bookmark_id, label_id)
);
CREATE INDEX idx_generic_bookmark_to_label_label ON generic_bookmark_to_label(label_id);`

// bookmarkMigrations upgrade step by step; a new file takes the direct
// 0->3 step, which yields the same schema.
var bookmarkMigrations = []db.Migration{
	{
		From:        0,
		To:          3,
		Description: "create bookmarks schema",
		SQL:         labelV1 + ",\n\tfavourite INTEGER NOT NULL DEFAULT 0\n);" + bibleBookmarkDDL + studyPadDDL + genericBookmarkDDL,
	},
	{
		From:        0,
		To:          1,
		Description: "labels and bible bookmarks",
		SQL:         labelV1 + "\n);" + bibleBookmarkDDL,
	},
	{
		From:        1,
		To:          2,
		Description: "favourite labels and study pads",
		SQL:         "ALTER TABLE label ADD COLUMN favourite INTEGER NOT NULL DEFAULT 0;" + studyPadDDL,
	},
	{
		From:        2,
		To:          3,
		Description: "generic bookmarks",
		SQL:         genericBookmarkDDL,
	},
}

const readingPlanV1 = `
CREATE TABLE reading_plan (
	id TEXT PRIMARY KEY NOT NULL,
	plan_code TEXT NOT NULL UNIQUE,
	start_date INTEGER NOT NULL,
	current_day INTEGER NOT NULL DEFAULT 1,
	last_updated_on INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE reading_plan_status (
	id TEXT PRIMARY KEY NOT NULL,
	plan_code TEXT NOT NULL,
	plan_day INTEGER NOT NULL,
	reading_status TEXT NOT NULL,
	last_updated_on INTEGER NOT NULL DEFAULT 0,
	UNIQUE(plan_code, plan_day)
);`

var readingPlanMigrations = []db.Migration{
	{
		From:        0,
		To:          1,
		Description: "reading plans",
		SQL:         readingPlanV1,
	},
	{
		From:        1,
		To:          2,
		Description: "plan creation time and derived ids",
		SQL: `ALTER TABLE reading_plan ADD COLUMN created_at INTEGER NOT NULL DEFAULT 0;
UPDATE reading_plan SET created_at = start_date;`,
		Apply: rekeyReadingPlans,
	},
}

// rekeyReadingPlans replaces random ids by ids derived from the natural
// keys, so devices that start the same plan converge on one row.
func rekeyReadingPlans(ctx context.Context, tx *sql.Tx) error {
	type rekey struct{ old, new string }
	var changes []rekey

	collect := func(query string, derive func(code string, day int) string) error {
		rows, err := tx.QueryContext(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id, code string
			var day int
			if err := rows.Scan(&id, &code, &day); err != nil {
				return err
			}
			if want := derive(code, day); want != id {
				changes = append(changes, rekey{old: id, new: want})
			}
		}
		return rows.Err()
	}

	if err := collect("SELECT id, plan_code, 0 FROM reading_plan", func(code string, _ int) string {
		return PlanID(code)
	}); err != nil {
		return err
	}
	planChanges := len(changes)
	if err := collect("SELECT id, plan_code, plan_day FROM reading_plan_status", PlanStatusID); err != nil {
		return err
	}

	for i, c := range changes {
		table := "reading_plan_status"
		if i < planChanges {
			table = "reading_plan"
		}
		if _, err := tx.ExecContext(ctx, "UPDATE "+table+" SET id = ? WHERE id = ?", c.new, c.old); err != nil {
			return err
		}
	}
	return nil
}

var workspaceMigrations = []db.Migration{
	{
		From:        0,
		To:          1,
		Description: "workspaces and windows",
		SQL: `
CREATE TABLE workspace (
	id TEXT PRIMARY KEY NOT NULL,
	name TEXT NOT NULL,
	contents TEXT,
	order_number INTEGER NOT NULL DEFAULT 0,
	text_display_settings TEXT,
	workspace_settings TEXT,
	maximized_window_id TEXT,
	color INTEGER,
	created_at INTEGER NOT NULL,
	last_updated_on INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE workspace_window (
	id TEXT PRIMARY KEY NOT NULL,
	workspace_id TEXT NOT NULL REFERENCES workspace(id) ON DELETE CASCADE,
	is_synchronized INTEGER NOT NULL DEFAULT 1,
	is_pin_mode INTEGER NOT NULL DEFAULT 0,
	is_links_window INTEGER NOT NULL DEFAULT 0,
	order_number INTEGER NOT NULL DEFAULT 0,
	target_links_window_id TEXT,
	sync_group INTEGER NOT NULL DEFAULT 0,
	page_manager TEXT,
	last_updated_on INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX idx_workspace_window_workspace ON workspace_window(workspace_id);`,
	},
}

var settingsMigrations = []db.Migration{
	{
		From:        0,
		To:          1,
		Description: "settings",
		SQL: `
CREATE TABLE setting (
	key TEXT PRIMARY KEY NOT NULL,
	value TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);`,
	},
}

// Tracked tables per store, parents before children.
var (
	bookmarkTables = []string{
		"label",
		"bible_bookmark",
		"generic_bookmark",
		"bible_bookmark_to_label",
		"generic_bookmark_to_label",
		"studypad_text_entry",
	}
	readingPlanTables = []string{"reading_plan", "reading_plan_status"}
	workspaceTables   = []string{"workspace", "workspace_window"}
)

// Definitions returns the definitions of every study store.
func Definitions() []db.Definition {
	return []db.Definition{
		{
			Name:       StoreBookmarks,
			FileName:   "bookmarks.sqlite3",
			Version:    BookmarksVersion,
			Migrations: bookmarkMigrations,
			Tables:     bookmarkTables,
			Hooks:      []db.Hook{changelog.MustNewTracker(bookmarkTables...)},
		},
		{
			Name:       StoreReadingPlans,
			FileName:   "readingplans.sqlite3",
			Version:    ReadingPlansVersion,
			Migrations: readingPlanMigrations,
			Tables:     readingPlanTables,
			Hooks:      []db.Hook{changelog.MustNewTracker(readingPlanTables...)},
		},
		{
			Name:       StoreWorkspaces,
			FileName:   "workspaces.sqlite3",
			Version:    WorkspacesVersion,
			Migrations: workspaceMigrations,
			Tables:     workspaceTables,
			Hooks:      []db.Hook{changelog.MustNewTracker(workspaceTables...)},
		},
		{
			Name:       StoreSettings,
			FileName:   "settings.sqlite3",
			Version:    SettingsVersion,
			Migrations: settingsMigrations,
		},
	}
}

// Legacy returns the split of the legacy monolith into the study stores.
func Legacy() *db.LegacySource {
	return &db.LegacySource{FileName: LegacyFileName, Split: SplitLegacy}
}

// PlanID returns the id of the reading plan with code.
func PlanID(code string) string {
	return uuid.Derive("reading_plan", code)
}

// PlanStatusID returns the id of the status row of one plan day.
func PlanStatusID(code string, day int) string {
	return uuid.Derive("reading_plan_status", code, strconv.Itoa(day))
}

// LinkID returns the id of the link between a bookmark and a label.
func LinkID(table, bookmarkID, labelID string) string {
	return uuid.Derive(table, bookmarkID, labelID)
}
