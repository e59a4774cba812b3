// Package models tests for data model definitions.
package models

import (
	"testing"
)

// TestUUID_Scan verifies the Scan() method over driver values.
func TestUUID_Scan(t *testing.T) {
	const id = "123e4567-e89b-12d3-a456-426614174000"

	tests := []struct {
		name    string
		input   interface{}
		want    UUID
		wantErr bool
	}{
		{"nil", nil, "", false},
		{"bytes", []byte(id), UUID(id), false},
		{"string", id, UUID(id), false},
		{"int", 12345, "", true},
		{"short", "too-short", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var u UUID
			err := u.Scan(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Scan(%v) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if u != tt.want {
				t.Errorf("Scan(%v) = %q, want %q", tt.input, u, tt.want)
			}
		})
	}
}

// TestBookmark_sumType verifies both kinds share one base and map to their own tables.
func TestBookmark_sumType(t *testing.T) {
	bookmarks := []Bookmark{
		&BibleBookmark{BookmarkBase: BookmarkBase{ID: "a"}, V11n: "KJV"},
		&GenericBookmark{BookmarkBase: BookmarkBase{ID: "b"}, Key: "Gen.1.1"},
	}

	wantTables := []string{"bible_bookmark", "generic_bookmark"}
	wantLinks := []string{"bible_bookmark_to_label", "generic_bookmark_to_label"}
	for i, b := range bookmarks {
		if b.TableName() != wantTables[i] {
			t.Errorf("TableName() = %q, want %q", b.TableName(), wantTables[i])
		}
		if LinkTable(b) != wantLinks[i] {
			t.Errorf("LinkTable() = %q, want %q", LinkTable(b), wantLinks[i])
		}
		b.Base().Notes = new(string)
	}
	if bookmarks[0].(*BibleBookmark).Notes == nil {
		t.Error("Base() should return a pointer into the bookmark")
	}
}

// TestBookmarkBase_Touch verifies LastUpdatedOn never moves backward.
func TestBookmarkBase_Touch(t *testing.T) {
	future := int64(1) << 50
	b := BookmarkBase{LastUpdatedOn: future}
	b.Touch()
	if b.LastUpdatedOn != future+1 {
		t.Errorf("Touch() = %d, want %d", b.LastUpdatedOn, future+1)
	}

	var fresh BookmarkBase
	fresh.Touch()
	if fresh.LastUpdatedOn <= 0 {
		t.Error("Touch() should set a current timestamp")
	}
}

// TestSyncCursor_Advance verifies the cursor is monotonic.
func TestSyncCursor_Advance(t *testing.T) {
	c := &SyncCursor{FolderID: "f"}
	c.Advance(200, "file-b", 10)
	c.Advance(100, "file-a", 5)

	if c.LastRemoteTime != 200 || c.LastFileID != "file-b" || c.PushedSeq != 10 {
		t.Errorf("Advance() moved backward: %+v", c)
	}

	c.Advance(200, "file-c", 11)
	if c.LastFileID != "file-c" || c.PushedSeq != 11 {
		t.Errorf("Advance() = %+v, want file-c/11", c)
	}
}

// TestSyncCursor_IsFresh verifies fresh detection.
func TestSyncCursor_IsFresh(t *testing.T) {
	var nilCursor *SyncCursor
	if !nilCursor.IsFresh() {
		t.Error("nil cursor should be fresh")
	}
	if !(&SyncCursor{}).IsFresh() {
		t.Error("cursor without folder should be fresh")
	}
	if (&SyncCursor{FolderID: "x"}).IsFresh() {
		t.Error("cursor with folder should not be fresh")
	}
}

// TestUpdate_IDs verifies per-table id extraction.
func TestUpdate_IDs(t *testing.T) {
	u := Update{Store: "bookmarks", Changes: []Change{
		{Table: "label", ID: "1", Op: OpInsert},
		{Table: "bible_bookmark", ID: "2", Op: OpDelete},
		{Table: "label", ID: "3", Op: OpUpdate},
	}}
	ids := u.IDs("label")
	if len(ids) != 2 || ids[0] != "1" || ids[1] != "3" {
		t.Errorf("IDs(label) = %v, want [1 3]", ids)
	}
}
