// Package cloud defines the storage provider contract used by the sync engine.
//
// A provider exposes a tree of folders and immutable files. Ids are opaque to
// callers; only the provider interprets them. Every operation may block on the
// network and honours ctx cancellation.
package cloud

import (
	"context"
	"io"
	"sort"
	"time"
)

// FolderMimeType marks folders in listings.
const FolderMimeType = "application/vnd.studysync.folder"

// File is metadata of a remote file or folder.
type File struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	CreatedTime time.Time `json:"created_time"`
	ParentID    string    `json:"parent_id,omitempty"`
	MimeType    string    `json:"mime_type,omitempty"`
}

// IsFolder reports whether f is a folder.
func (f *File) IsFolder() bool {
	return f.MimeType == FolderMimeType
}

// ListQuery filters a listing. Zero fields do not filter.
type ListQuery struct {
	ParentIDs      []string
	Name           string
	MimeType       string
	CreatedAtLeast time.Time
}

// Matches reports whether f passes every filter except ParentIDs.
func (q ListQuery) Matches(f *File) bool {
	if q.Name != "" && f.Name != q.Name {
		return false
	}
	if q.MimeType != "" && f.MimeType != q.MimeType {
		return false
	}
	if !q.CreatedAtLeast.IsZero() && !f.IsFolder() && f.CreatedTime.Before(q.CreatedAtLeast) {
		return false
	}
	return true
}

// Interaction is the user-facing side of a sign-in flow.
type Interaction interface {
	// Confirm asks the user to approve message. A false result means the
	// user declined.
	Confirm(ctx context.Context, message string) (bool, error)
}

// Adapter is a remote storage provider.
type Adapter interface {
	// Name identifies the provider in logs and status output.
	Name() string

	SignedIn() bool
	// SignIn establishes a session. User cancellation yields false, nil.
	SignIn(ctx context.Context, in Interaction) (bool, error)
	// SignOut drops the local session. It is idempotent.
	SignOut(ctx context.Context) error

	// List returns matching files in no particular order.
	List(ctx context.Context, q ListQuery) ([]*File, error)
	// Folders returns the folders directly below parentID ("" is the root).
	Folders(ctx context.Context, parentID string) ([]*File, error)
	// Get returns the metadata of id, or a NOT_FOUND error.
	Get(ctx context.Context, id string) (*File, error)

	Download(ctx context.Context, id string, w io.Writer) error
	Upload(ctx context.Context, name, localPath, parentID string) (*File, error)
	CreateFolder(ctx context.Context, name, parentID string) (*File, error)
	// Delete removes id. A missing id is not an error.
	Delete(ctx context.Context, id string) error
}

// SortByCreated orders files oldest first, breaking ties by name.
func SortByCreated(files []*File) {
	sort.SliceStable(files, func(i, j int) bool {
		if !files[i].CreatedTime.Equal(files[j].CreatedTime) {
			return files[i].CreatedTime.Before(files[j].CreatedTime)
		}
		return files[i].Name < files[j].Name
	})
}

// Confirmed is an Interaction that approves every prompt.
type Confirmed struct{}

// Confirm implements Interaction.
func (Confirmed) Confirm(ctx context.Context, message string) (bool, error) {
	return ctx.Err() == nil, nil
}
