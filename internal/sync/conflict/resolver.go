// Package conflict decides between the local and the remote state of a row
// during synchronization.
//
// The rule is whole-row last write wins on last_updated_on. Ties are broken
// by kind (a deletion beats a row) and then by comparing the canonical row
// encodings, so two devices holding the same pair of states always pick the
// same winner.
package conflict

import (
	"bytes"
	"time"

	"github.com/kimhsiao/studysync/internal/logging"
	"github.com/kimhsiao/studysync/internal/models"
)

// Version is one side's state of a row.
type Version struct {
	Timestamp int64
	Deleted   bool
	// Data is the canonical encoding of the row; empty for deletions.
	Data []byte
}

// Conflict pairs the local and remote state of one row. Local is nil when
// the device has never seen the row.
type Conflict struct {
	Table  string
	RowID  string
	Local  *Version
	Remote *Version
	Source string
}

// ResolveResult is the outcome of a resolution.
type ResolveResult struct {
	// RemoteWins is set when the remote state must be applied locally.
	RemoteWins bool
	// ConflictLog is set when both sides held differing states.
	ConflictLog *models.ConflictLog
}

// Resolver applies last-write-wins.
type Resolver struct {
	now func() time.Time
}

// NewResolver creates a Resolver.
func NewResolver() *Resolver {
	return &Resolver{now: time.Now}
}

// Compare orders two versions: negative if a loses to b, positive if a wins,
// zero if they are identical.
func Compare(a, b *Version) int {
	switch {
	case a.Timestamp < b.Timestamp:
		return -1
	case a.Timestamp > b.Timestamp:
		return 1
	case a.Deleted != b.Deleted:
		if a.Deleted {
			return 1
		}
		return -1
	}
	return bytes.Compare(a.Data, b.Data)
}

// Resolve decides c.
func (r *Resolver) Resolve(c *Conflict) (*ResolveResult, error) {
	if c == nil || c.Remote == nil {
		return nil, ErrInvalidConflict
	}
	if c.Local == nil {
		return &ResolveResult{RemoteWins: true}, nil
	}

	cmp := Compare(c.Remote, c.Local)
	if cmp == 0 {
		return &ResolveResult{}, nil
	}

	// Two deletions only differ in time; nothing to report.
	if c.Local.Deleted && c.Remote.Deleted {
		return &ResolveResult{RemoteWins: cmp > 0}, nil
	}

	resolution := models.ResolutionLocalWins
	if cmp > 0 {
		resolution = models.ResolutionRemoteWins
	}
	entry := &models.ConflictLog{
		Table:           c.Table,
		RowID:           c.RowID,
		LocalTimestamp:  c.Local.Timestamp,
		RemoteTimestamp: c.Remote.Timestamp,
		LocalDeleted:    c.Local.Deleted,
		RemoteDeleted:   c.Remote.Deleted,
		Resolution:      resolution,
		SourceFile:      c.Source,
		DetectedAt:      r.now().UnixMilli(),
	}

	logging.Debug("conflict resolved with last-write-wins", map[string]interface{}{
		"table":            c.Table,
		"row_id":           c.RowID,
		"local_timestamp":  c.Local.Timestamp,
		"remote_timestamp": c.Remote.Timestamp,
		"resolution":       resolution,
	})

	return &ResolveResult{RemoteWins: cmp > 0, ConflictLog: entry}, nil
}

// Errors
var (
	ErrInvalidConflict = &ConflictError{Message: "invalid conflict: remote state is required"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}
