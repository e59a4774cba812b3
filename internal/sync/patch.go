package sync

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	stdsync "sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/kimhsiao/studysync/internal/errors"
	"github.com/kimhsiao/studysync/internal/uuid"
)

// PatchFormat is the version of the patch file layout.
const PatchFormat = 1

// Patch is an incremental change set uploaded by one device. It holds the
// current state of every row logged in (FromSeq, ToSeq].
type Patch struct {
	Format        int         `json:"format"`
	Store         string      `json:"store"`
	Device        string      `json:"device"`
	SchemaVersion int         `json:"schema_version"`
	FromSeq       int64       `json:"from_seq"`
	ToSeq         int64       `json:"to_seq"`
	CreatedAt     int64       `json:"created_at"`
	Changes       []RowChange `json:"changes"`
}

// RowChange is the state of one row: either its full contents or a
// deletion at Timestamp.
type RowChange struct {
	Table     string `json:"table"`
	ID        string `json:"id"`
	Deleted   bool   `json:"deleted,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Row       Row    `json:"row,omitempty"`
}

const patchSchemaURL = "https://studysync.invalid/schema/patch.json"

const patchSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["format", "store", "device", "schema_version", "to_seq", "created_at", "changes"],
	"properties": {
		"format": {"const": 1},
		"store": {"type": "string", "minLength": 1},
		"device": {"type": "string", "minLength": 1},
		"schema_version": {"type": "integer", "minimum": 1},
		"from_seq": {"type": "integer", "minimum": 0},
		"to_seq": {"type": "integer", "minimum": 0},
		"created_at": {"type": "integer"},
		"changes": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["table", "id", "timestamp"],
				"properties": {
					"table": {"type": "string", "pattern": "^[a-z_][a-z0-9_]*$"},
					"id": {"type": "string", "minLength": 1},
					"deleted": {"type": "boolean"},
					"timestamp": {"type": "integer"},
					"row": {
						"type": "object",
						"required": ["id", "last_updated_on"],
						"propertyNames": {"pattern": "^[a-z_][a-z0-9_]*$"},
						"additionalProperties": {"type": ["string", "number", "null"]}
					}
				},
				"if": {"properties": {"deleted": {"const": true}}, "required": ["deleted"]},
				"else": {"required": ["row"]}
			}
		}
	}
}`

var (
	schemaOnce     stdsync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func patchValidator() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(patchSchema))
		if err != nil {
			schemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(patchSchemaURL, doc); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = c.Compile(patchSchemaURL)
	})
	return compiledSchema, schemaErr
}

// maxPatchSize bounds the decompressed size of a patch.
const maxPatchSize = 256 << 20

// EncodePatch writes p as gzipped JSON.
func EncodePatch(w io.Writer, p *Patch) error {
	zw := gzip.NewWriter(w)
	if err := json.NewEncoder(zw).Encode(p); err != nil {
		zw.Close()
		return errors.Wrap(errors.ErrInternal, "failed to encode patch", err)
	}
	if err := zw.Close(); err != nil {
		return errors.Wrap(errors.ErrInternal, "failed to compress patch", err)
	}
	return nil
}

// DecodePatch reads and validates a gzipped JSON patch. Anything that is
// not a well-formed patch is CONFLICT_UNRESOLVABLE: the merge cannot be
// applied to it.
func DecodePatch(r io.Reader) (*Patch, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(errors.ErrConflictUnresolvable, "patch is not gzip data", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(io.LimitReader(zr, maxPatchSize+1))
	if err != nil {
		return nil, errors.Wrap(errors.ErrConflictUnresolvable, "failed to decompress patch", err)
	}
	if len(raw) > maxPatchSize {
		return nil, errors.New(errors.ErrConflictUnresolvable, "patch exceeds size limit")
	}

	schema, err := patchValidator()
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "patch schema does not compile", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(errors.ErrConflictUnresolvable, "patch is not valid JSON", err)
	}
	if err := schema.Validate(inst); err != nil {
		return nil, errors.Wrap(errors.ErrConflictUnresolvable, "patch does not match schema", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var p Patch
	if err := dec.Decode(&p); err != nil {
		return nil, errors.Wrap(errors.ErrConflictUnresolvable, "failed to decode patch", err)
	}
	if err := uuid.Validate(p.Device); err != nil {
		return nil, errors.Wrap(errors.ErrConflictUnresolvable, "patch device", err)
	}
	for i := range p.Changes {
		c := &p.Changes[i]
		if c.Deleted {
			c.Row = nil
			continue
		}
		for k, v := range c.Row {
			c.Row[k] = normalize(v)
		}
		if c.Row.ID() != c.ID {
			return nil, errors.Newf(errors.ErrConflictUnresolvable, "patch row %s carries id %v", c.ID, c.Row["id"])
		}
		c.Timestamp = c.Row.Timestamp()
	}
	return &p, nil
}

// Remote file kinds.
const (
	KindPatch    = "patch"
	KindSnapshot = "snapshot"
)

var (
	patchName    = regexp.MustCompile(`^patch-([0-9a-f-]{36})-(\d+)-(\d+)\.json\.gz$`)
	snapshotName = regexp.MustCompile(`^snapshot-([0-9a-f-]{36})-(\d+)\.sqlite3\.gz$`)
)

// PatchFileName names the patch of device covering the log up to toSeq.
func PatchFileName(device string, toSeq, createdMillis int64) string {
	return fmt.Sprintf("patch-%s-%d-%d.json.gz", device, toSeq, createdMillis)
}

// SnapshotFileName names a full snapshot of device.
func SnapshotFileName(device string, createdMillis int64) string {
	return fmt.Sprintf("snapshot-%s-%d.sqlite3.gz", device, createdMillis)
}

// ParseFileName returns the kind and the uploading device of a remote file
// name. ok is false for names this engine did not write.
func ParseFileName(name string) (kind, device string, ok bool) {
	if m := patchName.FindStringSubmatch(name); m != nil && uuid.IsValid(m[1]) {
		if _, err := strconv.ParseInt(m[2], 10, 64); err == nil {
			return KindPatch, m[1], true
		}
	}
	if m := snapshotName.FindStringSubmatch(name); m != nil && uuid.IsValid(m[1]) {
		return KindSnapshot, m[1], true
	}
	return "", "", false
}
