package sync

import (
	"bytes"
	"compress/gzip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/studysync/internal/errors"
)

const testDevice = "3f1c9a52-8d7e-4b61-9a0f-2c4d5e6f7a8b"

func gzipped(t *testing.T, s string) *bytes.Reader {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return bytes.NewReader(buf.Bytes())
}

func TestDecodePatchNormalizesValues(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodePatch(&buf, &Patch{
		Format:        PatchFormat,
		Store:         "bookmarks",
		Device:        testDevice,
		SchemaVersion: 3,
		FromSeq:       4,
		ToSeq:         9,
		CreatedAt:     1700000000000,
		Changes: []RowChange{
			{Table: "label", ID: "a", Row: Row{"id": "a", "name": "x", "color": int64(-16776961), "last_updated_on": int64(1700000000123), "type": nil}},
			{Table: "label", ID: "b", Deleted: true, Timestamp: 42},
		},
	}))

	p, err := DecodePatch(&buf)
	require.NoError(t, err)
	require.Len(t, p.Changes, 2)
	assert.Equal(t, int64(9), p.ToSeq)

	row := p.Changes[0].Row
	assert.Equal(t, int64(-16776961), row["color"])
	assert.Nil(t, row["type"])
	assert.Equal(t, int64(1700000000123), p.Changes[0].Timestamp)

	assert.True(t, p.Changes[1].Deleted)
	assert.Nil(t, p.Changes[1].Row)
	assert.Equal(t, int64(42), p.Changes[1].Timestamp)
}

func TestDecodePatchRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", "{"},
		{"wrong format", `{"format":2,"store":"bookmarks","device":"d","schema_version":1,"to_seq":1,"created_at":1,"changes":[]}`},
		{"missing row", `{"format":1,"store":"bookmarks","device":"d","schema_version":1,"to_seq":1,"created_at":1,
			"changes":[{"table":"label","id":"a","timestamp":1}]}`},
		{"row without timestamp", `{"format":1,"store":"bookmarks","device":"d","schema_version":1,"to_seq":1,"created_at":1,
			"changes":[{"table":"label","id":"a","timestamp":1,"row":{"id":"a"}}]}`},
		{"nested value", `{"format":1,"store":"bookmarks","device":"d","schema_version":1,"to_seq":1,"created_at":1,
			"changes":[{"table":"label","id":"a","timestamp":1,"row":{"id":"a","last_updated_on":1,"name":{"x":1}}}]}`},
		{"bad table name", `{"format":1,"store":"bookmarks","device":"d","schema_version":1,"to_seq":1,"created_at":1,
			"changes":[{"table":"label; DROP TABLE label","id":"a","deleted":true,"timestamp":1}]}`},
		{"id mismatch", `{"format":1,"store":"bookmarks","device":"` + testDevice + `","schema_version":1,"to_seq":1,"created_at":1,
			"changes":[{"table":"label","id":"a","timestamp":1,"row":{"id":"b","last_updated_on":1}}]}`},
		{"device is not a uuid", `{"format":1,"store":"bookmarks","device":"laptop","schema_version":1,"to_seq":1,"created_at":1,
			"changes":[{"table":"label","id":"a","deleted":true,"timestamp":1}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePatch(gzipped(t, tt.body))
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrConflictUnresolvable), "got %v", err)
		})
	}

	_, err := DecodePatch(bytes.NewReader([]byte("plain text")))
	assert.True(t, errors.Is(err, errors.ErrConflictUnresolvable))
}

func TestFileNames(t *testing.T) {
	kind, dev, ok := ParseFileName(PatchFileName(testDevice, 17, 1700000000000))
	require.True(t, ok)
	assert.Equal(t, KindPatch, kind)
	assert.Equal(t, testDevice, dev)

	kind, dev, ok = ParseFileName(SnapshotFileName(testDevice, 1700000000000))
	require.True(t, ok)
	assert.Equal(t, KindSnapshot, kind)
	assert.Equal(t, testDevice, dev)

	for _, name := range []string{
		"notes.txt",
		"patch-x-1-2.json.gz",
		"patch--1-2.json.gz",
		"snapshot-" + testDevice + ".sqlite3.gz",
		"snapshot-" + strings.Repeat("-", 36) + "-1.sqlite3.gz",
		".upload-123",
	} {
		_, _, ok := ParseFileName(name)
		assert.False(t, ok, name)
	}
}

func TestCanonicalIsKeyOrdered(t *testing.T) {
	a := Row{"id": "1", "name": "x", "last_updated_on": int64(5)}
	b := Row{"last_updated_on": int64(5), "name": "x", "id": "1", "extra": "ignored"}
	cols := []string{"name", "id", "last_updated_on"}
	assert.Equal(t, a.canonical(cols), b.canonical(cols))
	assert.Equal(t, `{"id":"1","last_updated_on":5,"name":"x"}`, string(a.canonical(cols)))
}
