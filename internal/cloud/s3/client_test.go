package s3

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/studysync/internal/cloud"
	"github.com/kimhsiao/studysync/internal/errors"
)

// fakeS3 is an in-memory path-style S3 endpoint for one bucket. Listings
// return at most pageSize keys per page.
type fakeS3 struct {
	mu       sync.Mutex
	bucket   string
	objects  map[string][]byte
	modified map[string]time.Time
	pageSize int
	requests []*http.Request
	status   int // forced status for every request when set
}

func newFakeS3(bucket string) *fakeS3 {
	return &fakeS3{bucket: bucket, objects: map[string][]byte{}, modified: map[string]time.Time{}, pageSize: 2}
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r)

	if f.status != 0 {
		w.WriteHeader(f.status)
		fmt.Fprint(w, "<Error><Code>Forced</Code></Error>")
		return
	}
	if !strings.HasPrefix(r.Header.Get("Authorization"), algorithm+" Credential=") {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/"+f.bucket)
	key := strings.TrimPrefix(rest, "/")

	switch {
	case r.Method == http.MethodGet && key == "" && r.URL.Query().Get("list-type") == "2":
		f.list(w, r.URL.Query())
	case r.Method == http.MethodPut:
		data, _ := io.ReadAll(r.Body)
		f.objects[key] = data
		f.modified[key] = time.Now().UTC()
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet, r.Method == http.MethodHead:
		data, ok := f.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", fmt.Sprint(len(data)))
		w.Header().Set("Last-Modified", f.modified[key].Format(http.TimeFormat))
		if r.Method == http.MethodGet {
			w.Write(data)
		}
	case r.Method == http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeS3) list(w http.ResponseWriter, q url.Values) {
	prefix, delimiter := q.Get("prefix"), q.Get("delimiter")
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	type content struct {
		Key          string `xml:"Key"`
		LastModified string `xml:"LastModified"`
		Size         int    `xml:"Size"`
	}
	type commonPrefix struct {
		Prefix string `xml:"Prefix"`
	}
	result := struct {
		XMLName               xml.Name       `xml:"ListBucketResult"`
		Name                  string         `xml:"Name"`
		Prefix                string         `xml:"Prefix"`
		IsTruncated           bool           `xml:"IsTruncated"`
		NextContinuationToken string         `xml:"NextContinuationToken,omitempty"`
		Contents              []content      `xml:"Contents"`
		CommonPrefixes        []commonPrefix `xml:"CommonPrefixes"`
	}{Name: f.bucket, Prefix: prefix}

	seen := map[string]bool{}
	var entries []string
	for _, k := range keys {
		if delimiter != "" {
			if i := strings.Index(k[len(prefix):], delimiter); i >= 0 {
				cp := k[:len(prefix)+i+1]
				if !seen[cp] {
					seen[cp] = true
					entries = append(entries, "P"+cp)
				}
				continue
			}
		}
		entries = append(entries, "K"+k)
	}

	start := 0
	if token := q.Get("continuation-token"); token != "" {
		fmt.Sscan(token, &start)
	}
	end := start + f.pageSize
	if end < len(entries) {
		result.IsTruncated = true
		result.NextContinuationToken = fmt.Sprint(end)
	} else {
		end = len(entries)
	}
	for _, e := range entries[start:end] {
		if e[0] == 'P' {
			result.CommonPrefixes = append(result.CommonPrefixes, commonPrefix{Prefix: e[1:]})
			continue
		}
		k := e[1:]
		result.Contents = append(result.Contents, content{
			Key:          k,
			LastModified: f.modified[k].Format("2006-01-02T15:04:05.000Z"),
			Size:         len(f.objects[k]),
		})
	}
	w.Header().Set("Content-Type", "application/xml")
	xml.NewEncoder(w).Encode(result)
}

func newTestProvider(t *testing.T) (*Provider, *fakeS3) {
	t.Helper()
	fake := newFakeS3("notes")
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	client, err := NewClient(&Config{
		Endpoint:       server.URL,
		BucketName:     "notes",
		AccessKey:      "AKIDEXAMPLE",
		SecretKey:      "secret",
		ForcePathStyle: true,
		Timeout:        5 * time.Second,
	})
	require.NoError(t, err)
	return NewProvider("minio", client, filepath.Join(t.TempDir(), "session.json")), fake
}

func localFile(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "upload")
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func TestNewClient_validation(t *testing.T) {
	_, err := NewClient(&Config{Endpoint: "https://s3.amazonaws.com"})
	assert.True(t, errors.Is(err, errors.ErrInvalid))

	c, err := NewClient(&Config{Endpoint: "s3.amazonaws.com", BucketName: "b"})
	require.NoError(t, err)
	assert.Equal(t, "https", c.base.Scheme)
	assert.Equal(t, "us-east-1", c.Config().Region)
	assert.Equal(t, 30*time.Second, c.httpClient.Timeout)
}

func TestNewRequest_urlStyles(t *testing.T) {
	ctx := context.Background()
	virtual, err := NewClient(&Config{Endpoint: "https://s3.amazonaws.com", BucketName: "b"})
	require.NoError(t, err)
	req, err := virtual.newRequest(ctx, http.MethodGet, "dir/a b.json.gz", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "https://b.s3.amazonaws.com/dir/a%20b.json.gz", req.URL.String())

	pathStyle, err := NewClient(&Config{Endpoint: "http://localhost:9000", BucketName: "b", ForcePathStyle: true})
	require.NoError(t, err)
	req, err = pathStyle.newRequest(ctx, http.MethodGet, "", url.Values{"prefix": {"a/"}, "list-type": {"2"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9000/b?list-type=2&prefix=a%2F", req.URL.String())
}

func TestSign_deterministic(t *testing.T) {
	c, err := NewClient(&Config{Endpoint: "https://s3.amazonaws.com", BucketName: "b", AccessKey: "AK", SecretKey: "SK", Region: "eu-west-1"})
	require.NoError(t, err)
	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	c.now = func() time.Time { return at }

	r1, err := c.newRequest(context.Background(), http.MethodGet, "k", nil, nil)
	require.NoError(t, err)
	r2, err := c.newRequest(context.Background(), http.MethodGet, "k", nil, nil)
	require.NoError(t, err)
	r3, err := c.newRequest(context.Background(), http.MethodGet, "other", nil, nil)
	require.NoError(t, err)

	auth := r1.Header.Get("Authorization")
	assert.Equal(t, auth, r2.Header.Get("Authorization"))
	assert.NotEqual(t, auth, r3.Header.Get("Authorization"))
	assert.True(t, strings.HasPrefix(auth, "AWS4-HMAC-SHA256 Credential=AK/20260314/eu-west-1/s3/aws4_request, SignedHeaders=host;x-amz-content-sha256;x-amz-date, Signature="))
	assert.Equal(t, "20260314T092653Z", r1.Header.Get("X-Amz-Date"))
	assert.Equal(t, unsignedPayload, r1.Header.Get("X-Amz-Content-Sha256"))
}

func TestCanonicalQueryAndEncoding(t *testing.T) {
	assert.Equal(t, "", canonicalQuery(nil))
	assert.Equal(t, "a=1&b=x%2Fy&list-type=2",
		canonicalQuery(url.Values{"list-type": {"2"}, "b": {"x/y"}, "a": {"1"}}))
	assert.Equal(t, "a/b%20c~d", uriEncode("a/b c~d", false))
	assert.Equal(t, "a%2Fb", uriEncode("a/b", true))
	assert.Equal(t, "%C3%A9", uriEncode("é", false))
}

func TestCategorizeHTTPError(t *testing.T) {
	c := &Client{}
	tests := []struct {
		status int
		body   string
		want   errors.ErrorCode
	}{
		{http.StatusUnauthorized, "", errors.ErrUnauthorized},
		{http.StatusForbidden, "<Error><Code>SignatureDoesNotMatch</Code></Error>", errors.ErrUnauthorized},
		{http.StatusNotFound, "<Error><Code>NoSuchKey</Code></Error>", errors.ErrNotFound},
		{http.StatusServiceUnavailable, "<Error><Code>SlowDown</Code></Error>", errors.ErrProviderUnavailable},
		{http.StatusInternalServerError, "boom", errors.ErrProviderUnavailable},
		{http.StatusBadRequest, "bad", errors.ErrSyncFailed},
	}
	for _, tt := range tests {
		err := c.categorizeHTTPError("get", tt.status, tt.body)
		assert.Equal(t, tt.want, errors.CodeOf(err), "status %d", tt.status)
	}
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "abc", truncateString("abc", 5))
	assert.Equal(t, "ab...", truncateString("abcdefgh", 5))
	assert.Equal(t, "ab", truncateString("abcdefgh", 2))
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, "NoSuchKey: gone", errorCode("<Error><Code>NoSuchKey</Code><Message>gone</Message></Error>"))
	assert.Equal(t, "plain text", errorCode(" plain text \n"))
}

func TestProvider_roundTrip(t *testing.T) {
	ctx := context.Background()
	p, fake := newTestProvider(t)

	ok, err := p.SignIn(ctx, cloud.Confirmed{})
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, p.SignedIn())

	root, err := p.CreateFolder(ctx, "studysync", "")
	require.NoError(t, err)
	assert.Equal(t, "studysync/", root.ID)
	assert.True(t, root.IsFolder())

	store, err := p.CreateFolder(ctx, "bookmarks", root.ID)
	require.NoError(t, err)
	assert.Equal(t, "studysync/bookmarks/", store.ID)
	assert.Equal(t, root.ID, store.ParentID)

	for i := 0; i < 3; i++ {
		f, err := p.Upload(ctx, fmt.Sprintf("patch-dev-%d-100.json.gz", i), localFile(t, "payload"), store.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(7), f.Size)
		assert.Equal(t, store.ID, f.ParentID)
	}

	files, err := p.List(ctx, cloud.ListQuery{ParentIDs: []string{store.ID}})
	require.NoError(t, err)
	require.Len(t, files, 3, "listing follows continuation tokens and skips the marker")
	for _, f := range files {
		assert.False(t, f.CreatedTime.IsZero())
	}

	folders, err := p.Folders(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, "bookmarks", folders[0].Name)
	assert.Equal(t, store.ID, folders[0].ID)

	named, err := p.List(ctx, cloud.ListQuery{Name: "patch-dev-1-100.json.gz"})
	require.NoError(t, err)
	require.Len(t, named, 1)

	var buf bytes.Buffer
	require.NoError(t, p.Download(ctx, named[0].ID, &buf))
	assert.Equal(t, "payload", buf.String())

	require.NoError(t, p.Delete(ctx, root.ID))
	fake.mu.Lock()
	assert.Empty(t, fake.objects, "deleting a folder removes everything below it")
	fake.mu.Unlock()
}

func TestProvider_missing(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProvider(t)

	_, err := p.Get(ctx, "nope")
	assert.True(t, cloud.NotFound(err))

	var buf bytes.Buffer
	assert.True(t, cloud.NotFound(p.Download(ctx, "nope", &buf)))
	assert.NoError(t, p.Delete(ctx, "nope"))

	dest := filepath.Join(t.TempDir(), "out")
	assert.True(t, cloud.NotFound(cloud.DownloadToFile(ctx, p, "nope", dest)))
	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}

func TestProvider_signInFailure(t *testing.T) {
	p, fake := newTestProvider(t)
	fake.status = http.StatusForbidden

	ok, err := p.SignIn(context.Background(), nil)
	assert.False(t, ok)
	assert.True(t, errors.Is(err, errors.ErrUnauthorized))
	assert.False(t, p.SignedIn())
}

func TestProvider_unavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client, err := NewClient(&Config{Endpoint: url, BucketName: "b", ForcePathStyle: true, Timeout: time.Second})
	require.NoError(t, err)
	p := NewProvider("minio", client, "")

	_, err = p.List(context.Background(), cloud.ListQuery{ParentIDs: []string{""}})
	assert.True(t, errors.Is(err, errors.ErrProviderUnavailable))
	assert.True(t, errors.IsRetryable(err))
}

func TestProvider_timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	client, err := NewClient(&Config{Endpoint: server.URL, BucketName: "b", ForcePathStyle: true, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	_, err = NewProvider("minio", client, "").Get(context.Background(), "k")
	assert.True(t, errors.Is(err, errors.ErrProviderUnavailable))
}
