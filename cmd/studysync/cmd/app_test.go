package cmd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/studysync/internal/cloud/localfs"
	"github.com/kimhsiao/studysync/internal/cloud/s3"
	"github.com/kimhsiao/studysync/internal/config"
	"github.com/kimhsiao/studysync/internal/errors"
	"github.com/kimhsiao/studysync/internal/models"
	"github.com/kimhsiao/studysync/internal/studydb"
	syncpkg "github.com/kimhsiao/studysync/internal/sync"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	return config.Config{
		DataDir:        dir,
		AppVersion:     "1.0.0",
		SyncProvider:   config.ProviderNone,
		SyncFolderName: "studysync",
		MaxLogEntries:  100,
	}
}

func TestNewAdapter(t *testing.T) {
	base := testConfig(t)
	creds := func(provider string) config.Config {
		c := base
		c.SyncProvider = provider
		c.S3Bucket = "notes"
		c.S3AccessKey = "key"
		c.S3SecretKey = "secret"
		return c
	}

	a, err := newAdapter(base)
	require.NoError(t, err)
	assert.Nil(t, a)

	c := base
	c.SyncProvider = config.ProviderLocalFS
	c.SyncDir = t.TempDir()
	a, err = newAdapter(c)
	require.NoError(t, err)
	assert.IsType(t, &localfs.Provider{}, a)

	c = creds(config.ProviderAWS)
	c.S3Region = "eu-west-1"
	a, err = newAdapter(c)
	require.NoError(t, err)
	assert.IsType(t, &s3.Provider{}, a)
	assert.Equal(t, "aws", a.Name())

	c = creds(config.ProviderR2)
	c.R2AccountID = "0123456789abcdef0123456789abcdef"
	a, err = newAdapter(c)
	require.NoError(t, err)
	assert.Equal(t, "r2", a.Name())

	c = creds(config.ProviderMinIO)
	c.S3Endpoint = "http://localhost:9000"
	a, err = newAdapter(c)
	require.NoError(t, err)
	assert.Equal(t, "minio", a.Name())

	c = creds(config.ProviderR2)
	c.R2AccountID = "nope"
	_, err = newAdapter(c)
	assert.True(t, errors.Is(err, errors.ErrInvalid), "got %v", err)

	c = base
	c.SyncProvider = "dropbox"
	_, err = newAdapter(c)
	assert.True(t, errors.Is(err, errors.ErrInvalid))
}

func TestOpenAppWithoutProvider(t *testing.T) {
	ctx := context.Background()
	a, err := openApp(ctx, testConfig(t))
	require.NoError(t, err)
	defer a.close()

	assert.NotEmpty(t, a.device)
	_, err = a.syncing()
	assert.True(t, errors.Is(err, errors.ErrInvalid))

	again, err := studydb.NewSettings(a.reg).DeviceID(ctx)
	require.NoError(t, err)
	assert.Equal(t, a.device, again, "device id is stable")
}

func TestOpenAppLocalFS(t *testing.T) {
	ctx := context.Background()
	c := testConfig(t)
	c.SyncProvider = config.ProviderLocalFS
	c.SyncDir = t.TempDir()

	a, err := openApp(ctx, c)
	require.NoError(t, err)
	defer a.close()

	m, err := a.syncing()
	require.NoError(t, err)
	assert.Equal(t, []string{studydb.StoreBookmarks, studydb.StoreReadingPlans, studydb.StoreWorkspaces}, m.Stores())
}

func TestDescribeResult(t *testing.T) {
	assert.Contains(t, describeResult(&syncpkg.Result{Store: "bookmarks", Skipped: true}), "not signed in")
	assert.Contains(t, describeResult(&syncpkg.Result{Store: "bookmarks", NoOp: true}), "up to date")

	line := describeResult(&syncpkg.Result{
		Store:      "bookmarks",
		Downloaded: 2,
		Conflicts:  1,
		Replaced:   true,
		Uploaded:   "patch-x-3-1.json.gz",
		Update:     models.Update{Store: "bookmarks", Changes: []models.Change{{Table: "label", ID: "a"}}},
	})
	assert.Contains(t, line, "downloaded 2, 1 rows changed, 1 conflicts")
	assert.Contains(t, line, "replaced from snapshot")
	assert.Contains(t, line, "uploaded patch-x-3-1.json.gz")
}
