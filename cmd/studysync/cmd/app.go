package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kimhsiao/studysync/internal/cloud"
	"github.com/kimhsiao/studysync/internal/cloud/localfs"
	"github.com/kimhsiao/studysync/internal/cloud/s3"
	"github.com/kimhsiao/studysync/internal/config"
	"github.com/kimhsiao/studysync/internal/db"
	"github.com/kimhsiao/studysync/internal/errors"
	"github.com/kimhsiao/studysync/internal/notify"
	"github.com/kimhsiao/studysync/internal/studydb"
	syncpkg "github.com/kimhsiao/studysync/internal/sync"
)

const sessionFile = "session.json"

// app holds the open stores and the sync layer of one command run.
type app struct {
	cfg     config.Config
	reg     *db.Registry
	hub     *notify.Hub
	adapter cloud.Adapter
	manager *syncpkg.Manager
	device  string
}

// newRegistry creates the registry over every study store without opening
// it.
func newRegistry(c config.Config) (*db.Registry, error) {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return nil, errors.Wrap(errors.ErrPermission, "cannot create data dir", err)
	}
	return db.NewRegistry(db.Options{
		DataDir:    c.DataDir,
		BackupDir:  c.BackupDir,
		AppVersion: c.AppVersion,
		Legacy:     studydb.Legacy(),
	}, studydb.Definitions()...)
}

// newAdapter builds the configured storage provider. It returns nil for
// ProviderNone.
func newAdapter(c config.Config) (cloud.Adapter, error) {
	session := filepath.Join(c.DataDir, sessionFile)

	var s3cfg *s3.Config
	var err error
	switch c.SyncProvider {
	case config.ProviderNone:
		return nil, nil
	case config.ProviderLocalFS:
		return localfs.New(c.SyncDir, session), nil
	case config.ProviderAWS:
		s3cfg, err = s3.AWS(&s3.AWSConfig{
			BucketName: c.S3Bucket,
			AccessKey:  c.S3AccessKey,
			SecretKey:  c.S3SecretKey,
			Region:     c.S3Region,
		})
	case config.ProviderR2:
		s3cfg, err = s3.R2(&s3.R2Config{
			AccountID:  c.R2AccountID,
			BucketName: c.S3Bucket,
			AccessKey:  c.S3AccessKey,
			SecretKey:  c.S3SecretKey,
		})
	case config.ProviderMinIO:
		s3cfg, err = s3.MinIO(&s3.MinIOConfig{
			Endpoint:   c.S3Endpoint,
			BucketName: c.S3Bucket,
			AccessKey:  c.S3AccessKey,
			SecretKey:  c.S3SecretKey,
			UseSSL:     true,
		})
	case config.ProviderS3:
		region := c.S3Region
		if region == "" {
			region = "us-east-1"
		}
		s3cfg = &s3.Config{
			Endpoint:       c.S3Endpoint,
			BucketName:     c.S3Bucket,
			AccessKey:      c.S3AccessKey,
			SecretKey:      c.S3SecretKey,
			Region:         region,
			ForcePathStyle: true,
		}
	default:
		return nil, errors.Newf(errors.ErrInvalid, "unknown sync provider %q", c.SyncProvider)
	}
	if err != nil {
		return nil, err
	}
	client, err := s3.NewClient(s3cfg)
	if err != nil {
		return nil, err
	}
	return s3.NewProvider(c.SyncProvider, client, session), nil
}

// openApp starts the registry and, when a provider is configured, the
// sync manager.
func openApp(ctx context.Context, c config.Config) (*app, error) {
	reg, err := newRegistry(c)
	if err != nil {
		return nil, err
	}
	if err := reg.Start(ctx); err != nil {
		return nil, err
	}
	a := &app{cfg: c, reg: reg, hub: notify.NewHub()}

	a.device, err = studydb.NewSettings(reg).DeviceID(ctx)
	if err != nil {
		reg.CloseAll()
		return nil, err
	}

	a.adapter, err = newAdapter(c)
	if err != nil {
		reg.CloseAll()
		return nil, err
	}
	if a.adapter != nil {
		a.manager, err = syncpkg.NewManager(reg, a.adapter, a.hub, syncpkg.Options{
			FolderName:    c.SyncFolderName,
			Device:        a.device,
			MaxLogEntries: c.MaxLogEntries,
			CompactAfter:  c.CompactAfter,
		})
		if err != nil {
			reg.CloseAll()
			return nil, err
		}
	}
	return a, nil
}

// syncing returns the manager or an error when no provider is configured.
func (a *app) syncing() (*syncpkg.Manager, error) {
	if a.manager == nil {
		return nil, errors.New(errors.ErrInvalid, "no sync provider configured, set STUDYSYNC_PROVIDER")
	}
	return a.manager, nil
}

func (a *app) close() {
	if a.manager != nil {
		a.manager.Close()
	}
	a.reg.CloseAll()
}

// withApp runs fn against an open app and closes it afterwards.
func withApp(ctx context.Context, fn func(a *app) error) error {
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(a)
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// confirmPrompt asks on the terminal before a provider session starts.
type confirmPrompt struct{}

func (confirmPrompt) Confirm(ctx context.Context, message string) (bool, error) {
	fmt.Fprintf(os.Stderr, "%s [y/N] ", message)
	var answer string
	if _, err := fmt.Fscanln(os.Stdin, &answer); err != nil {
		return false, nil
	}
	return answer == "y" || answer == "Y" || answer == "yes", nil
}
