// Package config loads runtime settings from the environment.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/kimhsiao/studysync/internal/errors"
)

// Supported sync providers.
const (
	ProviderNone    = "none"
	ProviderLocalFS = "localfs"
	ProviderS3      = "s3"
	ProviderAWS     = "aws"
	ProviderR2      = "r2"
	ProviderMinIO   = "minio"
)

// Config holds every setting the CLI and the sync layer read.
type Config struct {
	DataDir    string
	BackupDir  string
	AppVersion string
	LogLevel   string

	SyncProvider   string
	SyncFolderName string
	SyncDir        string // localfs root

	S3Endpoint  string
	S3Bucket    string
	S3Region    string
	S3AccessKey string
	S3SecretKey string
	R2AccountID string

	SyncInterval  time.Duration
	RetryInterval time.Duration
	WatchRate     time.Duration
	MaxLogEntries int
	CompactAfter  int // patches before a snapshot; negative disables

	ListenAddr string
}

// Load reads an optional .env file from the working directory, then the
// environment.
func Load() Config {
	_ = godotenv.Load()

	dataDir := getEnv("STUDYSYNC_DATA_DIR", defaultDataDir())
	return Config{
		DataDir:        dataDir,
		BackupDir:      getEnv("STUDYSYNC_BACKUP_DIR", filepath.Join(dataDir, "backup")),
		AppVersion:     getEnv("STUDYSYNC_APP_VERSION", "dev"),
		LogLevel:       getEnv("STUDYSYNC_LOG_LEVEL", "info"),
		SyncProvider:   getEnv("STUDYSYNC_PROVIDER", ProviderNone),
		SyncFolderName: getEnv("STUDYSYNC_FOLDER", "studysync"),
		SyncDir:        getEnv("STUDYSYNC_SYNC_DIR", ""),
		S3Endpoint:     getEnv("STUDYSYNC_S3_ENDPOINT", ""),
		S3Bucket:       getEnv("STUDYSYNC_S3_BUCKET", ""),
		S3Region:       getEnv("STUDYSYNC_S3_REGION", ""),
		S3AccessKey:    getEnv("STUDYSYNC_S3_ACCESS_KEY", ""),
		S3SecretKey:    getEnv("STUDYSYNC_S3_SECRET_KEY", ""),
		R2AccountID:    getEnv("STUDYSYNC_R2_ACCOUNT_ID", ""),
		SyncInterval:   getDuration("STUDYSYNC_SYNC_INTERVAL", 15*time.Minute),
		RetryInterval:  getDuration("STUDYSYNC_RETRY_INTERVAL", time.Minute),
		WatchRate:      getDuration("STUDYSYNC_WATCH_RATE", 30*time.Second),
		MaxLogEntries:  getInt("STUDYSYNC_MAX_LOG_ENTRIES", 100000),
		CompactAfter:   getInt("STUDYSYNC_COMPACT_AFTER", 50),
		ListenAddr:     getEnv("STUDYSYNC_LISTEN", "127.0.0.1:8765"),
	}
}

// Validate rejects unknown providers and providers missing their settings.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return errors.New(errors.ErrInvalid, "data dir is required")
	}
	switch c.SyncProvider {
	case ProviderNone:
	case ProviderLocalFS:
		if c.SyncDir == "" {
			return errors.New(errors.ErrInvalid, "STUDYSYNC_SYNC_DIR is required for localfs")
		}
	case ProviderS3, ProviderAWS, ProviderMinIO, ProviderR2:
		if c.S3Bucket == "" || c.S3AccessKey == "" || c.S3SecretKey == "" {
			return errors.Newf(errors.ErrInvalid, "bucket and credentials are required for %s", c.SyncProvider)
		}
		if (c.SyncProvider == ProviderS3 || c.SyncProvider == ProviderMinIO) && c.S3Endpoint == "" {
			return errors.Newf(errors.ErrInvalid, "STUDYSYNC_S3_ENDPOINT is required for %s", c.SyncProvider)
		}
		if c.SyncProvider == ProviderR2 && c.R2AccountID == "" {
			return errors.New(errors.ErrInvalid, "STUDYSYNC_R2_ACCOUNT_ID is required for r2")
		}
	default:
		return errors.Newf(errors.ErrInvalid, "unknown sync provider %q", c.SyncProvider)
	}
	if c.MaxLogEntries <= 0 {
		return errors.New(errors.ErrInvalid, "max log entries must be positive")
	}
	return nil
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "studysync")
	}
	return ".studysync"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
