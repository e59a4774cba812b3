package studydb

import (
	"context"
	"database/sql"

	"github.com/kimhsiao/studysync/internal/db"
	"github.com/kimhsiao/studysync/internal/errors"
	"github.com/kimhsiao/studysync/internal/uuid"
)

const deviceIDKey = "device_id"

// Settings is the local key/value store. It is never synced.
type Settings struct {
	repo
}

// NewSettings returns the settings repository.
func NewSettings(reg *db.Registry) *Settings {
	return &Settings{repo: newRepo(reg, StoreSettings)}
}

// Get returns the value of key, or false when unset.
func (s *Settings) Get(ctx context.Context, key string) (string, bool, error) {
	conn, err := s.conn()
	if err != nil {
		return "", false, err
	}
	var v string
	err = conn.QueryRowContext(ctx, "SELECT value FROM setting WHERE key = ?", key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(errors.ErrDatabase, "failed to read setting", err)
	}
	return v, true, nil
}

// Set stores value under key.
func (s *Settings) Set(ctx context.Context, key, value string) error {
	_, err := s.exec(ctx, `INSERT INTO setting (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, s.now().UnixMilli())
	return err
}

// DeviceID returns the id of this installation, creating it on first use.
// Remote files are named after it so a device can skip its own uploads.
func (s *Settings) DeviceID(ctx context.Context) (string, error) {
	var id string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, "SELECT value FROM setting WHERE key = ?", deviceIDKey).Scan(&id)
		if err == nil {
			return nil
		}
		if err != sql.ErrNoRows {
			return errors.Wrap(errors.ErrDatabase, "failed to read device id", err)
		}
		id = uuid.New()
		if _, err := tx.ExecContext(ctx, "INSERT INTO setting (key, value, updated_at) VALUES (?, ?, ?)",
			deviceIDKey, id, s.now().UnixMilli()); err != nil {
			return errors.Wrap(errors.ErrDatabase, "failed to store device id", err)
		}
		return nil
	})
	return id, err
}
