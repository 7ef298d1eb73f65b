// Package sqlite implements the store driver on SQLite.
//
// SQLite is supported for development and single-instance deployments.
// Concurrent credential writes are serialized by the credential store's
// per-channel locks, so SQLite's single-writer model is sufficient here.
package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	// Import the SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/omnihub/omnihub/internal/profile"
	"github.com/omnihub/omnihub/store"
)

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens the SQLite database at the profile's DSN with WAL journal
// mode and a busy timeout, matching the modernc.org/sqlite pragma syntax.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}

	sqliteDB, err := sql.Open("sqlite", profile.DSN+"?_pragma=foreign_keys(0)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", profile.DSN)
	}

	// SQLite allows a single writer; extra open connections just queue.
	sqliteDB.SetMaxOpenConns(1)
	sqliteDB.SetConnMaxLifetime(time.Hour)

	return &DB{db: sqliteDB, profile: profile}, nil
}

func (d *DB) GetDB() *sql.DB {
	return d.db
}

func (d *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "failed to apply schema")
		}
	}
	return nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS channel (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		platform TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		identity TEXT NOT NULL DEFAULT '',
		metadata BLOB NOT NULL DEFAULT '',
		created_ts BIGINT NOT NULL,
		updated_ts BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_channel_tenant ON channel (tenant_id)`,
	`CREATE TABLE IF NOT EXISTS refresh_job (
		id TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		created_ts BIGINT NOT NULL,
		last_attempt_ts BIGINT NOT NULL DEFAULT 0,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		snapshot BLOB NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_refresh_job_tenant ON refresh_job (tenant_id)`,
	`CREATE INDEX IF NOT EXISTS idx_refresh_job_channel ON refresh_job (channel_id)`,
}
