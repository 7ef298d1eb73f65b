// Package postgres implements the store driver on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	// Import the PostgreSQL driver.
	_ "github.com/lib/pq"

	"github.com/omnihub/omnihub/internal/profile"
	"github.com/omnihub/omnihub/store"
)

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens a PostgreSQL connection pool for the profile's DSN.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}

	pgDB, err := sql.Open("postgres", profile.DSN)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", profile.DSN)
	}

	pgDB.SetMaxOpenConns(25)
	pgDB.SetMaxIdleConns(5)
	pgDB.SetConnMaxLifetime(time.Hour)

	if err := pgDB.Ping(); err != nil {
		return nil, errors.Wrap(err, "failed to ping database")
	}

	return &DB{db: pgDB, profile: profile}, nil
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
		metadata BYTEA NOT NULL DEFAULT ''::bytea,
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
		snapshot BYTEA NOT NULL DEFAULT ''::bytea
	)`,
	`CREATE INDEX IF NOT EXISTS idx_refresh_job_tenant ON refresh_job (tenant_id)`,
	`CREATE INDEX IF NOT EXISTS idx_refresh_job_channel ON refresh_job (channel_id)`,
}
