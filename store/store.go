// Package store provides database access to channel records and refresh jobs.
package store

import (
	"context"
	"database/sql"

	"github.com/omnihub/omnihub/internal/profile"
)

// Driver is an interface for store driver.
type Driver interface {
	GetDB() *sql.DB
	Migrate(ctx context.Context) error
	Close() error
}

// Store provides database access to all raw objects.
type Store struct {
	profile *profile.Profile
	driver  Driver
}

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile) *Store {
	return &Store{
		driver:  driver,
		profile: profile,
	}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

func (s *Store) Close() error {
	return s.driver.Close()
}
