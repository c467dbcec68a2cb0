package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/matheus3301/relay/internal/store/migrations"
)

// ErrDirtySchema is returned when an earlier migration stopped halfway.
// relay.db then needs manual repair before the daemon can start.
var ErrDirtySchema = errors.New("relay.db schema is dirty")

// MigrateResult describes what happened during migration.
type MigrateResult struct {
	// Previous is the schema version found before migrating, 0 for a new file.
	Previous uint
	Version  uint
	Dirty    bool
	Changed  bool
}

func (db *DB) migrator() (*migrate.Migrate, error) {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("migration instance: %w", err)
	}
	return m, nil
}

// schemaVersion reports the applied version; a database without migrations
// is at version 0.
func schemaVersion(m *migrate.Migrate) (uint, bool, error) {
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("schema version: %w", err)
	}
	return v, dirty, nil
}

// Migrate brings relay.db up to the latest embedded schema. A dirty schema is
// refused with ErrDirtySchema rather than migrated over.
func (db *DB) Migrate() (*MigrateResult, error) {
	m, err := db.migrator()
	if err != nil {
		return nil, err
	}

	before, dirty, err := schemaVersion(m)
	if err != nil {
		return nil, err
	}
	if dirty {
		return nil, fmt.Errorf("%w at version %d", ErrDirtySchema, before)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return nil, fmt.Errorf("migration up from version %d: %w", before, err)
	}

	after, dirty, err := schemaVersion(m)
	if err != nil {
		return nil, err
	}
	return &MigrateResult{
		Previous: before,
		Version:  after,
		Dirty:    dirty,
		Changed:  after != before,
	}, nil
}
