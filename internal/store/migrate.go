package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/matheus3301/chatvault/internal/store/migrations"
)

// SchemaVersion is the migration version this build expects.
const SchemaVersion = 2

// MigrateResult describes what happened during migration.
type MigrateResult struct {
	From    uint
	Version uint
	Dirty   bool
	Changed bool
}

// Migrate runs all pending embedded migrations. The migrate instance is not
// closed because closing it would close the shared *sql.DB.
func (db *DB) Migrate() (*MigrateResult, error) {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{MigrationsTable: "schema_migrations"})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("migration instance: %w", err)
	}

	res := &MigrateResult{}
	if v, dirty, err := m.Version(); err == nil {
		if dirty {
			return nil, fmt.Errorf("migration: database dirty at version %d", v)
		}
		res.From = v
	} else if !errors.Is(err, migrate.ErrNilVersion) {
		return nil, fmt.Errorf("migration version: %w", err)
	}

	switch err := m.Up(); {
	case errors.Is(err, migrate.ErrNoChange):
	case err != nil:
		return nil, fmt.Errorf("migration up: %w", err)
	default:
		res.Changed = true
	}

	res.Version, res.Dirty, _ = m.Version()
	return res, nil
}
