package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func migrateLog() *slog.Logger { return slog.Default().With(slog.String("component", "db_migrate")) }

// migrator opens golang-migrate over the embedded migrations. MIGRATIONS_SOURCE
// (e.g. file:///srv/migrations) replaces the embedded set.
func migrator(db *sql.DB) (*migrate.Migrate, error) {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("migrate driver: %w", err)
	}
	if url := os.Getenv("MIGRATIONS_SOURCE"); url != "" {
		m, err := migrate.NewWithDatabaseInstance(url, "postgres", driver)
		if err != nil {
			return nil, fmt.Errorf("open migrations %s: %w", url, err)
		}
		return m, nil
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	return m, nil
}

// RunMigrations applies every pending versioned migration
// (migrations/NNNNNN_name.up.sql). Running it on an up-to-date schema is a
// no-op.
func RunMigrations(db *sql.DB) error {
	m, err := migrator(db)
	if err != nil {
		return err
	}
	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		migrateLog().Info("database schema is up to date")
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return reportVersion(m, "migrations applied")
}

// MigrateDown reverts the newest migration. Reverting the first one drops
// every table, chat history included.
func MigrateDown(db *sql.DB) error {
	m, err := migrator(db)
	if err != nil {
		return err
	}
	err = m.Steps(-1)
	if errors.Is(err, migrate.ErrNoChange) {
		migrateLog().Info("no migrations to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("roll back migration: %w", err)
	}
	return reportVersion(m, "migration rolled back")
}

func reportVersion(m *migrate.Migrate, msg string) error {
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		migrateLog().Info(msg, slog.String("version", "none"))
		return nil
	}
	if err != nil {
		migrateLog().Warn("could not read migration version", slog.Any("err", err))
		return nil
	}
	if dirty {
		return fmt.Errorf("schema is dirty at version %d; fix it by hand and force the version", v)
	}
	migrateLog().Info(msg, slog.Uint64("version", uint64(v)))
	return nil
}

// MigrationVersion returns the applied version and dirty flag; 0 when no
// migration has run.
func MigrationVersion(db *sql.DB) (uint, bool, error) {
	m, err := migrator(db)
	if err != nil {
		return 0, false, err
	}
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read migration version: %w", err)
	}
	return v, dirty, nil
}
