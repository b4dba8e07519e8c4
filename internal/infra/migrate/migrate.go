// Package migrate applies the embedded schema with golang-migrate.
package migrate

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrator applies and rolls back the embedded migrations.
type Migrator struct {
	databaseURL string
	logger      zerolog.Logger
}

func NewMigrator(databaseURL string, logger zerolog.Logger) *Migrator {
	return &Migrator{databaseURL: databaseURL, logger: logger}
}

// Up applies all pending migrations. No pending change is not an error.
func (m *Migrator) Up() error {
	return m.run(func(mg *migrate.Migrate) error { return mg.Up() }, "applied")
}

// Down rolls back every migration.
func (m *Migrator) Down() error {
	return m.run(func(mg *migrate.Migrate) error { return mg.Down() }, "rolled back")
}

// Version returns the current schema version; zero when nothing was applied.
func (m *Migrator) Version() (uint, bool, error) {
	var (
		version uint
		dirty   bool
	)
	err := m.with(func(mg *migrate.Migrate) error {
		v, d, err := mg.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			return nil
		}
		version, dirty = v, d
		return err
	})
	return version, dirty, err
}

func (m *Migrator) run(step func(*migrate.Migrate) error, verb string) error {
	return m.with(func(mg *migrate.Migrate) error {
		if err := step(mg); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("migrations %s: %w", verb, err)
		}
		m.logger.Info().Msgf("migrate: database migrations %s", verb)
		return nil
	})
}

func (m *Migrator) with(fn func(*migrate.Migrate) error) error {
	db, err := sql.Open("postgres", m.databaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: "schema_migrations"})
	if err != nil {
		return fmt.Errorf("create postgres driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create source driver: %w", err)
	}
	mg, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer mg.Close()
	mg.LockTimeout = 30 * time.Second

	return fn(mg)
}
