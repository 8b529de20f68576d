package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

const migrationsDir = "migrations"

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

var (
	// ErrMigrationRequired is returned at boot when the schema is behind and
	// AUTO_MIGRATE is off.
	ErrMigrationRequired = errors.New("database migration required")
	ErrDirtySchema       = errors.New("database schema is dirty")
)

// Status describes the schema version of a database against the embedded
// migrations.
type Status struct {
	Current uint
	Latest  uint
	Dirty   bool
}

func (s Status) Pending() bool {
	return s.Dirty || s.Current < s.Latest
}

// RunMigrations applies every pending migration.
func RunMigrations(db *sql.DB) error {
	migrator, _, err := newMigrator(db)
	if err != nil {
		return err
	}
	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.
	return nil
}

// Inspect reports the applied and latest schema versions without changing
// anything.
func Inspect(db *sql.DB) (Status, error) {
	migrator, src, err := newMigrator(db)
	if err != nil {
		return Status{}, err
	}
	latest, err := latestVersion(src)
	if err != nil {
		return Status{}, err
	}
	current, dirty, err := migrator.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return Status{Latest: latest}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("read schema version: %w", err)
	}
	return Status{Current: current, Latest: latest, Dirty: dirty}, nil
}

// EnsureCurrent applies pending migrations when auto is set, otherwise it
// fails with ErrMigrationRequired while the schema is behind.
func EnsureCurrent(db *sql.DB, auto bool) (Status, error) {
	if auto {
		if err := RunMigrations(db); err != nil {
			return Status{}, err
		}
	}
	status, err := Inspect(db)
	if err != nil {
		return Status{}, err
	}
	if status.Dirty {
		return status, fmt.Errorf("%w at version %d", ErrDirtySchema, status.Current)
	}
	if status.Pending() {
		return status, fmt.Errorf("%w: at version %d, latest is %d", ErrMigrationRequired, status.Current, status.Latest)
	}
	return status, nil
}

func newMigrator(db *sql.DB) (*migrate.Migrate, source.Driver, error) {
	if db == nil {
		return nil, nil, errors.New("migration database handle is required")
	}
	src, err := openSource()
	if err != nil {
		return nil, nil, err
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, nil, fmt.Errorf("create migration driver: %w", err)
	}
	migrator, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return nil, nil, fmt.Errorf("create migrator: %w", err)
	}
	return migrator, src, nil
}

func openSource() (source.Driver, error) {
	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("open migrations: %w", err)
	}
	src, err := iofs.New(sub, ".")
	if err != nil {
		return nil, fmt.Errorf("create migration source: %w", err)
	}
	return src, nil
}

func latestVersion(src source.Driver) (uint, error) {
	version, err := src.First()
	if err != nil {
		return 0, fmt.Errorf("read migrations: %w", err)
	}
	for {
		next, err := src.Next(version)
		if errors.Is(err, os.ErrNotExist) {
			return version, nil
		}
		if err != nil {
			return 0, fmt.Errorf("read migrations: %w", err)
		}
		version = next
	}
}
