package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

var (
	ErrNoDatabase  = errors.New("migration_database_required")
	ErrDirtySchema = errors.New("migration_schema_dirty")
)

const migrationsTable = "ticketpay_schema_migrations"

// Result reports the schema version after a run.
type Result struct {
	Version uint
	Applied bool
}

// Run brings the payment schema up to the newest embedded version. A schema
// left dirty by a failed run is reported instead of forced, since payment
// tables must not be rewritten blindly.
func Run(db *sql.DB, log *zap.Logger) (Result, error) {
	if db == nil {
		return Result{}, ErrNoDatabase
	}
	if log == nil {
		log = zap.NewNop()
	}

	source, err := iofs.New(embeddedMigrations, migrationsDir)
	if err != nil {
		return Result{}, fmt.Errorf("open migrations: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: migrationsTable})
	if err != nil {
		return Result{}, fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return Result{}, fmt.Errorf("create migrator: %w", err)
	}
	// migrator.Close would close the shared pool.

	before, dirty, err := migrator.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return Result{}, fmt.Errorf("read schema version: %w", err)
	}
	if dirty {
		return Result{Version: before}, fmt.Errorf("%w: version %d", ErrDirtySchema, before)
	}

	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return Result{}, fmt.Errorf("apply migrations: %w", err)
	}

	after, _, err := migrator.Version()
	if err != nil {
		return Result{}, fmt.Errorf("read schema version: %w", err)
	}

	res := Result{Version: after, Applied: after != before}
	log.Info("payment schema ready",
		zap.Uint("from_version", before),
		zap.Uint("version", after),
		zap.Bool("applied", res.Applied),
	)
	return res, nil
}

// Versions lists the embedded migration versions in order. Every version
// must ship both an up and a down script.
func Versions() ([]string, error) {
	entries, err := fs.ReadDir(embeddedMigrations, migrationsDir)
	if err != nil {
		return nil, err
	}

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, entry := range entries {
		name := entry.Name()
		version, _, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[version] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[version] = true
		}
	}

	versions := make([]string, 0, len(ups))
	for version := range ups {
		if !downs[version] {
			return nil, fmt.Errorf("migration %s has no down script", version)
		}
		versions = append(versions, version)
	}
	for version := range downs {
		if !ups[version] {
			return nil, fmt.Errorf("migration %s has no up script", version)
		}
	}
	sort.Strings(versions)
	return versions, nil
}
