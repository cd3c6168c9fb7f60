package db

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
)

//go:embed migrations
var MigrationFS embed.FS

// ErrNoChange is returned by Migrate when there is nothing to apply.
var ErrNoChange = migrate.ErrNoChange

// Migrate applies the embedded migrations for driver in the given direction
// ("up" or "down") on an already open connection. The caller keeps ownership
// of dbx. MySQL DSNs need multiStatements=true.
func Migrate(dbx *sqlx.DB, driver, direction string) error {
	if direction != "up" && direction != "down" {
		return fmt.Errorf("direction must be up or down, got %q", direction)
	}

	var (
		drv database.Driver
		err error
	)
	switch driver {
	case DriverMySQL:
		drv, err = mysql.WithInstance(dbx.DB, &mysql.Config{})
	case DriverPostgres:
		drv, err = postgres.WithInstance(dbx.DB, &postgres.Config{})
	case DriverSQLite:
		drv, err = sqlite.WithInstance(dbx.DB, &sqlite.Config{})
	default:
		return fmt.Errorf("no migrations for driver %q", driver)
	}
	if err != nil {
		return fmt.Errorf("migrate driver: %w", err)
	}

	src, err := iofs.New(MigrationFS, "migrations/"+driver)
	if err != nil {
		return fmt.Errorf("migrate source: %w", err)
	}
	defer func() { _ = src.Close() }()

	// m.Close would also close dbx, so only the source is released here.
	m, err := migrate.NewWithInstance("iofs", src, driver, drv)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	switch direction {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
