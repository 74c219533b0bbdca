package storage

import (
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// ApplyMigrations runs every pending migration under ./migrations against
// dbConnStr, as a reusable function so both the CLI and tests can call it.
func ApplyMigrations(dbConnStr string) error {
	m, err := migrate.New("file://migrations", dbConnStr)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}
