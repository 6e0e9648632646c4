package database

import (
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"

	apperrors "github.com/coldtrail/taskboard/pkg/shared/errors"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies all pending goose migrations embedded in this package.
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(migrationFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return apperrors.DatabaseError("set migration dialect", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return apperrors.DatabaseError("run migrations", err)
	}
	return nil
}

// MigrateDown rolls back the most recently applied migration. The production
// entrypoint never calls it.
func MigrateDown(db *sql.DB) error {
	goose.SetBaseFS(migrationFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return apperrors.DatabaseError("set migration dialect", err)
	}
	if err := goose.Down(db, "migrations"); err != nil {
		return apperrors.DatabaseError("rollback migration", err)
	}
	return nil
}
