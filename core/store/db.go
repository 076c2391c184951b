package store

import (
	"database/sql"
	"embed"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Open connects to the configured database and applies pending migrations.
func Open(driver, url string) (*sql.DB, error) {
	driverName, dialect, err := resolveDriver(driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driverName, url)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	if driverName == "sqlite" {
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, err
		}
	}
	if err := Migrate(db, dialect); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func Migrate(db *sql.DB, dialect string) error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(dialect); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}

// resolveDriver maps the configured driver to an sql driver and goose
// dialect. Store queries use sqlite placeholder syntax, so sqlite is the
// supported runtime backend; the postgres mapping serves migration tooling
// against an externally managed database.
func resolveDriver(driver string) (driverName, dialect string, err error) {
	switch driver {
	case "postgres":
		return "pgx", "postgres", nil
	case "", "sqlite":
		return "sqlite", "sqlite3", nil
	default:
		return "", "", fmt.Errorf("unsupported db driver %q", driver)
	}
}
