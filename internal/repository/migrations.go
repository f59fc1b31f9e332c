package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/postgres/001_initial_schema.sql
var postgresSchemaV1 string

//go:embed migrations/sqlite/001_initial_schema.sql
var sqliteSchemaV1 string

// MigratePostgres applies the schema to a Postgres database. Statements are
// idempotent, so it is safe to run on every start.
func MigratePostgres(ctx context.Context, db *pgxpool.Pool) error {
	if _, err := db.Exec(ctx, postgresSchemaV1); err != nil {
		return fmt.Errorf("applying postgres migration v1: %w", err)
	}
	return nil
}

func migrateSQLite(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		// schema_migrations does not exist yet
		version = 0
	}
	if version < 1 {
		if _, err := db.ExecContext(ctx, sqliteSchemaV1); err != nil {
			return fmt.Errorf("applying sqlite migration v1: %w", err)
		}
	}
	return nil
}
