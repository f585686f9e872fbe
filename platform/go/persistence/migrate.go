package persistence

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	sqlassets "github.com/benediktbwimmer/apphub-metastore/database"
)

// ApplyMigrations creates the target schema (if missing) and applies the
// embedded migrations that have not run yet, in order. Every migration runs in
// its own transaction with search_path set to the target schema, and records
// its identifier in schema_migrations so reruns are no-ops. SQL is embedded at
// build time so binaries stay self-contained. The helper is idempotent and
// shared by server startup, the admin CLI and tests.
//
// It returns the identifiers applied during this call.
func ApplyMigrations(ctx context.Context, pool *pgxpool.Pool, schema string) ([]string, error) {
	if pool == nil {
		return nil, fmt.Errorf("apply migrations: pool is required")
	}
	if schema == "" {
		return nil, fmt.Errorf("apply migrations: schema is required")
	}

	if _, err := pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{schema}.Sanitize()); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}

	applied := make([]string, 0, len(sqlassets.Migrations()))
	for _, migration := range sqlassets.Migrations() {
		ran, err := applyMigration(ctx, pool, schema, migration)
		if err != nil {
			return applied, fmt.Errorf("apply migration %s: %w", migration.ID, err)
		}
		if ran {
			applied = append(applied, migration.ID)
		}
	}

	return applied, nil
}

func applyMigration(ctx context.Context, pool *pgxpool.Pool, schema string, migration sqlassets.Migration) (bool, error) {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if _, err := tx.Exec(ctx, `SELECT set_config('search_path', $1, false)`, schema); err != nil {
		return false, fmt.Errorf("set search_path: %w", err)
	}

	if _, err := tx.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		id TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`); err != nil {
		return false, fmt.Errorf("ensure schema_migrations: %w", err)
	}

	tag, err := tx.Exec(ctx, `INSERT INTO schema_migrations (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, migration.ID)
	if err != nil {
		return false, fmt.Errorf("record migration: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, tx.Commit(ctx)
	}

	for _, stmt := range splitStatements(migration.SQL) {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return false, fmt.Errorf("apply ddl: %w", err)
		}
	}

	return true, tx.Commit(ctx)
}

// splitStatements breaks embedded DDL into individual statements so they can
// run through the extended protocol. Good enough for the migration assets,
// which never embed semicolons inside string literals.
func splitStatements(sql string) []string {
	parts := strings.Split(sql, ";")
	statements := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			statements = append(statements, trimmed)
		}
	}
	return statements
}
