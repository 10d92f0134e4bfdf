package datastore

import (
	"context"
	"fmt"
)

// migration is one step of the database backend's schema bookkeeping.
// IDs are stable and recorded once applied; applyMigrations skips any
// id already present in kv_migrations.
type migration struct {
	ID  string
	SQL string
}

// schemaMigrations is the minimum schema required by the database
// backend: the kv document table itself. Additional steps (indexes,
// auxiliary tables) are additive and appended here with new stable ids;
// they never rewrite an earlier id's SQL.
var schemaMigrations = []migration{
	{
		ID: "0001_create_kv_table",
		SQL: `CREATE TABLE IF NOT EXISTS kv (
			key text PRIMARY KEY,
			data jsonb NOT NULL,
			updated_at timestamptz NOT NULL DEFAULT now()
		)`,
	},
}

const createMigrationsTableSQL = `CREATE TABLE IF NOT EXISTS kv_migrations (
	id text PRIMARY KEY,
	applied_at timestamptz NOT NULL DEFAULT now()
)`

// applyMigrations ensures kv_migrations exists, then applies any pending
// schema migration inside a single transaction. It is idempotent:
// a migration whose id is already recorded is skipped.
func applyMigrations(ctx context.Context, pool dbPool) error {
	if _, err := pool.Exec(ctx, createMigrationsTableSQL); err != nil {
		return fmt.Errorf("datastore: create kv_migrations: %w", err)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("datastore: begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, m := range schemaMigrations {
		var applied int
		err := tx.QueryRow(ctx, `SELECT 1 FROM kv_migrations WHERE id = $1`, m.ID).Scan(&applied)
		if err == nil {
			continue // already applied
		}

		if _, err := tx.Exec(ctx, m.SQL); err != nil {
			return fmt.Errorf("datastore: apply migration %q: %w", m.ID, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO kv_migrations (id, applied_at) VALUES ($1, now())`, m.ID,
		); err != nil {
			return fmt.Errorf("datastore: record migration %q: %w", m.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("datastore: commit migration tx: %w", err)
	}
	return nil
}
