package storage

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"slices"
)

// RunMigrations applies unapplied .sql files from migrationsFS in lexical
// order and returns the names it applied. Each file and its
// schema_migrations row commit together, so a failed file can be fixed and
// rerun.
func (db *DB) RunMigrations(ctx context.Context, migrationsFS fs.FS) ([]string, error) {
	if _, err := db.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return nil, fmt.Errorf("storage: create schema_migrations: %w", err)
	}

	applied, err := db.AppliedMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: load applied migrations: %w", err)
	}

	names, err := fs.Glob(migrationsFS, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("storage: list migrations: %w", err)
	}
	slices.Sort(names)

	var ran []string
	for _, name := range names {
		if slices.Contains(applied, name) {
			db.logger.Debug("migration already applied, skipping", "file", name)
			continue
		}
		content, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return ran, fmt.Errorf("storage: read migration %s: %w", name, err)
		}

		db.logger.Info("running migration", "file", path.Base(name))
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return ran, fmt.Errorf("storage: begin migration %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx, string(content)); err != nil {
			_ = tx.Rollback(ctx)
			return ran, fmt.Errorf("storage: execute migration %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING`, name,
		); err != nil {
			_ = tx.Rollback(ctx)
			return ran, fmt.Errorf("storage: record migration %s: %w", name, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return ran, fmt.Errorf("storage: commit migration %s: %w", name, err)
		}
		ran = append(ran, name)
	}
	return ran, nil
}

// AppliedMigrations returns the migration filenames recorded in
// schema_migrations, sorted.
func (db *DB) AppliedMigrations(ctx context.Context) ([]string, error) {
	rows, err := db.pool.Query(ctx, `SELECT version FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var applied []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied = append(applied, v)
	}
	return applied, rows.Err()
}
