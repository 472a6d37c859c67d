package db

import (
	"context"
	"embed"
	"io/fs"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// migrationLockID serializes concurrent migrators (overlapping deploys).
const migrationLockID = 7305021

// Migrate applies every embedded migration not yet recorded in
// schema_migrations, in filename order, inside one transaction held under a
// transaction-scoped advisory lock. It returns the names applied.
func Migrate(ctx context.Context, pool Pool) ([]string, error) {
	log := zap.L().With(zap.String("component", "db.migrate"))

	names, err := MigrationNames()
	if err != nil {
		return nil, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "db: migrate: begin tx")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", migrationLockID); err != nil {
		return nil, eris.Wrap(err, "db: migrate: acquire advisory lock")
	}

	if _, err := tx.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename   TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return nil, eris.Wrap(err, "db: migrate: ensure schema_migrations")
	}

	rows, err := tx.Query(ctx, "SELECT filename FROM schema_migrations")
	if err != nil {
		return nil, eris.Wrap(err, "db: migrate: query applied")
	}
	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "db: migrate: scan applied")
		}
		applied[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "db: migrate: iterate applied")
	}

	var done []string
	for _, name := range names {
		if applied[name] {
			continue
		}
		data, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return nil, eris.Wrapf(err, "db: migrate: read %s", name)
		}

		log.Info("applying migration", zap.String("file", name))
		if _, err := tx.Exec(ctx, string(data)); err != nil {
			return nil, eris.Wrapf(err, "db: migrate: apply %s", name)
		}
		if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (filename) VALUES ($1)", name); err != nil {
			return nil, eris.Wrapf(err, "db: migrate: record %s", name)
		}
		done = append(done, name)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "db: migrate: commit")
	}
	log.Info("migrations complete", zap.Int("applied", len(done)), zap.Int("total", len(names)))
	return done, nil
}

// MigrationNames lists the embedded migration files in apply order.
func MigrationNames() ([]string, error) {
	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return nil, eris.Wrap(err, "db: read migration dir")
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}
