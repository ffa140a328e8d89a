package db

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

const (
	seedSchemaPath   = "seed/insight_schema_v1.json"
	seedTemplatePath = "seed/template_insight_v1.txt"
)

// Migrate applies the embedded migrations under "migrations/" and then the
// optional seed files. Seeds never overwrite rows that already exist, so
// schemas and templates edited through the admin API survive restarts.
func Migrate(ctx context.Context, d *DB, migrationFS fs.FS, seedFS fs.FS) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	var drv database.Driver
	switch d.driver {
	case DriverPostgres:
		drv, err = postgres.WithInstance(d.conn.DB, &postgres.Config{})
	default:
		drv, err = sqlite.WithInstance(d.conn.DB, &sqlite.Config{})
	}
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, d.driver, drv)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	// m.Close is not called: the database driver would close the shared pool.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}

	if seedFS == nil {
		return nil
	}
	return Seed(ctx, d, seedFS)
}

// Seed loads the default scorer schema and prompt template.
func Seed(ctx context.Context, d *DB, seedFS fs.FS) error {
	now := time.Now().UTC().UnixMilli()

	if b, err := fs.ReadFile(seedFS, seedSchemaPath); err == nil {
		if _, err := d.Exec(ctx, `INSERT INTO ai_schemas (version, description, schema_json, created_at, updated_at) VALUES (?, ?, ?, ?, ?) ON CONFLICT (version) DO NOTHING`,
			"v1", "insight scorer output v1", string(b), now, now); err != nil {
			return fmt.Errorf("seed schema exec: %w", err)
		}
	}

	if b, err := fs.ReadFile(seedFS, seedTemplatePath); err == nil {
		if _, err := d.Exec(ctx, `INSERT INTO ai_templates (name, version, template_text, schema_version, metadata, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT (name, version) DO NOTHING`,
			"insight", "v1", string(b), "v1", `{"owner":"system","description":"default insight scoring template"}`, now, now); err != nil {
			return fmt.Errorf("seed template exec: %w", err)
		}
	}

	return nil
}
