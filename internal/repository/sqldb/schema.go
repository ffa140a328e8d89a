package sqldb

import (
	"context"
	"database/sql"
	"errors"

	"github.com/garnizeh/insightpipe/pkg/models"
)

// CreateSchema inserts or updates a schema by version.
func (r *Repo) CreateSchema(ctx context.Context, version, description, schemaJSON string) error {
	ts := now()
	_, err := r.conn.Exec(ctx, `INSERT INTO ai_schemas (version, description, schema_json, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (version) DO UPDATE SET description = excluded.description, schema_json = excluded.schema_json, updated_at = excluded.updated_at`,
		version, description, schemaJSON, ts, ts)
	return err
}

func (r *Repo) GetSchemaByVersion(ctx context.Context, version string) (*models.Schema, error) {
	var s models.Schema
	if err := r.conn.Get(ctx, &s, `SELECT version, description, schema_json, created_at, updated_at FROM ai_schemas WHERE version = ?`, version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

func (r *Repo) ListSchemas(ctx context.Context) ([]models.Schema, error) {
	out := []models.Schema{}
	if err := r.conn.Select(ctx, &out, `SELECT version, description, schema_json, created_at, updated_at FROM ai_schemas ORDER BY version`); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) DeleteSchema(ctx context.Context, version string) error {
	_, err := r.conn.Exec(ctx, `DELETE FROM ai_schemas WHERE version = ?`, version)
	return err
}
