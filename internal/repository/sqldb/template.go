package sqldb

import (
	"context"
	"database/sql"
	"errors"

	"github.com/garnizeh/insightpipe/pkg/models"
)

const templateColumns = `name, version, template_text, schema_version, metadata, created_at, updated_at`

func (r *Repo) CreateTemplate(ctx context.Context, name, version, templateText string, schemaVersion *string, metadata *string) error {
	ts := now()
	_, err := r.conn.Exec(ctx, `INSERT INTO ai_templates (`+templateColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name, version) DO UPDATE SET template_text = excluded.template_text, schema_version = excluded.schema_version, metadata = excluded.metadata, updated_at = excluded.updated_at`,
		name, version, templateText, schemaVersion, metadata, ts, ts)
	return err
}

func (r *Repo) GetTemplate(ctx context.Context, name, version string) (*models.Template, error) {
	var t models.Template
	if err := r.conn.Get(ctx, &t, `SELECT `+templateColumns+` FROM ai_templates WHERE name = ? AND version = ?`, name, version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

func (r *Repo) ListTemplates(ctx context.Context) ([]models.Template, error) {
	out := []models.Template{}
	if err := r.conn.Select(ctx, &out, `SELECT `+templateColumns+` FROM ai_templates ORDER BY name, version`); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) DeleteTemplate(ctx context.Context, name, version string) error {
	_, err := r.conn.Exec(ctx, `DELETE FROM ai_templates WHERE name = ? AND version = ?`, name, version)
	return err
}
