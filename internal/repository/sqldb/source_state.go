package sqldb

import (
	"context"
	"database/sql"
	"errors"

	"github.com/garnizeh/insightpipe/pkg/models"
)

const sourceStateColumns = `source, paused, last_run_at, last_status, last_error, updated_at`

func (r *Repo) GetSourceState(ctx context.Context, src models.Source) (*models.SourceState, error) {
	var s models.SourceState
	if err := r.conn.Get(ctx, &s, `SELECT `+sourceStateColumns+` FROM source_states WHERE source = ?`, src); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

func (r *Repo) ListSourceStates(ctx context.Context) ([]models.SourceState, error) {
	out := []models.SourceState{}
	if err := r.conn.Select(ctx, &out, `SELECT `+sourceStateColumns+` FROM source_states ORDER BY source`); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) SetSourcePaused(ctx context.Context, src models.Source, paused bool) error {
	_, err := r.conn.Exec(ctx, `INSERT INTO source_states (source, paused, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (source) DO UPDATE SET paused = excluded.paused, updated_at = excluded.updated_at`, src, paused, now())
	return err
}

// RecordSourceRun stores the outcome of the latest scrape for src.
func (r *Repo) RecordSourceRun(ctx context.Context, src models.Source, status string, runErr error) error {
	var msg *string
	if runErr != nil {
		s := runErr.Error()
		msg = &s
	}
	ts := now()
	_, err := r.conn.Exec(ctx, `INSERT INTO source_states (source, paused, last_run_at, last_status, last_error, updated_at) VALUES (?, FALSE, ?, ?, ?, ?)
		ON CONFLICT (source) DO UPDATE SET last_run_at = excluded.last_run_at, last_status = excluded.last_status, last_error = excluded.last_error, updated_at = excluded.updated_at`,
		src, ts, status, msg, ts)
	return err
}
