package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/garnizeh/insightpipe/pkg/models"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const signalColumns = `id, source, external_id, url, title, raw_text, extra_metadata, collected_at, analyzed_at, analysis_error`

const defaultAnalysisBatch = 10

func (r *Repo) UpsertSignal(ctx context.Context, s *models.RawSignal) (models.UpsertResult, error) {
	if s == nil {
		return "", fmt.Errorf("signal is nil")
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CollectedAt == 0 {
		s.CollectedAt = now()
	}
	if s.ExtraMetadata == nil {
		s.ExtraMetadata = models.Metadata{}
	}

	var result models.UpsertResult
	err := r.conn.InTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO raw_signals (id, source, external_id, url, title, raw_text, extra_metadata, collected_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (source, external_id) DO NOTHING`),
			s.ID, s.Source, s.ExternalID, s.URL, s.Title, s.RawText, s.ExtraMetadata, s.CollectedAt)
		if err != nil {
			return fmt.Errorf("insert signal: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert signal rows affected: %w", err)
		}
		if n == 1 {
			result = models.UpsertInserted
			return nil
		}

		// duplicate: refresh engagement only, everything else stays as first seen
		if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE raw_signals SET extra_metadata = ? WHERE source = ? AND external_id = ?`),
			s.ExtraMetadata, s.Source, s.ExternalID); err != nil {
			return fmt.Errorf("refresh signal metadata: %w", err)
		}
		var stored models.RawSignal
		if err := tx.GetContext(ctx, &stored, tx.Rebind(`SELECT `+signalColumns+` FROM raw_signals WHERE source = ? AND external_id = ?`), s.Source, s.ExternalID); err != nil {
			return fmt.Errorf("load existing signal: %w", err)
		}
		*s = stored
		result = models.UpsertDuplicate
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func (r *Repo) GetSignal(ctx context.Context, id string) (*models.RawSignal, error) {
	var s models.RawSignal
	if err := r.conn.Get(ctx, &s, `SELECT `+signalColumns+` FROM raw_signals WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// ListUnanalyzed returns the oldest scraped signals still awaiting analysis.
// Manual signals are scored by the research job that stored them and never
// enter the backlog.
func (r *Repo) ListUnanalyzed(ctx context.Context, limit int) ([]models.RawSignal, error) {
	if limit <= 0 {
		limit = defaultAnalysisBatch
	}
	out := []models.RawSignal{}
	if err := r.conn.Select(ctx, &out, `SELECT `+signalColumns+` FROM raw_signals WHERE analyzed_at IS NULL AND source <> 'manual' ORDER BY collected_at ASC, id ASC LIMIT ?`, limit); err != nil {
		return nil, fmt.Errorf("list unanalyzed: %w", err)
	}
	return out, nil
}

func (r *Repo) CountUnanalyzed(ctx context.Context) (int, error) {
	var n int
	if err := r.conn.Get(ctx, &n, `SELECT COUNT(1) FROM raw_signals WHERE analyzed_at IS NULL AND source <> 'manual'`); err != nil {
		return 0, fmt.Errorf("count unanalyzed: %w", err)
	}
	return n, nil
}

func (r *Repo) MarkAnalyzed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	q, args, err := sqlx.In(`UPDATE raw_signals SET analyzed_at = ? WHERE analyzed_at IS NULL AND id IN (?)`, now(), ids)
	if err != nil {
		return err
	}
	if _, err := r.conn.Exec(ctx, q, args...); err != nil {
		return fmt.Errorf("mark analyzed: %w", err)
	}
	return nil
}

func (r *Repo) MarkAnalysisFailed(ctx context.Context, id, reason string) error {
	_, err := r.conn.Exec(ctx, `UPDATE raw_signals SET analyzed_at = ?, analysis_error = ? WHERE id = ? AND analyzed_at IS NULL`, now(), reason, id)
	return err
}
