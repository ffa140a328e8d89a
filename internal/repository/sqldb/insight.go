package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/garnizeh/insightpipe/pkg/models"
	"github.com/garnizeh/insightpipe/pkg/repository"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const insightColumns = `i.id, i.raw_signal_id, i.related_signal_ids, i.problem_statement, i.proposed_solution, i.market_size_estimate, i.relevance_score,
	i.opportunity_score, i.problem_score, i.feasibility_score, i.why_now_score, i.go_to_market_score, i.founder_fit_score, i.execution_difficulty_score, i.revenue_potential_score,
	i.competitor_analysis, i.status, i.created_at, i.updated_at`

const insertInsight = `INSERT INTO insights (id, raw_signal_id, related_signal_ids, problem_statement, proposed_solution, market_size_estimate, relevance_score,
	opportunity_score, problem_score, feasibility_score, why_now_score, go_to_market_score, founder_fit_score, execution_difficulty_score, revenue_potential_score,
	competitor_analysis, status, created_at, updated_at)
VALUES (:id, :raw_signal_id, :related_signal_ids, :problem_statement, :proposed_solution, :market_size_estimate, :relevance_score,
	:opportunity_score, :problem_score, :feasibility_score, :why_now_score, :go_to_market_score, :founder_fit_score, :execution_difficulty_score, :revenue_potential_score,
	:competitor_analysis, :status, :created_at, :updated_at)
ON CONFLICT (raw_signal_id) DO NOTHING`

const (
	defaultInsightLimit = 20
	maxInsightLimit     = 100
)

// nulls sort last on both sqlite and postgres
var insightOrder = map[string]string{
	repository.SortRelevance:   `i.relevance_score DESC, i.created_at DESC, i.id ASC`,
	repository.SortFounderFit:  `COALESCE(i.founder_fit_score, -1) DESC, i.relevance_score DESC, i.id ASC`,
	repository.SortOpportunity: `COALESCE(i.opportunity_score, -1) DESC, i.relevance_score DESC, i.id ASC`,
	repository.SortFeasibility: `COALESCE(i.feasibility_score, -1) DESC, i.relevance_score DESC, i.id ASC`,
	repository.SortNewest:      `i.created_at DESC, i.id ASC`,
}

func (r *Repo) CreateInsightForSignal(ctx context.Context, in *models.Insight) (bool, error) {
	if in == nil {
		return false, fmt.Errorf("insight is nil")
	}
	if in.RawSignalID == "" {
		return false, fmt.Errorf("insight requires raw_signal_id")
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.Status == "" {
		in.Status = models.InsightDraft
	}
	ts := now()
	if in.CreatedAt == 0 {
		in.CreatedAt = ts
	}
	in.UpdatedAt = ts

	var created bool
	err := r.conn.InTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.NamedExecContext(ctx, insertInsight, in)
		if err != nil {
			return fmt.Errorf("insert insight: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert insight rows affected: %w", err)
		}
		created = n == 1
		if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE raw_signals SET analyzed_at = ? WHERE id = ? AND analyzed_at IS NULL`), ts, in.RawSignalID); err != nil {
			return fmt.Errorf("mark signal analyzed: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

func (r *Repo) GetInsight(ctx context.Context, id string) (*models.Insight, error) {
	return r.getInsight(ctx, `i.id = ?`, id)
}

func (r *Repo) GetInsightBySignal(ctx context.Context, signalID string) (*models.Insight, error) {
	return r.getInsight(ctx, `i.raw_signal_id = ?`, signalID)
}

func (r *Repo) getInsight(ctx context.Context, where string, arg any) (*models.Insight, error) {
	var in models.Insight
	if err := r.conn.Get(ctx, &in, `SELECT `+insightColumns+` FROM insights i WHERE `+where, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &in, nil
}

// ListInsights returns one page of insights and the total number matching f.
// Ordering is always explicit so pages are stable.
func (r *Repo) ListInsights(ctx context.Context, f repository.InsightFilter) ([]models.Insight, int, error) {
	sort := f.Sort
	if sort == "" {
		sort = repository.SortRelevance
	}
	order, ok := insightOrder[sort]
	if !ok {
		return nil, 0, fmt.Errorf("unknown sort %q", f.Sort)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultInsightLimit
	}
	if limit > maxInsightLimit {
		limit = maxInsightLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	conds := []string{"1 = 1"}
	args := []any{}
	if f.MinScore != nil {
		conds = append(conds, "i.relevance_score >= ?")
		args = append(args, *f.MinScore)
	}
	if f.Source != "" {
		conds = append(conds, "s.source = ?")
		args = append(args, f.Source)
	}
	if f.Status != "" {
		conds = append(conds, "i.status = ?")
		args = append(args, f.Status)
	}
	from := ` FROM insights i JOIN raw_signals s ON s.id = i.raw_signal_id WHERE ` + strings.Join(conds, " AND ")

	var total int
	if err := r.conn.Get(ctx, &total, `SELECT COUNT(1)`+from, args...); err != nil {
		return nil, 0, fmt.Errorf("count insights: %w", err)
	}

	out := []models.Insight{}
	q := `SELECT ` + insightColumns + from + ` ORDER BY ` + order + ` LIMIT ? OFFSET ?`
	if err := r.conn.Select(ctx, &out, q, append(args, limit, offset)...); err != nil {
		return nil, 0, fmt.Errorf("list insights: %w", err)
	}
	return out, total, nil
}

func (r *Repo) UpdateInsightStatus(ctx context.Context, id string, from, to models.InsightStatus) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("insight status %s -> %s not allowed", from, to)
	}
	res, err := r.conn.Exec(ctx, `UPDATE insights SET status = ?, updated_at = ? WHERE id = ? AND status = ?`, to, now(), id, from)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}
