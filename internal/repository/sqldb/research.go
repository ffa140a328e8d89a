package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/garnizeh/insightpipe/pkg/models"
	"github.com/garnizeh/insightpipe/pkg/repository"
	"github.com/google/uuid"
)

const researchColumns = `id, user_id, tier_at_submission, idea_description, target_market, budget_range, status, analysis_id, reviewed_by, review_note, created_at, updated_at`

func (r *Repo) CreateResearchRequest(ctx context.Context, rr *models.ResearchRequest) error {
	if rr == nil {
		return fmt.Errorf("research request is nil")
	}
	if rr.ID == "" {
		rr.ID = uuid.NewString()
	}
	ts := now()
	if rr.CreatedAt == 0 {
		rr.CreatedAt = ts
	}
	rr.UpdatedAt = ts
	_, err := r.conn.Exec(ctx, `INSERT INTO research_requests (`+researchColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rr.ID, rr.UserID, rr.TierAtSubmission, rr.IdeaDescription, rr.TargetMarket, rr.BudgetRange, rr.Status,
		rr.AnalysisID, rr.ReviewedBy, rr.ReviewNote, rr.CreatedAt, rr.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert research request: %w", err)
	}
	return nil
}

func (r *Repo) GetResearchRequest(ctx context.Context, id string) (*models.ResearchRequest, error) {
	var rr models.ResearchRequest
	if err := r.conn.Get(ctx, &rr, `SELECT `+researchColumns+` FROM research_requests WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rr, nil
}

func (r *Repo) CountResearchRequestsSince(ctx context.Context, userID string, since int64) (int, error) {
	var n int
	if err := r.conn.Get(ctx, &n, `SELECT COUNT(1) FROM research_requests WHERE user_id = ? AND created_at >= ?`, userID, since); err != nil {
		return 0, fmt.Errorf("count research requests: %w", err)
	}
	return n, nil
}

func (r *Repo) ListResearchByStatus(ctx context.Context, status models.ResearchStatus, limit, offset int) ([]models.ResearchRequest, error) {
	if limit <= 0 {
		limit = 50
	}
	out := []models.ResearchRequest{}
	if err := r.conn.Select(ctx, &out, `SELECT `+researchColumns+` FROM research_requests WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?`, status, limit, offset); err != nil {
		return nil, fmt.Errorf("list research requests: %w", err)
	}
	return out, nil
}

// UpdateResearchStatus applies u only while the row is still in u.From, so
// concurrent reviewers cannot both win.
func (r *Repo) UpdateResearchStatus(ctx context.Context, u repository.ResearchUpdate) error {
	if !u.From.CanTransition(u.To) {
		return fmt.Errorf("research status %s -> %s not allowed", u.From, u.To)
	}
	res, err := r.conn.Exec(ctx, `UPDATE research_requests SET status = ?, updated_at = ?,
		reviewed_by = COALESCE(?, reviewed_by), review_note = COALESCE(?, review_note), analysis_id = COALESCE(?, analysis_id)
		WHERE id = ? AND status = ?`,
		u.To, now(), u.ReviewedBy, u.ReviewNote, u.AnalysisID, u.ID, u.From)
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
