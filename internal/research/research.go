// Package research handles tier-gated research requests: submission through
// the approval gate, admin review, and completion by the research job.
package research

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/garnizeh/insightpipe/internal/alert"
	"github.com/garnizeh/insightpipe/internal/approval"
	"github.com/garnizeh/insightpipe/internal/jobs"
	"github.com/garnizeh/insightpipe/internal/metrics"
	"github.com/garnizeh/insightpipe/pkg/models"
	"github.com/garnizeh/insightpipe/pkg/repository"
)

var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

// SetLogger allows the application to inject a configured logger.
func SetLogger(l *slog.Logger) {
	if l != nil {
		logger = l
	}
}

var (
	ErrQuotaExceeded     = errors.New("monthly research quota exceeded")
	ErrInvalidTransition = errors.New("research request is not in a state that allows this action")
	ErrNotFound          = errors.New("research request not found")
	ErrInvalidInput      = errors.New("invalid research request")
)

const maxIdeaLength = 5000

type Input struct {
	IdeaDescription string `json:"idea_description"`
	TargetMarket    string `json:"target_market"`
	BudgetRange     string `json:"budget_range"`
}

// Enqueuer is satisfied by *jobs.Repository.
type Enqueuer interface {
	Enqueue(ctx context.Context, p jobs.EnqueueParams) (*jobs.Job, error)
}

// SignalScorer is satisfied by *analysis.Worker.
type SignalScorer interface {
	ScoreSignal(ctx context.Context, s models.RawSignal) (*models.Insight, error)
}

type Service struct {
	requests repository.ResearchRepo
	signals  repository.SignalRepo
	scorer   SignalScorer
	queue    Enqueuer
	alerter  alert.Alerter
	now      func() time.Time
}

type Option func(*Service)

// WithAlerter notifies admins when a request lands in the review queue.
func WithAlerter(a alert.Alerter) Option {
	return func(s *Service) { s.alerter = a }
}

func NewService(requests repository.ResearchRepo, signals repository.SignalRepo, scorer SignalScorer, queue Enqueuer, opts ...Option) *Service {
	s := &Service{requests: requests, signals: signals, scorer: scorer, queue: queue, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// MonthStart is the beginning of t's calendar month in UTC.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// Submit applies the approval gate to a new request. Over-quota requests are
// refused with ErrQuotaExceeded and never stored.
func (s *Service) Submit(ctx context.Context, userID string, tier models.Tier, in Input) (*models.ResearchRequest, error) {
	in.IdeaDescription = strings.TrimSpace(in.IdeaDescription)
	if userID == "" {
		return nil, fmt.Errorf("%w: missing user", ErrInvalidInput)
	}
	if in.IdeaDescription == "" {
		return nil, fmt.Errorf("%w: idea_description is required", ErrInvalidInput)
	}
	if len(in.IdeaDescription) > maxIdeaLength {
		return nil, fmt.Errorf("%w: idea_description is longer than %d characters", ErrInvalidInput, maxIdeaLength)
	}

	usage, err := s.requests.CountResearchRequestsSince(ctx, userID, MonthStart(s.now()).UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("count research requests: %w", err)
	}
	decision := approval.Decide(tier, usage)
	metrics.ResearchDecisions.WithLabelValues(string(tier), string(decision)).Inc()

	status := models.ResearchPendingReview
	switch decision {
	case approval.RejectQuotaExceeded:
		q := approval.QuotaFor(tier)
		return nil, fmt.Errorf("%w: %s tier allows %d request(s) per month", ErrQuotaExceeded, tier, q.Cap)
	case approval.AutoApprove:
		status = models.ResearchApproved
	}

	rr := &models.ResearchRequest{
		UserID:           userID,
		TierAtSubmission: tier,
		IdeaDescription:  in.IdeaDescription,
		TargetMarket:     strings.TrimSpace(in.TargetMarket),
		BudgetRange:      strings.TrimSpace(in.BudgetRange),
		Status:           status,
	}
	if err := s.requests.CreateResearchRequest(ctx, rr); err != nil {
		return nil, fmt.Errorf("create research request: %w", err)
	}
	logger.Info("research request submitted", "id", rr.ID, "user_id", userID, "tier", tier, "decision", decision)

	if status == models.ResearchApproved {
		s.enqueue(ctx, rr.ID)
	} else {
		s.notifyPending(ctx, rr)
	}
	return rr, nil
}

// Approve moves a pending request to approved and schedules it.
func (s *Service) Approve(ctx context.Context, id, adminID, note string) (*models.ResearchRequest, error) {
	rr, err := s.review(ctx, id, adminID, note, models.ResearchApproved)
	if err != nil {
		return nil, err
	}
	s.enqueue(ctx, rr.ID)
	return rr, nil
}

// Reject closes a pending request.
func (s *Service) Reject(ctx context.Context, id, adminID, note string) (*models.ResearchRequest, error) {
	return s.review(ctx, id, adminID, note, models.ResearchRejected)
}

func (s *Service) Get(ctx context.Context, id string) (*models.ResearchRequest, error) {
	rr, err := s.requests.GetResearchRequest(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get research request: %w", err)
	}
	if rr == nil {
		return nil, ErrNotFound
	}
	return rr, nil
}

func (s *Service) Pending(ctx context.Context, limit, offset int) ([]models.ResearchRequest, error) {
	return s.requests.ListResearchByStatus(ctx, models.ResearchPendingReview, limit, offset)
}

func (s *Service) review(ctx context.Context, id, adminID, note string, to models.ResearchStatus) (*models.ResearchRequest, error) {
	u := repository.ResearchUpdate{ID: id, From: models.ResearchPendingReview, To: to, ReviewedBy: &adminID}
	if note = strings.TrimSpace(note); note != "" {
		u.ReviewNote = &note
	}
	if err := s.transition(ctx, u); err != nil {
		return nil, err
	}
	logger.Info("research request reviewed", "id", id, "admin_id", adminID, "status", to)
	return s.Get(ctx, id)
}

// transition applies a guarded update and tells a missing row apart from one
// in the wrong state.
func (s *Service) transition(ctx context.Context, u repository.ResearchUpdate) error {
	err := s.requests.UpdateResearchStatus(ctx, u)
	if err == nil {
		return nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("update research request: %w", err)
	}
	if _, gerr := s.Get(ctx, u.ID); gerr != nil {
		return gerr
	}
	return ErrInvalidTransition
}

// Process runs an approved request: the idea is stored as a manual signal,
// scored, and the request completes with the resulting insight id.
// Processing a completed request is a no-op.
func (s *Service) Process(ctx context.Context, id string) error {
	rr, err := s.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return jobs.Permanent(err)
	}
	if err != nil {
		return err
	}
	switch rr.Status {
	case models.ResearchCompleted:
		return nil
	case models.ResearchApproved:
	default:
		return jobs.Permanent(fmt.Errorf("%w: %s", ErrInvalidTransition, rr.Status))
	}

	sig := signalFor(rr)
	if _, err := s.signals.UpsertSignal(ctx, &sig); err != nil {
		return fmt.Errorf("store research signal: %w", err)
	}
	insight, err := s.scorer.ScoreSignal(ctx, sig)
	if err != nil {
		return fmt.Errorf("score research request %s: %w", id, err)
	}

	err = s.transition(ctx, repository.ResearchUpdate{ID: id, From: models.ResearchApproved, To: models.ResearchCompleted, AnalysisID: &insight.ID})
	if errors.Is(err, ErrInvalidTransition) {
		// another run completed it first
		return nil
	}
	if err != nil {
		return err
	}
	logger.Info("research request completed", "id", id, "analysis_id", insight.ID)
	return nil
}

func signalFor(rr *models.ResearchRequest) models.RawSignal {
	title, _, _ := strings.Cut(rr.IdeaDescription, "\n")
	if r := []rune(title); len(r) > 120 {
		title = string(r[:117]) + "..."
	}
	var text strings.Builder
	text.WriteString(rr.IdeaDescription)
	if rr.TargetMarket != "" {
		text.WriteString("\n\nTarget market: " + rr.TargetMarket)
	}
	if rr.BudgetRange != "" {
		text.WriteString("\nBudget: " + rr.BudgetRange)
	}
	return models.RawSignal{
		Source:     models.SourceManual,
		ExternalID: "research:" + rr.ID,
		Title:      title,
		RawText:    text.String(),
		ExtraMetadata: models.Metadata{
			"research_request_id": rr.ID,
			"target_market":       rr.TargetMarket,
			"budget_range":        rr.BudgetRange,
			"tier":                string(rr.TierAtSubmission),
		},
		CollectedAt: time.Now().UTC().UnixMilli(),
	}
}

func (s *Service) enqueue(ctx context.Context, id string) {
	_, err := s.queue.Enqueue(ctx, jobs.EnqueueParams{Kind: jobs.KindResearch, Target: id})
	if err != nil && !errors.Is(err, jobs.ErrConflict) {
		logger.Error("enqueue research job", "id", id, "err", err)
	}
}

func (s *Service) notifyPending(ctx context.Context, rr *models.ResearchRequest) {
	if s.alerter == nil {
		return
	}
	body := fmt.Sprintf("Research request %s from user %s (%s tier) is waiting for review:\n\n%s", rr.ID, rr.UserID, rr.TierAtSubmission, rr.IdeaDescription)
	if err := s.alerter.Alert(ctx, "insightpipe: research request pending review", body, map[string]string{"event": "research.pending"}); err != nil {
		logger.Warn("research pending alert failed", "id", rr.ID, "err", err)
	}
}
