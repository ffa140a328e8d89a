package repository

import (
	"context"
	"errors"

	"github.com/garnizeh/insightpipe/pkg/models"
)

// Repository interfaces for domain entities. These are the public contracts
// consumers should depend on; concrete implementations live under internal/.

// ErrNotFound is returned by conditional updates that matched no row.
var ErrNotFound = errors.New("not found")

type SignalRepo interface {
	// UpsertSignal inserts the signal unless (source, external_id) exists, in
	// which case only extra_metadata is refreshed. s.ID is set to the stored id.
	UpsertSignal(ctx context.Context, s *models.RawSignal) (models.UpsertResult, error)
	GetSignal(ctx context.Context, id string) (*models.RawSignal, error)
	// ListUnanalyzed returns up to limit scraped signals without an insight,
	// oldest first. Manual research signals are left to their research job.
	ListUnanalyzed(ctx context.Context, limit int) ([]models.RawSignal, error)
	CountUnanalyzed(ctx context.Context) (int, error)
	MarkAnalyzed(ctx context.Context, ids []string) error
	// MarkAnalysisFailed quarantines a signal whose scorer output stayed invalid.
	MarkAnalysisFailed(ctx context.Context, id, reason string) error
}

// Sort keys accepted by ListInsights.
const (
	SortRelevance   = "relevance"
	SortFounderFit  = "founder_fit"
	SortOpportunity = "opportunity"
	SortFeasibility = "feasibility"
	SortNewest      = "newest"
)

type InsightFilter struct {
	MinScore *float64
	Source   models.Source
	Status   models.InsightStatus
	Sort     string
	Limit    int
	Offset   int
}

type InsightRepo interface {
	// CreateInsightForSignal inserts the insight and marks its signal analyzed
	// in one transaction. created is false when the signal already has one.
	CreateInsightForSignal(ctx context.Context, in *models.Insight) (created bool, err error)
	GetInsight(ctx context.Context, id string) (*models.Insight, error)
	GetInsightBySignal(ctx context.Context, signalID string) (*models.Insight, error)
	ListInsights(ctx context.Context, f InsightFilter) ([]models.Insight, int, error)
	UpdateInsightStatus(ctx context.Context, id string, from, to models.InsightStatus) error
}

// ResearchUpdate describes a guarded status change; the row must still be in From.
type ResearchUpdate struct {
	ID         string
	From       models.ResearchStatus
	To         models.ResearchStatus
	ReviewedBy *string
	ReviewNote *string
	AnalysisID *string
}

type ResearchRepo interface {
	CreateResearchRequest(ctx context.Context, r *models.ResearchRequest) error
	GetResearchRequest(ctx context.Context, id string) (*models.ResearchRequest, error)
	CountResearchRequestsSince(ctx context.Context, userID string, since int64) (int, error)
	ListResearchByStatus(ctx context.Context, status models.ResearchStatus, limit, offset int) ([]models.ResearchRequest, error)
	UpdateResearchStatus(ctx context.Context, u ResearchUpdate) error
}

type UserRepo interface {
	CreateUser(ctx context.Context, u *models.User) error
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
}

type SourceStateRepo interface {
	GetSourceState(ctx context.Context, src models.Source) (*models.SourceState, error)
	ListSourceStates(ctx context.Context) ([]models.SourceState, error)
	SetSourcePaused(ctx context.Context, src models.Source, paused bool) error
	RecordSourceRun(ctx context.Context, src models.Source, status string, runErr error) error
}

type SchemaRepo interface {
	CreateSchema(ctx context.Context, version, description, schemaJSON string) error
	GetSchemaByVersion(ctx context.Context, version string) (*models.Schema, error)
	ListSchemas(ctx context.Context) ([]models.Schema, error)
	DeleteSchema(ctx context.Context, version string) error
}

type TemplateRepo interface {
	CreateTemplate(ctx context.Context, name, version, templateText string, schemaVersion *string, metadata *string) error
	GetTemplate(ctx context.Context, name, version string) (*models.Template, error)
	ListTemplates(ctx context.Context) ([]models.Template, error)
	DeleteTemplate(ctx context.Context, name, version string) error
}
