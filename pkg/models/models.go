package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
)

// Domain models matching the database schema in db/migrations/0001_init.up.sql.
// Timestamps are unix milliseconds (UTC).

type Source string

const (
	SourceReddit       Source = "reddit"
	SourceProductHunt  Source = "product_hunt"
	SourceGoogleTrends Source = "google_trends"
	SourceHackerNews   Source = "hacker_news"
	SourceTwitter      Source = "twitter"
	SourceRSS          Source = "rss"
	SourceManual       Source = "manual"
)

// ScrapeSources lists every source that has an adapter, in scheduling order.
var ScrapeSources = []Source{
	SourceReddit,
	SourceProductHunt,
	SourceGoogleTrends,
	SourceHackerNews,
	SourceTwitter,
	SourceRSS,
}

func (s Source) Valid() bool {
	switch s {
	case SourceReddit, SourceProductHunt, SourceGoogleTrends, SourceHackerNews, SourceTwitter, SourceRSS, SourceManual:
		return true
	}
	return false
}

// Metadata is a JSON object column holding source-specific engagement data.
type Metadata map[string]any

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *Metadata) Scan(src any) error {
	out := Metadata{}
	if err := scanJSON(src, &out); err != nil {
		return err
	}
	*m = out
	return nil
}

// StringList is a JSON array column.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *StringList) Scan(src any) error {
	out := StringList{}
	if err := scanJSON(src, &out); err != nil {
		return err
	}
	*l = out
	return nil
}

type RawSignal struct {
	ID            string   `json:"id" db:"id"`
	Source        Source   `json:"source" db:"source"`
	ExternalID    string   `json:"external_id" db:"external_id"`
	URL           string   `json:"url" db:"url"`
	Title         string   `json:"title" db:"title"`
	RawText       string   `json:"raw_text" db:"raw_text"`
	ExtraMetadata Metadata `json:"extra_metadata" db:"extra_metadata"`
	CollectedAt   int64    `json:"collected_at" db:"collected_at"`
	AnalyzedAt    *int64   `json:"analyzed_at,omitempty" db:"analyzed_at"`
	AnalysisError *string  `json:"analysis_error,omitempty" db:"analysis_error"`
}

// UpsertResult reports whether a signal write created a row or refreshed one.
type UpsertResult string

const (
	UpsertInserted  UpsertResult = "inserted"
	UpsertDuplicate UpsertResult = "duplicate"
)

type MarketSize string

const (
	MarketSmall  MarketSize = "Small"
	MarketMedium MarketSize = "Medium"
	MarketLarge  MarketSize = "Large"
)

// ParseMarketSize matches case-insensitively; unknown values map to Medium.
func ParseMarketSize(s string) MarketSize {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "small":
		return MarketSmall
	case "large":
		return MarketLarge
	default:
		return MarketMedium
	}
}

type InsightStatus string

const (
	InsightDraft     InsightStatus = "draft"
	InsightPublished InsightStatus = "published"
	InsightRejected  InsightStatus = "rejected"
)

func (s InsightStatus) Valid() bool {
	switch s {
	case InsightDraft, InsightPublished, InsightRejected:
		return true
	}
	return false
}

// CanTransition reports whether an insight may move from s to next.
// Published insights are immutable except for rejection.
func (s InsightStatus) CanTransition(next InsightStatus) bool {
	switch s {
	case InsightDraft:
		return next == InsightPublished || next == InsightRejected
	case InsightPublished:
		return next == InsightRejected
	}
	return false
}

// Scores holds the optional 0..10 dimension scores.
type Scores struct {
	Opportunity         *float64 `json:"opportunity,omitempty" db:"opportunity_score"`
	Problem             *float64 `json:"problem,omitempty" db:"problem_score"`
	Feasibility         *float64 `json:"feasibility,omitempty" db:"feasibility_score"`
	WhyNow              *float64 `json:"why_now,omitempty" db:"why_now_score"`
	GoToMarket          *float64 `json:"go_to_market,omitempty" db:"go_to_market_score"`
	FounderFit          *float64 `json:"founder_fit,omitempty" db:"founder_fit_score"`
	ExecutionDifficulty *float64 `json:"execution_difficulty,omitempty" db:"execution_difficulty_score"`
	RevenuePotential    *float64 `json:"revenue_potential,omitempty" db:"revenue_potential_score"`
}

// All returns pointers to every dimension so callers can normalise them in place.
func (s *Scores) All() []**float64 {
	return []**float64{
		&s.Opportunity, &s.Problem, &s.Feasibility, &s.WhyNow,
		&s.GoToMarket, &s.FounderFit, &s.ExecutionDifficulty, &s.RevenuePotential,
	}
}

type Competitor struct {
	Name           string `json:"name"`
	URL            string `json:"url,omitempty"`
	Description    string `json:"description,omitempty"`
	MarketPosition string `json:"market_position,omitempty"`
}

// Competitors is an ordered JSON array column.
type Competitors []Competitor

func (c Competitors) Value() (driver.Value, error) {
	if c == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]Competitor(c))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (c *Competitors) Scan(src any) error {
	out := Competitors{}
	if err := scanJSON(src, &out); err != nil {
		return err
	}
	*c = out
	return nil
}

type Insight struct {
	ID                 string     `json:"id" db:"id"`
	RawSignalID        string     `json:"raw_signal_id" db:"raw_signal_id"`
	RelatedSignalIDs   StringList `json:"related_signal_ids" db:"related_signal_ids"`
	ProblemStatement   string     `json:"problem_statement" db:"problem_statement"`
	ProposedSolution   string     `json:"proposed_solution" db:"proposed_solution"`
	MarketSizeEstimate MarketSize `json:"market_size_estimate" db:"market_size_estimate"`
	RelevanceScore     float64    `json:"relevance_score" db:"relevance_score"`
	Scores             `json:"scores"`
	CompetitorAnalysis Competitors   `json:"competitor_analysis" db:"competitor_analysis"`
	Status             InsightStatus `json:"status" db:"status"`
	CreatedAt          int64         `json:"created_at" db:"created_at"`
	UpdatedAt          int64         `json:"updated_at" db:"updated_at"`
}

type Tier string

const (
	TierFree       Tier = "free"
	TierStarter    Tier = "starter"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// ParseTier returns the tier for s; unknown values are treated as free.
func ParseTier(s string) Tier {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierStarter:
		return TierStarter
	case TierPro:
		return TierPro
	case TierEnterprise:
		return TierEnterprise
	default:
		return TierFree
	}
}

type ResearchStatus string

const (
	ResearchPendingReview ResearchStatus = "pending_review"
	ResearchApproved      ResearchStatus = "approved"
	ResearchRejected      ResearchStatus = "rejected"
	ResearchCompleted     ResearchStatus = "completed"
)

// CanTransition enforces pending_review -> approved|rejected and approved -> completed.
func (s ResearchStatus) CanTransition(next ResearchStatus) bool {
	switch s {
	case ResearchPendingReview:
		return next == ResearchApproved || next == ResearchRejected
	case ResearchApproved:
		return next == ResearchCompleted
	}
	return false
}

type ResearchRequest struct {
	ID               string         `json:"id" db:"id"`
	UserID           string         `json:"user_id" db:"user_id"`
	TierAtSubmission Tier           `json:"tier_at_submission" db:"tier_at_submission"`
	IdeaDescription  string         `json:"idea_description" db:"idea_description"`
	TargetMarket     string         `json:"target_market" db:"target_market"`
	BudgetRange      string         `json:"budget_range" db:"budget_range"`
	Status           ResearchStatus `json:"status" db:"status"`
	AnalysisID       *string        `json:"analysis_id,omitempty" db:"analysis_id"`
	ReviewedBy       *string        `json:"reviewed_by,omitempty" db:"reviewed_by"`
	ReviewNote       *string        `json:"review_note,omitempty" db:"review_note"`
	CreatedAt        int64          `json:"created_at" db:"created_at"`
	UpdatedAt        int64          `json:"updated_at" db:"updated_at"`
}

type User struct {
	ID           string `json:"id" db:"id"`
	Email        string `json:"email" db:"email"`
	PasswordHash string `json:"-" db:"password_hash"`
	Tier         Tier   `json:"tier" db:"tier"`
	IsAdmin      bool   `json:"is_admin" db:"is_admin"`
	CreatedAt    int64  `json:"created_at" db:"created_at"`
}

type SourceState struct {
	Source     Source  `json:"source" db:"source"`
	Paused     bool    `json:"paused" db:"paused"`
	LastRunAt  *int64  `json:"last_run_at,omitempty" db:"last_run_at"`
	LastStatus *string `json:"last_status,omitempty" db:"last_status"`
	LastError  *string `json:"last_error,omitempty" db:"last_error"`
	UpdatedAt  int64   `json:"updated_at" db:"updated_at"`
}

type Schema struct {
	Version     string `json:"version" db:"version"`
	Description string `json:"description,omitempty" db:"description"`
	SchemaJSON  string `json:"schema_json" db:"schema_json"`
	CreatedAt   int64  `json:"created_at" db:"created_at"`
	UpdatedAt   int64  `json:"updated_at" db:"updated_at"`
}

type Template struct {
	Name          string  `json:"name" db:"name"`
	Version       string  `json:"version" db:"version"`
	TemplateText  string  `json:"template_text" db:"template_text"`
	SchemaVersion *string `json:"schema_version,omitempty" db:"schema_version"`
	Metadata      *string `json:"metadata,omitempty" db:"metadata"`
	CreatedAt     int64   `json:"created_at" db:"created_at"`
	UpdatedAt     int64   `json:"updated_at" db:"updated_at"`
}

func scanJSON(src any, dst any) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("unsupported json column type %T", src)
	}
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, dst)
}
