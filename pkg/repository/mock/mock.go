package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/garnizeh/insightpipe/pkg/models"
	"github.com/garnizeh/insightpipe/pkg/repository"
	"github.com/google/uuid"
)

// Mocks is an in-memory implementation of every repository interface for
// tests. The *Err fields inject failures into the matching method.
type Mocks struct {
	mu sync.Mutex

	Users    map[string]*models.User
	Signals  map[string]*models.RawSignal
	Insights map[string]*models.Insight
	Research map[string]*models.ResearchRequest
	Sources  map[models.Source]*models.SourceState
	Schemas  map[string]*models.Schema
	Tpls     map[string]*models.Template

	CreateUserErr     error
	UpsertSignalErr   error
	CreateInsightErr  error
	ListInsightsErr   error
	CreateResearchErr error
	CountResearchErr  error
}

var _ repository.SignalRepo = (*Mocks)(nil)
var _ repository.InsightRepo = (*Mocks)(nil)
var _ repository.ResearchRepo = (*Mocks)(nil)
var _ repository.UserRepo = (*Mocks)(nil)
var _ repository.SourceStateRepo = (*Mocks)(nil)
var _ repository.SchemaRepo = (*Mocks)(nil)
var _ repository.TemplateRepo = (*Mocks)(nil)

func NewMocks() *Mocks {
	return &Mocks{
		Users:    map[string]*models.User{},
		Signals:  map[string]*models.RawSignal{},
		Insights: map[string]*models.Insight{},
		Research: map[string]*models.ResearchRequest{},
		Sources:  map[models.Source]*models.SourceState{},
		Schemas:  map[string]*models.Schema{},
		Tpls:     map[string]*models.Template{},
	}
}

func now() int64 { return time.Now().UTC().UnixMilli() }

// users

func (m *Mocks) CreateUser(ctx context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateUserErr != nil {
		return m.CreateUserErr
	}
	for _, existing := range m.Users {
		if existing.Email == u.Email {
			return fmt.Errorf("unique constraint: users.email")
		}
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Tier == "" {
		u.Tier = models.TierFree
	}
	cp := *u
	m.Users[u.ID] = &cp
	return nil
}

func (m *Mocks) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.Users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

func (m *Mocks) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.Users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

// signals

func (m *Mocks) UpsertSignal(ctx context.Context, s *models.RawSignal) (models.UpsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UpsertSignalErr != nil {
		return "", m.UpsertSignalErr
	}
	for _, existing := range m.Signals {
		if existing.Source == s.Source && existing.ExternalID == s.ExternalID {
			existing.ExtraMetadata = s.ExtraMetadata
			*s = *existing
			return models.UpsertDuplicate, nil
		}
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CollectedAt == 0 {
		s.CollectedAt = now()
	}
	cp := *s
	m.Signals[s.ID] = &cp
	return models.UpsertInserted, nil
}

func (m *Mocks) GetSignal(ctx context.Context, id string) (*models.RawSignal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.Signals[id]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, nil
}

func (m *Mocks) ListUnanalyzed(ctx context.Context, limit int) ([]models.RawSignal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 10
	}
	out := []models.RawSignal{}
	for _, s := range m.Signals {
		if s.AnalyzedAt == nil && s.Source != models.SourceManual {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CollectedAt != out[j].CollectedAt {
			return out[i].CollectedAt < out[j].CollectedAt
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Mocks) CountUnanalyzed(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.Signals {
		if s.AnalyzedAt == nil && s.Source != models.SourceManual {
			n++
		}
	}
	return n, nil
}

func (m *Mocks) MarkAnalyzed(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := now()
	for _, id := range ids {
		if s, ok := m.Signals[id]; ok && s.AnalyzedAt == nil {
			s.AnalyzedAt = &ts
		}
	}
	return nil
}

func (m *Mocks) MarkAnalysisFailed(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.Signals[id]; ok && s.AnalyzedAt == nil {
		ts := now()
		s.AnalyzedAt = &ts
		s.AnalysisError = &reason
	}
	return nil
}

// insights

func (m *Mocks) CreateInsightForSignal(ctx context.Context, in *models.Insight) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateInsightErr != nil {
		return false, m.CreateInsightErr
	}
	ts := now()
	created := true
	for _, existing := range m.Insights {
		if existing.RawSignalID == in.RawSignalID {
			created = false
			break
		}
	}
	if created {
		if in.ID == "" {
			in.ID = uuid.NewString()
		}
		if in.Status == "" {
			in.Status = models.InsightDraft
		}
		if in.CreatedAt == 0 {
			in.CreatedAt = ts
		}
		in.UpdatedAt = ts
		cp := *in
		m.Insights[in.ID] = &cp
	}
	if s, ok := m.Signals[in.RawSignalID]; ok && s.AnalyzedAt == nil {
		s.AnalyzedAt = &ts
	}
	return created, nil
}

func (m *Mocks) GetInsight(ctx context.Context, id string) (*models.Insight, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if in, ok := m.Insights[id]; ok {
		cp := *in
		return &cp, nil
	}
	return nil, nil
}

func (m *Mocks) GetInsightBySignal(ctx context.Context, signalID string) (*models.Insight, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, in := range m.Insights {
		if in.RawSignalID == signalID {
			cp := *in
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Mocks) ListInsights(ctx context.Context, f repository.InsightFilter) ([]models.Insight, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListInsightsErr != nil {
		return nil, 0, m.ListInsightsErr
	}
	out := []models.Insight{}
	for _, in := range m.Insights {
		if f.MinScore != nil && in.RelevanceScore < *f.MinScore {
			continue
		}
		if f.Status != "" && in.Status != f.Status {
			continue
		}
		if f.Source != "" {
			s, ok := m.Signals[in.RawSignalID]
			if !ok || s.Source != f.Source {
				continue
			}
		}
		out = append(out, *in)
	}
	sort.Slice(out, func(i, j int) bool {
		if f.Sort == repository.SortNewest && out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		if f.Sort != repository.SortNewest && out[i].RelevanceScore != out[j].RelevanceScore {
			return out[i].RelevanceScore > out[j].RelevanceScore
		}
		return out[i].ID < out[j].ID
	})
	total := len(out)
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			out = out[:0]
		} else {
			out = out[f.Offset:]
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, total, nil
}

func (m *Mocks) UpdateInsightStatus(ctx context.Context, id string, from, to models.InsightStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !from.CanTransition(to) {
		return fmt.Errorf("insight status %s -> %s not allowed", from, to)
	}
	in, ok := m.Insights[id]
	if !ok || in.Status != from {
		return repository.ErrNotFound
	}
	in.Status = to
	in.UpdatedAt = now()
	return nil
}

// research

func (m *Mocks) CreateResearchRequest(ctx context.Context, r *models.ResearchRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateResearchErr != nil {
		return m.CreateResearchErr
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	ts := now()
	if r.CreatedAt == 0 {
		r.CreatedAt = ts
	}
	r.UpdatedAt = ts
	cp := *r
	m.Research[r.ID] = &cp
	return nil
}

func (m *Mocks) GetResearchRequest(ctx context.Context, id string) (*models.ResearchRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.Research[id]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, nil
}

func (m *Mocks) CountResearchRequestsSince(ctx context.Context, userID string, since int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CountResearchErr != nil {
		return 0, m.CountResearchErr
	}
	n := 0
	for _, r := range m.Research {
		if r.UserID == userID && r.CreatedAt >= since {
			n++
		}
	}
	return n, nil
}

func (m *Mocks) ListResearchByStatus(ctx context.Context, status models.ResearchStatus, limit, offset int) ([]models.ResearchRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.ResearchRequest{}
	for _, r := range m.Research {
		if r.Status == status {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	if offset > 0 {
		if offset >= len(out) {
			return []models.ResearchRequest{}, nil
		}
		out = out[offset:]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Mocks) UpdateResearchStatus(ctx context.Context, u repository.ResearchUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !u.From.CanTransition(u.To) {
		return fmt.Errorf("research status %s -> %s not allowed", u.From, u.To)
	}
	r, ok := m.Research[u.ID]
	if !ok || r.Status != u.From {
		return repository.ErrNotFound
	}
	r.Status = u.To
	if u.ReviewedBy != nil {
		r.ReviewedBy = u.ReviewedBy
	}
	if u.ReviewNote != nil {
		r.ReviewNote = u.ReviewNote
	}
	if u.AnalysisID != nil {
		r.AnalysisID = u.AnalysisID
	}
	r.UpdatedAt = now()
	return nil
}

// source states

func (m *Mocks) GetSourceState(ctx context.Context, src models.Source) (*models.SourceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.Sources[src]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, nil
}

func (m *Mocks) ListSourceStates(ctx context.Context) ([]models.SourceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.SourceState{}
	for _, s := range m.Sources {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out, nil
}

func (m *Mocks) SetSourcePaused(ctx context.Context, src models.Source, paused bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sources[src]
	if !ok {
		s = &models.SourceState{Source: src}
		m.Sources[src] = s
	}
	s.Paused = paused
	s.UpdatedAt = now()
	return nil
}

func (m *Mocks) RecordSourceRun(ctx context.Context, src models.Source, status string, runErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sources[src]
	if !ok {
		s = &models.SourceState{Source: src}
		m.Sources[src] = s
	}
	ts := now()
	s.LastRunAt = &ts
	s.LastStatus = &status
	s.LastError = nil
	if runErr != nil {
		msg := runErr.Error()
		s.LastError = &msg
	}
	s.UpdatedAt = ts
	return nil
}

// schemas and templates

func (m *Mocks) CreateSchema(ctx context.Context, version, description, schemaJSON string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Schemas[version] = &models.Schema{Version: version, Description: description, SchemaJSON: schemaJSON, CreatedAt: now(), UpdatedAt: now()}
	return nil
}

func (m *Mocks) GetSchemaByVersion(ctx context.Context, version string) (*models.Schema, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.Schemas[version]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, nil
}

func (m *Mocks) ListSchemas(ctx context.Context) ([]models.Schema, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Schema{}
	for _, s := range m.Schemas {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (m *Mocks) DeleteSchema(ctx context.Context, version string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Schemas, version)
	return nil
}

func (m *Mocks) CreateTemplate(ctx context.Context, name, version, templateText string, schemaVersion *string, metadata *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Tpls[name+":"+version] = &models.Template{Name: name, Version: version, TemplateText: templateText, SchemaVersion: schemaVersion, Metadata: metadata, CreatedAt: now(), UpdatedAt: now()}
	return nil
}

func (m *Mocks) GetTemplate(ctx context.Context, name, version string) (*models.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.Tpls[name+":"+version]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, nil
}

func (m *Mocks) ListTemplates(ctx context.Context) ([]models.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Template{}
	for _, t := range m.Tpls {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

func (m *Mocks) DeleteTemplate(ctx context.Context, name, version string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Tpls, name+":"+version)
	return nil
}
