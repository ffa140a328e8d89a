package research

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garnizeh/insightpipe/internal/jobs"
	"github.com/garnizeh/insightpipe/pkg/models"
	"github.com/garnizeh/insightpipe/pkg/repository/mock"
)

func init() {
	SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

type fakeQueue struct {
	mu      sync.Mutex
	targets []string
}

func (q *fakeQueue) Enqueue(_ context.Context, p jobs.EnqueueParams) (*jobs.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.targets = append(q.targets, p.Target)
	return &jobs.Job{ID: "job-" + p.Target, Kind: p.Kind, Target: p.Target, Status: jobs.StatusQueued}, nil
}

type fakeScorer struct {
	m     *mock.Mocks
	err   error
	calls int
}

func (f *fakeScorer) ScoreSignal(ctx context.Context, s models.RawSignal) (*models.Insight, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	in := &models.Insight{RawSignalID: s.ID, ProblemStatement: "p", ProposedSolution: "s", MarketSizeEstimate: models.MarketMedium, RelevanceScore: 0.5}
	if _, err := f.m.CreateInsightForSignal(ctx, in); err != nil {
		return nil, err
	}
	return in, nil
}

type recordingAlerter struct{ subjects []string }

func (a *recordingAlerter) Alert(_ context.Context, subject, _ string, _ map[string]string) error {
	a.subjects = append(a.subjects, subject)
	return nil
}

func newService(t *testing.T, opts ...Option) (*Service, *mock.Mocks, *fakeQueue, *fakeScorer) {
	t.Helper()
	m := mock.NewMocks()
	q := &fakeQueue{}
	sc := &fakeScorer{m: m}
	return NewService(m, m, sc, q, opts...), m, q, sc
}

var idea = Input{IdeaDescription: "AI bookkeeping for food trucks", TargetMarket: "US food trucks", BudgetRange: "10k-50k"}

func TestSubmit_FreeTierQueuesThenRejects(t *testing.T) {
	al := &recordingAlerter{}
	svc, m, q, _ := newService(t, WithAlerter(al))
	ctx := context.Background()

	first, err := svc.Submit(ctx, "u1", models.TierFree, idea)
	require.NoError(t, err)
	assert.Equal(t, models.ResearchPendingReview, first.Status)
	assert.Equal(t, models.TierFree, first.TierAtSubmission)
	assert.Empty(t, q.targets, "pending requests are not scheduled")
	assert.Len(t, al.subjects, 1)

	_, err = svc.Submit(ctx, "u1", models.TierFree, idea)
	require.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Contains(t, err.Error(), "1 request(s) per month")
	assert.Len(t, m.Research, 1, "rejected submissions are not stored")
}

func TestSubmit_ProTierBoundary(t *testing.T) {
	svc, m, q, _ := newService(t)
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		rr, err := svc.Submit(ctx, "pro-user", models.TierPro, idea)
		require.NoError(t, err, "request %d", i)
		assert.Equal(t, models.ResearchApproved, rr.Status)
	}
	_, err := svc.Submit(ctx, "pro-user", models.TierPro, idea)
	require.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Len(t, m.Research, 10)
	assert.Len(t, q.targets, 10)

	// other users have their own counter
	_, err = svc.Submit(ctx, "other", models.TierPro, idea)
	assert.NoError(t, err)
}

func TestSubmit_CountsOnlyCurrentMonth(t *testing.T) {
	svc, m, _, _ := newService(t)
	ctx := context.Background()

	old := &models.ResearchRequest{UserID: "u1", Status: models.ResearchCompleted, IdeaDescription: "x",
		CreatedAt: time.Date(2026, 9, 30, 23, 0, 0, 0, time.UTC).UnixMilli()}
	require.NoError(t, m.CreateResearchRequest(ctx, old))

	svc.now = func() time.Time { return time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC) }
	rr, err := svc.Submit(ctx, "u1", models.TierFree, idea)
	require.NoError(t, err)
	assert.Equal(t, models.ResearchPendingReview, rr.Status)
}

func TestSubmit_Validation(t *testing.T) {
	svc, _, _, _ := newService(t)
	_, err := svc.Submit(context.Background(), "u1", models.TierPro, Input{IdeaDescription: "   "})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.Submit(context.Background(), "", models.TierPro, idea)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSubmit_CountErrorPropagates(t *testing.T) {
	svc, m, _, _ := newService(t)
	m.CountResearchErr = errors.New("db down")
	_, err := svc.Submit(context.Background(), "u1", models.TierPro, idea)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrQuotaExceeded)
}

func TestApproveAndReject(t *testing.T) {
	svc, _, q, _ := newService(t)
	ctx := context.Background()

	a, err := svc.Submit(ctx, "u1", models.TierFree, idea)
	require.NoError(t, err)
	b, err := svc.Submit(ctx, "u2", models.TierFree, idea)
	require.NoError(t, err)

	approved, err := svc.Approve(ctx, a.ID, "admin-1", "looks good")
	require.NoError(t, err)
	assert.Equal(t, models.ResearchApproved, approved.Status)
	require.NotNil(t, approved.ReviewedBy)
	assert.Equal(t, "admin-1", *approved.ReviewedBy)
	require.NotNil(t, approved.ReviewNote)
	assert.Equal(t, []string{a.ID}, q.targets)

	rejected, err := svc.Reject(ctx, b.ID, "admin-1", "")
	require.NoError(t, err)
	assert.Equal(t, models.ResearchRejected, rejected.Status)
	assert.Nil(t, rejected.ReviewNote)

	// transitions are monotonic
	_, err = svc.Reject(ctx, a.ID, "admin-1", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = svc.Approve(ctx, b.ID, "admin-1", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = svc.Approve(ctx, "missing", "admin-1", "")
	assert.ErrorIs(t, err, ErrNotFound)

	pending, err := svc.Pending(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestProcess_CompletesWithInsight(t *testing.T) {
	svc, m, _, sc := newService(t)
	ctx := context.Background()

	rr, err := svc.Submit(ctx, "u1", models.TierStarter, idea)
	require.NoError(t, err)
	require.Equal(t, models.ResearchApproved, rr.Status)

	require.NoError(t, svc.Process(ctx, rr.ID))

	got, err := svc.Get(ctx, rr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ResearchCompleted, got.Status)
	require.NotNil(t, got.AnalysisID)

	in, err := m.GetInsight(ctx, *got.AnalysisID)
	require.NoError(t, err)
	require.NotNil(t, in)
	sig, err := m.GetSignal(ctx, in.RawSignalID)
	require.NoError(t, err)
	assert.Equal(t, models.SourceManual, sig.Source)
	assert.Equal(t, "research:"+rr.ID, sig.ExternalID)
	assert.Equal(t, "US food trucks", sig.ExtraMetadata["target_market"])

	// a second run is a no-op
	require.NoError(t, svc.Process(ctx, rr.ID))
	assert.Equal(t, 1, sc.calls)
}

func TestProcess_Errors(t *testing.T) {
	svc, m, _, sc := newService(t)
	ctx := context.Background()

	err := svc.Process(ctx, "missing")
	assert.True(t, jobs.IsPermanent(err))

	pending, err := svc.Submit(ctx, "u1", models.TierFree, idea)
	require.NoError(t, err)
	err = svc.Process(ctx, pending.ID)
	assert.True(t, jobs.IsPermanent(err))
	assert.ErrorIs(t, err, ErrInvalidTransition)

	approved, err := svc.Submit(ctx, "u2", models.TierPro, idea)
	require.NoError(t, err)
	sc.err = errors.New("scorer unavailable")
	err = svc.Process(ctx, approved.ID)
	require.Error(t, err)
	assert.False(t, jobs.IsPermanent(err))

	got, err := svc.Get(ctx, approved.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ResearchApproved, got.Status)

	// the stored idea waits for its research retry, not the scraped backlog
	backlog, err := m.ListUnanalyzed(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, backlog)
	n, err := m.CountUnanalyzed(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMonthStart(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*3600)
	got := MonthStart(time.Date(2026, 10, 31, 22, 0, 0, 0, loc))
	assert.Equal(t, time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC), got)
}

func TestSignalFor_TruncatesTitle(t *testing.T) {
	long := ""
	for i := 0; i < 200; i++ {
		long += "x"
	}
	s := signalFor(&models.ResearchRequest{ID: "r1", IdeaDescription: long + "\nsecond line"})
	assert.Equal(t, 120, len([]rune(s.Title)))
	assert.Contains(t, s.RawText, "second line")
}
