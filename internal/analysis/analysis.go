// Package analysis turns unanalyzed signals into insights using a Scorer.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	"github.com/garnizeh/insightpipe/internal/ai"
	"github.com/garnizeh/insightpipe/internal/alert"
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

const (
	DefaultScoringTimeout = 60 * time.Second
	// malformed output gets one retry before the signal is quarantined
	scoreAttempts = 2
)

// ErrBatchIncomplete is returned when at least one signal failed for a
// reason worth retrying. Signals that succeeded are already persisted.
var ErrBatchIncomplete = errors.New("analysis batch incomplete")

type Outcome string

const (
	OutcomeCreated     Outcome = "created"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeQuarantined Outcome = "quarantined"
	OutcomeFailed      Outcome = "failed"
)

type SignalResult struct {
	SignalID  string
	InsightID string
	Outcome   Outcome
	Err       error
}

// Result summarises one batch.
type Result struct {
	Created     int
	Duplicates  int
	Quarantined int
	Failed      int
	Signals     []SignalResult
}

type Worker struct {
	signals  repository.SignalRepo
	insights repository.InsightRepo
	scorer   ai.Scorer
	timeout  time.Duration
	alerter  alert.Alerter
}

type Option func(*Worker)

// WithAlerter reports quarantined signals in otherwise healthy batches.
func WithAlerter(a alert.Alerter) Option {
	return func(w *Worker) { w.alerter = a }
}

func NewWorker(signals repository.SignalRepo, insights repository.InsightRepo, scorer ai.Scorer, scoringTimeout time.Duration, opts ...Option) *Worker {
	if scoringTimeout <= 0 {
		scoringTimeout = DefaultScoringTimeout
	}
	w := &Worker{signals: signals, insights: insights, scorer: scorer, timeout: scoringTimeout}
	for _, o := range opts {
		o(w)
	}
	return w
}

// RunBatch drains up to limit unanalyzed signals, oldest first.
func (w *Worker) RunBatch(ctx context.Context, limit int) (Result, error) {
	batch, err := w.signals.ListUnanalyzed(ctx, limit)
	if err != nil {
		return Result{}, fmt.Errorf("list unanalyzed: %w", err)
	}
	return w.Process(ctx, batch)
}

// Process scores every signal in batch independently. A failure on one
// signal never stops the others. The returned error is ErrBatchIncomplete
// when any signal should be retried, or a permanent error when every signal
// in the batch was quarantined.
func (w *Worker) Process(ctx context.Context, batch []models.RawSignal) (Result, error) {
	var res Result
	for _, s := range batch {
		if err := ctx.Err(); err != nil {
			res.Failed++
			res.Signals = append(res.Signals, SignalResult{SignalID: s.ID, Outcome: OutcomeFailed, Err: err})
			continue
		}
		in, outcome, err := w.analyze(ctx, s)
		sr := SignalResult{SignalID: s.ID, Outcome: outcome, Err: err}
		if in != nil {
			sr.InsightID = in.ID
		}
		res.Signals = append(res.Signals, sr)
		switch outcome {
		case OutcomeCreated:
			res.Created++
		case OutcomeDuplicate:
			res.Duplicates++
		case OutcomeQuarantined:
			res.Quarantined++
		default:
			res.Failed++
			logger.Warn("analysis: signal failed", "signal_id", s.ID, "err", err)
		}
	}

	logger.Info("analysis batch finished", "size", len(batch), "created", res.Created, "duplicates", res.Duplicates,
		"quarantined", res.Quarantined, "failed", res.Failed)

	switch {
	case res.Failed > 0:
		return res, fmt.Errorf("%w: %d of %d signals failed", ErrBatchIncomplete, res.Failed, len(batch))
	case res.Quarantined > 0 && res.Quarantined == len(batch):
		return res, jobs.Permanent(fmt.Errorf("all %d signals produced malformed scorer output", len(batch)))
	case res.Quarantined > 0:
		w.alertQuarantined(ctx, res)
	}
	return res, nil
}

// ScoreSignal analyzes a single stored signal and returns its insight,
// existing or new.
func (w *Worker) ScoreSignal(ctx context.Context, s models.RawSignal) (*models.Insight, error) {
	in, outcome, err := w.analyze(ctx, s)
	switch outcome {
	case OutcomeCreated, OutcomeDuplicate:
		return in, nil
	case OutcomeQuarantined:
		return nil, jobs.Permanent(err)
	}
	return nil, err
}

func (w *Worker) analyze(ctx context.Context, s models.RawSignal) (*models.Insight, Outcome, error) {
	out, err := w.score(ctx, s)
	if errors.Is(err, ai.ErrMalformedOutput) {
		metrics.AnalysisFailures.WithLabelValues("malformed").Inc()
		if merr := w.signals.MarkAnalysisFailed(ctx, s.ID, err.Error()); merr != nil {
			return nil, OutcomeFailed, fmt.Errorf("quarantine signal %s: %w", s.ID, merr)
		}
		logger.Warn("analysis: signal quarantined", "signal_id", s.ID, "err", err)
		return nil, OutcomeQuarantined, err
	}
	if err != nil {
		metrics.AnalysisFailures.WithLabelValues(failureReason(err)).Inc()
		return nil, OutcomeFailed, err
	}

	in := BuildInsight(s, out)
	created, err := w.insights.CreateInsightForSignal(ctx, in)
	if err != nil {
		metrics.AnalysisFailures.WithLabelValues("store").Inc()
		return nil, OutcomeFailed, fmt.Errorf("store insight for %s: %w", s.ID, err)
	}
	if !created {
		existing, err := w.insights.GetInsightBySignal(ctx, s.ID)
		if err != nil {
			return nil, OutcomeFailed, fmt.Errorf("load existing insight for %s: %w", s.ID, err)
		}
		return existing, OutcomeDuplicate, nil
	}
	metrics.InsightsCreated.Inc()
	return in, OutcomeCreated, nil
}

// score calls the scorer under the scoring timeout and retries malformed
// output once.
func (w *Worker) score(ctx context.Context, s models.RawSignal) (*ai.ScoreOutput, error) {
	var lastErr error
	for attempt := 1; attempt <= scoreAttempts; attempt++ {
		sctx, cancel := context.WithTimeout(ctx, w.timeout)
		out, err := w.scorer.Score(sctx, s)
		cancel()
		if err == nil && (out.RelevanceScore == nil || math.IsNaN(*out.RelevanceScore)) {
			err = fmt.Errorf("%w: relevance_score is not a number", ai.ErrMalformedOutput)
		}
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, ai.ErrMalformedOutput) {
			return nil, err
		}
		lastErr = err
		logger.Info("analysis: malformed scorer output", "signal_id", s.ID, "attempt", attempt, "err", err)
	}
	return nil, lastErr
}

func (w *Worker) alertQuarantined(ctx context.Context, res Result) {
	if w.alerter == nil {
		return
	}
	var ids []string
	for _, s := range res.Signals {
		if s.Outcome == OutcomeQuarantined {
			ids = append(ids, s.SignalID)
		}
	}
	body := fmt.Sprintf("%d signal(s) quarantined after malformed scorer output: %s", len(ids), strings.Join(ids, ", "))
	if err := w.alerter.Alert(ctx, "insightpipe: signals quarantined", body, map[string]string{"event": "analysis.quarantined"}); err != nil {
		logger.Warn("analysis: alert failed", "err", err)
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "scorer"
	}
}

// BuildInsight converts scorer output into a draft insight with every score
// clamped to its range.
func BuildInsight(s models.RawSignal, out *ai.ScoreOutput) *models.Insight {
	relevance := 0.0
	if r := clamp(out.RelevanceScore, 1); r != nil {
		relevance = *r
	}
	scores := out.Scores
	for _, p := range scores.All() {
		*p = clamp(*p, 10)
	}

	competitors := make(models.Competitors, 0, len(out.CompetitorAnalysis))
	for _, c := range out.CompetitorAnalysis {
		c.Name = strings.TrimSpace(c.Name)
		if c.Name == "" {
			continue
		}
		competitors = append(competitors, c)
	}

	return &models.Insight{
		RawSignalID:        s.ID,
		RelatedSignalIDs:   models.StringList{},
		ProblemStatement:   strings.TrimSpace(out.ProblemStatement),
		ProposedSolution:   strings.TrimSpace(out.ProposedSolution),
		MarketSizeEstimate: models.ParseMarketSize(out.MarketSizeEstimate),
		RelevanceScore:     relevance,
		Scores:             scores,
		CompetitorAnalysis: competitors,
		Status:             models.InsightDraft,
	}
}

// clamp bounds v to [0, upper]; NaN becomes absent.
func clamp(v *float64, upper float64) *float64 {
	if v == nil || math.IsNaN(*v) {
		return nil
	}
	c := math.Min(math.Max(*v, 0), upper)
	return &c
}
