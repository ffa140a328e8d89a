// Package pipeline binds job kinds to the work they perform: scraping a
// source, analyzing a batch of signals and completing research requests.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/garnizeh/insightpipe/internal/analysis"
	"github.com/garnizeh/insightpipe/internal/cache"
	"github.com/garnizeh/insightpipe/internal/jobs"
	"github.com/garnizeh/insightpipe/internal/metrics"
	"github.com/garnizeh/insightpipe/internal/scheduler"
	"github.com/garnizeh/insightpipe/internal/sources"
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

// DefaultRefreshWindow is how far before the last good run a scrape reaches
// back. Posts inside it are fetched again so their engagement is refreshed;
// dedup absorbs the repeats.
const DefaultRefreshWindow = 24 * time.Hour

// BatchAnalyzer is satisfied by *analysis.Worker.
type BatchAnalyzer interface {
	RunBatch(ctx context.Context, limit int) (analysis.Result, error)
}

// ResearchProcessor is satisfied by *research.Service.
type ResearchProcessor interface {
	Process(ctx context.Context, id string) error
}

type Handlers struct {
	Registry  *sources.Registry
	Signals   repository.SignalRepo
	States    repository.SourceStateRepo
	Scheduler *scheduler.Scheduler
	Analyzer  BatchAnalyzer
	Research  ResearchProcessor
	Cache     cache.Cache
	BatchSize int
	// RefreshWindow defaults to DefaultRefreshWindow. Adapters still stop at
	// their page limit, so a busy source refreshes less than the full window.
	RefreshWindow time.Duration
}

// Map returns the handler table for the worker pool.
func (h *Handlers) Map() map[jobs.Kind]jobs.Handler {
	return map[jobs.Kind]jobs.Handler{
		jobs.KindScrape:   h.HandleScrape,
		jobs.KindAnalyze:  h.HandleAnalyze,
		jobs.KindResearch: h.HandleResearch,
	}
}

// HandleScrape fetches new items for the source named by the job target and
// upserts them. A paused source cancels the job instead of running it.
func (h *Handlers) HandleScrape(ctx context.Context, j *jobs.Job) error {
	src := models.Source(j.Target)
	adapter, ok := h.Registry.Get(src)
	if !ok {
		return jobs.Permanent(fmt.Errorf("%w: %q", scheduler.ErrUnknownSource, src))
	}

	state, err := h.States.GetSourceState(ctx, src)
	if err != nil {
		return fmt.Errorf("source state %s: %w", src, err)
	}
	if state != nil && state.Paused {
		return jobs.Cancelled(scheduler.ErrSourcePaused)
	}
	since := sinceFor(state, h.refreshWindow())

	log := logger.With("source", src, "job_id", j.ID, "attempt", j.AttemptCount)
	signals, skipped, err := sources.Collect(ctx, adapter, since)
	if err != nil {
		status := scheduler.RunRetrying
		if jobs.IsPermanent(err) || j.AttemptCount >= j.MaxAttempts {
			status = scheduler.RunFailed
		}
		metrics.ScrapeRuns.WithLabelValues(string(src), status).Inc()
		if rerr := h.States.RecordSourceRun(ctx, src, status, err); rerr != nil {
			log.Warn("record source run", "err", rerr)
		}
		return err
	}

	var inserted, duplicates int
	for i := range signals {
		res, err := h.Signals.UpsertSignal(ctx, &signals[i])
		if err != nil {
			return fmt.Errorf("upsert %s/%s: %w", src, signals[i].ExternalID, err)
		}
		metrics.SignalsIngested.WithLabelValues(string(src), string(res)).Inc()
		if res == models.UpsertInserted {
			inserted++
		} else {
			duplicates++
		}
	}
	if skipped > 0 {
		metrics.SignalsIngested.WithLabelValues(string(src), "invalid").Add(float64(skipped))
	}

	metrics.ScrapeRuns.WithLabelValues(string(src), scheduler.RunOK).Inc()
	if err := h.States.RecordSourceRun(ctx, src, scheduler.RunOK, nil); err != nil {
		log.Warn("record source run", "err", err)
	}
	log.Info("scrape finished", "fetched", len(signals)+skipped, "inserted", inserted, "duplicates", duplicates, "skipped", skipped)

	if _, err := h.Scheduler.OnScrapeFinished(ctx, src, inserted); err != nil {
		log.Warn("analysis threshold check", "err", err)
	}
	return nil
}

func (h *Handlers) refreshWindow() time.Duration {
	if h.RefreshWindow > 0 {
		return h.RefreshWindow
	}
	return DefaultRefreshWindow
}

// sinceFor starts incremental fetches window before the last good run.
func sinceFor(st *models.SourceState, window time.Duration) *time.Time {
	if st == nil || st.LastRunAt == nil || st.LastStatus == nil || *st.LastStatus != scheduler.RunOK {
		return nil
	}
	t := time.UnixMilli(*st.LastRunAt).UTC().Add(-window)
	return &t
}

// HandleAnalyze drains one batch of unanalyzed signals.
func (h *Handlers) HandleAnalyze(ctx context.Context, j *jobs.Job) error {
	res, err := h.Analyzer.RunBatch(ctx, h.BatchSize)
	if res.Created > 0 {
		h.invalidate(ctx)
	}
	return err
}

// AfterDone runs once a job has been acked. A finished analysis batch chains
// the next one while scraped signals remain.
func (h *Handlers) AfterDone(ctx context.Context, j jobs.Job) {
	if j.Kind != jobs.KindAnalyze {
		return
	}
	if _, err := h.Scheduler.OnAnalysisFinished(ctx); err != nil {
		logger.Warn("follow-up analysis", "job_id", j.ID, "err", err)
	}
}

// HandleResearch completes the research request named by the job target.
func (h *Handlers) HandleResearch(ctx context.Context, j *jobs.Job) error {
	if err := h.Research.Process(ctx, j.Target); err != nil {
		return err
	}
	h.invalidate(ctx)
	return nil
}

func (h *Handlers) invalidate(ctx context.Context) {
	if h.Cache == nil {
		return
	}
	if err := h.Cache.Invalidate(ctx, cache.NamespaceInsights); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("invalidate insight cache", "err", err)
	}
}
