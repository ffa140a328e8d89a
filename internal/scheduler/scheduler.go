// Package scheduler decides when scrape and analysis jobs are enqueued.
// It keeps no run state in memory: whether a source is running is read from
// the job queue and pause flags live in the source_states table.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/garnizeh/insightpipe/internal/config"
	"github.com/garnizeh/insightpipe/internal/jobs"
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

// AnalysisTarget is the single target used for analyze jobs, so at most one
// analysis batch is pending at a time.
const AnalysisTarget = "backlog"

var (
	ErrSourcePaused  = errors.New("source is paused")
	ErrUnknownSource = errors.New("unknown or disabled source")
)

// Queue is the subset of *jobs.Repository the scheduler needs.
type Queue interface {
	Enqueue(ctx context.Context, p jobs.EnqueueParams) (*jobs.Job, error)
	ActiveFor(ctx context.Context, kind jobs.Kind, target string) (*jobs.Job, error)
	CancelQueued(ctx context.Context, kind jobs.Kind, target, reason string) (int, error)
}

type State string

const (
	StateIdle    State = "idle"
	StateQueued  State = "queued"
	StateRunning State = "running"
	StateFailed  State = "failed"
)

// SourceStatus is the externally visible state of one source.
type SourceStatus struct {
	Source     models.Source `json:"source"`
	Enabled    bool          `json:"enabled"`
	Paused     bool          `json:"paused"`
	State      State         `json:"state"`
	JobID      string        `json:"job_id,omitempty"`
	LastRunAt  *int64        `json:"last_run_at,omitempty"`
	LastStatus *string       `json:"last_status,omitempty"`
	LastError  *string       `json:"last_error,omitempty"`
}

type Scheduler struct {
	queue     Queue
	states    repository.SourceStateRepo
	signals   repository.SignalRepo
	sources   []models.Source
	interval  time.Duration
	threshold int
}

// New builds a scheduler for the enabled sources.
func New(cfg config.SchedulerConfig, enabled []models.Source, q Queue, states repository.SourceStateRepo, signals repository.SignalRepo) *Scheduler {
	interval := time.Duration(cfg.ScrapeIntervalHours) * time.Hour
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	threshold := cfg.AnalysisThreshold
	if threshold <= 0 {
		threshold = cfg.AnalysisBatchSize
	}
	if threshold <= 0 {
		threshold = 10
	}
	return &Scheduler{
		queue:     q,
		states:    states,
		signals:   signals,
		sources:   enabled,
		interval:  interval,
		threshold: threshold,
	}
}

func (s *Scheduler) Interval() time.Duration { return s.interval }

// Sources returns the enabled sources in scheduling order.
func (s *Scheduler) Sources() []models.Source { return slices.Clone(s.sources) }

// Run ticks once immediately and then every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Tick enqueues a scrape for every enabled source that is not paused and
// not already queued or running.
func (s *Scheduler) Tick(ctx context.Context) []*jobs.Job {
	var out []*jobs.Job
	for _, src := range s.sources {
		j, err := s.enqueueScrape(ctx, src)
		switch {
		case err == nil:
			out = append(out, j)
		case errors.Is(err, jobs.ErrConflict), errors.Is(err, ErrSourcePaused):
			logger.Debug("scheduler: skip source", "source", src, "reason", err)
		default:
			logger.Error("scheduler: enqueue scrape", "source", src, "err", err)
		}
	}
	logger.Info("scheduler tick", "enqueued", len(out))
	return out
}

// TriggerScrape enqueues a manual scrape for src, or for every enabled source
// when src is empty. A single source reports jobs.ErrConflict when it already
// has a pending or running scrape. For all sources, ErrConflict is returned
// only when nothing could be enqueued.
func (s *Scheduler) TriggerScrape(ctx context.Context, src models.Source) ([]*jobs.Job, error) {
	if src != "" {
		if !slices.Contains(s.sources, src) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSource, src)
		}
		j, err := s.enqueueScrape(ctx, src)
		if err != nil {
			return nil, err
		}
		return []*jobs.Job{j}, nil
	}

	var out []*jobs.Job
	for _, each := range s.sources {
		j, err := s.enqueueScrape(ctx, each)
		switch {
		case err == nil:
			out = append(out, j)
		case errors.Is(err, jobs.ErrConflict), errors.Is(err, ErrSourcePaused):
		default:
			return out, err
		}
	}
	if len(out) == 0 {
		return nil, jobs.ErrConflict
	}
	return out, nil
}

func (s *Scheduler) enqueueScrape(ctx context.Context, src models.Source) (*jobs.Job, error) {
	paused, err := s.Paused(ctx, src)
	if err != nil {
		return nil, err
	}
	if paused {
		return nil, ErrSourcePaused
	}
	j, err := s.queue.Enqueue(ctx, jobs.EnqueueParams{Kind: jobs.KindScrape, Target: string(src)})
	if err != nil {
		return nil, err
	}
	logger.Info("scrape enqueued", "source", src, "job_id", j.ID)
	return j, nil
}

// TriggerAnalysis enqueues an analysis batch regardless of backlog size.
func (s *Scheduler) TriggerAnalysis(ctx context.Context) (*jobs.Job, error) {
	return s.queue.Enqueue(ctx, jobs.EnqueueParams{Kind: jobs.KindAnalyze, Target: AnalysisTarget})
}

// OnScrapeFinished runs the threshold check after a scrape and enqueues an
// analysis batch when the unanalyzed backlog is large enough. It returns nil
// when nothing was enqueued.
func (s *Scheduler) OnScrapeFinished(ctx context.Context, src models.Source, inserted int) (*jobs.Job, error) {
	backlog, err := s.signals.CountUnanalyzed(ctx)
	if err != nil {
		return nil, fmt.Errorf("count unanalyzed: %w", err)
	}
	if backlog < s.threshold {
		logger.Debug("analysis threshold not reached", "source", src, "inserted", inserted, "backlog", backlog, "threshold", s.threshold)
		return nil, nil
	}
	j, err := s.TriggerAnalysis(ctx)
	if errors.Is(err, jobs.ErrConflict) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	logger.Info("analysis enqueued", "source", src, "backlog", backlog, "job_id", j.ID)
	return j, nil
}

// OnAnalysisFinished enqueues the next batch while scraped signals remain
// unanalyzed, so a backlog larger than one batch drains without waiting for
// the next scrape. A successful batch marks every signal it picked, so the
// backlog shrinks each round. It returns nil when nothing was enqueued.
func (s *Scheduler) OnAnalysisFinished(ctx context.Context) (*jobs.Job, error) {
	backlog, err := s.signals.CountUnanalyzed(ctx)
	if err != nil {
		return nil, fmt.Errorf("count unanalyzed: %w", err)
	}
	if backlog == 0 {
		return nil, nil
	}
	j, err := s.TriggerAnalysis(ctx)
	if errors.Is(err, jobs.ErrConflict) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	logger.Info("follow-up analysis enqueued", "backlog", backlog, "job_id", j.ID)
	return j, nil
}

// Pause stops new scrapes for src. A running scrape finishes; a queued one
// is cancelled.
func (s *Scheduler) Pause(ctx context.Context, src models.Source) error {
	if !src.Valid() || src == models.SourceManual {
		return fmt.Errorf("%w: %q", ErrUnknownSource, src)
	}
	if err := s.states.SetSourcePaused(ctx, src, true); err != nil {
		return fmt.Errorf("pause %s: %w", src, err)
	}
	n, err := s.queue.CancelQueued(ctx, jobs.KindScrape, string(src), "source paused")
	if err != nil {
		return err
	}
	logger.Info("source paused", "source", src, "cancelled_jobs", n)
	return nil
}

func (s *Scheduler) Resume(ctx context.Context, src models.Source) error {
	if !src.Valid() || src == models.SourceManual {
		return fmt.Errorf("%w: %q", ErrUnknownSource, src)
	}
	if err := s.states.SetSourcePaused(ctx, src, false); err != nil {
		return fmt.Errorf("resume %s: %w", src, err)
	}
	logger.Info("source resumed", "source", src)
	return nil
}

func (s *Scheduler) Paused(ctx context.Context, src models.Source) (bool, error) {
	st, err := s.states.GetSourceState(ctx, src)
	if err != nil {
		return false, fmt.Errorf("source state %s: %w", src, err)
	}
	return st != nil && st.Paused, nil
}

// Status reports every scrapeable source, enabled or not.
func (s *Scheduler) Status(ctx context.Context) ([]SourceStatus, error) {
	states, err := s.states.ListSourceStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("list source states: %w", err)
	}
	byName := make(map[models.Source]models.SourceState, len(states))
	for _, st := range states {
		byName[st.Source] = st
	}

	out := make([]SourceStatus, 0, len(models.ScrapeSources))
	for _, src := range models.ScrapeSources {
		st := byName[src]
		ss := SourceStatus{
			Source:     src,
			Enabled:    slices.Contains(s.sources, src),
			Paused:     st.Paused,
			State:      StateIdle,
			LastRunAt:  st.LastRunAt,
			LastStatus: st.LastStatus,
			LastError:  st.LastError,
		}
		j, err := s.queue.ActiveFor(ctx, jobs.KindScrape, string(src))
		if err != nil {
			return nil, err
		}
		switch {
		case j != nil && j.Status == jobs.StatusLeased:
			ss.State, ss.JobID = StateRunning, j.ID
		case j != nil:
			ss.State, ss.JobID = StateQueued, j.ID
		case st.LastStatus != nil && *st.LastStatus == RunFailed:
			ss.State = StateFailed
		}
		out = append(out, ss)
	}
	return out, nil
}

// Run outcomes recorded in source_states.last_status.
const (
	RunOK       = "ok"
	RunFailed   = "failed"
	RunRetrying = "retrying"
)
