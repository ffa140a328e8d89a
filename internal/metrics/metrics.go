package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/garnizeh/insightpipe/internal/jobs"
)

var (
	JobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insightpipe_jobs_finished_total",
			Help: "Jobs that left the leased state, by kind and resulting status",
		},
		[]string{"kind", "status"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "insightpipe_job_duration_seconds",
			Help:    "Duration of job handler execution in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"kind"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "insightpipe_jobs",
			Help: "Number of jobs per status",
		},
		[]string{"status"},
	)

	SignalsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insightpipe_signals_ingested_total",
			Help: "Signals written by source adapters, by upsert result",
		},
		[]string{"source", "result"},
	)

	MetadataDefaulted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insightpipe_signal_metadata_defaulted_total",
			Help: "Required metadata keys missing from a fetched item and filled with a zero value",
		},
		[]string{"source", "key"},
	)

	ScrapeRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insightpipe_scrape_runs_total",
			Help: "Completed scrape runs by source and outcome",
		},
		[]string{"source", "status"},
	)

	InsightsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "insightpipe_insights_created_total",
			Help: "Insights persisted by the analysis worker",
		},
	)

	AnalysisFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insightpipe_analysis_failures_total",
			Help: "Per-signal analysis failures by reason",
		},
		[]string{"reason"},
	)

	ScorerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "insightpipe_scorer_duration_seconds",
			Help: "Latency of scorer calls in seconds",
		},
		[]string{"provider"},
	)

	ResearchDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insightpipe_research_decisions_total",
			Help: "Approval gate decisions for research requests",
		},
		[]string{"tier", "decision"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insightpipe_http_requests_total",
			Help: "HTTP requests by route template, method and status code",
		},
		[]string{"route", "method", "code"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "insightpipe_http_request_duration_seconds",
			Help: "HTTP request latency in seconds",
		},
		[]string{"route", "method"},
	)
)

// JobObserver feeds worker pool outcomes into the job metrics.
type JobObserver struct{}

func (JobObserver) JobFinished(kind jobs.Kind, status jobs.Status, elapsed time.Duration) {
	JobsFinished.WithLabelValues(string(kind), string(status)).Inc()
	if elapsed > 0 {
		JobDuration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
	}
}

// StatusCounter is satisfied by the job repository.
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[jobs.Status]int, error)
}

// RecordQueueDepth refreshes the per-status gauge once.
func RecordQueueDepth(ctx context.Context, src StatusCounter) error {
	counts, err := src.CountByStatus(ctx)
	if err != nil {
		return err
	}
	for _, s := range []jobs.Status{jobs.StatusQueued, jobs.StatusLeased, jobs.StatusDone, jobs.StatusFailed, jobs.StatusDead} {
		QueueDepth.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
	return nil
}

// PollQueueDepth refreshes the queue gauge every interval until ctx is done.
func PollQueueDepth(ctx context.Context, src StatusCounter, interval time.Duration, logger *slog.Logger) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if err := RecordQueueDepth(ctx, src); err != nil && ctx.Err() == nil {
			logger.Warn("queue depth metrics", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
