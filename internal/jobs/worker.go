package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DeadLetterNotifier is told about every job that ends up dead.
type DeadLetterNotifier interface {
	NotifyDeadLetter(ctx context.Context, j Job) error
}

// Observer receives per-job outcomes, e.g. for metrics.
type Observer interface {
	JobFinished(kind Kind, status Status, elapsed time.Duration)
}

type Option func(*WorkerPool)

func WithLeaseDuration(d time.Duration) Option {
	return func(p *WorkerPool) {
		if d > 0 {
			p.leaseFor = d
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(p *WorkerPool) {
		if d > 0 {
			p.poll = d
		}
	}
}

func WithDeadLetterNotifier(n DeadLetterNotifier) Option {
	return func(p *WorkerPool) { p.notifier = n }
}

func WithObserver(o Observer) Option {
	return func(p *WorkerPool) { p.observer = o }
}

// WithAfterDone registers fn to run after a job has been acked. The job no
// longer holds its lease, so fn may enqueue a follow-up for the same target.
func WithAfterDone(fn func(ctx context.Context, j Job)) Option {
	return func(p *WorkerPool) { p.afterDone = fn }
}

type WorkerPool struct {
	repo        *Repository
	handlers    map[Kind]Handler
	kinds       []Kind
	logger      *slog.Logger
	workerCount int
	leaseFor    time.Duration
	poll        time.Duration
	notifier    DeadLetterNotifier
	observer    Observer
	afterDone   func(ctx context.Context, j Job)
	stop        chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

func NewWorkerPool(repo *Repository, handlers map[Kind]Handler, logger *slog.Logger, workerCount int, opts ...Option) *WorkerPool {
	if workerCount <= 0 {
		workerCount = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &WorkerPool{
		repo:        repo,
		handlers:    handlers,
		logger:      logger,
		workerCount: workerCount,
		leaseFor:    5 * time.Minute,
		poll:        500 * time.Millisecond,
		stop:        make(chan struct{}),
	}
	for k := range handlers {
		p.kinds = append(p.kinds, k)
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start launches the worker goroutines and the expired-lease reaper.
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.wg.Add(1)
	go p.reaper(ctx)
}

// Stop signals workers to stop and waits for in-flight jobs to finish.
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
}

// Enqueue convenience helper that creates a job and persists it
func (p *WorkerPool) Enqueue(ctx context.Context, kind Kind, target string, payload any) (*Job, error) {
	return p.repo.Enqueue(ctx, EnqueueParams{Kind: kind, Target: target, Payload: payload})
}

// wait sleeps for d and reports false when the pool is stopping.
func (p *WorkerPool) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.stop:
		return false
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (p *WorkerPool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			p.logger.Info("worker stopping", "id", id)
			return
		case <-ctx.Done():
			p.logger.Info("context canceled, worker exiting", "id", id)
			return
		default:
		}

		job, err := p.repo.Lease(ctx, p.kinds, p.leaseFor)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Error("lease job", "err", err)
			}
			if !p.wait(ctx, time.Second) {
				return
			}
			continue
		}
		if job == nil {
			if !p.wait(ctx, p.poll) {
				return
			}
			continue
		}
		p.run(ctx, job)
	}
}

func (p *WorkerPool) run(ctx context.Context, job *Job) {
	start := time.Now()
	log := p.logger.With("job_id", job.ID, "kind", job.Kind, "target", job.Target, "attempt", job.AttemptCount)
	token := *job.LeaseToken
	// outcome bookkeeping must land even when ctx is cancelled by shutdown
	bctx := context.WithoutCancel(ctx)

	h, ok := p.handlers[job.Kind]
	if !ok {
		p.finish(bctx, log, job, token, Permanent(fmt.Errorf("no handler for kind %q", job.Kind)), start)
		return
	}

	hctx, cancel := context.WithCancel(ctx)
	var lost atomic.Bool
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		p.heartbeat(hctx, cancel, job.ID, token, &lost, log)
	}()

	err := h(hctx, job)
	cancel()
	<-hbDone

	if lost.Load() {
		log.Warn("lease lost while running, result discarded", "err", err)
		p.observe(job.Kind, StatusLeased, start)
		return
	}
	if err == nil {
		if ackErr := p.repo.Ack(bctx, job.ID, token); ackErr != nil {
			log.Error("ack job", "err", ackErr)
			return
		}
		log.Info("job done", "elapsed", time.Since(start))
		p.observe(job.Kind, StatusDone, start)
		if p.afterDone != nil {
			job.Status = StatusDone
			p.afterDone(bctx, *job)
		}
		return
	}
	if ctx.Err() != nil {
		if relErr := p.repo.Release(bctx, job.ID, token); relErr != nil {
			log.Error("release interrupted job", "err", relErr, "cause", err)
			return
		}
		log.Info("job interrupted by shutdown, released", "cause", err)
		p.observe(job.Kind, StatusQueued, start)
		return
	}
	p.finish(bctx, log, job, token, err, start)
}

func (p *WorkerPool) finish(ctx context.Context, log *slog.Logger, job *Job, token string, cause error, start time.Time) {
	status, err := p.repo.Fail(ctx, job.ID, token, cause)
	if err != nil {
		log.Error("record job failure", "err", err, "cause", cause)
		return
	}
	p.observe(job.Kind, status, start)
	switch status {
	case StatusDead:
		log.Error("job dead-lettered", "err", cause)
		msg := cause.Error()
		job.Status = StatusDead
		job.LastError = &msg
		p.notifyDead(ctx, *job)
	case StatusFailed:
		log.Info("job cancelled", "reason", cause)
	default:
		log.Warn("job failed, retrying", "err", cause, "backoff", BackoffDuration(job.AttemptCount))
	}
}

func (p *WorkerPool) heartbeat(ctx context.Context, cancel context.CancelFunc, id, token string, lost *atomic.Bool, log *slog.Logger) {
	interval := p.leaseFor / 3
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			err := p.repo.Renew(ctx, id, token, p.leaseFor)
			if errors.Is(err, ErrLeaseLost) {
				lost.Store(true)
				cancel()
				return
			}
			if err != nil && ctx.Err() == nil {
				log.Warn("renew lease", "err", err)
			}
		}
	}
}

func (p *WorkerPool) reaper(ctx context.Context) {
	defer p.wg.Done()
	interval := p.leaseFor
	if interval < time.Second {
		interval = time.Second
	}
	for p.wait(ctx, interval) {
		p.Reap(ctx)
	}
}

// Reap dead-letters expired leases that have no attempts left.
func (p *WorkerPool) Reap(ctx context.Context) {
	reaped, err := p.repo.ReapExpired(ctx)
	if err != nil && ctx.Err() == nil {
		p.logger.Error("reap expired leases", "err", err)
	}
	for _, j := range reaped {
		p.logger.Error("job dead-lettered after lease expiry", "job_id", j.ID, "kind", j.Kind, "target", j.Target)
		if p.observer != nil {
			p.observer.JobFinished(j.Kind, StatusDead, 0)
		}
		p.notifyDead(ctx, j)
	}
}

func (p *WorkerPool) notifyDead(ctx context.Context, j Job) {
	if p.notifier == nil {
		return
	}
	if err := p.notifier.NotifyDeadLetter(ctx, j); err != nil {
		p.logger.Warn("dead-letter notification failed", "job_id", j.ID, "err", err)
	}
}

func (p *WorkerPool) observe(kind Kind, status Status, start time.Time) {
	if p.observer != nil {
		p.observer.JobFinished(kind, status, time.Since(start))
	}
}
