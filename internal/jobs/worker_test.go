package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

type recordingNotifier struct {
	mu   sync.Mutex
	dead []Job
}

func (n *recordingNotifier) NotifyDeadLetter(_ context.Context, j Job) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dead = append(n.dead, j)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.dead)
}

type recordingObserver struct {
	mu       sync.Mutex
	statuses []Status
}

func (o *recordingObserver) JobFinished(_ Kind, s Status, _ time.Duration) {
	o.mu.Lock()
	o.statuses = append(o.statuses, s)
	o.mu.Unlock()
}

func (o *recordingObserver) has(s Status) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, got := range o.statuses {
		if got == s {
			return true
		}
	}
	return false
}

func TestWorkerPool_ProcessesJob(t *testing.T) {
	repo, _ := newTestRepo(t)
	repo.now = time.Now
	ctx := context.Background()

	handled := make(chan string, 1)
	handlers := map[Kind]Handler{
		KindScrape: func(ctx context.Context, j *Job) error {
			handled <- j.Target
			return nil
		},
	}
	obs := &recordingObserver{}
	pool := NewWorkerPool(repo, handlers, quietLogger(), 1, WithPollInterval(20*time.Millisecond), WithObserver(obs))
	pool.Start(ctx)
	defer pool.Stop()

	j, err := pool.Enqueue(ctx, KindScrape, "reddit", map[string]string{"source": "reddit"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case target := <-handled:
		if target != "reddit" {
			t.Fatalf("unexpected target %q", target)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("handler was not called")
	}
	waitFor(t, 3*time.Second, func() bool {
		got, err := repo.Get(ctx, j.ID)
		return err == nil && got.Status == StatusDone
	})
	waitFor(t, time.Second, func() bool { return obs.has(StatusDone) })
}

func TestWorkerPool_PermanentErrorDeadLetters(t *testing.T) {
	repo, _ := newTestRepo(t)
	repo.now = time.Now
	ctx := context.Background()

	handlers := map[Kind]Handler{
		KindAnalyze: func(ctx context.Context, j *Job) error {
			return Permanent(errors.New("bad credentials"))
		},
	}
	notifier := &recordingNotifier{}
	pool := NewWorkerPool(repo, handlers, quietLogger(), 2, WithPollInterval(20*time.Millisecond), WithDeadLetterNotifier(notifier))
	pool.Start(ctx)
	defer pool.Stop()

	j, err := pool.Enqueue(ctx, KindAnalyze, "batch", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool { return notifier.count() == 1 })

	got, _ := repo.Get(ctx, j.ID)
	if got.Status != StatusDead || got.LastError == nil || *got.LastError != "bad credentials" {
		t.Fatalf("unexpected job %+v", got)
	}
	notifier.mu.Lock()
	if notifier.dead[0].ID != j.ID {
		t.Fatalf("notified about wrong job")
	}
	notifier.mu.Unlock()
}

func TestWorkerPool_TransientErrorRequeues(t *testing.T) {
	repo, _ := newTestRepo(t)
	repo.now = time.Now
	ctx := context.Background()

	calls := make(chan struct{}, 4)
	handlers := map[Kind]Handler{
		KindScrape: func(ctx context.Context, j *Job) error {
			calls <- struct{}{}
			return errors.New("timeout")
		},
	}
	pool := NewWorkerPool(repo, handlers, quietLogger(), 1, WithPollInterval(20*time.Millisecond))
	pool.Start(ctx)
	defer pool.Stop()

	j, _ := pool.Enqueue(ctx, KindScrape, "hacker_news", nil)
	<-calls
	waitFor(t, 3*time.Second, func() bool {
		got, err := repo.Get(ctx, j.ID)
		return err == nil && got.Status == StatusQueued && got.AttemptCount == 1
	})
}

func TestWorkerPool_HeartbeatKeepsLease(t *testing.T) {
	repo, _ := newTestRepo(t)
	repo.now = time.Now
	ctx := context.Background()

	handlers := map[Kind]Handler{
		KindAnalyze: func(ctx context.Context, j *Job) error {
			select {
			case <-time.After(400 * time.Millisecond):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
	pool := NewWorkerPool(repo, handlers, quietLogger(), 1,
		WithPollInterval(20*time.Millisecond), WithLeaseDuration(150*time.Millisecond))
	pool.Start(ctx)
	defer pool.Stop()

	j, _ := pool.Enqueue(ctx, KindAnalyze, "batch", nil)
	waitFor(t, 3*time.Second, func() bool {
		got, err := repo.Get(ctx, j.ID)
		return err == nil && got.Status == StatusDone
	})
	got, _ := repo.Get(ctx, j.ID)
	if got.AttemptCount != 1 {
		t.Fatalf("lease should not have been reclaimed, attempts=%d", got.AttemptCount)
	}
}

func TestWorkerPool_LeaseLostCancelsHandler(t *testing.T) {
	repo, _ := newTestRepo(t)
	repo.now = time.Now
	ctx := context.Background()

	started := make(chan string, 1)
	stopped := make(chan error, 1)
	handlers := map[Kind]Handler{
		KindResearch: func(ctx context.Context, j *Job) error {
			started <- j.ID
			<-ctx.Done()
			stopped <- ctx.Err()
			return ctx.Err()
		},
	}
	pool := NewWorkerPool(repo, handlers, quietLogger(), 1,
		WithPollInterval(20*time.Millisecond), WithLeaseDuration(150*time.Millisecond))
	pool.Start(ctx)
	defer pool.Stop()

	pool.Enqueue(ctx, KindResearch, "req-9", nil)
	id := <-started
	far := time.Now().Add(time.Hour).UnixMilli()
	if _, err := repo.db.Exec(ctx, `UPDATE jobs SET lease_token = 'stolen', lease_expires_at = ? WHERE id = ?`, far, id); err != nil {
		t.Fatalf("steal lease: %v", err)
	}

	select {
	case err := <-stopped:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected cancellation, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("handler was not cancelled after lease loss")
	}

	got, _ := repo.Get(ctx, id)
	if got.Status != StatusLeased || got.LeaseToken == nil || *got.LeaseToken != "stolen" {
		t.Fatalf("worker must not touch a job it no longer owns: %+v", got)
	}
}

func TestWorkerPool_StopIsIdempotent(t *testing.T) {
	repo, _ := newTestRepo(t)
	pool := NewWorkerPool(repo, map[Kind]Handler{}, quietLogger(), 2)
	pool.Start(context.Background())
	pool.Stop()
	pool.Stop()
}

func TestWorkerPool_AfterDoneRunsOnceLeaseIsGone(t *testing.T) {
	repo, _ := newTestRepo(t)
	repo.now = time.Now
	ctx := context.Background()

	handlers := map[Kind]Handler{
		KindAnalyze: func(ctx context.Context, j *Job) error { return nil },
	}
	followUps := make(chan error, 1)
	var once sync.Once
	after := func(ctx context.Context, j Job) {
		once.Do(func() {
			// the finished job must no longer block a new one for the same target
			_, err := repo.Enqueue(ctx, EnqueueParams{Kind: j.Kind, Target: j.Target})
			followUps <- err
		})
	}
	pool := NewWorkerPool(repo, handlers, quietLogger(), 1,
		WithPollInterval(20*time.Millisecond), WithAfterDone(after))
	pool.Start(ctx)

	if _, err := pool.Enqueue(ctx, KindAnalyze, "backlog", nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case err := <-followUps:
		if err != nil {
			t.Fatalf("follow-up enqueue: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("after-done hook was not called")
	}
	pool.Stop()
}

func TestWorkerPool_ShutdownReleasesInterruptedJob(t *testing.T) {
	repo, _ := newTestRepo(t)
	repo.now = time.Now

	started := make(chan string, 1)
	handlers := map[Kind]Handler{
		KindScrape: func(ctx context.Context, j *Job) error {
			started <- j.ID
			<-ctx.Done()
			return ctx.Err()
		},
	}
	notifier := &recordingNotifier{}
	ctx, cancel := context.WithCancel(context.Background())
	pool := NewWorkerPool(repo, handlers, quietLogger(), 1,
		WithPollInterval(20*time.Millisecond), WithDeadLetterNotifier(notifier))
	pool.Start(ctx)

	if _, err := repo.Enqueue(context.Background(), EnqueueParams{Kind: KindScrape, Target: "reddit", MaxAttempts: 1}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	id := <-started
	cancel()
	pool.Stop()

	got, err := repo.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusQueued || got.AttemptCount != 0 || got.LeaseToken != nil {
		t.Fatalf("interrupted job should be back in the queue uncharged: %+v", got)
	}
	if notifier.count() != 0 {
		t.Fatalf("shutdown must not dead-letter jobs")
	}
}
