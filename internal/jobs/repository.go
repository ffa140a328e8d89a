package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/garnizeh/insightpipe/internal/db"
)

const jobColumns = `id, kind, target, payload, status, attempt_count, max_attempts, run_after, lease_token, lease_expires_at, last_error, created_at, updated_at`

// Repository persists jobs. Every state change after a lease is guarded by
// the lease token, so a worker whose lease expired can no longer ack or fail.
type Repository struct {
	db          *db.DB
	now         func() time.Time
	maxAttempts int
}

func NewRepository(d *db.DB) *Repository {
	return &Repository{db: d, now: time.Now, maxAttempts: DefaultMaxAttempts}
}

// SetMaxAttempts changes the attempt budget used when Enqueue is not given
// one. Values below 1 are ignored.
func (r *Repository) SetMaxAttempts(n int) {
	if n > 0 {
		r.maxAttempts = n
	}
}

type jobRow struct {
	Job
	RawPayload string `db:"payload"`
}

func (r jobRow) toJob() *Job {
	j := r.Job
	if r.RawPayload != "" {
		j.Payload = json.RawMessage(r.RawPayload)
	}
	return &j
}

// EnqueueParams describes a job to create.
type EnqueueParams struct {
	Kind        Kind
	Target      string
	Payload     any
	MaxAttempts int
	RunAfter    time.Time
}

// Enqueue inserts a queued job. It returns ErrConflict when a queued or
// leased job with the same kind and target already exists.
func (r *Repository) Enqueue(ctx context.Context, p EnqueueParams) (*Job, error) {
	payload := []byte("{}")
	if p.Payload != nil {
		b, err := json.Marshal(p.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		payload = b
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = r.maxAttempts
	}
	now := r.now().UTC()
	runAfter := now
	if !p.RunAfter.IsZero() {
		runAfter = p.RunAfter.UTC()
	}

	j := &Job{
		ID:          uuid.NewString(),
		Kind:        p.Kind,
		Target:      p.Target,
		Payload:     payload,
		Status:      StatusQueued,
		MaxAttempts: p.MaxAttempts,
		RunAfter:    runAfter.UnixMilli(),
		CreatedAt:   now.UnixMilli(),
		UpdatedAt:   now.UnixMilli(),
	}
	q := `INSERT INTO jobs (id, kind, target, payload, status, attempt_count, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?) ON CONFLICT DO NOTHING`
	res, err := r.db.Exec(ctx, q, j.ID, j.Kind, j.Target, string(payload), j.Status, j.MaxAttempts, j.RunAfter, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("enqueue failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("enqueue failed: %w", err)
	}
	if n == 0 {
		return nil, ErrConflict
	}
	return j, nil
}

// Lease claims the next runnable job of one of the given kinds for leaseFor.
// Runnable means queued with run_after due, or leased with an expired lease
// and attempts left. It returns nil when nothing is runnable.
func (r *Repository) Lease(ctx context.Context, kinds []Kind, leaseFor time.Duration) (*Job, error) {
	if len(kinds) == 0 {
		return nil, nil
	}
	now := r.now().UTC().UnixMilli()
	token := uuid.NewString()
	expires := now + leaseFor.Milliseconds()

	q, args, err := sqlx.In(`UPDATE jobs
		SET status = 'leased', lease_token = ?, lease_expires_at = ?, attempt_count = attempt_count + 1, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE kind IN (?)
			  AND ((status = 'queued' AND run_after <= ?)
			    OR (status = 'leased' AND lease_expires_at < ? AND attempt_count < max_attempts))
			ORDER BY run_after, created_at
			LIMIT 1)
		AND (status = 'queued' OR (status = 'leased' AND lease_expires_at < ?))
		RETURNING `+jobColumns, token, expires, now, kinds, now, now, now)
	if err != nil {
		return nil, fmt.Errorf("build lease query: %w", err)
	}

	var row jobRow
	if err := r.db.Get(ctx, &row, q, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lease job: %w", err)
	}
	return row.toJob(), nil
}

// Renew extends a held lease.
func (r *Repository) Renew(ctx context.Context, id, token string, leaseFor time.Duration) error {
	now := r.now().UTC().UnixMilli()
	res, err := r.db.Exec(ctx, `UPDATE jobs SET lease_expires_at = ?, updated_at = ? WHERE id = ? AND lease_token = ? AND status = 'leased'`,
		now+leaseFor.Milliseconds(), now, id, token)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	return requireOne(res, ErrLeaseLost)
}

// Ack marks a leased job done.
func (r *Repository) Ack(ctx context.Context, id, token string) error {
	now := r.now().UTC().UnixMilli()
	res, err := r.db.Exec(ctx, `UPDATE jobs SET status = 'done', lease_token = NULL, lease_expires_at = NULL, last_error = NULL, updated_at = ?
		WHERE id = ? AND lease_token = ? AND status = 'leased'`, now, id, token)
	if err != nil {
		return fmt.Errorf("ack job: %w", err)
	}
	return requireOne(res, ErrLeaseLost)
}

// Release puts a leased job back in the queue without charging the attempt,
// for work interrupted by shutdown rather than by its own failure.
func (r *Repository) Release(ctx context.Context, id, token string) error {
	now := r.now().UTC().UnixMilli()
	res, err := r.db.Exec(ctx, `UPDATE jobs SET status = 'queued', attempt_count = CASE WHEN attempt_count > 0 THEN attempt_count - 1 ELSE 0 END, run_after = ?, lease_token = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND lease_token = ? AND status = 'leased'`, now, now, id, token)
	if err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	return requireOne(res, ErrLeaseLost)
}

// Fail records cause against a leased job and returns the resulting status:
// failed for cancellations, dead for permanent errors or exhausted attempts,
// otherwise queued again after BackoffDuration(attempt_count).
func (r *Repository) Fail(ctx context.Context, id, token string, cause error) (Status, error) {
	j, err := r.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if j.Status != StatusLeased || j.LeaseToken == nil || *j.LeaseToken != token {
		return "", ErrLeaseLost
	}

	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	now := r.now().UTC()
	next := StatusQueued
	runAfter := now.Add(BackoffDuration(j.AttemptCount)).UnixMilli()
	switch {
	case IsCancelled(cause):
		next = StatusFailed
	case IsPermanent(cause), j.AttemptCount >= j.MaxAttempts:
		next = StatusDead
	}
	if next != StatusQueued {
		runAfter = j.RunAfter
	}

	res, err := r.db.Exec(ctx, `UPDATE jobs SET status = ?, run_after = ?, last_error = ?, lease_token = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND lease_token = ? AND status = 'leased'`, next, runAfter, msg, now.UnixMilli(), id, token)
	if err != nil {
		return "", fmt.Errorf("fail job: %w", err)
	}
	if err := requireOne(res, ErrLeaseLost); err != nil {
		return "", err
	}
	return next, nil
}

// CancelQueued moves queued jobs for kind and target to failed. Leased jobs
// are left to finish.
func (r *Repository) CancelQueued(ctx context.Context, kind Kind, target, reason string) (int, error) {
	res, err := r.db.Exec(ctx, `UPDATE jobs SET status = 'failed', last_error = ?, updated_at = ? WHERE kind = ? AND target = ? AND status = 'queued'`,
		reason, r.now().UTC().UnixMilli(), kind, target)
	if err != nil {
		return 0, fmt.Errorf("cancel jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ReapExpired dead-letters leased jobs whose lease ran out on their last
// attempt and returns them.
func (r *Repository) ReapExpired(ctx context.Context) ([]Job, error) {
	now := r.now().UTC().UnixMilli()
	var rows []jobRow
	if err := r.db.Select(ctx, &rows, `SELECT `+jobColumns+` FROM jobs
		WHERE status = 'leased' AND lease_expires_at < ? AND attempt_count >= max_attempts`, now); err != nil {
		return nil, fmt.Errorf("list expired jobs: %w", err)
	}

	var reaped []Job
	for _, row := range rows {
		res, err := r.db.Exec(ctx, `UPDATE jobs SET status = 'dead', last_error = COALESCE(last_error, 'lease expired'), lease_token = NULL, lease_expires_at = NULL, updated_at = ?
			WHERE id = ? AND status = 'leased' AND lease_expires_at < ?`, now, row.ID, now)
		if err != nil {
			return reaped, fmt.Errorf("reap job %s: %w", row.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			j := row.toJob()
			j.Status = StatusDead
			reaped = append(reaped, *j)
		}
	}
	return reaped, nil
}

func (r *Repository) Get(ctx context.Context, id string) (*Job, error) {
	var row jobRow
	if err := r.db.Get(ctx, &row, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return row.toJob(), nil
}

// ActiveFor returns the queued or leased job for kind and target, or nil.
func (r *Repository) ActiveFor(ctx context.Context, kind Kind, target string) (*Job, error) {
	var row jobRow
	err := r.db.Get(ctx, &row, `SELECT `+jobColumns+` FROM jobs WHERE kind = ? AND target = ? AND status IN ('queued', 'leased')`, kind, target)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active job: %w", err)
	}
	return row.toJob(), nil
}

type ListFilter struct {
	Status Status
	Kind   Kind
	Limit  int
	Offset int
}

// List returns jobs newest first.
func (r *Repository) List(ctx context.Context, f ListFilter) ([]Job, error) {
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 50
	}
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var args []any
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Kind != "" {
		q += ` AND kind = ?`
		args = append(args, f.Kind)
	}
	q += ` ORDER BY updated_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, f.Limit, f.Offset)

	var rows []jobRow
	if err := r.db.Select(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	out := make([]Job, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row.toJob())
	}
	return out, nil
}

// Requeue resets a dead or failed job so it runs again with a fresh attempt
// budget.
func (r *Repository) Requeue(ctx context.Context, id string) (*Job, error) {
	j, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Status != StatusDead && j.Status != StatusFailed {
		return nil, fmt.Errorf("job %s is %s: %w", id, j.Status, ErrConflict)
	}
	active, err := r.ActiveFor(ctx, j.Kind, j.Target)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, ErrConflict
	}
	now := r.now().UTC().UnixMilli()
	res, err := r.db.Exec(ctx, `UPDATE jobs SET status = 'queued', attempt_count = 0, run_after = ?, last_error = NULL, updated_at = ?
		WHERE id = ? AND status IN ('dead', 'failed')`, now, now, id)
	if err != nil {
		return nil, fmt.Errorf("requeue job: %w", err)
	}
	if err := requireOne(res, ErrConflict); err != nil {
		return nil, err
	}
	return r.Get(ctx, id)
}

// CountByStatus returns the number of jobs per status.
func (r *Repository) CountByStatus(ctx context.Context) (map[Status]int, error) {
	var rows []struct {
		Status Status `db:"status"`
		N      int    `db:"n"`
	}
	if err := r.db.Select(ctx, &rows, `SELECT status, COUNT(*) AS n FROM jobs GROUP BY status`); err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	out := make(map[Status]int, len(rows))
	for _, row := range rows {
		out[row.Status] = row.N
	}
	return out, nil
}

func requireOne(res sql.Result, miss error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return miss
	}
	return nil
}
