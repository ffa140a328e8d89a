package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Kind identifies the handler a job is routed to.
type Kind string

const (
	KindScrape   Kind = "scrape"
	KindAnalyze  Kind = "analyze"
	KindResearch Kind = "research"
)

// Status is the lifecycle state of a job.
//
//	queued -> leased -> done
//	leased -> queued (retry with backoff)
//	leased -> dead   (attempts exhausted or permanent error)
//	queued|leased -> failed (cancelled, e.g. paused source)
type Status string

const (
	StatusQueued Status = "queued"
	StatusLeased Status = "leased"
	StatusDone   Status = "done"
	StatusFailed Status = "failed"
	StatusDead   Status = "dead"
)

// Terminal reports whether no further transition is possible without an
// operator requeue.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusDead
}

// DefaultMaxAttempts bounds retries when Enqueue is not given a limit.
const DefaultMaxAttempts = 5

// Job represents a background job
type Job struct {
	ID             string          `json:"id" db:"id"`
	Kind           Kind            `json:"kind" db:"kind"`
	Target         string          `json:"target" db:"target"`
	Payload        json.RawMessage `json:"payload,omitempty" db:"-"`
	Status         Status          `json:"status" db:"status"`
	AttemptCount   int             `json:"attempt_count" db:"attempt_count"`
	MaxAttempts    int             `json:"max_attempts" db:"max_attempts"`
	RunAfter       int64           `json:"run_after" db:"run_after"`
	LeaseToken     *string         `json:"-" db:"lease_token"`
	LeaseExpiresAt *int64          `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	LastError      *string         `json:"last_error,omitempty" db:"last_error"`
	CreatedAt      int64           `json:"created_at" db:"created_at"`
	UpdatedAt      int64           `json:"updated_at" db:"updated_at"`
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	if len(j.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(j.Payload, v)
}

// Handler is the function that processes a job
type Handler func(ctx context.Context, j *Job) error

var (
	// ErrConflict is returned when an active job with the same kind and target exists.
	ErrConflict = errors.New("job already active")
	// ErrLeaseLost means the lease expired or was taken by another worker.
	ErrLeaseLost = errors.New("lease lost")
	ErrNotFound  = errors.New("job not found")
)

type permanentError struct{ err error }

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() error   { return e.err }
func (e *permanentError) Permanent() bool { return true }

// Permanent marks err as non-retryable; the job goes straight to dead.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether any error in the chain declares itself
// permanent through a Permanent() bool method.
func IsPermanent(err error) bool {
	var p interface{ Permanent() bool }
	return errors.As(err, &p) && p.Permanent()
}

type cancelledError struct{ err error }

func (e *cancelledError) Error() string { return e.err.Error() }
func (e *cancelledError) Unwrap() error { return e.err }

// Cancelled marks err as a deliberate stop; the job ends as failed without retry.
func Cancelled(err error) error {
	if err == nil {
		return nil
	}
	return &cancelledError{err: err}
}

func IsCancelled(err error) bool {
	var c *cancelledError
	return errors.As(err, &c)
}

// BackoffDuration returns exponential backoff duration for attempt n
func BackoffDuration(attempt int) time.Duration {
	if attempt <= 0 {
		return time.Second
	}
	max := 5 * time.Minute
	if attempt >= 9 {
		return max
	}
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > max {
		return max
	}
	return d
}
