package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/garnizeh/insightpipe/internal/jobs"
)

// JobQueue is satisfied by *jobs.Repository.
type JobQueue interface {
	List(ctx context.Context, f jobs.ListFilter) ([]jobs.Job, error)
	Requeue(ctx context.Context, id string) (*jobs.Job, error)
}

type JobsHandler struct {
	queue JobQueue
}

func NewJobsHandler(q JobQueue) *JobsHandler {
	return &JobsHandler{queue: q}
}

func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := jobs.ListFilter{Status: jobs.Status(q.Get("status")), Kind: jobs.Kind(q.Get("kind"))}
	switch f.Status {
	case "", jobs.StatusQueued, jobs.StatusLeased, jobs.StatusDone, jobs.StatusFailed, jobs.StatusDead:
	default:
		http.Error(w, "invalid status", http.StatusBadRequest)
		return
	}
	f.Limit, f.Offset = pagination(r, 50, 100)

	items, err := h.queue.List(r.Context(), f)
	if err != nil {
		logger.Error("list jobs", "err", err)
		http.Error(w, "failed to list jobs", http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []jobs.Job{}
	}
	writeJSON(w, map[string]any{"limit": f.Limit, "offset": f.Offset, "items": items}, http.StatusOK)
}

// Requeue gives a dead or failed job a fresh attempt budget.
func (h *JobsHandler) Requeue(w http.ResponseWriter, r *http.Request) {
	j, err := h.queue.Requeue(r.Context(), mux.Vars(r)["id"])
	switch {
	case err == nil:
	case errors.Is(err, jobs.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
		return
	case errors.Is(err, jobs.ErrConflict):
		writeDetail(w, "job is active or another job for the same target is pending", http.StatusConflict)
		return
	default:
		logger.Error("requeue job", "err", err)
		http.Error(w, "failed to requeue job", http.StatusInternalServerError)
		return
	}
	writeJSON(w, j, http.StatusOK)
}
