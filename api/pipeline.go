package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/garnizeh/insightpipe/internal/jobs"
	"github.com/garnizeh/insightpipe/internal/scheduler"
	"github.com/garnizeh/insightpipe/pkg/models"
)

// Scheduler is satisfied by *scheduler.Scheduler.
type Scheduler interface {
	TriggerScrape(ctx context.Context, src models.Source) ([]*jobs.Job, error)
	TriggerAnalysis(ctx context.Context) (*jobs.Job, error)
	Pause(ctx context.Context, src models.Source) error
	Resume(ctx context.Context, src models.Source) error
	Status(ctx context.Context) ([]scheduler.SourceStatus, error)
}

type PipelineHandler struct {
	sched Scheduler
}

func NewPipelineHandler(s Scheduler) *PipelineHandler {
	return &PipelineHandler{sched: s}
}

type triggerResponse struct {
	JobIDs []string `json:"job_ids"`
}

// TriggerScrape enqueues a scrape for ?source=, or for every enabled source
// when it is omitted.
func (h *PipelineHandler) TriggerScrape(w http.ResponseWriter, r *http.Request) {
	src := models.Source(r.URL.Query().Get("source"))
	if src != "" && (!src.Valid() || src == models.SourceManual) {
		http.Error(w, "unknown source", http.StatusBadRequest)
		return
	}

	js, err := h.sched.TriggerScrape(r.Context(), src)
	switch {
	case err == nil:
	case errors.Is(err, jobs.ErrConflict):
		writeDetail(w, "a scrape is already pending or running", http.StatusConflict)
		return
	case errors.Is(err, scheduler.ErrUnknownSource):
		http.Error(w, "source is not enabled", http.StatusBadRequest)
		return
	case errors.Is(err, scheduler.ErrSourcePaused):
		writeDetail(w, "source is paused", http.StatusLocked)
		return
	default:
		logger.Error("trigger scrape", "source", src, "err", err)
		http.Error(w, "failed to enqueue scrape", http.StatusInternalServerError)
		return
	}

	resp := triggerResponse{JobIDs: make([]string, 0, len(js))}
	for _, j := range js {
		resp.JobIDs = append(resp.JobIDs, j.ID)
	}
	writeJSON(w, resp, http.StatusAccepted)
}

func (h *PipelineHandler) TriggerAnalysis(w http.ResponseWriter, r *http.Request) {
	j, err := h.sched.TriggerAnalysis(r.Context())
	if errors.Is(err, jobs.ErrConflict) {
		writeDetail(w, "an analysis batch is already pending or running", http.StatusConflict)
		return
	}
	if err != nil {
		logger.Error("trigger analysis", "err", err)
		http.Error(w, "failed to enqueue analysis", http.StatusInternalServerError)
		return
	}
	writeJSON(w, triggerResponse{JobIDs: []string{j.ID}}, http.StatusAccepted)
}

func (h *PipelineHandler) ListSources(w http.ResponseWriter, r *http.Request) {
	st, err := h.sched.Status(r.Context())
	if err != nil {
		logger.Error("source status", "err", err)
		http.Error(w, "failed to list sources", http.StatusInternalServerError)
		return
	}
	writeJSON(w, st, http.StatusOK)
}

func (h *PipelineHandler) PauseSource(w http.ResponseWriter, r *http.Request) {
	h.setPaused(w, r, true)
}

func (h *PipelineHandler) ResumeSource(w http.ResponseWriter, r *http.Request) {
	h.setPaused(w, r, false)
}

func (h *PipelineHandler) setPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	src := models.Source(mux.Vars(r)["source"])
	var err error
	if paused {
		err = h.sched.Pause(r.Context(), src)
	} else {
		err = h.sched.Resume(r.Context(), src)
	}
	if errors.Is(err, scheduler.ErrUnknownSource) {
		http.Error(w, "unknown source", http.StatusBadRequest)
		return
	}
	if err != nil {
		logger.Error("set source paused", "source", src, "paused", paused, "err", err)
		http.Error(w, "failed to update source", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
