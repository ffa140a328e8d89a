package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/garnizeh/insightpipe/internal/research"
	"github.com/garnizeh/insightpipe/pkg/models"
	"github.com/garnizeh/insightpipe/pkg/repository"
)

// ResearchService is satisfied by *research.Service.
type ResearchService interface {
	Submit(ctx context.Context, userID string, tier models.Tier, in research.Input) (*models.ResearchRequest, error)
	Approve(ctx context.Context, id, adminID, note string) (*models.ResearchRequest, error)
	Reject(ctx context.Context, id, adminID, note string) (*models.ResearchRequest, error)
	Get(ctx context.Context, id string) (*models.ResearchRequest, error)
	Pending(ctx context.Context, limit, offset int) ([]models.ResearchRequest, error)
}

type ResearchHandler struct {
	svc   ResearchService
	users repository.UserRepo
}

func NewResearchHandler(svc ResearchService, users repository.UserRepo) *ResearchHandler {
	return &ResearchHandler{svc: svc, users: users}
}

type researchResponse struct {
	ID         string                `json:"id"`
	Status     models.ResearchStatus `json:"status"`
	AnalysisID *string               `json:"analysis_id,omitempty"`
}

type reviewRequest struct {
	Note string `json:"note"`
}

// Submit serves POST /research. The tier is read from the stored account so
// a stale token cannot raise the quota.
func (h *ResearchHandler) Submit(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFrom(r.Context())
	if p == nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var in research.Input
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&in); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	tier := p.Tier
	if h.users != nil {
		u, err := h.users.GetUserByID(ctx, p.UserID)
		if err != nil {
			logger.Error("get user", "user_id", p.UserID, "err", err)
			http.Error(w, "failed to load account", http.StatusInternalServerError)
			return
		}
		if u == nil {
			http.Error(w, "account not found", http.StatusUnauthorized)
			return
		}
		tier = u.Tier
	}

	rr, err := h.svc.Submit(ctx, p.UserID, tier, in)
	switch {
	case err == nil:
	case errors.Is(err, research.ErrQuotaExceeded):
		writeDetail(w, err.Error(), http.StatusTooManyRequests)
		return
	case errors.Is(err, research.ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	default:
		logger.Error("submit research", "user_id", p.UserID, "err", err)
		http.Error(w, "failed to submit research request", http.StatusInternalServerError)
		return
	}
	writeJSON(w, researchResponse{ID: rr.ID, Status: rr.Status, AnalysisID: rr.AnalysisID}, http.StatusCreated)
}

// Get returns one request to its owner or an admin.
func (h *ResearchHandler) Get(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFrom(r.Context())
	if p == nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	rr, err := h.svc.Get(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, research.ErrNotFound) || (err == nil && rr.UserID != p.UserID && !p.Admin) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logger.Error("get research", "err", err)
		http.Error(w, "failed to get research request", http.StatusInternalServerError)
		return
	}
	writeJSON(w, rr, http.StatusOK)
}

func (h *ResearchHandler) Pending(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 50, 500)
	items, err := h.svc.Pending(r.Context(), limit, offset)
	if err != nil {
		logger.Error("list pending research", "err", err)
		http.Error(w, "failed to list research requests", http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []models.ResearchRequest{}
	}
	writeJSON(w, map[string]any{"limit": limit, "offset": offset, "items": items}, http.StatusOK)
}

func (h *ResearchHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.review(w, r, h.svc.Approve)
}

func (h *ResearchHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.review(w, r, h.svc.Reject)
}

func (h *ResearchHandler) review(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, id, adminID, note string) (*models.ResearchRequest, error)) {
	p := PrincipalFrom(r.Context())
	if p == nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	var req reviewRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}
	}

	rr, err := apply(r.Context(), mux.Vars(r)["id"], p.UserID, req.Note)
	switch {
	case err == nil:
	case errors.Is(err, research.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
		return
	case errors.Is(err, research.ErrInvalidTransition):
		writeDetail(w, err.Error(), http.StatusConflict)
		return
	default:
		logger.Error("review research", "err", err)
		http.Error(w, "failed to review research request", http.StatusInternalServerError)
		return
	}
	writeJSON(w, rr, http.StatusOK)
}
