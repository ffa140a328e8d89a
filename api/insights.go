package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/garnizeh/insightpipe/internal/cache"
	"github.com/garnizeh/insightpipe/pkg/models"
	"github.com/garnizeh/insightpipe/pkg/repository"
)

var insightSorts = map[string]bool{
	repository.SortRelevance:   true,
	repository.SortFounderFit:  true,
	repository.SortOpportunity: true,
	repository.SortFeasibility: true,
	repository.SortNewest:      true,
}

type InsightsHandler struct {
	repo  repository.InsightRepo
	cache cache.Cache
}

// NewInsightsHandler builds the handler; a nil cache disables caching.
func NewInsightsHandler(repo repository.InsightRepo, c cache.Cache) *InsightsHandler {
	if c == nil {
		c = cache.Noop{}
	}
	return &InsightsHandler{repo: repo, cache: c}
}

type insightList struct {
	Total  int              `json:"total"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
	Items  []models.Insight `json:"items"`
}

// ListInsights serves GET /insights. Anonymous and non-admin callers only see
// published insights; admins may filter by ?status=.
func (h *InsightsHandler) ListInsights(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := repository.InsightFilter{Sort: q.Get("sort")}
	if f.Sort == "" {
		f.Sort = repository.SortRelevance
	}
	if !insightSorts[f.Sort] {
		http.Error(w, "invalid sort", http.StatusBadRequest)
		return
	}
	if v := q.Get("min_score"); v != "" {
		s, err := strconv.ParseFloat(v, 64)
		if err != nil || s < 0 || s > 1 {
			http.Error(w, "min_score must be between 0 and 1", http.StatusBadRequest)
			return
		}
		f.MinScore = &s
	}
	if v := q.Get("source"); v != "" {
		f.Source = models.Source(v)
		if !f.Source.Valid() {
			http.Error(w, "unknown source", http.StatusBadRequest)
			return
		}
	}
	status := models.InsightStatus(q.Get("status"))
	if status != "" && !status.Valid() {
		http.Error(w, "status must be draft, published or rejected", http.StatusBadRequest)
		return
	}
	f.Status = models.InsightPublished
	if p := PrincipalFrom(r.Context()); p != nil && p.Admin {
		f.Status = status
	}
	f.Limit, f.Offset = pagination(r, 20, 100)

	ctx := r.Context()
	key := insightListKey(f)
	if b, ok, err := h.cache.Get(ctx, cache.NamespaceInsights, key); err != nil {
		logger.Warn("insight cache get", "err", err)
	} else if ok {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Cache", "hit")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(b)
		return
	}

	items, total, err := h.repo.ListInsights(ctx, f)
	if err != nil {
		logger.Error("list insights", "err", err)
		http.Error(w, "failed to list insights", http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []models.Insight{}
	}

	b, err := json.Marshal(insightList{Total: total, Limit: f.Limit, Offset: f.Offset, Items: items})
	if err != nil {
		http.Error(w, "failed to encode insights", http.StatusInternalServerError)
		return
	}
	if err := h.cache.Set(ctx, cache.NamespaceInsights, key, b); err != nil {
		logger.Warn("insight cache set", "err", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(append(b, '\n'))
}

func insightListKey(f repository.InsightFilter) string {
	score := "-"
	if f.MinScore != nil {
		score = strconv.FormatFloat(*f.MinScore, 'f', -1, 64)
	}
	return fmt.Sprintf("list:%s:%s:%s:%s:%d:%d", f.Status, f.Source, score, f.Sort, f.Limit, f.Offset)
}

func (h *InsightsHandler) GetInsight(w http.ResponseWriter, r *http.Request) {
	in, err := h.repo.GetInsight(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		logger.Error("get insight", "err", err)
		http.Error(w, "failed to get insight", http.StatusInternalServerError)
		return
	}
	p := PrincipalFrom(r.Context())
	if in == nil || (in.Status != models.InsightPublished && (p == nil || !p.Admin)) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, in, http.StatusOK)
}

func (h *InsightsHandler) Publish(w http.ResponseWriter, r *http.Request) {
	h.moderate(w, r, models.InsightPublished)
}

func (h *InsightsHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.moderate(w, r, models.InsightRejected)
}

func (h *InsightsHandler) moderate(w http.ResponseWriter, r *http.Request, to models.InsightStatus) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]
	in, err := h.repo.GetInsight(ctx, id)
	if err != nil {
		logger.Error("get insight", "err", err)
		http.Error(w, "failed to get insight", http.StatusInternalServerError)
		return
	}
	if in == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if !in.Status.CanTransition(to) {
		writeDetail(w, fmt.Sprintf("insight is %s and cannot become %s", in.Status, to), http.StatusConflict)
		return
	}
	err = h.repo.UpdateInsightStatus(ctx, id, in.Status, to)
	if errors.Is(err, repository.ErrNotFound) {
		writeDetail(w, "insight changed concurrently, retry", http.StatusConflict)
		return
	}
	if err != nil {
		logger.Error("update insight status", "id", id, "err", err)
		http.Error(w, "failed to update insight", http.StatusInternalServerError)
		return
	}
	if err := h.cache.Invalidate(ctx, cache.NamespaceInsights); err != nil {
		logger.Warn("invalidate insight cache", "err", err)
	}
	in.Status = to
	logger.Info("insight moderated", "id", id, "status", to)
	writeJSON(w, in, http.StatusOK)
}
