package api_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/mux"

	"github.com/garnizeh/insightpipe/api"
	"github.com/garnizeh/insightpipe/internal/cache"
	"github.com/garnizeh/insightpipe/internal/config"
	"github.com/garnizeh/insightpipe/pkg/models"
	"github.com/garnizeh/insightpipe/pkg/repository/mock"
)

type insightList struct {
	Total  int              `json:"total"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
	Items  []models.Insight `json:"items"`
}

func seedInsights(m *mock.Mocks) {
	add := func(id string, src models.Source, score float64, status models.InsightStatus, created int64) {
		m.Signals["sig-"+id] = &models.RawSignal{ID: "sig-" + id, Source: src, ExternalID: id, Title: id}
		m.Insights[id] = &models.Insight{ID: id, RawSignalID: "sig-" + id, ProblemStatement: "p " + id, RelevanceScore: score, Status: status, CreatedAt: created}
	}
	add("a", models.SourceReddit, 0.9, models.InsightPublished, 1)
	add("b", models.SourceHackerNews, 0.5, models.InsightPublished, 3)
	add("c", models.SourceReddit, 0.7, models.InsightPublished, 2)
	add("d", models.SourceReddit, 0.95, models.InsightDraft, 4)
}

func insightsRouter(h *api.InsightsHandler) http.Handler {
	r := mux.NewRouter()
	pub := r.NewRoute().Subrouter()
	pub.Use(api.OptionalJWTMiddleware(testSecret))
	pub.HandleFunc("/insights", h.ListInsights).Methods("GET")
	pub.HandleFunc("/insights/{id}", h.GetInsight).Methods("GET")
	adm := r.NewRoute().Subrouter()
	adm.Use(api.JWTAuthMiddlewareWithSecret(testSecret), api.RequireAdmin)
	adm.HandleFunc("/insights/{id}/publish", h.Publish).Methods("POST")
	adm.HandleFunc("/insights/{id}/reject", h.Reject).Methods("POST")
	return r
}

func ids(items []models.Insight) []string {
	out := make([]string, 0, len(items))
	for _, in := range items {
		out = append(out, in.ID)
	}
	return out
}

func TestListInsights_Filters(t *testing.T) {
	m := mock.NewMocks()
	seedInsights(m)
	r := insightsRouter(api.NewInsightsHandler(m, nil))

	cases := []struct {
		name    string
		path    string
		token   string
		wantIDs []string
		total   int
	}{
		{name: "PublishedOnlyByRelevance", path: "/insights", wantIDs: []string{"a", "c", "b"}, total: 3},
		{name: "MinScore", path: "/insights?min_score=0.6", wantIDs: []string{"a", "c"}, total: 2},
		{name: "Source", path: "/insights?source=hacker_news", wantIDs: []string{"b"}, total: 1},
		{name: "Newest", path: "/insights?sort=newest", wantIDs: []string{"b", "c", "a"}, total: 3},
		{name: "Paginated", path: "/insights?limit=1&offset=1", wantIDs: []string{"c"}, total: 3},
		{name: "UserTokenStillPublishedOnly", path: "/insights", token: "user", wantIDs: []string{"a", "c", "b"}, total: 3},
		{name: "AdminSeesDrafts", path: "/insights", token: "admin", wantIDs: []string{"d", "a", "c", "b"}, total: 4},
		{name: "AdminStatusFilter", path: "/insights?status=draft", token: "admin", wantIDs: []string{"d"}, total: 1},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			tok := ""
			switch c.token {
			case "user":
				tok = userToken(t, "u1", "pro")
			case "admin":
				tok = adminToken(t)
			}
			w := do(t, r, http.MethodGet, c.path, tok, nil)
			if w.Code != http.StatusOK {
				t.Fatalf("expected 200 got %d body=%s", w.Code, w.Body.String())
			}
			got := decodeBody[insightList](t, w)
			if got.Total != c.total {
				t.Fatalf("expected total %d got %d", c.total, got.Total)
			}
			gotIDs := ids(got.Items)
			if len(gotIDs) != len(c.wantIDs) {
				t.Fatalf("expected %v got %v", c.wantIDs, gotIDs)
			}
			for i := range gotIDs {
				if gotIDs[i] != c.wantIDs[i] {
					t.Fatalf("expected %v got %v", c.wantIDs, gotIDs)
				}
			}
		})
	}
}

func TestListInsights_BadParams(t *testing.T) {
	r := insightsRouter(api.NewInsightsHandler(mock.NewMocks(), nil))
	for _, path := range []string{"/insights?sort=random", "/insights?min_score=abc", "/insights?min_score=1.5", "/insights?source=myspace"} {
		if w := do(t, r, http.MethodGet, path, "", nil); w.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400 got %d", path, w.Code)
		}
	}
}

func TestListInsights_AdminStatusValidated(t *testing.T) {
	m := mock.NewMocks()
	seedInsights(m)
	r := insightsRouter(api.NewInsightsHandler(m, nil))
	tok := adminToken(t)

	for _, path := range []string{"/insights?status=drafts", "/insights?status=PUBLISHED", "/insights?status=archived"} {
		if w := do(t, r, http.MethodGet, path, tok, nil); w.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400 got %d", path, w.Code)
		}
	}
	w := do(t, r, http.MethodGet, "/insights?status=rejected", tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", w.Code)
	}
	if got := decodeBody[insightList](t, w); got.Total != 0 {
		t.Fatalf("expected no rejected insights, got %d", got.Total)
	}
}

func TestListInsights_StoreError(t *testing.T) {
	m := mock.NewMocks()
	m.ListInsightsErr = errors.New("db down")
	r := insightsRouter(api.NewInsightsHandler(m, nil))
	if w := do(t, r, http.MethodGet, "/insights", "", nil); w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 got %d", w.Code)
	}
}

func TestListInsights_CachedUntilModeration(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	rc, err := cache.NewRedis(context.Background(), config.RedisConfig{Addr: mr.Addr(), TTL: time.Minute})
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	defer rc.Close()

	m := mock.NewMocks()
	seedInsights(m)
	r := insightsRouter(api.NewInsightsHandler(m, rc))

	first := do(t, r, http.MethodGet, "/insights", "", nil)
	if first.Header().Get("X-Cache") == "hit" {
		t.Fatalf("first read must miss")
	}
	second := do(t, r, http.MethodGet, "/insights", "", nil)
	if second.Header().Get("X-Cache") != "hit" {
		t.Fatalf("second read should be served from cache")
	}
	if got := decodeBody[insightList](t, second); got.Total != 3 {
		t.Fatalf("cached body: expected total 3 got %d", got.Total)
	}

	if w := do(t, r, http.MethodPost, "/insights/d/publish", adminToken(t), nil); w.Code != http.StatusOK {
		t.Fatalf("publish: expected 200 got %d body=%s", w.Code, w.Body.String())
	}

	third := do(t, r, http.MethodGet, "/insights", "", nil)
	if third.Header().Get("X-Cache") == "hit" {
		t.Fatalf("moderation must invalidate the listing cache")
	}
	if got := decodeBody[insightList](t, third); got.Total != 4 || got.Items[0].ID != "d" {
		t.Fatalf("expected newly published insight first, got %v", ids(got.Items))
	}
}

func TestGetInsight(t *testing.T) {
	m := mock.NewMocks()
	seedInsights(m)
	r := insightsRouter(api.NewInsightsHandler(m, nil))

	if w := do(t, r, http.MethodGet, "/insights/a", "", nil); w.Code != http.StatusOK {
		t.Fatalf("published: expected 200 got %d", w.Code)
	}
	if w := do(t, r, http.MethodGet, "/insights/d", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("draft for anonymous: expected 404 got %d", w.Code)
	}
	if w := do(t, r, http.MethodGet, "/insights/d", adminToken(t), nil); w.Code != http.StatusOK {
		t.Fatalf("draft for admin: expected 200 got %d", w.Code)
	}
	if w := do(t, r, http.MethodGet, "/insights/zzz", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing: expected 404 got %d", w.Code)
	}
}

func TestModerateInsight(t *testing.T) {
	m := mock.NewMocks()
	seedInsights(m)
	r := insightsRouter(api.NewInsightsHandler(m, nil))
	admin := adminToken(t)

	if w := do(t, r, http.MethodPost, "/insights/d/publish", userToken(t, "u1", "pro"), nil); w.Code != http.StatusForbidden {
		t.Fatalf("non-admin: expected 403 got %d", w.Code)
	}
	if w := do(t, r, http.MethodPost, "/insights/a/publish", admin, nil); w.Code != http.StatusConflict {
		t.Fatalf("already published: expected 409 got %d", w.Code)
	}
	if w := do(t, r, http.MethodPost, "/insights/a/reject", admin, nil); w.Code != http.StatusOK {
		t.Fatalf("reject published: expected 200 got %d", w.Code)
	}
	if m.Insights["a"].Status != models.InsightRejected {
		t.Fatalf("expected rejected, got %s", m.Insights["a"].Status)
	}
	if w := do(t, r, http.MethodPost, "/insights/a/publish", admin, nil); w.Code != http.StatusConflict {
		t.Fatalf("rejected is terminal: expected 409 got %d", w.Code)
	}
	if w := do(t, r, http.MethodPost, "/insights/nope/reject", admin, nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing: expected 404 got %d", w.Code)
	}
}
