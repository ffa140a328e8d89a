package api_test

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/mux"

	"github.com/garnizeh/insightpipe/api"
	"github.com/garnizeh/insightpipe/internal/jobs"
	"github.com/garnizeh/insightpipe/internal/research"
	"github.com/garnizeh/insightpipe/pkg/models"
	"github.com/garnizeh/insightpipe/pkg/repository/mock"
)

type recordingQueue struct {
	mu      sync.Mutex
	targets []string
}

func (q *recordingQueue) Enqueue(_ context.Context, p jobs.EnqueueParams) (*jobs.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.targets = append(q.targets, p.Target)
	return &jobs.Job{ID: "job-" + p.Target, Kind: p.Kind, Target: p.Target}, nil
}

type researchFixture struct {
	mocks  *mock.Mocks
	queue  *recordingQueue
	router http.Handler
}

func newResearchFixture(t *testing.T) *researchFixture {
	t.Helper()
	m := mock.NewMocks()
	q := &recordingQueue{}
	svc := research.NewService(m, m, nil, q)
	h := api.NewResearchHandler(svc, m)

	r := mux.NewRouter()
	user := r.NewRoute().Subrouter()
	user.Use(api.JWTAuthMiddlewareWithSecret(testSecret))
	user.HandleFunc("/research", h.Submit).Methods("POST")
	admin := r.NewRoute().Subrouter()
	admin.Use(api.JWTAuthMiddlewareWithSecret(testSecret), api.RequireAdmin)
	admin.HandleFunc("/research/pending", h.Pending).Methods("GET")
	admin.HandleFunc("/research/{id}/approve", h.Approve).Methods("POST")
	admin.HandleFunc("/research/{id}/reject", h.Reject).Methods("POST")
	owner := r.NewRoute().Subrouter()
	owner.Use(api.JWTAuthMiddlewareWithSecret(testSecret))
	owner.HandleFunc("/research/{id}", h.Get).Methods("GET")

	return &researchFixture{mocks: m, queue: q, router: r}
}

func (f *researchFixture) addUser(id string, tier models.Tier) {
	f.mocks.Users[id] = &models.User{ID: id, Email: id + "@example.com", Tier: tier}
}

type submitResponse struct {
	ID         string                `json:"id"`
	Status     models.ResearchStatus `json:"status"`
	AnalysisID *string               `json:"analysis_id"`
}

var idea = map[string]string{"idea_description": "Invoice reminders for freelancers", "target_market": "freelancers", "budget_range": "<1k"}

func TestSubmitResearch_FreeTier(t *testing.T) {
	f := newResearchFixture(t)
	f.addUser("u1", models.TierFree)
	tok := userToken(t, "u1", "free")

	w := do(t, f.router, http.MethodPost, "/research", tok, idea)
	if w.Code != http.StatusCreated {
		t.Fatalf("first: expected 201 got %d body=%s", w.Code, w.Body.String())
	}
	if got := decodeBody[submitResponse](t, w); got.Status != models.ResearchPendingReview || got.ID == "" {
		t.Fatalf("first: unexpected response %+v", got)
	}
	if len(f.queue.targets) != 0 {
		t.Fatalf("pending request must not be enqueued")
	}

	w = do(t, f.router, http.MethodPost, "/research", tok, idea)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second: expected 429 got %d", w.Code)
	}
	body := decodeBody[map[string]string](t, w)
	if !strings.Contains(body["detail"], "free tier allows 1 request") {
		t.Fatalf("unexpected detail %q", body["detail"])
	}
	if len(f.mocks.Research) != 1 {
		t.Fatalf("rejected request must not be stored, have %d", len(f.mocks.Research))
	}
}

func TestSubmitResearch_TierComesFromAccount(t *testing.T) {
	f := newResearchFixture(t)
	f.addUser("u2", models.TierPro)

	// the token claims free but the account is pro, so the request is auto-approved
	w := do(t, f.router, http.MethodPost, "/research", userToken(t, "u2", "free"), idea)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d body=%s", w.Code, w.Body.String())
	}
	got := decodeBody[submitResponse](t, w)
	if got.Status != models.ResearchApproved {
		t.Fatalf("expected approved, got %s", got.Status)
	}
	if len(f.queue.targets) != 1 || f.queue.targets[0] != got.ID {
		t.Fatalf("approved request should be enqueued, got %v", f.queue.targets)
	}
}

func TestSubmitResearch_Errors(t *testing.T) {
	f := newResearchFixture(t)
	f.addUser("u3", models.TierStarter)

	if w := do(t, f.router, http.MethodPost, "/research", "", idea); w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: expected 401 got %d", w.Code)
	}
	if w := do(t, f.router, http.MethodPost, "/research", userToken(t, "u3", "starter"), map[string]string{"target_market": "x"}); w.Code != http.StatusBadRequest {
		t.Fatalf("missing idea: expected 400 got %d", w.Code)
	}
	if w := do(t, f.router, http.MethodPost, "/research", userToken(t, "u3", "starter"), "nope"); w.Code != http.StatusBadRequest {
		t.Fatalf("bad json: expected 400 got %d", w.Code)
	}
	if w := do(t, f.router, http.MethodPost, "/research", userToken(t, "ghost", "pro"), idea); w.Code != http.StatusUnauthorized {
		t.Fatalf("unknown account: expected 401 got %d", w.Code)
	}
}

func TestResearchReview(t *testing.T) {
	f := newResearchFixture(t)
	f.addUser("u4", models.TierFree)
	w := do(t, f.router, http.MethodPost, "/research", userToken(t, "u4", "free"), idea)
	id := decodeBody[submitResponse](t, w).ID
	admin := adminToken(t)

	if w := do(t, f.router, http.MethodGet, "/research/pending", userToken(t, "u4", "free"), nil); w.Code != http.StatusForbidden {
		t.Fatalf("pending as user: expected 403 got %d", w.Code)
	}
	w = do(t, f.router, http.MethodGet, "/research/pending", admin, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("pending: expected 200 got %d", w.Code)
	}
	pending := decodeBody[struct {
		Items []models.ResearchRequest `json:"items"`
	}](t, w)
	if len(pending.Items) != 1 || pending.Items[0].ID != id {
		t.Fatalf("unexpected pending list %+v", pending.Items)
	}

	w = do(t, f.router, http.MethodPost, "/research/"+id+"/approve", admin, map[string]string{"note": "looks good"})
	if w.Code != http.StatusOK {
		t.Fatalf("approve: expected 200 got %d body=%s", w.Code, w.Body.String())
	}
	rr := decodeBody[models.ResearchRequest](t, w)
	if rr.Status != models.ResearchApproved || rr.ReviewedBy == nil || *rr.ReviewedBy != "admin-1" || rr.ReviewNote == nil {
		t.Fatalf("unexpected approved request %+v", rr)
	}
	if len(f.queue.targets) != 1 || f.queue.targets[0] != id {
		t.Fatalf("approval should enqueue research, got %v", f.queue.targets)
	}

	if w := do(t, f.router, http.MethodPost, "/research/"+id+"/reject", admin, nil); w.Code != http.StatusConflict {
		t.Fatalf("reject after approve: expected 409 got %d", w.Code)
	}
	if w := do(t, f.router, http.MethodPost, "/research/missing/approve", admin, nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing: expected 404 got %d", w.Code)
	}
}

func TestGetResearch_OwnerOrAdmin(t *testing.T) {
	f := newResearchFixture(t)
	f.addUser("u5", models.TierFree)
	w := do(t, f.router, http.MethodPost, "/research", userToken(t, "u5", "free"), idea)
	id := decodeBody[submitResponse](t, w).ID

	if w := do(t, f.router, http.MethodGet, "/research/"+id, userToken(t, "u5", "free"), nil); w.Code != http.StatusOK {
		t.Fatalf("owner: expected 200 got %d", w.Code)
	}
	if w := do(t, f.router, http.MethodGet, "/research/"+id, userToken(t, "someone-else", "free"), nil); w.Code != http.StatusNotFound {
		t.Fatalf("other user: expected 404 got %d", w.Code)
	}
	if w := do(t, f.router, http.MethodGet, "/research/"+id, adminToken(t), nil); w.Code != http.StatusOK {
		t.Fatalf("admin: expected 200 got %d", w.Code)
	}
}
