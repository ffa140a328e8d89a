package api

import (
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/garnizeh/insightpipe/internal/cache"
	"github.com/garnizeh/insightpipe/internal/config"
	"github.com/garnizeh/insightpipe/pkg/repository"
)

// Deps are the services the HTTP layer delegates to.
type Deps struct {
	DB        Pinger
	Users     repository.UserRepo
	Insights  repository.InsightRepo
	Schemas   repository.SchemaRepo
	Templates repository.TemplateRepo
	Scheduler Scheduler
	Research  ResearchService
	Jobs      JobQueue
	Engine    Reloader
	Cache     cache.Cache
}

func SetupRoutes(cfg *config.Config, version, buildTime string, d Deps) *mux.Router {
	r := mux.NewRouter()

	// Middleware chain
	r.Use(RecoveryMiddleware)
	r.Use(LoggingMiddleware)
	r.Use(MetricsMiddleware)
	r.Use(CORSMiddleware)
	r.Use(TimeoutMiddleware(cfg.APITimeout))

	systemHandler := &SystemHandler{DB: d.DB}
	authHandler := NewAuthHandler(d.Users, cfg.JWTSecret, cfg.TokenDuration, cfg.AdminEmails)
	pipelineHandler := NewPipelineHandler(d.Scheduler)
	insightsHandler := NewInsightsHandler(d.Insights, d.Cache)
	researchHandler := NewResearchHandler(d.Research, d.Users)
	jobsHandler := NewJobsHandler(d.Jobs)
	aiHandler := NewAIHandler(d.Engine, d.Schemas, d.Templates)

	// Open endpoints
	r.HandleFunc("/version", systemHandler.VersionHandler(version, buildTime)).Methods("GET")
	r.HandleFunc("/health", systemHandler.HealthHandler).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/auth/signup", authHandler.Signup).Methods("POST")
	r.HandleFunc("/auth/signin", authHandler.Signin).Methods("POST")

	// Insight reads are public; a valid admin token widens the view
	public := r.NewRoute().Subrouter()
	public.Use(OptionalJWTMiddleware(cfg.JWTSecret))
	public.HandleFunc("/insights", insightsHandler.ListInsights).Methods("GET")
	public.HandleFunc("/insights/{id}", insightsHandler.GetInsight).Methods("GET")

	// Authenticated users
	user := r.NewRoute().Subrouter()
	user.Use(JWTAuthMiddlewareWithSecret(cfg.JWTSecret))
	user.HandleFunc("/research", researchHandler.Submit).Methods("POST")

	// Admin
	admin := r.NewRoute().Subrouter()
	admin.Use(JWTAuthMiddlewareWithSecret(cfg.JWTSecret))
	admin.Use(RequireAdmin)
	admin.HandleFunc("/scraping/trigger", pipelineHandler.TriggerScrape).Methods("POST")
	admin.HandleFunc("/analysis/trigger", pipelineHandler.TriggerAnalysis).Methods("POST")
	admin.HandleFunc("/sources", pipelineHandler.ListSources).Methods("GET")
	admin.HandleFunc("/sources/{source}/pause", pipelineHandler.PauseSource).Methods("POST")
	admin.HandleFunc("/sources/{source}/resume", pipelineHandler.ResumeSource).Methods("POST")
	admin.HandleFunc("/research/pending", researchHandler.Pending).Methods("GET")
	admin.HandleFunc("/research/{id}/approve", researchHandler.Approve).Methods("POST")
	admin.HandleFunc("/research/{id}/reject", researchHandler.Reject).Methods("POST")
	admin.HandleFunc("/insights/{id}/publish", insightsHandler.Publish).Methods("POST")
	admin.HandleFunc("/insights/{id}/reject", insightsHandler.Reject).Methods("POST")
	admin.HandleFunc("/jobs", jobsHandler.ListJobs).Methods("GET")
	admin.HandleFunc("/jobs/{id}/requeue", jobsHandler.Requeue).Methods("POST")

	scorer := admin.PathPrefix("/ai").Subrouter()
	scorer.HandleFunc("/reload", aiHandler.Reload).Methods("POST")
	scorer.HandleFunc("/schemas", aiHandler.ListSchemas).Methods("GET")
	scorer.HandleFunc("/schemas", aiHandler.PutSchema).Methods("POST")
	scorer.HandleFunc("/schemas/{version}", aiHandler.GetSchema).Methods("GET")
	scorer.HandleFunc("/schemas/{version}", aiHandler.DeleteSchema).Methods("DELETE")
	scorer.HandleFunc("/templates", aiHandler.ListTemplates).Methods("GET")
	scorer.HandleFunc("/templates", aiHandler.PutTemplate).Methods("POST")
	scorer.HandleFunc("/templates/{name}/{version}", aiHandler.GetTemplate).Methods("GET")
	scorer.HandleFunc("/templates/{name}/{version}", aiHandler.DeleteTemplate).Methods("DELETE")

	// Registered after the admin routes so /research/pending is not taken as an id
	owner := r.NewRoute().Subrouter()
	owner.Use(JWTAuthMiddlewareWithSecret(cfg.JWTSecret))
	owner.HandleFunc("/research/{id}", researchHandler.Get).Methods("GET")

	return r
}
