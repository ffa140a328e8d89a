package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"text/template"

	"github.com/gorilla/mux"

	"github.com/garnizeh/insightpipe/internal/ai"
	"github.com/garnizeh/insightpipe/pkg/repository"
)

const maxTemplateBody = 64 * 1024

// Reloader is satisfied by *ai.Engine.
type Reloader interface {
	ReloadSchemas(ctx context.Context) error
	ReloadTemplate(ctx context.Context) error
}

// AIHandler manages the scorer's output schemas and prompt templates. Changes
// only reach the running engine after a reload.
type AIHandler struct {
	engine    Reloader
	schemas   repository.SchemaRepo
	templates repository.TemplateRepo
}

func NewAIHandler(engine Reloader, schemas repository.SchemaRepo, templates repository.TemplateRepo) *AIHandler {
	return &AIHandler{engine: engine, schemas: schemas, templates: templates}
}

func (h *AIHandler) Reload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.engine.ReloadSchemas(ctx); err != nil {
		logger.Error("reload schemas", "err", err)
		writeDetail(w, "reload schemas: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if err := h.engine.ReloadTemplate(ctx); err != nil {
		logger.Error("reload template", "err", err)
		writeDetail(w, "reload template: "+err.Error(), http.StatusInternalServerError)
		return
	}
	logger.Info("scorer configuration reloaded")
	w.WriteHeader(http.StatusNoContent)
}

type schemaPayload struct {
	Version     string          `json:"version"`
	Description string          `json:"description,omitempty"`
	SchemaJSON  json.RawMessage `json:"schema_json"`
}

func (p schemaPayload) validate() error {
	switch {
	case p.Version == "":
		return errors.New("version required")
	case len(p.SchemaJSON) == 0:
		return errors.New("schema_json required")
	}
	if _, err := ai.Compile(string(p.SchemaJSON)); err != nil {
		return errors.New("invalid schema: " + err.Error())
	}
	return nil
}

func (h *AIHandler) ListSchemas(w http.ResponseWriter, r *http.Request) {
	rows, err := h.schemas.ListSchemas(r.Context())
	if err != nil {
		logger.Error("list schemas", "err", err)
		http.Error(w, "failed to list schemas", http.StatusInternalServerError)
		return
	}
	writeJSON(w, rows, http.StatusOK)
}

// PutSchema stores a scorer output schema after checking it compiles.
func (h *AIHandler) PutSchema(w http.ResponseWriter, r *http.Request) {
	var p schemaPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTemplateBody)).Decode(&p); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := p.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.schemas.CreateSchema(r.Context(), p.Version, p.Description, string(p.SchemaJSON)); err != nil {
		logger.Error("store schema", "version", p.Version, "err", err)
		http.Error(w, "failed to store schema", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AIHandler) GetSchema(w http.ResponseWriter, r *http.Request) {
	s, err := h.schemas.GetSchemaByVersion(r.Context(), mux.Vars(r)["version"])
	if err != nil {
		logger.Error("get schema", "err", err)
		http.Error(w, "failed to get schema", http.StatusInternalServerError)
		return
	}
	if s == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, s, http.StatusOK)
}

func (h *AIHandler) DeleteSchema(w http.ResponseWriter, r *http.Request) {
	if err := h.schemas.DeleteSchema(r.Context(), mux.Vars(r)["version"]); err != nil {
		logger.Error("delete schema", "err", err)
		http.Error(w, "failed to delete schema", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type templatePayload struct {
	Name          string  `json:"name"`
	Version       string  `json:"version"`
	TemplateText  string  `json:"template_text"`
	SchemaVersion *string `json:"schema_version,omitempty"`
}

func (h *AIHandler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	rows, err := h.templates.ListTemplates(r.Context())
	if err != nil {
		logger.Error("list templates", "err", err)
		http.Error(w, "failed to list templates", http.StatusInternalServerError)
		return
	}
	writeJSON(w, rows, http.StatusOK)
}

// PutTemplate stores a prompt template. The text must parse and a referenced
// schema version must already exist.
func (h *AIHandler) PutTemplate(w http.ResponseWriter, r *http.Request) {
	var p templatePayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTemplateBody)).Decode(&p); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "template too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if p.Name == "" || p.Version == "" || p.TemplateText == "" {
		http.Error(w, "name, version and template_text required", http.StatusBadRequest)
		return
	}
	if _, err := template.New(p.Name).Parse(p.TemplateText); err != nil {
		http.Error(w, "invalid template: "+err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if p.SchemaVersion != nil && *p.SchemaVersion != "" {
		s, err := h.schemas.GetSchemaByVersion(ctx, *p.SchemaVersion)
		if err != nil {
			logger.Error("get schema", "err", err)
			http.Error(w, "failed to check schema", http.StatusInternalServerError)
			return
		}
		if s == nil {
			http.Error(w, "unknown schema_version", http.StatusBadRequest)
			return
		}
	}

	if err := h.templates.CreateTemplate(ctx, p.Name, p.Version, p.TemplateText, p.SchemaVersion, nil); err != nil {
		logger.Error("store template", "name", p.Name, "version", p.Version, "err", err)
		http.Error(w, "failed to store template", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AIHandler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	v := mux.Vars(r)
	t, err := h.templates.GetTemplate(r.Context(), v["name"], v["version"])
	if err != nil {
		logger.Error("get template", "err", err)
		http.Error(w, "failed to get template", http.StatusInternalServerError)
		return
	}
	if t == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, t, http.StatusOK)
}

func (h *AIHandler) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	v := mux.Vars(r)
	if err := h.templates.DeleteTemplate(r.Context(), v["name"], v["version"]); err != nil {
		logger.Error("delete template", "err", err)
		http.Error(w, "failed to delete template", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
