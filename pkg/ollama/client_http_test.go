package ollama_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/garnizeh/insightpipe/pkg/ollama"
)

func tagsServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/api/tags" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(body))
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_ListModelsAndHealth_Success(t *testing.T) {
	srv := tagsServer(t, `{"models":[{"name":"llama3:latest"}]}`)

	cfg := ollama.Config{BaseURL: srv.URL, Timeout: 2 * time.Second, DefaultModelNames: []string{"llama3"}}
	client, err := ollama.NewClient(cfg, srv.Client())
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}

	ctx := context.Background()
	models, err := client.ListModels(ctx)
	if err != nil {
		t.Fatalf("ListModels failed: %v", err)
	}
	if len(models) != 1 || models[0] != "llama3:latest" {
		t.Fatalf("unexpected models: %#v", models)
	}

	// tag suffix is ignored when matching configured models
	if err := client.Health(ctx); err != nil {
		t.Fatalf("Health failed: %v", err)
	}
}

func TestClient_Health_NoModels_Fails(t *testing.T) {
	srv := tagsServer(t, `{"models":[]}`)

	client, err := ollama.NewClient(ollama.Config{BaseURL: srv.URL, Timeout: 2 * time.Second}, srv.Client())
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	if err := client.Health(context.Background()); err == nil {
		t.Fatalf("expected Health to fail when no models returned")
	}
}

func TestClient_Health_MissingModel_Fails(t *testing.T) {
	srv := tagsServer(t, `{"models":[{"name":"mistral:7b"}]}`)

	cfg := ollama.Config{BaseURL: srv.URL, Timeout: 2 * time.Second, DefaultModelNames: []string{"llama3"}}
	client, err := ollama.NewClient(cfg, srv.Client())
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	if err := client.Health(context.Background()); err == nil {
		t.Fatalf("expected Health to fail when configured model is not pulled")
	}
}

func TestClient_Generate_Streaming_Concatenates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/api/generate" {
			w.Header().Set("Content-Type", "application/x-ndjson")
			_, _ = w.Write([]byte(`{"response":"{\"a\":","done":false}` + "\n"))
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
			time.Sleep(10 * time.Millisecond)
			_, _ = w.Write([]byte(`{"response":"1}","done":true}` + "\n"))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	client, err := ollama.NewClient(ollama.Config{BaseURL: srv.URL, Timeout: 2 * time.Second}, srv.Client())
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}

	out, err := client.Generate(context.Background(), "test-model", "prompt")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if out != `{"a":1}` {
		t.Fatalf("unexpected Generate output: %q", out)
	}
}

func TestClient_Generate_Non200_Fails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "server error", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, err := ollama.NewClient(ollama.Config{BaseURL: srv.URL, Timeout: 2 * time.Second}, srv.Client())
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	if _, err := client.Generate(context.Background(), "test-model", "prompt"); err == nil {
		t.Fatalf("expected Generate to fail on non-200")
	}
}

func TestClient_Generate_MalformedJSON_Fails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{ this is : not json `))
	}))
	defer srv.Close()

	client, err := ollama.NewClient(ollama.Config{BaseURL: srv.URL, Timeout: 2 * time.Second}, srv.Client())
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	if _, err := client.Generate(context.Background(), "test-model", "prompt"); err == nil {
		t.Fatalf("expected Generate to fail on malformed JSON")
	}
}
