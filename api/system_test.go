package api_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/garnizeh/insightpipe/api"
)

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestSystemHandlers(t *testing.T) {
	h := &api.SystemHandler{DB: pingerFunc(func(context.Context) error { return nil })}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.HealthHandler(w, req)
	res := w.Result()
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: expected 200 got %d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("health: expected json content-type, got %q", ct)
	}
	b, _ := io.ReadAll(res.Body)
	if !strings.Contains(string(b), `"status":"ok"`) {
		t.Fatalf("health: unexpected body %s", string(b))
	}

	vh := h.VersionHandler("1.2.3", "2026-10-01T00:00:00Z")
	w2 := httptest.NewRecorder()
	vh(w2, httptest.NewRequest(http.MethodGet, "/version", nil))
	if w2.Code != http.StatusOK {
		t.Fatalf("version: expected 200 got %d", w2.Code)
	}
	body := w2.Body.String()
	if !strings.Contains(body, `"version":"1.2.3"`) || !strings.Contains(body, `"buildTime":"2026-10-01T00:00:00Z"`) {
		t.Fatalf("version: unexpected body %s", body)
	}
}

func TestHealthHandler_DatabaseDown(t *testing.T) {
	h := &api.SystemHandler{DB: pingerFunc(func(context.Context) error { return errors.New("database is closed") })}
	w := httptest.NewRecorder()
	h.HealthHandler(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "unavailable") {
		t.Fatalf("unexpected body %s", w.Body.String())
	}
}
