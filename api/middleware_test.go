package api_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/garnizeh/insightpipe/api"
)

func TestLoggingMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("ok"))
	})

	handler := api.LoggingMiddleware(next)
	req := httptest.NewRequest(http.MethodGet, "/log", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)
	res := w.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusTeapot {
		t.Fatalf("expected status 418, got %d", res.StatusCode)
	}
	b, _ := io.ReadAll(res.Body)
	if string(b) != "ok" {
		t.Fatalf("unexpected body: %q", string(b))
	}
}

func TestCORSMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := api.CORSMiddleware(next)

	// OPTIONS should return 204 and not call next
	reqOpt := httptest.NewRequest(http.MethodOptions, "/cors", nil)
	wOpt := httptest.NewRecorder()
	handler.ServeHTTP(wOpt, reqOpt)
	resOpt := wOpt.Result()
	defer resOpt.Body.Close()
	if resOpt.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 for OPTIONS, got %d", resOpt.StatusCode)
	}
	if got := resOpt.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected CORS header set, got %q", got)
	}

	reqGet := httptest.NewRequest(http.MethodGet, "/cors", nil)
	wGet := httptest.NewRecorder()
	handler.ServeHTTP(wGet, reqGet)
	resGet := wGet.Result()
	defer resGet.Body.Close()
	if resGet.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for GET, got %d", resGet.StatusCode)
	}
	if got := resGet.Header.Get("Access-Control-Allow-Methods"); !strings.Contains(got, "GET") {
		t.Fatalf("expected Allow-Methods to include GET, got %q", got)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	pan := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	handler := api.RecoveryMiddleware(pan)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 from panic recovery, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Internal Server Error") {
		t.Fatalf("unexpected body for recovery: %s", w.Body.String())
	}

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	w2 := httptest.NewRecorder()
	api.RecoveryMiddleware(ok).ServeHTTP(w2, httptest.NewRequest(http.MethodGet, "/ok", nil))
	if w2.Code != http.StatusOK {
		t.Fatalf("expected 200 for normal path, got %d", w2.Code)
	}
}

func TestTimeoutMiddleware(t *testing.T) {
	var deadline time.Time
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deadline, _ = r.Context().Deadline()
	})
	api.TimeoutMiddleware(time.Second)(next).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if deadline.IsZero() || time.Until(deadline) > time.Second {
		t.Fatalf("expected a deadline within 1s, got %v", deadline)
	}
}

func TestJWTAuthMiddlewareWithSecret(t *testing.T) {
	var got *api.Principal
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = api.PrincipalFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := api.JWTAuthMiddlewareWithSecret(testSecret)(next)

	otherSecret, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user_id": "u1"}).SignedString([]byte("other"))
	expired := signToken(t, jwt.MapClaims{"user_id": "u1", "exp": time.Now().Add(-time.Minute).Unix()})
	noUser := signToken(t, jwt.MapClaims{"email": "a@b"})

	cases := []struct {
		name       string
		authHeader string
		wantStatus int
	}{
		{name: "MissingHeader", authHeader: "", wantStatus: http.StatusUnauthorized},
		{name: "EmptyBearer", authHeader: "Bearer ", wantStatus: http.StatusUnauthorized},
		{name: "BadToken", authHeader: "Bearer bad.token.here", wantStatus: http.StatusUnauthorized},
		{name: "WrongSecret", authHeader: "Bearer " + otherSecret, wantStatus: http.StatusUnauthorized},
		{name: "Expired", authHeader: "Bearer " + expired, wantStatus: http.StatusUnauthorized},
		{name: "MissingUserID", authHeader: "Bearer " + noUser, wantStatus: http.StatusUnauthorized},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/jwt", nil)
			if c.authHeader != "" {
				req.Header.Set("Authorization", c.authHeader)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			if w.Code != c.wantStatus {
				t.Fatalf("%s: want %d got %d", c.name, c.wantStatus, w.Code)
			}
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/jwt", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, jwt.MapClaims{"user_id": "u1", "tier": "pro", "admin": true, "email": "a@b"}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("valid token: expected 200 got %d", w.Code)
	}
	if got == nil || got.UserID != "u1" || got.Tier != "pro" || !got.Admin || got.Email != "a@b" {
		t.Fatalf("unexpected principal: %+v", got)
	}
}

func TestOptionalJWTMiddleware(t *testing.T) {
	var got *api.Principal
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = api.PrincipalFrom(r.Context())
	})
	handler := api.OptionalJWTMiddleware(testSecret)(next)

	w := do(t, handler, http.MethodGet, "/", "", nil)
	if w.Code != http.StatusOK || got != nil {
		t.Fatalf("anonymous: code=%d principal=%+v", w.Code, got)
	}

	w = do(t, handler, http.MethodGet, "/", "garbage", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: expected 401 got %d", w.Code)
	}

	w = do(t, handler, http.MethodGet, "/", userToken(t, "u2", "starter"), nil)
	if w.Code != http.StatusOK || got == nil || got.UserID != "u2" {
		t.Fatalf("valid token: code=%d principal=%+v", w.Code, got)
	}
}

func TestRequireAdmin(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	handler := api.JWTAuthMiddlewareWithSecret(testSecret)(api.RequireAdmin(next))

	if w := do(t, handler, http.MethodGet, "/", userToken(t, "u1", "free"), nil); w.Code != http.StatusForbidden {
		t.Fatalf("non-admin: expected 403 got %d", w.Code)
	}
	if w := do(t, handler, http.MethodGet, "/", adminToken(t), nil); w.Code != http.StatusOK {
		t.Fatalf("admin: expected 200 got %d", w.Code)
	}

	// without the JWT middleware in front there is no principal
	w := httptest.NewRecorder()
	api.RequireAdmin(next).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no principal: expected 401 got %d", w.Code)
	}
}
