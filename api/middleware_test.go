package api_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/garnizeh/volunteer-match/api"
	"github.com/garnizeh/volunteer-match/internal/models"
)

func TestLoggingMiddleware_RecordsStatus(t *testing.T) {
	var buf bytes.Buffer
	api.SetLogger(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { api.SetLogger(slog.New(slog.NewJSONHandler(io.Discard, nil))) })

	handler := api.LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/resumes/3/matches", nil))

	if w.Code != http.StatusTeapot || w.Body.String() != "short and stout" {
		t.Fatalf("response altered: %d %q", w.Code, w.Body.String())
	}
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected one JSON log line got %q: %v", buf.String(), err)
	}
	if line["status"] != float64(http.StatusTeapot) || line["path"] != "/v1/resumes/3/matches" || line["method"] != "GET" {
		t.Fatalf("unexpected log line %v", line)
	}
	if _, ok := line["duration_ms"]; !ok {
		t.Fatalf("expected duration_ms in %v", line)
	}
}

func TestCORSMiddleware(t *testing.T) {
	called := false
	handler := api.CORSMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/v1/scores/1/status", nil))
	if w.Code != http.StatusNoContent || called {
		t.Fatalf("preflight must answer 204 without reaching the handler, got %d called=%v", w.Code, called)
	}
	if got := w.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(got, "PUT") {
		t.Fatalf("status updates need PUT in Allow-Methods, got %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, "Authorization") {
		t.Fatalf("expected Authorization in Allow-Headers, got %q", got)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/resumes/1/matches", nil))
	if w.Code != http.StatusOK || !called {
		t.Fatalf("GET should pass through, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected CORS origin header, got %q", got)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := api.RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 from panic recovery, got %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || body["error"] != "internal error" {
		t.Fatalf("expected JSON error body got %q (%v)", w.Body.String(), err)
	}
}

func TestJWTAuthMiddlewareWithSecret(t *testing.T) {
	secret := "s3cr3t"
	var got models.Principal
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = api.PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := api.JWTAuthMiddlewareWithSecret(secret)(next)

	sign := func(claims jwt.MapClaims, key string) string {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
		if err != nil {
			t.Fatalf("failed to sign token: %v", err)
		}
		return "Bearer " + tok
	}
	signWith := func(m jwt.SigningMethod, claims jwt.MapClaims) string {
		tok, err := jwt.NewWithClaims(m, claims).SignedString([]byte(secret))
		if err != nil {
			t.Fatalf("failed to sign token: %v", err)
		}
		return "Bearer " + tok
	}
	exp := time.Now().Add(time.Hour).Unix()

	cases := []struct {
		name       string
		authHeader string
		wantStatus int
	}{
		{name: "MissingHeader", authHeader: "", wantStatus: http.StatusUnauthorized},
		{name: "EmptyBearer", authHeader: "Bearer ", wantStatus: http.StatusUnauthorized},
		{name: "BadToken", authHeader: "Bearer bad.token.here", wantStatus: http.StatusUnauthorized},
		{name: "WrongSecret", authHeader: sign(jwt.MapClaims{"sub": "3", "role": "admin", "exp": exp}, "other"), wantStatus: http.StatusUnauthorized},
		{name: "Expired", authHeader: sign(jwt.MapClaims{"sub": "3", "role": "admin", "exp": time.Now().Add(-time.Hour).Unix()}, secret), wantStatus: http.StatusUnauthorized},
		{name: "MissingSub", authHeader: sign(jwt.MapClaims{"role": "admin", "exp": exp}, secret), wantStatus: http.StatusUnauthorized},
		{name: "NoExpiry", authHeader: sign(jwt.MapClaims{"sub": "3", "role": "admin"}, secret), wantStatus: http.StatusUnauthorized},
		{name: "WrongAlgorithm", authHeader: signWith(jwt.SigningMethodHS512, jwt.MapClaims{"sub": "3", "role": "admin", "exp": exp}), wantStatus: http.StatusUnauthorized},
		{name: "NoBearerPrefix", authHeader: strings.TrimPrefix(sign(jwt.MapClaims{"sub": "3", "role": "admin", "exp": exp}, secret), "Bearer "), wantStatus: http.StatusUnauthorized},
		{name: "UnknownRole", authHeader: sign(jwt.MapClaims{"sub": "3", "role": "root", "exp": exp}, secret), wantStatus: http.StatusUnauthorized},
		{name: "NumericSub", authHeader: sign(jwt.MapClaims{"sub": 12, "role": "organization", "exp": exp}, secret), wantStatus: http.StatusOK},
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
			if c.wantStatus == http.StatusUnauthorized && !strings.HasPrefix(w.Header().Get("WWW-Authenticate"), "Bearer") {
				t.Fatalf("%s: expected a Bearer challenge", c.name)
			}
		})
	}

	// string subject as issued by most identity providers
	req := httptest.NewRequest(http.MethodGet, "/jwt", nil)
	req.Header.Set("Authorization", sign(jwt.MapClaims{"sub": "42", "role": "volunteer", "exp": exp}, secret))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Result().StatusCode != http.StatusOK {
		t.Fatalf("valid token: expected 200 got %d", w.Result().StatusCode)
	}
	if got.ID != 42 || got.Role != models.RoleVolunteer {
		t.Fatalf("unexpected principal %+v", got)
	}
}

func TestRequireRole(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	handler := api.RequireRole(models.RoleAdmin)(next)

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req = req.WithContext(api.WithPrincipal(req.Context(), models.Principal{ID: 1, Role: models.RoleOrganization}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Result().StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for organization got %d", w.Result().StatusCode)
	}

	req = req.WithContext(api.WithPrincipal(req.Context(), models.Principal{ID: 1, Role: models.RoleAdmin}))
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Result().StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for admin got %d", w.Result().StatusCode)
	}
}
