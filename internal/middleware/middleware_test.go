package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"

	"github.com/ravipandeydu/interview-pro-sub000/internal/auth"
)

func TestRecoveryAnswers500(t *testing.T) {
	SetLogger(logr.Discard())
	r := mux.NewRouter()
	r.Use(TracingMiddleware, ErrorRecoveryMiddleware)
	r.HandleFunc("/boom", func(w http.ResponseWriter, r *http.Request) { panic("boom") })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing X-Request-ID")
	}
}

func TestBearerAuth(t *testing.T) {
	v := auth.NewVerifier("secret", time.Hour)
	token, _ := v.Issue("u1", "Ada", "interviewer", "")

	var seen string
	h := BearerAuth(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFrom(r.Context())
		if ok {
			seen = claims.UserID()
		}
	}))

	for header, want := range map[string]int{
		"":                http.StatusUnauthorized,
		"Bearer nope":     http.StatusUnauthorized,
		"Basic " + token:  http.StatusUnauthorized,
		"Bearer " + token: http.StatusOK,
	} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Fatalf("Authorization %q: status = %d, want %d", header, rec.Code, want)
		}
	}
	if seen != "u1" {
		t.Fatalf("claims user = %q", seen)
	}
}

func TestChannelOf(t *testing.T) {
	for path, want := range map[string]string{
		"/yjs/code-i1":         "sync",
		"/socket":              "websocket",
		"/socket/polling/open": "polling",
		"/api/health":          "api",
	} {
		if got := channelOf(httptest.NewRequest(http.MethodGet, path, nil)); got != want {
			t.Fatalf("channelOf(%s) = %q, want %q", path, got, want)
		}
	}
}
