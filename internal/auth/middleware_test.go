package auth

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMiddlewareInjectsSubject(t *testing.T) {
	var buf bytes.Buffer
	audit := slog.New(slog.NewJSONHandler(&buf, nil))

	var seen string
	handler := Middleware(MiddlewareConfig{Audit: audit})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
	req.Header.Set(HeaderUserID, "  alice ")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if seen != "alice" {
		t.Fatalf("expected alice, got %q", seen)
	}
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status not forwarded: %d", rec.Code)
	}
	if !strings.Contains(buf.String(), `"status":418`) || !strings.Contains(buf.String(), `"user":"alice"`) {
		t.Fatalf("audit log missing fields: %s", buf.String())
	}
}

func TestMiddlewareDefaultsToAnonymous(t *testing.T) {
	var seen string
	handler := Middleware(MiddlewareConfig{Audit: slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = UserID(r.Context())
		}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if seen != Anonymous {
		t.Fatalf("expected anonymous, got %q", seen)
	}
}

func TestMiddlewareKeepsFlusher(t *testing.T) {
	handler := Middleware(MiddlewareConfig{Audit: slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := w.(http.Flusher); !ok {
				t.Errorf("wrapped writer must implement http.Flusher")
			}
		}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}

func TestSubjectFromEmptyContext(t *testing.T) {
	if got := UserID(context.Background()); got != Anonymous {
		t.Fatalf("expected anonymous, got %q", got)
	}
}
