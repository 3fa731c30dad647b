package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if seen == "" {
		t.Fatalf("request id missing from context")
	}
	if got := rec.Header().Get("X-Request-ID"); got != seen {
		t.Fatalf("header request id %q != context id %q", got, seen)
	}
}

func TestAddLogFieldWithoutMiddleware(t *testing.T) {
	// Must not panic when the logging middleware isn't installed.
	AddLogField(context.Background(), "key", "value")
	AddError(context.Background(), nil)
}

func TestTimeoutMiddlewareExemptsPath(t *testing.T) {
	mw := TimeoutMiddleware(time.Nanosecond, "/v1/messages")

	var deadlineSet bool
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, deadlineSet = r.Context().Deadline()
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/messages", nil))
	if deadlineSet {
		t.Fatalf("exempt path received a deadline")
	}

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/metrics", nil))
	if !deadlineSet {
		t.Fatalf("non-exempt path missing its deadline")
	}
}

func TestRouterWiring(t *testing.T) {
	s := New(0, time.Second, discardLogger())
	s.Router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health route status = %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("middleware chain did not set a request id")
	}
}
