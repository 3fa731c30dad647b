package supervisor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestWaitReadySucceedsOnceBackendAnswers(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewExternal(srv.URL, "/models")
	s.interval = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.WaitReady(ctx); err != nil {
		t.Fatalf("wait ready failed: %v", err)
	}
	if calls.Load() < 3 {
		t.Fatalf("expected repeated probes, got %d", calls.Load())
	}
}

func TestWaitReadyGivesUpWithContext(t *testing.T) {
	s := NewExternal("http://127.0.0.1:1", "/models")
	s.interval = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.WaitReady(ctx); err == nil {
		t.Fatalf("expected readiness timeout")
	}
}
