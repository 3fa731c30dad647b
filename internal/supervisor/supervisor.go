// Package supervisor abstracts the lifecycle of a backend process. The
// gateway only needs a reachable base URL once the backend reports ready;
// starting and stopping the process itself are opaque operations supplied by
// the embedder.
package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Supervisor manages one backend process.
type Supervisor interface {
	// Start launches the backend. Idempotent for an already-running backend.
	Start(ctx context.Context) error
	// WaitReady blocks until the backend answers health checks or ctx ends.
	WaitReady(ctx context.Context) error
	// Stop shuts the backend down.
	Stop(ctx context.Context) error
}

// External assumes the backend is managed outside the gateway (systemd, a
// terminal, a container) and only polls for readiness.
type External struct {
	baseURL   string
	readyPath string
	client    *http.Client
	interval  time.Duration
}

// NewExternal creates a supervisor that polls baseURL+readyPath until it
// answers with a non-5xx status.
func NewExternal(baseURL, readyPath string) *External {
	return &External{
		baseURL:   strings.TrimRight(baseURL, "/"),
		readyPath: readyPath,
		client:    &http.Client{Timeout: 2 * time.Second},
		interval:  500 * time.Millisecond,
	}
}

// Start is a no-op; the process is managed externally.
func (e *External) Start(ctx context.Context) error { return nil }

// Stop is a no-op; the process is managed externally.
func (e *External) Stop(ctx context.Context) error { return nil }

// WaitReady polls the readiness endpoint until it responds or ctx ends.
func (e *External) WaitReady(ctx context.Context) error {
	url := e.baseURL + e.readyPath
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		if e.probe(ctx, url) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("backend at %s never became ready: %w", e.baseURL, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (e *External) probe(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}
