package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, raw string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("failed to write config fixture: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load with missing file failed: %v", err)
	}
	if cfg.Server.Port != 8787 {
		t.Fatalf("default port = %d, want 8787", cfg.Server.Port)
	}
	if cfg.Backend.BaseURL != "http://127.0.0.1:8000/v1" {
		t.Fatalf("default base url = %q", cfg.Backend.BaseURL)
	}
	if cfg.Breaker.FailureThreshold != 5 || cfg.Breaker.RetryTimeout != 30*time.Second {
		t.Fatalf("breaker defaults wrong: %+v", cfg.Breaker)
	}
	if cfg.Cache.Capacity != 256 || cfg.Cache.TTL != 30*time.Minute {
		t.Fatalf("cache defaults wrong: %+v", cfg.Cache)
	}
	if cfg.Trace.Storage != "none" {
		t.Fatalf("trace storage default = %q", cfg.Trace.Storage)
	}
}

func TestLoadFileValues(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
backend:
  base_url: http://10.0.0.5:8000/v1
  profile: strict
  inactivity_timeout: 15s
breaker:
  failure_threshold: 2
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Fatalf("port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Backend.Profile != "strict" {
		t.Fatalf("profile = %q, want strict", cfg.Backend.Profile)
	}
	if cfg.Backend.InactivityTimeout != 15*time.Second {
		t.Fatalf("inactivity timeout = %v", cfg.Backend.InactivityTimeout)
	}
	if cfg.Breaker.FailureThreshold != 2 {
		t.Fatalf("failure threshold = %d, want 2", cfg.Breaker.FailureThreshold)
	}
	// Unset keys keep their defaults.
	if cfg.Breaker.SuccessThreshold != 2 {
		t.Fatalf("success threshold default lost: %d", cfg.Breaker.SuccessThreshold)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9000\n")
	t.Setenv("SHIM_SERVER__PORT", "9100")
	t.Setenv("SHIM_BACKEND__PROFILE", "strict")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Fatalf("env override lost, port = %d", cfg.Server.Port)
	}
	if cfg.Backend.Profile != "strict" {
		t.Fatalf("env override lost, profile = %q", cfg.Backend.Profile)
	}
}

func TestAPIKeySubstitution(t *testing.T) {
	path := writeConfig(t, "backend:\n  api_key: ${SHIM_TEST_KEY}\n")
	t.Setenv("SHIM_TEST_KEY", "sk-secret")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Backend.APIKey != "sk-secret" {
		t.Fatalf("api key not substituted: %q", cfg.Backend.APIKey)
	}
}
