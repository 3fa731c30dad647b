// Package config loads gateway configuration from config.yaml with SHIM_
// environment overrides layered on top.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Backend BackendConfig `koanf:"backend"`
	Breaker BreakerConfig `koanf:"breaker"`
	Cache   CacheConfig   `koanf:"cache"`
	Trace   TraceConfig   `koanf:"trace"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
	// RequestTimeout bounds non-streaming handler work. Streaming responses
	// are exempt; they are bounded by the backend inactivity timeout.
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

type BackendConfig struct {
	// Name labels the backend in logs and breaker metrics.
	Name    string `koanf:"name"`
	BaseURL string `koanf:"base_url"`
	// APIKey supports ${VAR} substitution from the environment.
	APIKey string `koanf:"api_key"`
	// Profile selects the schema compatibility profile (lenient, strict).
	Profile string `koanf:"profile"`
	// LegacyMaxTokens also sends the deprecated max_tokens field.
	LegacyMaxTokens bool `koanf:"legacy_max_tokens"`
	// InactivityTimeout aborts a call that neither produces data nor closes.
	InactivityTimeout time.Duration `koanf:"inactivity_timeout"`
	// ReadyPath is polled by the supervisor before the gateway accepts work.
	ReadyPath string `koanf:"ready_path"`
}

type BreakerConfig struct {
	FailureThreshold         int           `koanf:"failure_threshold"`
	SuccessThreshold         int           `koanf:"success_threshold"`
	RetryTimeout             time.Duration `koanf:"retry_timeout"`
	LatencyThreshold         time.Duration `koanf:"latency_threshold"`
	LatencyWindow            time.Duration `koanf:"latency_window"`
	LatencyConsecutiveChecks int           `koanf:"latency_consecutive_checks"`
}

type CacheConfig struct {
	Capacity int           `koanf:"capacity"`
	TTL      time.Duration `koanf:"ttl"`
}

type TraceConfig struct {
	// Storage selects the trace store: none, memory, sqlite.
	Storage string `koanf:"storage"`
	SQLite  struct {
		Path string `koanf:"path"`
	} `koanf:"sqlite"`
	// MemoryLimit caps records held by the memory store.
	MemoryLimit int `koanf:"memory_limit"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads config.yaml (optional) and SHIM_ environment variables, applies
// defaults, and substitutes ${VAR} references in the backend API key.
func Load() (*Config, error) {
	return LoadFile("config.yaml")
}

// LoadFile is Load with an explicit file path, for tests.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// A missing file is fine, env vars can carry everything.
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	// Environment overrides: SHIM_BACKEND__BASE_URL -> backend.base_url.
	if err := k.Load(env.Provider("SHIM_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "SHIM_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	defaults := map[string]any{
		"server.port":                        8787,
		"server.request_timeout":             "2m",
		"backend.name":                       "backend",
		"backend.base_url":                   "http://127.0.0.1:8000/v1",
		"backend.profile":                    "lenient",
		"backend.inactivity_timeout":         "60s",
		"backend.ready_path":                 "/models",
		"breaker.failure_threshold":          5,
		"breaker.success_threshold":          2,
		"breaker.retry_timeout":              "30s",
		"breaker.latency_window":             "1m",
		"breaker.latency_consecutive_checks": 3,
		"cache.capacity":                     256,
		"cache.ttl":                          "30m",
		"trace.storage":                      "none",
		"trace.sqlite.path":                  "traces.db",
		"trace.memory_limit":                 1000,
	}
	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.Backend.APIKey = substituteEnvVars(cfg.Backend.APIKey)
	return &cfg, nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
