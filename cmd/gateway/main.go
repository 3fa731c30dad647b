package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/claudeshim/claudeshim/internal/api/openai"
	"github.com/claudeshim/claudeshim/internal/breaker"
	"github.com/claudeshim/claudeshim/internal/config"
	"github.com/claudeshim/claudeshim/internal/fingerprint"
	"github.com/claudeshim/claudeshim/internal/gateway"
	"github.com/claudeshim/claudeshim/internal/schema"
	"github.com/claudeshim/claudeshim/internal/server"
	"github.com/claudeshim/claudeshim/internal/supervisor"
	"github.com/claudeshim/claudeshim/internal/telemetry"
	"github.com/claudeshim/claudeshim/internal/trace"
	"github.com/claudeshim/claudeshim/internal/translate"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	shutdownTracer, err := telemetry.InitTracer("claudeshim", logger)
	if err != nil {
		logger.Error("failed to initialize telemetry", slog.String("error", err.Error()))
		os.Exit(1)
	}

	store, err := newTraceStore(cfg)
	if err != nil {
		logger.Error("failed to open trace store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	client := openai.NewClient(cfg.Backend.APIKey,
		openai.WithBaseURL(cfg.Backend.BaseURL),
		openai.WithInactivityTimeout(cfg.Backend.InactivityTimeout),
	)

	cache := fingerprint.New(cfg.Cache.Capacity, cfg.Cache.TTL)
	brk := breaker.New(cfg.Backend.Name, breaker.Config{
		FailureThreshold:         cfg.Breaker.FailureThreshold,
		SuccessThreshold:         cfg.Breaker.SuccessThreshold,
		RetryTimeout:             cfg.Breaker.RetryTimeout,
		LatencyThreshold:         cfg.Breaker.LatencyThreshold,
		LatencyWindow:            cfg.Breaker.LatencyWindow,
		LatencyConsecutiveChecks: cfg.Breaker.LatencyConsecutiveChecks,
	})
	brk.OnStateChange(func(name string, from, to breaker.State) {
		logger.Warn("breaker state changed",
			slog.String("backend", name),
			slog.String("from", from.String()),
			slog.String("to", to.String()),
		)
	})

	translator := translate.New(cache, schema.ByName(cfg.Backend.Profile), translate.Options{
		LegacyMaxTokens: cfg.Backend.LegacyMaxTokens,
	})

	gw := gateway.New(logger, client, cfg.Backend.Name, translator, cache, brk,
		trace.NewRecorder(store))

	// Wait for the backend before accepting work, so the first request does
	// not burn breaker failures on a still-starting server.
	sup := supervisor.NewExternal(cfg.Backend.BaseURL, cfg.Backend.ReadyPath)
	readyCtx, cancelReady := context.WithTimeout(context.Background(), 30*time.Second)
	if err := sup.WaitReady(readyCtx); err != nil {
		logger.Warn("backend not ready, starting anyway", slog.String("error", err.Error()))
	}
	cancelReady()

	srv := server.New(cfg.Server.Port, cfg.Server.RequestTimeout, logger)
	gw.Routes(srv.Router)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", slog.String("error", err.Error()))
		}
	case sig := <-stop:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown failed", slog.String("error", err.Error()))
	}
	if store != nil {
		store.Close()
	}
	if err := shutdownTracer(ctx); err != nil {
		logger.Error("tracer shutdown failed", slog.String("error", err.Error()))
	}
}

func newTraceStore(cfg *config.Config) (trace.Store, error) {
	switch cfg.Trace.Storage {
	case "memory":
		return trace.NewMemoryStore(cfg.Trace.MemoryLimit), nil
	case "sqlite":
		return trace.NewSQLiteStore(cfg.Trace.SQLite.Path)
	default:
		return nil, nil
	}
}
