package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/meshforge/internal/access"
	"github.com/example/meshforge/internal/artifact"
	"github.com/example/meshforge/internal/blob"
	"github.com/example/meshforge/internal/config"
	"github.com/example/meshforge/internal/httpapi"
	"github.com/example/meshforge/internal/logging"
	"github.com/example/meshforge/internal/metrics"
	"github.com/example/meshforge/internal/orchestrator"
	"github.com/example/meshforge/internal/provider"
	"github.com/example/meshforge/internal/store"
	"github.com/example/meshforge/internal/telemetry"
)

func main() {
	loadDotEnv()
	configPath := pflag.StringP("config", "c", os.Getenv("MESHFORGE_CONFIG"), "path to a YAML config file")
	addr := pflag.String("addr", "", "listen address, overrides config")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("api exited", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracing, err := telemetry.Init(ctx, cfg.Telemetry, logger)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("mkdir data dir: %w", err)
	}
	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer backend.Close()

	blobStore := blob.LocalFS{Root: cfg.DataDir}
	artifacts := artifact.NewStore(blobStore, backend, logger)

	if cfg.Provider.APIKey == "" {
		logger.Warn("MESHY_API_KEY is not set; provider calls will be rejected")
	}
	meshy := provider.NewMeshy(provider.MeshyConfig{
		APIKey:            cfg.Provider.APIKey,
		BaseURL:           cfg.Provider.BaseURL,
		Timeout:           cfg.Provider.Timeout,
		RequestsPerSecond: cfg.Provider.RequestsPerSecond,
		EnablePBR:         cfg.Provider.EnablePBR,
		ShouldRemesh:      cfg.Provider.ShouldRemesh,
		ShouldTexture:     cfg.Provider.ShouldTexture,
	}, logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	orch := orchestrator.New(orchestrator.Deps{
		Jobs:      backend,
		Artifacts: artifacts,
		Gate:      access.NewGate(backend, backend),
		Provider:  meshy,
		Metrics:   metrics.NewCollector("meshforge", registry),
		Logger:    logger,
	}, orchestrator.Config{
		MaxImageBytes: cfg.Jobs.MaxImageBytes,
		Poll: orchestrator.Backoff{
			Initial:    cfg.Jobs.PollInitialDelay,
			Max:        cfg.Jobs.PollMaxDelay,
			Multiplier: cfg.Jobs.PollMultiplier,
			Jitter:     cfg.Jobs.PollJitter,
		},
		MaxTransientFailures: cfg.Jobs.MaxTransientFailures,
		PollTimeout:          cfg.Jobs.PollTimeout,
		SubmitAttempts:       cfg.Jobs.SubmitAttempts,
		FetchAttempts:        cfg.Jobs.FetchAttempts,
		MaxConcurrentFetches: cfg.Jobs.MaxConcurrentFetches,
		DedupeInFlight:       cfg.Jobs.DedupeInFlight,
	})
	if _, err := orch.Resume(ctx); err != nil {
		return fmt.Errorf("resume jobs: %w", err)
	}

	server := httpapi.Server{
		Jobs:           orch,
		Auth:           httpapi.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		Logger:         logger,
		Metrics:        promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		AllowedOrigins: cfg.AllowedOrigins,
		MaxUploadBytes: cfg.Jobs.MaxImageBytes,
	}
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("no JWT secret configured; trusting X-Principal header")
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("API listening", zap.String("addr", cfg.Addr), zap.String("store", cfg.Store.Driver))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return errors.Join(
			httpServer.Shutdown(shutdownCtx),
			orch.Shutdown(shutdownCtx),
			tracing.Shutdown(shutdownCtx),
		)
	})
	return g.Wait()
}

func openBackend(ctx context.Context, cfg config.Config) (store.Backend, error) {
	switch cfg.Store.Driver {
	case "memory":
		return store.NewMemory(), nil
	case "redis":
		return store.OpenRedis(ctx, store.RedisOptions{
			Addr:      cfg.Store.Redis.Addr,
			Password:  cfg.Store.Redis.Password,
			DB:        cfg.Store.Redis.DB,
			KeyPrefix: cfg.Store.Redis.KeyPrefix,
		})
	default:
		path := cfg.Store.SQLitePath
		if path == "" {
			path = filepath.Join(cfg.DataDir, "jobs.db")
		}
		return store.OpenSQLite(path)
	}
}

func loadDotEnv() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}
