// Command server runs the rule chain execution engine over HTTP.
//
// Configuration is read from a YAML file (--config, RULECHAIN_CONFIG,
// ./config.yaml, or /etc/rulechain/config.yaml) with RULECHAIN_*
// environment overrides. See pkg/config for the full list.
//
// Signals:
//
//	SIGINT, SIGTERM - graceful shutdown
//	SIGHUP          - reload the configuration file
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/rhuss/rulechain/pkg/config"
	"github.com/rhuss/rulechain/pkg/constraints"
	"github.com/rhuss/rulechain/pkg/debug"
	"github.com/rhuss/rulechain/pkg/engine"
	"github.com/rhuss/rulechain/pkg/gateway"
	"github.com/rhuss/rulechain/pkg/gateway/echo"
	"github.com/rhuss/rulechain/pkg/gateway/openaicompat"
	"github.com/rhuss/rulechain/pkg/storage"
	"github.com/rhuss/rulechain/pkg/storage/memory"
	"github.com/rhuss/rulechain/pkg/storage/postgres"
	transporthttp "github.com/rhuss/rulechain/pkg/transport/http"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	debug.Init(debug.Options{
		Categories: cfg.Logging.Debug,
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := openRepository(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer repo.Close()

	evaluator, err := constraints.NewEvaluator()
	if err != nil {
		return fmt.Errorf("creating constraint evaluator: %w", err)
	}

	router := gateway.NewRouter(map[string]gateway.Factory{
		config.ProviderOpenAI: openaicompat.Factory,
		config.ProviderEcho:   echo.Factory,
	})
	defer router.Close()

	configs := config.NewStore(cfg, configPath)

	eng, err := engine.New(configs, repo, router, evaluator)
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}

	opts := []transporthttp.ServerOption{
		transporthttp.WithAddr(":" + strconv.Itoa(cfg.Server.Port)),
		transporthttp.WithMaxBodySize(cfg.Server.MaxBodySize),
		transporthttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout),
		transporthttp.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
		transporthttp.WithHealthChecker(repo),
	}
	metrics := cfg.Observability.Metrics
	if metrics.Enabled && metrics.Port == 0 {
		opts = append(opts, transporthttp.WithRoute("GET "+metrics.Path, promhttp.Handler()))
	}
	srv := transporthttp.NewServer(eng, repo, opts...)

	slog.Info("rule chain engine starting",
		"port", cfg.Server.Port,
		"storage", cfg.Storage.Type,
		"providers", len(cfg.Providers),
		"default_model", cfg.Engine.DefaultModel,
		"on_step_failure", cfg.Engine.OnStepFailure)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	if metrics.Enabled && metrics.Port != 0 {
		g.Go(func() error { return serveMetrics(gctx, metrics, cfg.Server.ShutdownTimeout) })
	}
	g.Go(func() error { return watchReload(gctx, configs) })

	return g.Wait()
}

// openRepository builds the chain and template repository selected by the
// storage config.
func openRepository(ctx context.Context, cfg config.StorageConfig) (storage.Repository, error) {
	switch cfg.Type {
	case "postgres":
		store, err := postgres.New(ctx, postgres.Config{
			DSN:             cfg.Postgres.DSN,
			MaxConns:        cfg.Postgres.MaxConns,
			MinConns:        cfg.Postgres.MinConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime,
			LookupTimeout:   cfg.Postgres.LookupTimeout,
			MigrateOnStart:  cfg.Postgres.MigrateOnStart,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("storage enabled", "type", "postgres", "max_conns", cfg.Postgres.MaxConns)
		return store, nil
	case "memory", "":
		if cfg.SeedFile == "" {
			slog.Info("storage enabled", "type", "memory")
			return memory.New(), nil
		}
		store, err := memory.LoadSeedFile(cfg.SeedFile)
		if err != nil {
			return nil, err
		}
		slog.Info("storage enabled", "type", "memory", "seed_file", cfg.SeedFile)
		return store, nil
	}
	return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
}

// serveMetrics exposes the Prometheus registry on its own port until ctx
// is done.
func serveMetrics(ctx context.Context, cfg config.MetricsConfig, shutdownTimeout time.Duration) error {
	mux := http.NewServeMux()
	mux.Handle("GET "+cfg.Path, promhttp.Handler())
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("metrics listening", "port", cfg.Port, "path", cfg.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// watchReload swaps in a fresh config snapshot on every SIGHUP. Runs in
// flight keep the snapshot they started with.
func watchReload(ctx context.Context, configs *config.Store) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			if err := configs.Reload(); err != nil {
				slog.Error("config reload failed, keeping current config", "error", err)
				continue
			}
			snap := configs.Snapshot()
			slog.Info("config reloaded",
				"providers", len(snap.Providers()),
				"default_model", snap.Engine.DefaultModel)
		}
	}
}
