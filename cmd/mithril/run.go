package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"
	"golang.org/x/sync/errgroup"

	"github.com/eugener/mithril/internal/app"
	"github.com/eugener/mithril/internal/auth"
	"github.com/eugener/mithril/internal/config"
	"github.com/eugener/mithril/internal/provider"
	"github.com/eugener/mithril/internal/provider/aistudio"
	"github.com/eugener/mithril/internal/provider/codeassist"
	"github.com/eugener/mithril/internal/provider/codebuddy"
	"github.com/eugener/mithril/internal/provider/openaicompat"
	"github.com/eugener/mithril/internal/server"
	"github.com/eugener/mithril/internal/storage/sqlite"
	"github.com/eugener/mithril/internal/telemetry"
	"github.com/eugener/mithril/internal/tokencount"
	"github.com/eugener/mithril/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting mithril", "version", version, "addr", cfg.Server.Addr)

	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	if err := config.Bootstrap(ctx, cfg, store); err != nil {
		return err
	}

	// Tracing (optional)
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				slog.Warn("tracing shutdown failed", "error", err)
			}
		}()
	}

	// Metrics (optional)
	var metrics *telemetry.Metrics
	promReg := prometheus.NewRegistry()
	if cfg.Telemetry.Metrics.Enabled {
		promReg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = telemetry.NewMetrics(promReg)
	}

	// One shared transport so connection pools are reused across handlers.
	resolver := &dnscache.Resolver{}
	client := &http.Client{Transport: provider.NewTransport(resolver)}

	registry := provider.NewRegistry(
		codeassist.New("", client),
		codebuddy.New(client),
		aistudio.New("", client),
		openaicompat.New("", client),
	)

	tokenAuth, err := auth.NewTokenAuth(store)
	if err != nil {
		return err
	}
	router := app.NewRouter(registry, store, metrics)

	handler := server.New(server.Deps{
		Auth:         tokenAuth,
		Router:       router,
		Store:        store,
		Metrics:      metrics,
		TokenCounter: tokencount.NewCounter(),
		ReadyCheck:   store.Ping,
	})

	mux := http.NewServeMux()
	mux.Handle("/", handler)
	if cfg.Telemetry.Metrics.Enabled {
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Background workers
	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	var workers errgroup.Group
	if cfg.Throttle.SweepInterval > 0 {
		runner := worker.NewRunner(worker.NewThrottleSweeper(store, cfg.Throttle.SweepInterval))
		workers.Go(func() error { return runner.Run(workerCtx) })
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("mithril ready", "addr", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	stopWorkers()
	if err := workers.Wait(); err != nil {
		slog.Warn("worker exited with error", "error", err)
	}

	slog.Info("mithril stopped")
	return nil
}
