package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/envfleet/envfleet/internal/broker"
	"github.com/envfleet/envfleet/internal/buildinfo"
	"github.com/envfleet/envfleet/internal/config"
	"github.com/envfleet/envfleet/internal/continuation"
	"github.com/envfleet/envfleet/internal/db"
	"github.com/envfleet/envfleet/internal/guard"
	"github.com/envfleet/envfleet/internal/logging"
	"github.com/envfleet/envfleet/internal/models"
	"github.com/envfleet/envfleet/internal/orchestrator"
	"github.com/envfleet/envfleet/internal/secrets"
	"github.com/envfleet/envfleet/internal/tracing"
	"github.com/envfleet/envfleet/internal/workspace"
)

const (
	sweepInterval   = time.Minute
	shutdownTimeout = 10 * time.Second
)

func serve(ctx context.Context, cfg config.Config) error {
	logger := logging.Component(logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat}), "envfleetd")
	logger.Info().Object("build", buildinfo.Get()).Str("config", cfg.ConfigPath).Msg("starting")

	if err := os.MkdirAll(filepath.Dir(cfg.LockPath), 0o750); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	lock := flock.New(cfg.LockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock %s: %w", cfg.LockPath, err)
	}
	if !locked {
		return fmt.Errorf("another envfleetd holds %s", cfg.LockPath)
	}
	defer func() { _ = lock.Unlock() }()

	tracer, err := tracing.Setup(cfg.TracingExporter, "envfleetd", buildinfo.Version, nil)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown")
		}
	}()

	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	sealer, err := loadSealer(cfg, logger)
	if err != nil {
		return err
	}

	flags := config.NewFlagWatcher(cfg.ConfigPath, cfg.Flags, logger)
	if _, err := os.Stat(cfg.ConfigPath); err == nil {
		if err := flags.Watch(ctx); err != nil {
			logger.Warn().Err(err).Msg("feature flag watch disabled")
		}
		defer flags.Close()
	}

	metrics := orchestrator.NewMetrics(store, logging.Component(logger, "metrics"))
	manager, err := orchestrator.NewEnvironmentManager(orchestrator.Deps{
		Repo:     store,
		Broker:   broker.NewMemory(),
		Sessions: workspace.NewRegistry(cfg.SessionServiceURI),
		Billing:  store,
		Metrics:  metrics,
		Catalog:  guard.NewCatalog(cfg.SKUs),
		Sealer:   sealer,
		Queue:    store,
		Logger:   logging.Component(logger, "environments"),
	}, orchestrator.Options{
		ProvisioningTimeout:   cfg.ProvisioningTimeout,
		ConflictRetryAttempts: cfg.ConflictRetryAttempts,
		StaticSKUName:         cfg.StaticSKUName,
		SessionServiceURI:     cfg.SessionServiceURI,
		Flags:                 flags.Flags,
	})
	if err != nil {
		return err
	}

	worker, err := continuation.NewWorker(store, manager.Registry(), continuation.WorkerOptions{
		Concurrency:  cfg.QueueWorkers,
		PollInterval: cfg.QueuePollInterval,
		MaxAttempts:  cfg.QueueMaxAttempts,
	}, metrics, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error { return sweep(gctx, manager, logging.Component(logger, "sweeper")) })
	if cfg.MetricsListen != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsListen,
			Handler:           newMux(metrics),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info().Str("listen", cfg.MetricsListen).Msg("serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	logger.Info().Msg("stopped")
	return err
}

func loadSealer(cfg config.Config, logger zerolog.Logger) (*secrets.Sealer, error) {
	if cfg.AgeRecipientsPath != "" {
		return secrets.LoadSealer(cfg.AgeRecipientsPath)
	}
	logger.Warn().Msg("age_recipients_path not set; sealing start secrets to an ephemeral key")
	return secrets.NewEphemeralSealer()
}

func newMux(metrics *orchestrator.Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

// sweep periodically refreshes every environment so expired deadlines and
// lost sessions are recorded even when nobody reads them.
func sweep(ctx context.Context, manager *orchestrator.EnvironmentManager, logger zerolog.Logger) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		envs, err := manager.List(logger.WithContext(ctx), models.EnvironmentFilter{})
		if err != nil {
			logger.Warn().Err(err).Msg("sweep environments")
			continue
		}
		logger.Debug().Int("environments", len(envs)).Msg("sweep complete")
	}
}
