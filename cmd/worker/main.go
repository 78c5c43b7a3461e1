package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"assistant-jobqueue/internal/app"
	"assistant-jobqueue/internal/config"
	"assistant-jobqueue/internal/handlers"
	"assistant-jobqueue/internal/logging"
	"assistant-jobqueue/internal/service"
	"assistant-jobqueue/internal/telemetry"
	httptransport "assistant-jobqueue/internal/transport/http"
	"assistant-jobqueue/internal/worker"
)

// @title Job Queue API
// @version 1.0
// @description Producer API of the background job queue: create jobs and read their status and results.
// @BasePath /
func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.OTelExporter)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shCtx); err != nil {
			logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}()
	metrics, err := telemetry.GlobalMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	store, err := app.OpenStore(ctx, cfg, cfg.MigrateOnStart, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	wakeup, closeWakeup, err := app.NewWakeup(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeWakeup()

	jobs := service.NewJobService(store.Repo, logger.Named("jobs"),
		service.WithNotifier(wakeup),
		service.WithStaleAfter(cfg.StaleAfter),
		service.WithMetrics(metrics),
	)

	registry := worker.NewRegistry(logger.Named("registry"))
	handlers.Register(registry)

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Runners > 0 {
		runnerCfg := worker.Config{
			PollInterval:       cfg.PollInterval,
			StaleCheckInterval: cfg.StaleCheckInterval,
			MaxStoreErrors:     cfg.MaxStoreErrors,
			AllTypes:           cfg.AllTypes,
		}
		runners := make([]*worker.Runner, cfg.Runners)
		for i := range runners {
			runners[i] = worker.NewRunner(fmt.Sprintf("runner-%d", i+1), jobs, registry, runnerCfg, logger,
				worker.WithWakeup(wakeup),
				worker.WithMetrics(metrics),
			)
		}
		pool := worker.NewPool(logger, runners...)
		g.Go(func() error { return pool.Run(ctx) })
	}

	if cfg.HTTPAddr != "" {
		h := httptransport.NewHandler(jobs, store.Ping, logger.Named("http"))
		srv := &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           httptransport.Routes(h, logger.Named("http")),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shCtx)
		})
	}

	logger.Info("worker started",
		zap.String("store", cfg.StoreDriver),
		zap.String("target", app.StoreTarget(cfg)),
		zap.Int("runners", cfg.Runners),
		zap.Strings("types", registry.Types()),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("version", telemetry.Version),
	)

	err = g.Wait()
	logger.Info("worker stopped")
	return err
}
