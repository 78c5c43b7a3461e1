// Command migrate applies pending job store migrations and exits.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"assistant-jobqueue/internal/app"
	"assistant-jobqueue/internal/config"
	"assistant-jobqueue/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "migrate: config:", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	store, err := app.OpenStore(ctx, cfg, true, logger)
	if err != nil {
		logger.Fatal("migrate failed", zap.String("target", app.StoreTarget(cfg)), zap.Error(err))
	}
	store.Close()

	logger.Info("job store up to date", zap.String("store", cfg.StoreDriver), zap.String("target", app.StoreTarget(cfg)))
}
