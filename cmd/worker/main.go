package main

import (
	"context"
	"os/signal"
	"syscall"

	"SwapGateway/internal/app"
	"SwapGateway/internal/config"
	"SwapGateway/internal/logging"
	"SwapGateway/internal/worker"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		logging.New("info", "json").Fatal("config load failed", zap.Error(err))
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format).Named("worker")
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer a.Close()

	w := &worker.Worker{
		Sweeper:        a.Sweeper,
		Validator:      a.Validator,
		Webhooks:       a.Webhooks,
		Interval:       cfg.WorkerInterval(),
		ReconcileEvery: cfg.Worker.ReconcileEvery,
		Streams:        a.Streams(),
		Log:            logger,
	}
	for _, s := range w.Streams {
		logger.Info("following websocket", zap.String("network", s.Network), zap.Strings("endpoints", s.Endpoints))
	}

	logger.Info("worker started",
		zap.Duration("interval", w.Interval),
		zap.Strings("networks", a.Chains.Codes()),
	)
	w.Run(ctx)
	logger.Info("worker stopped")
}
