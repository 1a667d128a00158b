package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"SwapGateway/internal/app"
	"SwapGateway/internal/config"
	internalhttp "SwapGateway/internal/http"
	"SwapGateway/internal/logging"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		logging.New("info", "json").Fatal("config load failed", zap.Error(err))
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format).Named("api")
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer a.Close()

	h := internalhttp.NewHandler(a.Orders, logger.Named("http"))
	h.Validator = a.Validator
	h.Payouts = a.Payouts
	h.Sweeper = a.Sweeper
	h.Webhooks = a.Webhooks
	h.Pool = a.Allocator
	h.SigningKey = cfg.Webhooks.SigningKey
	if cfg.Server.InternalToken == "" {
		logger.Warn("internal token not set, /internal routes are closed")
	}
	srv := internalhttp.NewServer(h, cfg.Server.InternalToken)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("api listening", zap.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctxShutdown); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
	logger.Info("api stopped")
}
