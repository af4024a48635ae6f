package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"crashgame/internal/app"
	"crashgame/internal/config"
	"crashgame/internal/logger"
	"crashgame/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		l, _ := zap.NewProduction()
		l.Fatal("Failed to load configuration", zap.Error(err))
	}

	_, loggerCleanup, err := logger.Initialize(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		zap.L().Fatal("Failed to initialize logger", zap.Error(err))
	}
	defer loggerCleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	zap.L().Info("Starting crash game server", zap.String("store", cfg.StoreDriver), zap.String("addr", cfg.Addr()))

	services, err := app.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	deps := server.Deps{
		Store:     services.Store,
		Hub:       services.Hub,
		Manager:   services.Manager,
		Ledger:    services.Ledger,
		Crash:     services.Crash,
		Stats:     services.Stats,
		Reconcile: services.Reconcile,
	}
	if services.Cache != nil {
		deps.Cache = services.Cache
	}
	srv := server.New(cfg.Server, deps)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		services.Hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return services.Manager.Run(gctx)
	})
	g.Go(func() error {
		return services.Scheduler.Run(gctx)
	})
	g.Go(func() error {
		return srv.Listen(cfg.Addr())
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		zap.L().Error("Server stopped with error", zap.Error(err))
		return
	}
	zap.L().Info("Server stopped")
}
