// Package app wires the game components from a loaded configuration.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"crashgame/internal/cache"
	"crashgame/internal/config"
	"crashgame/internal/crashpoint"
	"crashgame/internal/database"
	"crashgame/internal/game"
	"crashgame/internal/ledger"
	"crashgame/internal/reconcile"
	"crashgame/internal/scheduler"
	"crashgame/internal/settlement"
	"crashgame/internal/stats"
	"crashgame/internal/store"
	"crashgame/internal/store/memory"
)

type Services struct {
	Store     store.Store
	Cache     *cache.Service
	Ledger    *ledger.Service
	Engine    *settlement.Engine
	Crash     *crashpoint.Source
	Hub       *game.Hub
	Manager   *game.Manager
	Stats     *stats.Service
	Reconcile *reconcile.Job
	Scheduler *scheduler.Scheduler
}

// OpenStore returns the store selected by cfg.StoreDriver. For postgres it
// applies pending migrations first when AutoMigrate is set.
func OpenStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.StoreDriver == config.DriverMemory {
		zap.L().Warn("using in-memory store, data is lost on restart")
		return memory.New(), nil
	}

	d := cfg.Database
	svc, err := database.Connect(ctx, database.Config{
		Host:     d.Host,
		Port:     d.Port,
		Database: d.Database,
		Username: d.Username,
		Password: d.Password,
		Schema:   d.Schema,
		MaxConns: int32(d.MaxConns),
	})
	if err != nil {
		return nil, err
	}

	if d.AutoMigrate {
		if err := database.ApplyMigrations(stdlib.OpenDBFromPool(svc.Pool()), d.MigrationsPath); err != nil {
			svc.Close()
			return nil, fmt.Errorf("migrate %s: %w", d.MigrationsPath, err)
		}
		zap.L().Info("migrations applied", zap.String("path", d.MigrationsPath))
	}
	return database.NewStore(svc), nil
}

// InitializeServices builds every component. Redis is optional: when it is
// disabled or unreachable the game runs without the live cache.
func InitializeServices(ctx context.Context, cfg *config.Config) (*Services, error) {
	st, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var (
		redisSvc *cache.Service
		live     game.LiveCache
	)
	if cfg.Redis.Enabled {
		redisSvc, err = cache.New(cache.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			zap.L().Warn("redis unavailable, running without cache", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		} else {
			live = redisSvc
		}
	}

	g := cfg.Game
	led := ledger.NewService(st, ledger.Options{
		MinWithdrawal: decimal.NewFromFloat(cfg.Ledger.MinWithdrawal),
	})
	engine := settlement.NewEngine(st, led, settlement.Options{
		MinStake:     decimal.NewFromFloat(g.MinStake),
		MaxStake:     decimal.NewFromFloat(g.MaxStake),
		WriteTimeout: g.WriteTimeout,
	})
	src := crashpoint.NewSource(st)
	hub := game.NewHub()
	manager := game.NewManager(hub, src, engine, st, live, game.Config{
		TickInterval:    g.TickInterval,
		Countdown:       g.Countdown,
		GrowthPerSecond: g.GrowthPerSecond,
		WriteTimeout:    g.WriteTimeout,
		RecentCrashes:   g.RecentCrashLimit,
	})
	job := reconcile.NewJob(st, st, reconcile.Options{Tolerance: cfg.Reconcile.Tolerance})

	sched := scheduler.New(cfg.Reconcile.Timeout)
	if err := sched.Add("settlement-retry", g.RetrySchedule, func(ctx context.Context) error {
		_, err := engine.RunRetries(ctx)
		return err
	}); err != nil {
		closeAll(st, redisSvc)
		return nil, err
	}
	if err := sched.Add("reconcile", cfg.Reconcile.Schedule, func(ctx context.Context) error {
		_, err := job.Run(ctx)
		return err
	}); err != nil {
		closeAll(st, redisSvc)
		return nil, err
	}

	return &Services{
		Store:     st,
		Cache:     redisSvc,
		Ledger:    led,
		Engine:    engine,
		Crash:     src,
		Hub:       hub,
		Manager:   manager,
		Stats:     stats.NewService(st, st),
		Reconcile: job,
		Scheduler: sched,
	}, nil
}

func (s *Services) Close() {
	closeAll(s.Store, s.Cache)
}

func closeAll(st store.Store, c *cache.Service) {
	if c != nil {
		if err := c.Close(); err != nil {
			zap.L().Warn("close redis", zap.Error(err))
		}
	}
	if st != nil {
		st.Close()
	}
}
