package server

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"crashgame/internal/config"
	"crashgame/internal/crashpoint"
	"crashgame/internal/game"
	"crashgame/internal/ledger"
	"crashgame/internal/reconcile"
	"crashgame/internal/stats"
	"crashgame/internal/store"
)

// HealthChecker is anything that can report its own status.
type HealthChecker interface {
	Health() map[string]string
}

// Deps are the components the HTTP and websocket surface talks to. Cache may
// be nil.
type Deps struct {
	Store     store.Store
	Cache     HealthChecker
	Hub       *game.Hub
	Manager   *game.Manager
	Ledger    *ledger.Service
	Crash     *crashpoint.Source
	Stats     *stats.Service
	Reconcile *reconcile.Job
}

type FiberServer struct {
	*fiber.App

	db          store.Store
	cache       HealthChecker
	gameHub     *game.Hub
	gameManager *game.Manager
	ledger      *ledger.Service
	crash       *crashpoint.Source
	stats       *stats.Service
	reconcile   *reconcile.Job

	cfg config.ServerConfig
	log *zap.Logger
}

func New(cfg config.ServerConfig, deps Deps) *FiberServer {
	server := &FiberServer{
		App: fiber.New(fiber.Config{
			ServerHeader:          "crashgame",
			AppName:               "crashgame",
			ReadTimeout:           cfg.ReadTimeout,
			WriteTimeout:          cfg.WriteTimeout,
			IdleTimeout:           cfg.IdleTimeout,
			StrictRouting:         false,
			DisableStartupMessage: true,
		}),

		db:          deps.Store,
		cache:       deps.Cache,
		gameHub:     deps.Hub,
		gameManager: deps.Manager,
		ledger:      deps.Ledger,
		crash:       deps.Crash,
		stats:       deps.Stats,
		reconcile:   deps.Reconcile,
		cfg:         cfg,
		log:         zap.L().Named("server"),
	}

	server.App.Use(recover.New())
	if cfg.RateLimitMax > 0 {
		server.App.Use(limiter.New(limiter.Config{
			Max:        cfg.RateLimitMax,
			Expiration: cfg.RateLimitWindow,
			Next: func(c *fiber.Ctx) bool {
				return strings.HasPrefix(c.Path(), "/ws")
			},
		}))
	}

	server.RegisterFiberRoutes()
	return server
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx
// expires. Closing the store and cache is left to the owner.
func (s *FiberServer) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down http server")
	return s.App.ShutdownWithContext(ctx)
}
