// Package internal contains core application functionality
package internal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/karloscodes/cartridge"
	"github.com/sony/gobreaker/v2"

	"funnelsync/internal/cache"
	"funnelsync/internal/config"
	"funnelsync/internal/database"
	"funnelsync/internal/embeddables"
	"funnelsync/internal/http"
	"funnelsync/internal/jobs"
	"funnelsync/internal/notify"
)

// Application wraps cartridge.Application with funnelsync-specific components
type Application struct {
	*cartridge.Application
	DBManager *database.DBManager // funnelsync DB manager with migration methods
	Scheduler *jobs.Scheduler
	Cache     cache.Store
}

// Services are the long-lived dependencies shared by the HTTP handlers and the jobs.
type Services struct {
	Cache    cache.Store
	Breaker  *gobreaker.CircuitBreaker[[]embeddables.Entry]
	Notifier *notify.Slack
}

// NewServices builds the shared services from cfg. A Redis cache is used when REDIS_URL
// is set and reachable, an in-process cache otherwise.
func NewServices(cfg *config.Config, logger *slog.Logger) *Services {
	return &Services{
		Cache:    newCacheStore(cfg, logger),
		Breaker:  embeddables.NewBreaker(logger),
		Notifier: notify.NewSlack(cfg.SlackWebhookURL, cfg.SlackChannel, cfg.AppURL, logger),
	}
}

func newCacheStore(cfg *config.Config, logger *slog.Logger) cache.Store {
	if cfg.RedisURL == "" {
		return cache.NewMemory()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := cache.NewRedis(ctx, cfg.RedisURL, logger)
	if err != nil {
		logger.Warn("Redis unavailable, falling back to in-process cache", slog.Any("error", err))
		return cache.NewMemory()
	}
	return store
}

// NewApp creates a new application instance with default settings
func NewApp() (*Application, error) {
	cfg := config.GetConfig()
	return NewAppWithConfig(cfg)
}

// NewAppWithConfig creates a new application with the provided config
func NewAppWithConfig(cfg *config.Config) (*Application, error) {
	logger := cartridge.NewLogger(cfg, nil)

	dbManager := database.NewDBManager(cfg, logger)
	if err := dbManager.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	services := NewServices(cfg, logger)

	handlers := http.NewHandlers(http.HandlersOptions{
		Config:   cfg,
		Cache:    services.Cache,
		Breaker:  services.Breaker,
		Notifier: services.Notifier,
	}, logger)

	syncJob := jobs.NewSyncJob(dbManager, logger, cfg, services.Cache, services.Breaker, services.Notifier)
	scheduler := jobs.NewScheduler(dbManager, logger, cfg, syncJob)

	app, err := cartridge.NewApplication(cartridge.ApplicationOptions{
		Config:            cfg,
		Logger:            logger,
		DBManager:         dbManager,
		ServerConfig:      NewServerConfig(),
		RouteMountFunc:    MountRoutesWith(handlers),
		BackgroundWorkers: []cartridge.BackgroundWorker{scheduler},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create application: %w", err)
	}

	return &Application{
		Application: app,
		DBManager:   dbManager,
		Scheduler:   scheduler,
		Cache:       services.Cache,
	}, nil
}
