package internal

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/karloscodes/cartridge"
	cartridgemiddleware "github.com/karloscodes/cartridge/middleware"

	"funnelsync/internal/config"
	"funnelsync/internal/http"
	"funnelsync/internal/http/middleware"
	"funnelsync/internal/metrics"
)

// dashboardCORSConfig lets a separately hosted dashboard read the JSON API.
var dashboardCORSConfig = &cors.Config{
	AllowOrigins: "*",
	AllowMethods: "GET,OPTIONS",
	AllowHeaders: "Origin, Content-Type, Accept",
}

// MountAppRoutes mounts all application routes with handlers built from the global config.
func MountAppRoutes(srv *cartridge.Server) {
	handlers := http.NewHandlers(http.HandlersOptions{Config: config.GetConfig()}, srv.GetLogger())
	MountAppRoutesWithHandlers(srv, handlers)
}

// MountRoutesWith returns a route mount function bound to prebuilt handlers.
func MountRoutesWith(handlers *http.Handlers) func(*cartridge.Server) {
	return func(srv *cartridge.Server) {
		MountAppRoutesWithHandlers(srv, handlers)
	}
}

// MountAppRoutesWithHandlers mounts all routes on srv using handlers.
func MountAppRoutesWithHandlers(srv *cartridge.Server, handlers *http.Handlers) {
	cfg := handlers.Config()
	logger := srv.GetLogger()

	// Rate limiting only in production; it would interfere with tests.
	conditionalRateLimiter := func(limiter fiber.Handler) fiber.Handler {
		return func(c *fiber.Ctx) error {
			if cfg.IsProduction() {
				return limiter(c)
			}
			return c.Next()
		}
	}

	// Webhook deliveries arrive in bursts when respondents move through the quiz.
	webhookRateLimiter := conditionalRateLimiter(cartridgemiddleware.RateLimiter(
		cartridgemiddleware.WithMax(600),
		cartridgemiddleware.WithDuration(time.Minute),
	))

	cronRateLimiter := conditionalRateLimiter(cartridgemiddleware.RateLimiter(
		cartridgemiddleware.WithMax(10),
		cartridgemiddleware.WithDuration(time.Minute),
	))

	// ============================================
	// ROUTE CONFIGURATIONS
	// ============================================

	// Server-to-server callers (scheduler, webhook sender) send no Sec-Fetch-Site header;
	// NewServerConfig keeps the global check off for them.
	cronConfig := &cartridge.RouteConfig{
		CustomMiddleware: []fiber.Handler{
			cronRateLimiter,
			middleware.CronAuth(func() string { return cfg.CronSecret }, logger),
		},
	}

	webhookConfig := &cartridge.RouteConfig{
		CustomMiddleware: []fiber.Handler{
			webhookRateLimiter,
			middleware.WebhookSignature(func() string { return cfg.WebhookSecret }, logger),
		},
	}

	dashboardAPIConfig := &cartridge.RouteConfig{
		EnableCORS: true,
		CORSConfig: dashboardCORSConfig,
	}

	// === OPERATIONS ===
	srv.Get("/_health", handlers.HealthIndexAction)
	srv.Head("/_health", handlers.HealthIndexAction)
	metricsHandler := metrics.Handler()
	srv.Get("/metrics", func(ctx *cartridge.Context) error {
		return metricsHandler(ctx.Ctx)
	})

	// === INGESTION ===
	srv.Get("/api/cron/sync-data", handlers.SyncDataAction, cronConfig)
	srv.Post("/api/webhooks/embeddables", handlers.WebhookReceiveAction, webhookConfig)
	srv.Get("/api/webhooks/embeddables", handlers.WebhookInfoAction)

	// === DASHBOARD API ===
	srv.Get("/api/funnels", handlers.FunnelsIndexAction, dashboardAPIConfig)
	srv.Get("/api/funnels/analytics", handlers.FunnelAnalyticsAction, dashboardAPIConfig)
	srv.Get("/api/funnels/alerts", handlers.FunnelAlertsAction, dashboardAPIConfig)
	srv.Get("/api/sync-logs", handlers.SyncLogsAction, dashboardAPIConfig)
}
