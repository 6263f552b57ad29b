package http

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"funnelsync/internal/alerts"
	"funnelsync/internal/cache"
	"funnelsync/internal/config"
	"funnelsync/internal/embeddables"
	"funnelsync/internal/notify"
)

// analyticsCachePattern matches every cached analytics response.
const analyticsCachePattern = "analytics:*"

// Handlers holds the long-lived services shared by the request actions.
type Handlers struct {
	cfg        *config.Config
	cache      cache.Store
	breaker    *gobreaker.CircuitBreaker[[]embeddables.Entry]
	notifier   *notify.Slack
	thresholds alerts.Thresholds
	now        func() time.Time
}

// HandlersOptions configures NewHandlers. Nil fields get working defaults.
type HandlersOptions struct {
	Config     *config.Config
	Cache      cache.Store
	Breaker    *gobreaker.CircuitBreaker[[]embeddables.Entry]
	Notifier   *notify.Slack
	Thresholds *alerts.Thresholds
	Now        func() time.Time
}

func NewHandlers(opts HandlersOptions, logger *slog.Logger) *Handlers {
	h := &Handlers{
		cfg:        opts.Config,
		cache:      opts.Cache,
		breaker:    opts.Breaker,
		notifier:   opts.Notifier,
		thresholds: alerts.DefaultThresholds(),
		now:        opts.Now,
	}
	if h.cfg == nil {
		h.cfg = config.GetConfig()
	}
	if h.cache == nil {
		h.cache = cache.Noop{}
	}
	if h.breaker == nil {
		h.breaker = embeddables.NewBreaker(logger)
	}
	if h.notifier == nil {
		h.notifier = notify.NewSlack(h.cfg.SlackWebhookURL, h.cfg.SlackChannel, h.cfg.AppURL, logger)
	}
	if opts.Thresholds != nil {
		h.thresholds = *opts.Thresholds
	}
	if h.now == nil {
		h.now = func() time.Time { return time.Now().UTC() }
	}
	return h
}

// Config returns the configuration the handlers read at request time.
func (h *Handlers) Config() *config.Config {
	return h.cfg
}

// invalidateAnalytics drops cached analytics after new data lands. Cache failures are
// logged and otherwise ignored.
func (h *Handlers) invalidateAnalytics(ctx context.Context, logger *slog.Logger) {
	if err := h.cache.Clear(ctx, analyticsCachePattern); err != nil {
		logger.Warn("Failed to clear analytics cache", slog.Any("error", err))
	}
}
