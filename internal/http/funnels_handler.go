package http

import (
	"fmt"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/karloscodes/cartridge"

	"funnelsync/internal/alerts"
	"funnelsync/internal/analytics"
	"funnelsync/internal/funnels"
	"funnelsync/internal/metrics"
)

const (
	defaultReportDays = 30
	maxReportDays     = 365
)

// FunnelAnalyticsAction returns the report of the active funnel over the last ?days=N days.
func (h *Handlers) FunnelAnalyticsAction(ctx *cartridge.Context) error {
	days := ctx.QueryInt("days", defaultReportDays)
	if days <= 0 || days > maxReportDays {
		days = defaultReportDays
	}

	key := fmt.Sprintf("analytics:%d", days)
	var cached analytics.FunnelReport
	hit, err := h.cache.Get(ctx.UserContext(), key, &cached)
	if err != nil {
		ctx.Logger.Warn("Analytics cache read failed", slog.String("key", key), slog.Any("error", err))
	}
	if hit {
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		return ctx.JSON(cached)
	}
	metrics.CacheLookups.WithLabelValues("miss").Inc()

	report, err := analytics.GetFunnelReport(ctx.DB(), days, h.now())
	if err != nil {
		ctx.Logger.Error("Failed to build funnel report", slog.Any("error", err))
		return ctx.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	}

	if report.Funnel != nil {
		if err := h.cache.Set(ctx.UserContext(), key, report, h.cfg.AnalyticsCacheTTL()); err != nil {
			ctx.Logger.Warn("Analytics cache write failed", slog.String("key", key), slog.Any("error", err))
		}
	}

	return ctx.JSON(report)
}

// FunnelsIndexAction lists every funnel with its latest day metrics.
func (h *Handlers) FunnelsIndexAction(ctx *cartridge.Context) error {
	items, err := analytics.ListFunnels(ctx.DB())
	if err != nil {
		ctx.Logger.Error("Failed to list funnels", slog.Any("error", err))
		return ctx.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	}

	return ctx.JSON(fiber.Map{
		"success": true,
		"funnels": items,
	})
}

// FunnelAlertsAction returns the regressions currently detected on the active funnel.
func (h *Handlers) FunnelAlertsAction(ctx *cartridge.Context) error {
	db := ctx.DB()
	funnel, err := funnels.GetActiveFunnel(db)
	if funnels.IsNotFound(err) {
		return ctx.JSON(fiber.Map{
			"success": true,
			"alerts":  []alerts.Alert{},
		})
	}
	if err != nil {
		ctx.Logger.Error("Failed to load active funnel", slog.Any("error", err))
		return ctx.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	}

	found, err := alerts.Detect(db, funnel.ID, h.now(), h.thresholds)
	if err != nil {
		ctx.Logger.Error("Failed to detect alerts", slog.Any("error", err))
		return ctx.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	}

	return ctx.JSON(fiber.Map{
		"success": true,
		"alerts":  found,
	})
}
