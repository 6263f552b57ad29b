package http

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/karloscodes/cartridge"

	"funnelsync/internal/embeddables"
	"funnelsync/internal/pipeline"
)

// SyncDataAction runs one batch sync against the Embeddables API and returns its summary.
func (h *Handlers) SyncDataAction(ctx *cartridge.Context) error {
	settings, err := h.cfg.EmbeddablesSettings()
	if err != nil {
		syncer := pipeline.NewSyncer(ctx.DBManager, ctx.Logger, nil, "", h.cfg.FunnelName)
		return syncFailure(ctx, syncer.RecordFailure(err), err)
	}

	client, err := embeddables.NewClient(embeddables.NewConfig(settings), ctx.Logger, embeddables.WithBreaker(h.breaker))
	if err != nil {
		syncer := pipeline.NewSyncer(ctx.DBManager, ctx.Logger, nil, "", h.cfg.FunnelName)
		return syncFailure(ctx, syncer.RecordFailure(err), err)
	}

	syncer := pipeline.NewSyncer(ctx.DBManager, ctx.Logger, client, client.ProjectID(), h.cfg.FunnelName)
	summary, err := syncer.Run(ctx.UserContext())
	if err != nil {
		h.notifier.NotifySyncFailure(ctx.UserContext(), summary.RunID, err)
		return syncFailure(ctx, summary, err)
	}

	h.invalidateAnalytics(ctx.UserContext(), ctx.Logger)
	return ctx.JSON(summary)
}

func syncFailure(ctx *cartridge.Context, summary *pipeline.Summary, err error) error {
	return ctx.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"success":  false,
		"error":    err.Error(),
		"runId":    summary.RunID,
		"duration": summary.Duration,
	})
}

// SyncLogsAction lists the most recent sync runs, newest first.
func (h *Handlers) SyncLogsAction(ctx *cartridge.Context) error {
	limit := ctx.QueryInt("limit", 20)
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	logs, err := pipeline.RecentSyncLogs(ctx.DB(), limit)
	if err != nil {
		ctx.Logger.Error("Failed to load sync logs", slog.Any("error", err))
		return ctx.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	}

	return ctx.JSON(fiber.Map{
		"success": true,
		"logs":    logs,
	})
}
