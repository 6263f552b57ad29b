package http

import (
	"errors"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/karloscodes/cartridge"

	"funnelsync/internal/metrics"
	"funnelsync/internal/pipeline"
)

// WebhookReceiveAction applies one Embeddables webhook delivery.
func (h *Handlers) WebhookReceiveAction(ctx *cartridge.Context) error {
	var payload pipeline.WebhookPayload
	if err := json.Unmarshal(ctx.Body(), &payload); err != nil {
		metrics.WebhookEvents.WithLabelValues("unknown", "invalid").Inc()
		return ctx.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "Invalid JSON body",
		})
	}

	if err := payload.Validate(); err != nil {
		metrics.WebhookEvents.WithLabelValues(payload.Event, "invalid").Inc()
		return ctx.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "Invalid payload",
			"details": validationDetails(err),
		})
	}

	processor := pipeline.NewWebhookProcessor(ctx.DBManager, ctx.Logger, h.cfg.WebhookProjectID(), h.cfg.FunnelName)
	result, err := processor.Apply(ctx.UserContext(), &payload)
	if err != nil {
		ctx.Logger.Error("Webhook processing failed",
			slog.String("entry_id", payload.EntryID),
			slog.String("event", payload.Event),
			slog.Any("error", err))
		return ctx.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	}

	h.invalidateAnalytics(ctx.UserContext(), ctx.Logger)
	return ctx.JSON(fiber.Map{
		"success": true,
		"entryId": result.EntryID,
		"event":   result.Event,
	})
}

// WebhookInfoAction describes the webhook endpoint for uptime checks and setup.
func (h *Handlers) WebhookInfoAction(ctx *cartridge.Context) error {
	return ctx.JSON(fiber.Map{
		"status":   "ok",
		"endpoint": "/api/webhooks/embeddables",
		"method":   fiber.MethodPost,
		"events": []string{
			pipeline.EventEntryCreated,
			pipeline.EventEntryUpdated,
			pipeline.EventEntryCompleted,
			pipeline.EventPageView,
		},
		"signatureRequired": h.cfg.WebhookSecret != "",
	})
}

func validationDetails(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	details := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, fe.Field()+": "+fe.Tag())
	}
	return details
}
