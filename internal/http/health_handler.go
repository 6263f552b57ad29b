package http

import (
	"log/slog"
	"time"

	"github.com/karloscodes/cartridge"

	"funnelsync/internal/pipeline"
)

// HealthStatus represents the health check response
type HealthStatus struct {
	Status       string     `json:"status"`
	Timestamp    time.Time  `json:"timestamp"`
	DBStatus     string     `json:"db_status"`
	UpstreamAPI  string     `json:"upstream_api"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
}

// HealthIndexAction handles the health check endpoint
func (h *Handlers) HealthIndexAction(ctx *cartridge.Context) error {
	dbStatus := "ok"

	db := ctx.DBManager.GetConnection()
	if db == nil {
		dbStatus = "error"
		ctx.Logger.Error("Database connection unavailable")
	} else {
		sqlDB, err := db.DB()
		if err != nil {
			dbStatus = "error"
			ctx.Logger.Error("Database connection error", slog.Any("error", err))
		} else if err := sqlDB.Ping(); err != nil {
			dbStatus = "error"
			ctx.Logger.Error("Database ping failed", slog.Any("error", err))
		}
	}

	health := HealthStatus{
		Status:      "ok",
		Timestamp:   h.now(),
		DBStatus:    dbStatus,
		UpstreamAPI: h.breaker.State().String(),
	}

	if dbStatus != "ok" {
		health.Status = "degraded"
	} else if last, err := pipeline.LastSuccessfulSync(db); err != nil {
		ctx.Logger.Warn("Failed to load last sync", slog.Any("error", err))
	} else if last != nil {
		health.LastSyncedAt = &last.CompletedAt
	}

	return ctx.JSON(health)
}
