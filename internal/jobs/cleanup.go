package jobs

import (
	"log/slog"
	"time"

	"github.com/karloscodes/cartridge"
	"github.com/karloscodes/cartridge/sqlite"
	"gorm.io/gorm"

	"funnelsync/internal/pipeline"
)

// CleanupJob prunes sync audit rows older than the retention period.
type CleanupJob struct {
	dbManager     cartridge.DBManager
	logger        *slog.Logger
	retentionDays int
	now           func() time.Time
}

func NewCleanupJob(dbManager cartridge.DBManager, logger *slog.Logger, retentionDays int) *CleanupJob {
	return &CleanupJob{
		dbManager:     dbManager,
		logger:        logger,
		retentionDays: retentionDays,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Run deletes old sync logs in batches. A retention of zero keeps every row.
func (j *CleanupJob) Run() error {
	if j.retentionDays <= 0 {
		return nil
	}

	db := j.dbManager.GetConnection()
	cutoffDate := j.now().AddDate(0, 0, -j.retentionDays)

	j.logger.Info("Starting cleanup of old sync logs",
		slog.Int("retention_days", j.retentionDays),
		slog.Time("cutoff_date", cutoffDate))

	batchSize := 1000
	totalDeleted := int64(0)

	for {
		var deleted int64
		err := sqlite.PerformWrite(j.logger, db, func(tx *gorm.DB) error {
			result := tx.Where("id IN (?)",
				tx.Model(&pipeline.SyncLog{}).Select("id").Where("started_at < ?", cutoffDate).Limit(batchSize),
			).Delete(&pipeline.SyncLog{})
			deleted = result.RowsAffected
			return result.Error
		})
		if err != nil {
			j.logger.Error("Failed to delete old sync logs",
				slog.Any("error", err),
				slog.Int64("deleted_so_far", totalDeleted))
			return err
		}

		totalDeleted += deleted
		if deleted < int64(batchSize) {
			break
		}
	}

	if totalDeleted > 0 {
		j.logger.Info("Cleaned up old sync logs",
			slog.Int64("deleted_count", totalDeleted),
			slog.Int("retention_days", j.retentionDays))
	}
	return nil
}
