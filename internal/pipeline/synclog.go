package pipeline

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

const SyncTypeEmbeddablesAPI = "embeddables_api"

const (
	SyncStatusSuccess = "success"
	SyncStatusFailed  = "failed"
)

// SyncLog is the audit row of one batch run. Rows are only ever inserted.
type SyncLog struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	RunID            string    `gorm:"uniqueIndex;not null" json:"runId"`
	SyncType         string    `gorm:"not null;index" json:"syncType"`
	Status           string    `gorm:"not null" json:"status"`
	RecordsProcessed int       `gorm:"not null;default:0" json:"recordsProcessed"`
	ErrorMessage     string    `json:"errorMessage,omitempty"`
	StartedAt        time.Time `gorm:"not null;index" json:"startedAt"`
	CompletedAt      time.Time `gorm:"not null" json:"completedAt"`
}

func (SyncLog) TableName() string { return "sync_logs" }

// RecentSyncLogs returns the newest audit rows first.
func RecentSyncLogs(db *gorm.DB, limit int) ([]SyncLog, error) {
	if limit <= 0 {
		limit = 20
	}
	var logs []SyncLog
	if err := db.Order("started_at DESC").Order("id DESC").Limit(limit).Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("failed to load sync logs: %w", err)
	}
	return logs, nil
}

// LastSuccessfulSync returns the newest successful run, or nil when there is none.
func LastSuccessfulSync(db *gorm.DB) (*SyncLog, error) {
	var log SyncLog
	err := db.Where("status = ?", SyncStatusSuccess).Order("started_at DESC").Limit(1).Find(&log).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load last sync: %w", err)
	}
	if log.ID == 0 {
		return nil, nil
	}
	return &log, nil
}
