package database

import (
	"log/slog"

	"github.com/karloscodes/cartridge/sqlite"
	"gorm.io/gorm"

	"funnelsync/internal/analytics"
	"funnelsync/internal/config"
	"funnelsync/internal/funnels"
	"funnelsync/internal/pipeline"
)

// DBManager wraps cartridge's sqlite.Manager with funnelsync migrations.
type DBManager struct {
	*sqlite.Manager
	logger *slog.Logger
}

// NewDBManager creates a new database manager using cartridge's sqlite.Manager.
func NewDBManager(cfg *config.Config, logger *slog.Logger) *DBManager {
	sqliteCfg := sqlite.Config{
		Path:         cfg.DatabaseName,
		MaxOpenConns: cfg.GetMaxOpenConns(),
		MaxIdleConns: cfg.GetMaxIdleConns(),
		Logger:       logger,
		EnableWAL:    true,
		TxImmediate:  true,
		BusyTimeout:  5000,
	}

	return &DBManager{
		Manager: sqlite.NewManager(sqliteCfg),
		logger:  logger,
	}
}

// Init initializes the database connection.
func (dm *DBManager) Init() error {
	_, err := dm.Manager.Connect()
	return err
}

// Models returns every persisted model in migration order.
func Models() []any {
	return []any{
		&funnels.Funnel{},
		&funnels.FunnelStep{},
		&funnels.FunnelEntry{},
		&funnels.EntryPageView{},
		&analytics.StepAnalytics{},
		&analytics.FunnelAnalytics{},
		&pipeline.SyncLog{},
	}
}

// MigrateDatabase creates or updates the schema.
func (dm *DBManager) MigrateDatabase() error {
	db := dm.GetConnection()
	if db == nil {
		return gorm.ErrInvalidDB
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		return tx.AutoMigrate(Models()...)
	})
	if err != nil {
		dm.logger.Error("Failed to auto-migrate database", slog.Any("error", err))
		return err
	}

	if err := dm.CheckpointWAL("FULL"); err != nil {
		dm.logger.Warn("Failed to checkpoint WAL after migration", slog.Any("error", err))
	}

	dm.logger.Info("Database migration completed successfully")
	return nil
}

// Stats are row counts of the main tables.
type Stats struct {
	Funnels         int64
	Steps           int64
	Entries         int64
	PageViews       int64
	StepAnalytics   int64
	FunnelAnalytics int64
	SyncLogs        int64
}

// CollectStats counts the rows of every table.
func CollectStats(db *gorm.DB) (Stats, error) {
	var s Stats
	counts := []struct {
		model any
		dst   *int64
	}{
		{&funnels.Funnel{}, &s.Funnels},
		{&funnels.FunnelStep{}, &s.Steps},
		{&funnels.FunnelEntry{}, &s.Entries},
		{&funnels.EntryPageView{}, &s.PageViews},
		{&analytics.StepAnalytics{}, &s.StepAnalytics},
		{&analytics.FunnelAnalytics{}, &s.FunnelAnalytics},
		{&pipeline.SyncLog{}, &s.SyncLogs},
	}
	for _, c := range counts {
		if err := db.Model(c.model).Count(c.dst).Error; err != nil {
			return s, err
		}
	}
	return s, nil
}
