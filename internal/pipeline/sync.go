package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/karloscodes/cartridge"
	"github.com/karloscodes/cartridge/sqlite"
	"gorm.io/gorm"

	"funnelsync/internal/analytics"
	"funnelsync/internal/embeddables"
	"funnelsync/internal/funnels"
	"funnelsync/internal/metrics"
)

const noEntriesMessage = "No entries found in Embeddables"

// Fetcher returns every entry of the configured project.
type Fetcher interface {
	FetchAll(ctx context.Context) ([]embeddables.Entry, error)
}

// FunnelMetrics are the run-wide totals over the fetched entries.
type FunnelMetrics struct {
	TotalStarts      int     `json:"totalStarts"`
	TotalCompletions int     `json:"totalCompletions"`
	ConversionRate   float64 `json:"conversionRate"`
}

// PageInfo describes the steps discovered during a run.
type PageInfo struct {
	TotalPagesFound int      `json:"totalPagesFound"`
	MaxPageIndex    int      `json:"maxPageIndex"`
	MissingIndexes  []int    `json:"missingIndexes"`
	PageKeys        []string `json:"pageKeys"`
}

// Summary is the result of one batch run.
type Summary struct {
	Success          bool          `json:"success"`
	RunID            string        `json:"runId"`
	Message          string        `json:"message,omitempty"`
	EntriesProcessed int           `json:"entriesProcessed"`
	StepsProcessed   int           `json:"stepsProcessed"`
	DaysProcessed    int           `json:"daysProcessed"`
	FunnelID         uint          `json:"funnelId,omitempty"`
	FunnelMetrics    FunnelMetrics `json:"funnelMetrics"`
	PageInfo         PageInfo      `json:"pageInfo"`
	Duration         int64         `json:"duration"` // milliseconds
}

// Syncer runs the batch path: fetch every entry, store the facts, rebuild the touched days.
type Syncer struct {
	dbManager  cartridge.DBManager
	logger     *slog.Logger
	fetcher    Fetcher
	projectID  string
	funnelName string
	now        func() time.Time
}

// NewSyncer returns a Syncer that files entries under the funnel of projectID.
func NewSyncer(dbManager cartridge.DBManager, logger *slog.Logger, fetcher Fetcher, projectID, funnelName string) *Syncer {
	return &Syncer{
		dbManager:  dbManager,
		logger:     logger,
		fetcher:    fetcher,
		projectID:  projectID,
		funnelName: funnelName,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run performs one full sync and appends its audit row. On failure the row records the
// error and zero processed records; the error is returned unchanged.
func (s *Syncer) Run(ctx context.Context) (*Summary, error) {
	startedAt := s.now()
	runID := uuid.NewString()
	logger := s.logger.With(slog.String("run_id", runID))
	logger.Info("Starting data sync from Embeddables API")

	summary, err := s.run(ctx, logger)
	completedAt := s.now()
	elapsed := completedAt.Sub(startedAt)
	metrics.SyncDuration.Observe(elapsed.Seconds())

	if err != nil {
		return s.fail(logger, runID, startedAt, completedAt, err), err
	}

	db := s.dbManager.GetConnection()
	summary.RunID = runID
	summary.Duration = elapsed.Milliseconds()

	if err := s.writeLog(db, SyncLog{
		RunID:            runID,
		SyncType:         SyncTypeEmbeddablesAPI,
		Status:           SyncStatusSuccess,
		RecordsProcessed: summary.EntriesProcessed,
		StartedAt:        startedAt,
		CompletedAt:      completedAt,
	}); err != nil {
		logger.Error("Failed to record sync", slog.Any("error", err))
	}

	if summary.FunnelID != 0 {
		err := sqlite.PerformWrite(logger, db, func(tx *gorm.DB) error {
			return funnels.MarkSynced(tx, summary.FunnelID, completedAt)
		})
		if err != nil {
			logger.Warn("Failed to stamp funnel sync time", slog.Any("error", err))
		}
	}

	metrics.SyncRuns.WithLabelValues(SyncStatusSuccess).Inc()
	logger.Info("Sync completed",
		slog.Int("entries", summary.EntriesProcessed),
		slog.Int("steps", summary.StepsProcessed),
		slog.Int("days", summary.DaysProcessed),
		slog.Duration("duration", elapsed))
	return summary, nil
}

// RecordFailure audits a run that failed before it could start, such as one with missing
// credentials, and returns the summary to report.
func (s *Syncer) RecordFailure(err error) *Summary {
	now := s.now()
	runID := uuid.NewString()
	return s.fail(s.logger.With(slog.String("run_id", runID)), runID, now, now, err)
}

func (s *Syncer) fail(logger *slog.Logger, runID string, startedAt, completedAt time.Time, err error) *Summary {
	elapsed := completedAt.Sub(startedAt)
	metrics.SyncRuns.WithLabelValues(SyncStatusFailed).Inc()
	logger.Error("Sync failed", slog.Any("error", err), slog.Duration("duration", elapsed))

	logErr := s.writeLog(s.dbManager.GetConnection(), SyncLog{
		RunID:        runID,
		SyncType:     SyncTypeEmbeddablesAPI,
		Status:       SyncStatusFailed,
		ErrorMessage: err.Error(),
		StartedAt:    startedAt,
		CompletedAt:  completedAt,
	})
	if logErr != nil {
		logger.Error("Failed to record failed sync", slog.Any("error", logErr))
	}
	return &Summary{RunID: runID, Duration: elapsed.Milliseconds()}
}

func (s *Syncer) run(ctx context.Context, logger *slog.Logger) (*Summary, error) {
	entries, err := s.fetcher.FetchAll(ctx)
	if err != nil {
		return nil, err
	}
	return s.ingest(ctx, logger, entries)
}

// Ingest stores a fetched set of entries and rebuilds the rollups of every day they touch.
func (s *Syncer) Ingest(ctx context.Context, entries []embeddables.Entry) (*Summary, error) {
	return s.ingest(ctx, s.logger, entries)
}

func (s *Syncer) ingest(ctx context.Context, logger *slog.Logger, entries []embeddables.Entry) (*Summary, error) {
	if len(entries) == 0 {
		return &Summary{
			Success: true,
			Message: noEntriesMessage,
			PageInfo: PageInfo{
				MissingIndexes: []int{},
				PageKeys:       []string{},
			},
		}, nil
	}

	db := s.dbManager.GetConnection()

	var funnel *funnels.Funnel
	err := sqlite.PerformWrite(logger, db, func(tx *gorm.DB) error {
		var err error
		funnel, err = funnels.FindOrCreateFunnel(tx, s.projectID, s.funnelName)
		return err
	})
	if err != nil {
		return nil, err
	}

	now := s.now()
	acc := NewAccumulator()
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		snap := SnapshotFromEntry(entry, now)
		var stored *funnels.FunnelEntry
		err := sqlite.PerformWrite(logger, db, func(tx *gorm.DB) error {
			var err error
			stored, err = ReconcileEntry(tx, funnel.ID, snap)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to reconcile entry %s: %w", entry.EntryID, err)
		}
		// The row keeps the created_at it was first stored with (a webhook may have seen the
		// entry first), and rollups group by the stored value.
		acc.Add(EntryFacts{Day: analytics.StartOfDay(stored.CreatedAt), Completed: snap.Completed, Views: snap.PageViews})
	}
	metrics.EntriesProcessed.WithLabelValues("sync").Add(float64(len(entries)))

	err = sqlite.PerformWrite(logger, db, func(tx *gorm.DB) error {
		if err := funnels.SetTotalSteps(tx, funnel.ID, acc.MaxStepIndex()+1); err != nil {
			return err
		}
		_, err := funnels.UpsertSteps(tx, funnel.ID, acc.Definitions())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update step definitions: %w", err)
	}

	stepRows, err := RecomputeDays(logger, db, funnel.ID, acc.Days())
	if err != nil {
		return nil, err
	}

	starts, completions := acc.Totals()
	return &Summary{
		Success:          true,
		EntriesProcessed: len(entries),
		StepsProcessed:   stepRows,
		DaysProcessed:    acc.DayCount(),
		FunnelID:         funnel.ID,
		FunnelMetrics: FunnelMetrics{
			TotalStarts:      starts,
			TotalCompletions: completions,
			ConversionRate:   math.Round(analytics.Rate(completions, starts)*100) / 100,
		},
		PageInfo: PageInfo{
			TotalPagesFound: len(acc.StepIndexes()),
			MaxPageIndex:    acc.MaxStepIndex(),
			MissingIndexes:  acc.MissingStepIndexes(),
			PageKeys:        acc.PageKeys(),
		},
	}, nil
}

func (s *Syncer) writeLog(db *gorm.DB, entry SyncLog) error {
	return sqlite.PerformWrite(s.logger, db, func(tx *gorm.DB) error {
		return tx.Create(&entry).Error
	})
}
