package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/karloscodes/cartridge"

	"funnelsync/internal/config"
	"funnelsync/internal/pipeline"
)

var (
	ErrJobRunning = errors.New("a background job is already running")
	ErrNoSyncJob  = errors.New("no sync job configured")
)

// Scheduler is responsible for running background jobs
type Scheduler struct {
	dbManager cartridge.DBManager
	logger    *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	enabled   bool
	isRunning bool
	cfg       *config.Config

	// Mutex to prevent concurrent job executions
	processingMutex sync.Mutex
	isProcessing    bool

	// Job instances
	syncJob    *SyncJob
	cleanupJob *CleanupJob

	// Tickers for each job type
	syncTicker    *time.Ticker
	cleanupTicker *time.Ticker
}

// NewScheduler builds a scheduler. The sync job only runs when cfg.SyncIntervalSeconds
// is positive; otherwise an external scheduler is expected to call the cron endpoint.
func NewScheduler(dbManager cartridge.DBManager, logger *slog.Logger, cfg *config.Config, syncJob *SyncJob) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		dbManager:  dbManager,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		enabled:    true,
		isRunning:  false,
		cfg:        cfg,
		syncJob:    syncJob,
		cleanupJob: NewCleanupJob(dbManager, logger, cfg.SyncLogRetentionDays),
	}
}

// tryAcquire marks the scheduler busy. It returns false when another job holds it.
func (s *Scheduler) tryAcquire(jobName string) bool {
	s.processingMutex.Lock()
	defer s.processingMutex.Unlock()
	if s.isProcessing {
		s.logger.Debug("Skipping job execution - previous job still running", slog.String("job", jobName))
		return false
	}
	s.isProcessing = true
	return true
}

func (s *Scheduler) release() {
	s.processingMutex.Lock()
	s.isProcessing = false
	s.processingMutex.Unlock()
}

// executeJobSafely runs a job only if no other job is currently executing
func (s *Scheduler) executeJobSafely(jobName string, jobFunc func() error) {
	if !s.tryAcquire(jobName) {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic recovered in background job",
				slog.String("job", jobName),
				slog.Any("panic", r))
		}
		s.release()
	}()

	if err := jobFunc(); err != nil {
		s.logger.Error("Error executing job", slog.String("job", jobName), slog.Any("error", err))
	}
}

// Start begins all background jobs.
// Implements cartridge.BackgroundWorker interface.
func (s *Scheduler) Start() error {
	if !s.enabled {
		s.logger.Info("Background jobs are disabled.")
		return nil
	}

	if s.isRunning {
		s.logger.Info("Background jobs already running.")
		return nil
	}

	s.logger.Info("Starting background jobs...")

	s.isRunning = true

	if s.cfg.SyncIntervalSeconds > 0 && s.syncJob != nil {
		s.startSyncJob()
	} else {
		s.logger.Info("In-process sync disabled; waiting for the cron endpoint")
	}

	if s.cfg.SyncLogRetentionDays > 0 {
		s.startCleanupJob()
	}

	s.logger.Info("Background jobs started",
		slog.Bool("enabled", s.enabled),
		slog.Bool("isRunning", s.isRunning))

	return nil
}

func (s *Scheduler) runSync() error {
	timeout := time.Duration(s.cfg.SyncIntervalSeconds) * time.Second
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()
	return s.syncJob.Run(ctx)
}

func (s *Scheduler) startSyncJob() {
	interval := time.Duration(s.cfg.SyncIntervalSeconds) * time.Second
	s.logger.Info("Starting sync job", slog.Duration("interval", interval))
	s.syncTicker = time.NewTicker(interval)

	go func() {
		s.logger.Info("Running initial sync...")
		s.executeJobSafely("embeddables_sync", s.runSync)

		for {
			select {
			case <-s.syncTicker.C:
				s.executeJobSafely("embeddables_sync", s.runSync)
			case <-s.ctx.Done():
				s.logger.Info("Sync job stopped")
				return
			}
		}
	}()
}

func (s *Scheduler) startCleanupJob() {
	interval := 24 * time.Hour
	s.logger.Info("Starting cleanup job", slog.Duration("interval", interval))
	s.cleanupTicker = time.NewTicker(interval)

	go func() {
		s.executeJobSafely("sync_log_cleanup", s.cleanupJob.Run)

		for {
			select {
			case <-s.cleanupTicker.C:
				s.executeJobSafely("sync_log_cleanup", s.cleanupJob.Run)
			case <-s.ctx.Done():
				s.logger.Info("Cleanup job stopped")
				return
			}
		}
	}()
}

// Stop halts all background jobs.
// Implements cartridge.BackgroundWorker interface.
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping background jobs...")
	s.enabled = false

	if s.syncTicker != nil {
		s.syncTicker.Stop()
	}
	if s.cleanupTicker != nil {
		s.cleanupTicker.Stop()
	}

	s.cancel()
	s.isRunning = false
	s.logger.Info("Background jobs stopped")
}

// IsRunning returns whether jobs are currently running
func (s *Scheduler) IsRunning() bool {
	return s.isRunning
}

// SyncNow runs the sync job once outside the ticker and returns its summary. It fails with
// ErrJobRunning instead of overlapping a run already in progress.
func (s *Scheduler) SyncNow(ctx context.Context) (*pipeline.Summary, error) {
	if s.syncJob == nil {
		return nil, ErrNoSyncJob
	}
	if !s.tryAcquire("embeddables_sync") {
		return nil, ErrJobRunning
	}
	defer s.release()

	return s.syncJob.Sync(ctx)
}
