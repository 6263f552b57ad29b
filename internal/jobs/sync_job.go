package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/karloscodes/cartridge"
	"github.com/sony/gobreaker/v2"

	"funnelsync/internal/alerts"
	"funnelsync/internal/cache"
	"funnelsync/internal/config"
	"funnelsync/internal/embeddables"
	"funnelsync/internal/notify"
	"funnelsync/internal/pipeline"
	"funnelsync/internal/pkg/async"
)

// alertDedupTTL keeps an alert id marked as sent past the end of its day.
const alertDedupTTL = 48 * time.Hour

const alertWorkers = 4

// SyncJob runs one batch sync, then checks the synced funnel for regressions and sends
// each new alert to Slack once.
type SyncJob struct {
	dbManager  cartridge.DBManager
	logger     *slog.Logger
	cfg        *config.Config
	cache      cache.Store
	breaker    *gobreaker.CircuitBreaker[[]embeddables.Entry]
	notifier   *notify.Slack
	thresholds alerts.Thresholds
	now        func() time.Time
}

func NewSyncJob(dbManager cartridge.DBManager, logger *slog.Logger, cfg *config.Config, store cache.Store,
	breaker *gobreaker.CircuitBreaker[[]embeddables.Entry], notifier *notify.Slack) *SyncJob {
	return &SyncJob{
		dbManager:  dbManager,
		logger:     logger,
		cfg:        cfg,
		cache:      store,
		breaker:    breaker,
		notifier:   notifier,
		thresholds: alerts.DefaultThresholds(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run performs the sync with a deadline of ctx.
func (j *SyncJob) Run(ctx context.Context) error {
	_, err := j.Sync(ctx)
	return err
}

// Sync runs one batch sync, reports a failure to Slack, clears cached analytics and sends
// new alerts for the synced funnel. The summary is returned for failed runs too.
func (j *SyncJob) Sync(ctx context.Context) (*pipeline.Summary, error) {
	settings, err := j.cfg.EmbeddablesSettings()
	if err != nil {
		return pipeline.NewSyncer(j.dbManager, j.logger, nil, "", j.cfg.FunnelName).RecordFailure(err), err
	}

	client, err := embeddables.NewClient(embeddables.NewConfig(settings), j.logger, embeddables.WithBreaker(j.breaker))
	if err != nil {
		return nil, err
	}

	syncer := pipeline.NewSyncer(j.dbManager, j.logger, client, client.ProjectID(), j.cfg.FunnelName)
	summary, err := syncer.Run(ctx)
	if err != nil {
		j.notifier.NotifySyncFailure(ctx, summary.RunID, err)
		return summary, err
	}

	if err := j.cache.Clear(ctx, "analytics:*"); err != nil {
		j.logger.Warn("Failed to clear analytics cache", slog.Any("error", err))
	}

	if summary.FunnelID == 0 {
		return summary, nil
	}
	return summary, j.checkAlerts(ctx, summary.FunnelID)
}

func (j *SyncJob) checkAlerts(ctx context.Context, funnelID uint) error {
	found, err := alerts.Detect(j.dbManager.GetConnection(), funnelID, j.now(), j.thresholds)
	if err != nil {
		return err
	}

	if !j.notifier.Configured() {
		for _, alert := range found {
			j.logger.Info("Alert detected",
				slog.String("id", alert.ID),
				slog.String("severity", string(alert.Severity)),
				slog.String("message", alert.Message))
		}
		return nil
	}

	tasks := make([]async.Task[bool], 0, len(found))
	for _, alert := range found {
		key := "alerts:sent:" + alert.ID
		var sent bool
		hit, err := j.cache.Get(ctx, key, &sent)
		if err != nil {
			j.logger.Warn("Alert dedup lookup failed", slog.String("key", key), slog.Any("error", err))
		}
		if hit {
			continue
		}

		tasks = append(tasks, async.Task[bool]{
			Name: alert.ID,
			Execute: func(ctx context.Context) (bool, error) {
				if err := j.notifier.SendAlert(ctx, alert); err != nil {
					return false, err
				}
				if err := j.cache.Set(ctx, key, true, alertDedupTTL); err != nil {
					j.logger.Warn("Failed to mark alert as sent", slog.String("key", key), slog.Any("error", err))
				}
				return true, nil
			},
		})
	}

	for id, result := range async.NewPool[bool](alertWorkers).Execute(ctx, tasks) {
		if result.Err != nil {
			j.logger.Error("Failed to send alert", slog.String("id", id), slog.Any("error", result.Err))
		}
	}
	return nil
}
