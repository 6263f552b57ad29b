package pipeline_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"funnelsync/internal/analytics"
	"funnelsync/internal/config"
	"funnelsync/internal/embeddables"
	"funnelsync/internal/funnels"
	"funnelsync/internal/pipeline"
	"funnelsync/internal/testsupport"
)

var scenarioDay = time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)

// scenarioEntries are three entries of one day: A completes after step 2, B leaves at
// step 1 and C never viewed a page.
func scenarioEntries() []embeddables.Entry {
	return []embeddables.Entry{
		testsupport.NewEntry("entry_a", scenarioDay.Add(9*time.Hour), "welcome", "primary_goal", "payment_successful"),
		testsupport.NewEntry("entry_b", scenarioDay.Add(10*time.Hour), "welcome", "primary_goal"),
		testsupport.NewEntry("entry_c", scenarioDay.Add(11*time.Hour)),
	}
}

func funnelDay(t *testing.T, db *gorm.DB, funnelID uint, day time.Time) analytics.FunnelAnalytics {
	t.Helper()
	var row analytics.FunnelAnalytics
	require.NoError(t, db.Where("funnel_id = ? AND date = ? AND hour = ?", funnelID, day, analytics.WholeDay).First(&row).Error)
	return row
}

func stepDay(t *testing.T, db *gorm.DB, funnelID uint, stepNumber int, day time.Time) analytics.StepAnalytics {
	t.Helper()
	var step funnels.FunnelStep
	require.NoError(t, db.Where("funnel_id = ? AND step_number = ?", funnelID, stepNumber).First(&step).Error)
	var row analytics.StepAnalytics
	require.NoError(t, db.Where("step_id = ? AND date = ? AND hour = ?", step.ID, day, analytics.WholeDay).First(&row).Error)
	return row
}

func TestSyncerRun(t *testing.T) {
	t.Run("three entry scenario", func(t *testing.T) {
		dbManager, logger := testsupport.SetupTestDBManager(t)
		db := dbManager.GetConnection()
		testsupport.CleanAllTables(db)

		fetcher := &testsupport.FakeFetcher{Entries: scenarioEntries()}
		syncer := pipeline.NewSyncer(dbManager, logger, fetcher, "proj_test", "Main Questionnaire")

		summary, err := syncer.Run(context.Background())
		require.NoError(t, err)

		assert.True(t, summary.Success)
		assert.NotEmpty(t, summary.RunID)
		assert.Equal(t, 3, summary.EntriesProcessed)
		assert.Equal(t, 1, summary.DaysProcessed)
		assert.Equal(t, 3, summary.StepsProcessed)
		assert.Equal(t, 3, summary.FunnelMetrics.TotalStarts)
		assert.Equal(t, 1, summary.FunnelMetrics.TotalCompletions)
		assert.InDelta(t, 33.33, summary.FunnelMetrics.ConversionRate, 0.001)
		assert.Equal(t, 3, summary.PageInfo.TotalPagesFound)
		assert.Equal(t, 2, summary.PageInfo.MaxPageIndex)
		assert.Equal(t, []int{}, summary.PageInfo.MissingIndexes)
		assert.Equal(t, []string{"0: welcome", "1: primary_goal", "2: payment_successful"}, summary.PageInfo.PageKeys)

		fa := funnelDay(t, db, summary.FunnelID, scenarioDay)
		assert.Equal(t, 3, fa.TotalStarts)
		assert.Equal(t, 1, fa.TotalCompletions)
		assert.Equal(t, 2, fa.TotalDropoffs)
		assert.InDelta(t, 33.33, fa.ConversionRate, 0.01)

		step1 := stepDay(t, db, summary.FunnelID, 1, scenarioDay)
		assert.Equal(t, 2, step1.Entries)
		assert.Equal(t, 1, step1.Exits)
		assert.Equal(t, 1, step1.Conversions)
		assert.InDelta(t, 50.0, step1.DropOffRate, 0.001)
		assert.InDelta(t, 15.0, step1.AvgTimeOnStep, 0.001)

		var funnel funnels.Funnel
		require.NoError(t, db.First(&funnel, summary.FunnelID).Error)
		assert.Equal(t, "proj_test", funnel.ExternalID)
		assert.Equal(t, 3, funnel.TotalSteps)
		assert.NotNil(t, funnel.LastSyncedAt)

		logs, err := pipeline.RecentSyncLogs(db, 10)
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, pipeline.SyncStatusSuccess, logs[0].Status)
		assert.Equal(t, 3, logs[0].RecordsProcessed)
		assert.Equal(t, summary.RunID, logs[0].RunID)
	})

	t.Run("running twice on the same data changes nothing", func(t *testing.T) {
		dbManager, logger := testsupport.SetupTestDBManager(t)
		db := dbManager.GetConnection()
		testsupport.CleanAllTables(db)

		fetcher := &testsupport.FakeFetcher{Entries: scenarioEntries()}
		syncer := pipeline.NewSyncer(dbManager, logger, fetcher, "proj_test", "Main")

		first, err := syncer.Run(context.Background())
		require.NoError(t, err)
		before := funnelDay(t, db, first.FunnelID, scenarioDay)
		stepBefore := stepDay(t, db, first.FunnelID, 1, scenarioDay)

		second, err := syncer.Run(context.Background())
		require.NoError(t, err)
		after := funnelDay(t, db, second.FunnelID, scenarioDay)
		stepAfter := stepDay(t, db, second.FunnelID, 1, scenarioDay)

		assert.Equal(t, first.FunnelID, second.FunnelID)
		assert.Equal(t, before.ID, after.ID)
		assert.Equal(t, before.TotalStarts, after.TotalStarts)
		assert.Equal(t, before.TotalCompletions, after.TotalCompletions)
		assert.Equal(t, before.ConversionRate, after.ConversionRate)
		assert.Equal(t, stepBefore.Entries, stepAfter.Entries)
		assert.Equal(t, stepBefore.Exits, stepAfter.Exits)
		assert.Equal(t, stepBefore.Conversions, stepAfter.Conversions)

		var entries, rows int64
		require.NoError(t, db.Model(&funnels.FunnelEntry{}).Count(&entries).Error)
		require.NoError(t, db.Model(&analytics.StepAnalytics{}).Count(&rows).Error)
		assert.Equal(t, int64(3), entries)
		assert.Equal(t, int64(3), rows)
	})

	t.Run("an entry that moves on clears its old exit", func(t *testing.T) {
		dbManager, logger := testsupport.SetupTestDBManager(t)
		db := dbManager.GetConnection()
		testsupport.CleanAllTables(db)

		fetcher := &testsupport.FakeFetcher{Entries: scenarioEntries()}
		syncer := pipeline.NewSyncer(dbManager, logger, fetcher, "proj_test", "Main")
		first, err := syncer.Run(context.Background())
		require.NoError(t, err)

		fetcher.Entries[1] = testsupport.NewEntry("entry_b", scenarioDay.Add(10*time.Hour),
			"welcome", "primary_goal", "payment_successful")
		_, err = syncer.Run(context.Background())
		require.NoError(t, err)

		fa := funnelDay(t, db, first.FunnelID, scenarioDay)
		assert.Equal(t, 2, fa.TotalCompletions)
		step1 := stepDay(t, db, first.FunnelID, 1, scenarioDay)
		assert.Equal(t, 0, step1.Exits)
		assert.Equal(t, 2, step1.Conversions)
	})

	t.Run("no entries", func(t *testing.T) {
		dbManager, logger := testsupport.SetupTestDBManager(t)
		db := dbManager.GetConnection()
		testsupport.CleanAllTables(db)

		syncer := pipeline.NewSyncer(dbManager, logger, &testsupport.FakeFetcher{}, "proj_test", "Main")
		summary, err := syncer.Run(context.Background())
		require.NoError(t, err)

		assert.True(t, summary.Success)
		assert.Equal(t, "No entries found in Embeddables", summary.Message)
		assert.Equal(t, 0, summary.EntriesProcessed)
		assert.Equal(t, []int{}, summary.PageInfo.MissingIndexes)

		var count int64
		require.NoError(t, db.Model(&funnels.Funnel{}).Count(&count).Error)
		assert.Zero(t, count)
	})

	t.Run("upstream failure is audited", func(t *testing.T) {
		dbManager, logger := testsupport.SetupTestDBManager(t)
		db := dbManager.GetConnection()
		testsupport.CleanAllTables(db)

		upstream := &embeddables.APIError{StatusCode: 502, Status: "502 Bad Gateway"}
		syncer := pipeline.NewSyncer(dbManager, logger, &testsupport.FakeFetcher{Err: upstream}, "proj_test", "Main")

		summary, err := syncer.Run(context.Background())
		require.Error(t, err)
		var apiErr *embeddables.APIError
		assert.True(t, errors.As(err, &apiErr))
		assert.NotEmpty(t, summary.RunID)

		logs, err := pipeline.RecentSyncLogs(db, 10)
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, pipeline.SyncStatusFailed, logs[0].Status)
		assert.Equal(t, 0, logs[0].RecordsProcessed)
		assert.Equal(t, "Embeddables API error: 502 Bad Gateway", logs[0].ErrorMessage)
	})

	t.Run("configuration failure is audited", func(t *testing.T) {
		dbManager, logger := testsupport.SetupTestDBManager(t)
		db := dbManager.GetConnection()
		testsupport.CleanAllTables(db)

		syncer := pipeline.NewSyncer(dbManager, logger, nil, "", "Main")
		summary := syncer.RecordFailure(config.ErrNotConfigured)
		assert.NotEmpty(t, summary.RunID)

		last, err := pipeline.LastSuccessfulSync(db)
		require.NoError(t, err)
		assert.Nil(t, last)

		logs, err := pipeline.RecentSyncLogs(db, 10)
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, pipeline.SyncStatusFailed, logs[0].Status)
	})
}
