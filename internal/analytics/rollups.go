package analytics

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// StepDayCounts are the counters of one step on one day.
type StepDayCounts struct {
	Entries        int
	Exits          int
	Conversions    int
	DropOffRate    float64
	ConversionRate float64
	AvgTimeOnStep  float64
}

// UpsertStepDay writes the day rollup for a step, replacing any previous values.
func UpsertStepDay(tx *gorm.DB, stepID uint, day time.Time, counts StepDayCounts) error {
	now := time.Now().UTC()

	query := `
		INSERT INTO step_analytics (step_id, date, hour, device_type, browser, entries, exits, conversions,
			drop_off_rate, conversion_rate, avg_time_on_step, created_at, updated_at)
		VALUES (?, ?, ?, '', '', ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (step_id, date, hour, device_type, browser) DO UPDATE SET
			entries = excluded.entries,
			exits = excluded.exits,
			conversions = excluded.conversions,
			drop_off_rate = excluded.drop_off_rate,
			conversion_rate = excluded.conversion_rate,
			avg_time_on_step = excluded.avg_time_on_step,
			updated_at = excluded.updated_at
	`
	err := tx.Exec(query, stepID, StartOfDay(day), WholeDay,
		counts.Entries, counts.Exits, counts.Conversions,
		counts.DropOffRate, counts.ConversionRate, counts.AvgTimeOnStep, now, now).Error
	if err != nil {
		return fmt.Errorf("failed to upsert step analytics for step %d: %w", stepID, err)
	}
	return nil
}

// ZeroStaleStepDays clears the day rollups of a funnel's steps that were not rewritten
// for day, so a recomputed day carries no counts from earlier runs.
func ZeroStaleStepDays(tx *gorm.DB, funnelID uint, day time.Time, keep []uint) error {
	stepIDs := tx.Table("funnel_steps").Select("id").Where("funnel_id = ?", funnelID)

	q := tx.Model(&StepAnalytics{}).
		Where("step_id IN (?) AND date = ? AND hour = ? AND device_type = '' AND browser = ''",
			stepIDs, StartOfDay(day), WholeDay)
	if len(keep) > 0 {
		q = q.Where("step_id NOT IN ?", keep)
	}

	err := q.Updates(map[string]interface{}{
		"entries":          0,
		"exits":            0,
		"conversions":      0,
		"drop_off_rate":    0,
		"conversion_rate":  0,
		"avg_time_on_step": 0,
		"updated_at":       time.Now().UTC(),
	}).Error
	if err != nil {
		return fmt.Errorf("failed to clear stale step analytics: %w", err)
	}
	return nil
}

// UpsertFunnelDay writes the day rollup for a funnel, replacing any previous values.
func UpsertFunnelDay(tx *gorm.DB, funnelID uint, day time.Time, starts, completions int) error {
	now := time.Now().UTC()
	query := `
		INSERT INTO funnel_analytics (funnel_id, date, hour, device_type, browser, total_starts,
			total_completions, total_dropoffs, conversion_rate, created_at, updated_at)
		VALUES (?, ?, ?, '', '', ?, ?, ?, ?, ?, ?)
		ON CONFLICT (funnel_id, date, hour, device_type, browser) DO UPDATE SET
			total_starts = excluded.total_starts,
			total_completions = excluded.total_completions,
			total_dropoffs = excluded.total_dropoffs,
			conversion_rate = excluded.conversion_rate,
			updated_at = excluded.updated_at
	`
	err := tx.Exec(query, funnelID, StartOfDay(day), WholeDay,
		starts, completions, starts-completions, Rate(completions, starts), now, now).Error
	if err != nil {
		return fmt.Errorf("failed to upsert funnel analytics for funnel %d: %w", funnelID, err)
	}
	return nil
}
