// Package analytics stores the per-day funnel and step rollups and answers read queries over them.
package analytics

import (
	"fmt"
	"math"
	"time"

	"gorm.io/gorm"

	"funnelsync/internal/funnels"
)

const noFunnelMessage = "No funnel data yet. Waiting for sync or webhook data from Embeddables."

// FunnelSummary identifies the funnel a report was built for.
type FunnelSummary struct {
	ID         uint   `json:"id"`
	Name       string `json:"name"`
	TotalSteps int    `json:"totalSteps"`
}

// Metrics are the window-level totals of a report.
type Metrics struct {
	TotalStarts      int     `json:"totalStarts"`
	TotalCompletions int     `json:"totalCompletions"`
	TotalAbandoned   int     `json:"totalAbandoned"`
	ConversionRate   float64 `json:"conversionRate"`
	AbandonmentRate  float64 `json:"abandonmentRate"`
}

// StepMetrics is one step's activity summed across the window.
type StepMetrics struct {
	StepNumber     int     `json:"stepNumber"`
	StepName       string  `json:"stepName"`
	StepKey        string  `json:"stepKey"`
	Entries        int     `json:"entries"`
	Exits          int     `json:"exits"`
	Continues      int     `json:"continues"`
	ConversionRate float64 `json:"conversionRate"`
	DropOffRate    float64 `json:"dropOffRate"`
}

// TrendPoint is one calendar day of the funnel trend.
type TrendPoint struct {
	Date             string  `json:"date"`
	TotalStarts      int     `json:"totalStarts"`
	TotalCompletions int     `json:"totalCompletions"`
	ConversionRate   float64 `json:"conversionRate"`
}

// FunnelReport is the analytics read model for the active funnel.
type FunnelReport struct {
	Success bool           `json:"success"`
	Funnel  *FunnelSummary `json:"funnel,omitempty"`
	Metrics Metrics        `json:"metrics"`
	Steps   []StepMetrics  `json:"steps"`
	Trends  []TrendPoint   `json:"trends"`
	Message string         `json:"message,omitempty"`
}

// Window returns the report bounds for a day count: from the start of the day days
// before now to the end of now's day.
func Window(days int, now time.Time) (time.Time, time.Time) {
	end := EndOfDay(now)
	start := StartOfDay(now.UTC().AddDate(0, 0, -days))
	return start, end
}

// GetFunnelReport builds the report for the active funnel over the last days days.
func GetFunnelReport(db *gorm.DB, days int, now time.Time) (*FunnelReport, error) {
	funnel, err := funnels.GetActiveFunnel(db)
	if err != nil {
		if funnels.IsNotFound(err) {
			return &FunnelReport{
				Success: true,
				Steps:   []StepMetrics{},
				Trends:  []TrendPoint{},
				Message: noFunnelMessage,
			}, nil
		}
		return nil, fmt.Errorf("failed to load active funnel: %w", err)
	}

	start, end := Window(days, now)

	var funnelRows []FunnelAnalytics
	err = db.Where("funnel_id = ? AND date >= ? AND date <= ? AND hour = ? AND device_type = '' AND browser = ''",
		funnel.ID, start, end, WholeDay).
		Order("date DESC").
		Find(&funnelRows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load funnel analytics: %w", err)
	}

	type stepRow struct {
		StepAnalytics
		StepNumber int
		StepName   string
		StepKey    string
	}
	var stepRows []stepRow
	err = db.Table("step_analytics").
		Select("step_analytics.*, funnel_steps.step_number, funnel_steps.step_name, funnel_steps.step_key").
		Joins("JOIN funnel_steps ON funnel_steps.id = step_analytics.step_id").
		Where("funnel_steps.funnel_id = ? AND step_analytics.date >= ? AND step_analytics.date <= ?", funnel.ID, start, end).
		Where("step_analytics.hour = ? AND step_analytics.device_type = '' AND step_analytics.browser = ''", WholeDay).
		Order("funnel_steps.step_number ASC").
		Order("step_analytics.date DESC").
		Scan(&stepRows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load step analytics: %w", err)
	}

	report := &FunnelReport{
		Success: true,
		Funnel: &FunnelSummary{
			ID:         funnel.ID,
			Name:       funnel.Name,
			TotalSteps: funnel.TotalSteps,
		},
	}

	for _, row := range funnelRows {
		report.Metrics.TotalStarts += row.TotalStarts
		report.Metrics.TotalCompletions += row.TotalCompletions
	}
	report.Metrics.TotalAbandoned = report.Metrics.TotalStarts - report.Metrics.TotalCompletions
	report.Metrics.ConversionRate = round2(Rate(report.Metrics.TotalCompletions, report.Metrics.TotalStarts))
	report.Metrics.AbandonmentRate = round2(Rate(report.Metrics.TotalAbandoned, report.Metrics.TotalStarts))

	// Rows arrive newest first within each step, so the first row seen carries the rates.
	report.Steps = []StepMetrics{}
	byStep := make(map[uint]int)
	for _, row := range stepRows {
		idx, ok := byStep[row.StepID]
		if !ok {
			byStep[row.StepID] = len(report.Steps)
			report.Steps = append(report.Steps, StepMetrics{
				StepNumber:     row.StepNumber,
				StepName:       row.StepName,
				StepKey:        row.StepKey,
				Entries:        row.Entries,
				Exits:          row.Exits,
				Continues:      row.Conversions,
				ConversionRate: row.ConversionRate,
				DropOffRate:    row.DropOffRate,
			})
			continue
		}
		report.Steps[idx].Entries += row.Entries
		report.Steps[idx].Exits += row.Exits
		report.Steps[idx].Continues += row.Conversions
	}

	report.Trends = buildTrends(funnelRows, start, end)
	return report, nil
}

func buildTrends(rows []FunnelAnalytics, start, end time.Time) []TrendPoint {
	byDay := make(map[string]FunnelAnalytics, len(rows))
	for _, row := range rows {
		byDay[row.Date.UTC().Format(time.DateOnly)] = row
	}

	var trends []TrendPoint
	for day := StartOfDay(start); !day.After(end); day = day.AddDate(0, 0, 1) {
		key := day.Format(time.DateOnly)
		point := TrendPoint{Date: key}
		if row, ok := byDay[key]; ok {
			point.TotalStarts = row.TotalStarts
			point.TotalCompletions = row.TotalCompletions
			point.ConversionRate = row.ConversionRate
		}
		trends = append(trends, point)
	}
	return trends
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// LatestMetrics is the most recent day rollup of a funnel.
type LatestMetrics struct {
	ConversionRate   float64 `json:"conversionRate"`
	TotalStarts      int     `json:"totalStarts"`
	TotalCompletions int     `json:"totalCompletions"`
}

// FunnelListItem is one row of the funnel listing.
type FunnelListItem struct {
	ID          uint           `json:"id"`
	ExternalID  string         `json:"embeddablesId"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	TotalSteps  int            `json:"totalSteps"`
	StepCount   int64          `json:"stepCount"`
	Status      funnels.Status `json:"status"`
	LastUpdated time.Time      `json:"lastUpdated"`
	Metrics     *LatestMetrics `json:"metrics"`
}

// ListFunnels returns every funnel with its step count and latest day metrics.
func ListFunnels(db *gorm.DB) ([]FunnelListItem, error) {
	list, err := funnels.ListFunnels(db)
	if err != nil {
		return nil, err
	}

	items := make([]FunnelListItem, 0, len(list))
	for _, f := range list {
		item := FunnelListItem{
			ID:          f.ID,
			ExternalID:  f.ExternalID,
			Name:        f.Name,
			Description: f.Description,
			TotalSteps:  f.TotalSteps,
			StepCount:   f.StepCount,
			Status:      f.Status,
			LastUpdated: f.UpdatedAt,
		}

		var latest FunnelAnalytics
		err := db.Where("funnel_id = ? AND hour = ? AND device_type = '' AND browser = ''", f.ID, WholeDay).
			Order("date DESC").
			Limit(1).
			Find(&latest).Error
		if err != nil {
			return nil, fmt.Errorf("failed to load latest analytics for funnel %d: %w", f.ID, err)
		}
		if latest.ID != 0 {
			item.Metrics = &LatestMetrics{
				ConversionRate:   latest.ConversionRate,
				TotalStarts:      latest.TotalStarts,
				TotalCompletions: latest.TotalCompletions,
			}
		}
		items = append(items, item)
	}
	return items, nil
}

// DayFunnelRows returns the day rollups of a funnel in [from, to], oldest first.
func DayFunnelRows(db *gorm.DB, funnelID uint, from, to time.Time) ([]FunnelAnalytics, error) {
	var rows []FunnelAnalytics
	err := db.Where("funnel_id = ? AND date >= ? AND date <= ? AND hour = ? AND device_type = '' AND browser = ''",
		funnelID, StartOfDay(from), to, WholeDay).
		Order("date ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load funnel analytics: %w", err)
	}
	return rows, nil
}

// DayStepRows returns the day rollups of every step of a funnel in [from, to], oldest first.
func DayStepRows(db *gorm.DB, funnelID uint, from, to time.Time) ([]StepAnalytics, error) {
	var rows []StepAnalytics
	err := db.Table("step_analytics").
		Select("step_analytics.*").
		Joins("JOIN funnel_steps ON funnel_steps.id = step_analytics.step_id").
		Where("funnel_steps.funnel_id = ? AND step_analytics.date >= ? AND step_analytics.date <= ?", funnelID, StartOfDay(from), to).
		Where("step_analytics.hour = ? AND step_analytics.device_type = '' AND step_analytics.browser = ''", WholeDay).
		Order("step_analytics.date ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load step analytics: %w", err)
	}
	return rows, nil
}
