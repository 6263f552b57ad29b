// Package alerts detects day-over-day regressions in a funnel's rollups.
package alerts

import (
	"fmt"
	"math"
	"time"

	"gorm.io/gorm"

	"funnelsync/internal/analytics"
	"funnelsync/internal/funnels"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

type Type string

const (
	TypeDropOff    Type = "drop_off"
	TypeConversion Type = "conversion"
	TypeVolume     Type = "volume"
)

// Alert is one detected regression. Values are percentages except for volume alerts,
// which carry start counts.
type Alert struct {
	ID               string    `json:"id"`
	FunnelID         uint      `json:"funnelId"`
	FunnelName       string    `json:"funnelName"`
	Severity         Severity  `json:"severity"`
	Type             Type      `json:"type"`
	StepNumber       int       `json:"stepNumber,omitempty"`
	StepName         string    `json:"stepName,omitempty"`
	Date             time.Time `json:"date"`
	CurrentValue     float64   `json:"currentValue"`
	PreviousDayValue float64   `json:"previousDayValue"`
	SevenDayAverage  float64   `json:"sevenDayAverage"`
	PercentageChange float64   `json:"percentageChange"`
	Message          string    `json:"message"`
	Recommendation   string    `json:"recommendation,omitempty"`
}

// Threshold is the relative change, in percent, that trips an alert against the previous
// day and against the seven-day average.
type Threshold struct {
	OneDay   float64
	SevenDay float64
}

type Thresholds struct {
	DropOff    Threshold
	Conversion Threshold
	Volume     Threshold
	// MinSample is the fewest entries (or starts) a day needs before it is judged.
	MinSample int
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		DropOff:    Threshold{OneDay: 20, SevenDay: 30},
		Conversion: Threshold{OneDay: 15, SevenDay: 20},
		Volume:     Threshold{OneDay: 30, SevenDay: 40},
		MinSample:  10,
	}
}

// series is a run of day values, oldest first; the last value is the day being judged.
type series struct {
	dates  []time.Time
	values []float64
	sample []int
}

func (s *series) add(date time.Time, value float64, sample int) {
	s.dates = append(s.dates, date)
	s.values = append(s.values, value)
	s.sample = append(s.sample, sample)
}

type comparison struct {
	date     time.Time
	current  float64
	previous float64
	average  float64
	oneDay   float64
	sevenDay float64
}

// compare judges the latest value against the day before it and the mean of up to seven
// days before it. It reports false when there is nothing to compare.
func (s *series) compare(minSample int) (comparison, bool) {
	n := len(s.values)
	if n < 2 || s.sample[n-1] < minSample {
		return comparison{}, false
	}

	latest := s.dates[n-1]
	c := comparison{date: latest, current: s.values[n-1]}

	dayBefore := latest.AddDate(0, 0, -1)
	if s.dates[n-2].Equal(dayBefore) {
		c.previous = s.values[n-2]
	}

	windowStart := latest.AddDate(0, 0, -7)
	var sum float64
	var days int
	for i := 0; i < n-1; i++ {
		if s.dates[i].Before(windowStart) {
			continue
		}
		sum += s.values[i]
		days++
	}
	if days == 0 {
		return comparison{}, false
	}
	c.average = sum / float64(days)
	c.oneDay = change(c.current, c.previous)
	c.sevenDay = change(c.current, c.average)
	return c, true
}

func change(current, base float64) float64 {
	if base == 0 {
		return 0
	}
	return math.Round((current-base)/base*10000) / 100
}

// severity returns the level for a change where rising values are bad when risingIsBad,
// and falling values otherwise.
func severity(c comparison, t Threshold, risingIsBad bool) (Severity, bool) {
	oneDay, sevenDay := c.oneDay, c.sevenDay
	if !risingIsBad {
		oneDay, sevenDay = -oneDay, -sevenDay
	}
	oneTrips := c.previous > 0 && oneDay >= t.OneDay
	sevenTrips := sevenDay >= t.SevenDay
	switch {
	case oneTrips && sevenTrips:
		return SeverityCritical, true
	case oneTrips || sevenTrips:
		return SeverityWarning, true
	default:
		return "", false
	}
}

// Detect compares the latest rolled-up day of a funnel with the day before and with the
// seven-day average, for every step's drop-off rate, the funnel conversion rate and the
// start volume.
func Detect(db *gorm.DB, funnelID uint, now time.Time, thresholds Thresholds) ([]Alert, error) {
	var funnel funnels.Funnel
	err := db.Preload("Steps", func(tx *gorm.DB) *gorm.DB {
		return tx.Order("step_number ASC")
	}).First(&funnel, funnelID).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load funnel %d: %w", funnelID, err)
	}

	from := analytics.StartOfDay(now).AddDate(0, 0, -8)
	to := analytics.EndOfDay(now)

	dayRows, err := analytics.DayFunnelRows(db, funnelID, from, to)
	if err != nil {
		return nil, err
	}
	stepRows, err := analytics.DayStepRows(db, funnelID, from, to)
	if err != nil {
		return nil, err
	}

	found := make([]Alert, 0)

	var conversion, volume series
	for _, row := range dayRows {
		day := analytics.StartOfDay(row.Date)
		conversion.add(day, row.ConversionRate, row.TotalStarts)
		volume.add(day, float64(row.TotalStarts), row.TotalStarts)
	}

	if c, ok := conversion.compare(thresholds.MinSample); ok {
		if sev, trips := severity(c, thresholds.Conversion, false); trips {
			found = append(found, newAlert(funnel, TypeConversion, sev, nil, c,
				fmt.Sprintf("Conversion rate fell to %.1f%%", c.current),
				"Check recent changes to the questionnaire and the final steps for errors."))
		}
	}
	// A collapse in volume leaves a small latest day, so volume is judged on its baseline.
	if c, ok := volume.compare(0); ok && c.average >= float64(thresholds.MinSample) {
		if sev, trips := severity(c, thresholds.Volume, false); trips {
			found = append(found, newAlert(funnel, TypeVolume, sev, nil, c,
				fmt.Sprintf("Funnel starts fell to %.0f", c.current),
				"Check traffic sources and that the embed is loading on every page."))
		}
	}

	dropOff := make(map[uint]*series)
	for _, row := range stepRows {
		s, ok := dropOff[row.StepID]
		if !ok {
			s = &series{}
			dropOff[row.StepID] = s
		}
		s.add(analytics.StartOfDay(row.Date), row.DropOffRate, row.Entries)
	}
	for _, step := range funnel.Steps {
		s, ok := dropOff[step.ID]
		if !ok {
			continue
		}
		c, ok := s.compare(thresholds.MinSample)
		if !ok {
			continue
		}
		sev, trips := severity(c, thresholds.DropOff, true)
		if !trips {
			continue
		}
		st := step
		found = append(found, newAlert(funnel, TypeDropOff, sev, &st, c,
			fmt.Sprintf("Drop-off at step %d (%s) rose to %.1f%%", st.StepNumber, st.StepName, c.current),
			fmt.Sprintf("Review the content and validation of %q; respondents are leaving there more often.", st.StepName)))
	}

	return found, nil
}

func newAlert(funnel funnels.Funnel, typ Type, sev Severity, step *funnels.FunnelStep, c comparison, message, recommendation string) Alert {
	a := Alert{
		FunnelID:         funnel.ID,
		FunnelName:       funnel.Name,
		Severity:         sev,
		Type:             typ,
		Date:             c.date,
		CurrentValue:     c.current,
		PreviousDayValue: c.previous,
		SevenDayAverage:  math.Round(c.average*100) / 100,
		PercentageChange: c.oneDay,
		Message:          message,
		Recommendation:   recommendation,
	}
	stepPart := "funnel"
	if step != nil {
		a.StepNumber = step.StepNumber
		a.StepName = step.StepName
		stepPart = fmt.Sprintf("step%d", step.StepNumber)
	}
	a.ID = fmt.Sprintf("%s-%d-%s-%s", typ, funnel.ID, stepPart, c.date.Format("2006-01-02"))
	return a
}
