package analytics

import "time"

// WholeDay is the Hour value of a day-level rollup row.
const WholeDay = -1

// StepAnalytics is the per-day rollup of one funnel step. Hour, DeviceType and Browser are
// optional dimensions; day rollups use WholeDay and empty strings.
type StepAnalytics struct {
	ID             uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	StepID         uint      `gorm:"uniqueIndex:idx_step_analytics_unique;not null" json:"stepId"`
	Date           time.Time `gorm:"uniqueIndex:idx_step_analytics_unique;type:datetime;not null" json:"date"`
	Hour           int       `gorm:"uniqueIndex:idx_step_analytics_unique;not null;default:-1" json:"hour"`
	DeviceType     string    `gorm:"uniqueIndex:idx_step_analytics_unique;not null;default:''" json:"deviceType"`
	Browser        string    `gorm:"uniqueIndex:idx_step_analytics_unique;not null;default:''" json:"browser"`
	Entries        int       `gorm:"not null;default:0" json:"entries"`
	Exits          int       `gorm:"not null;default:0" json:"exits"`
	Conversions    int       `gorm:"not null;default:0" json:"conversions"`
	DropOffRate    float64   `gorm:"not null;default:0" json:"dropOffRate"`
	ConversionRate float64   `gorm:"not null;default:0" json:"conversionRate"`
	AvgTimeOnStep  float64   `gorm:"not null;default:0" json:"avgTimeOnStep"` // seconds
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func (StepAnalytics) TableName() string { return "step_analytics" }

// FunnelAnalytics is the per-day rollup of a whole funnel.
type FunnelAnalytics struct {
	ID               uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	FunnelID         uint      `gorm:"uniqueIndex:idx_funnel_analytics_unique;not null" json:"funnelId"`
	Date             time.Time `gorm:"uniqueIndex:idx_funnel_analytics_unique;type:datetime;not null" json:"date"`
	Hour             int       `gorm:"uniqueIndex:idx_funnel_analytics_unique;not null;default:-1" json:"hour"`
	DeviceType       string    `gorm:"uniqueIndex:idx_funnel_analytics_unique;not null;default:''" json:"deviceType"`
	Browser          string    `gorm:"uniqueIndex:idx_funnel_analytics_unique;not null;default:''" json:"browser"`
	TotalStarts      int       `gorm:"not null;default:0" json:"totalStarts"`
	TotalCompletions int       `gorm:"not null;default:0" json:"totalCompletions"`
	TotalDropoffs    int       `gorm:"not null;default:0" json:"totalDropoffs"`
	ConversionRate   float64   `gorm:"not null;default:0" json:"conversionRate"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

func (FunnelAnalytics) TableName() string { return "funnel_analytics" }

// StartOfDay truncates t to its UTC calendar day.
func StartOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// EndOfDay returns the last instant of t's UTC calendar day.
func EndOfDay(t time.Time) time.Time {
	return StartOfDay(t).Add(24*time.Hour - time.Nanosecond)
}

// Rate returns part/whole as a percentage, or 0 when whole is 0.
func Rate(part, whole int) float64 {
	if whole <= 0 {
		return 0
	}
	return float64(part) / float64(whole) * 100
}
