// Package funnels holds the funnel, step and entry records and their upserts.
package funnels

import (
	"time"

	"gorm.io/datatypes"
)

// Status is the lifecycle state of a funnel.
type Status string

const (
	StatusActive   Status = "active"
	StatusPaused   Status = "paused"
	StatusArchived Status = "archived"
)

// Funnel is one tracked questionnaire, created lazily on the first entry seen for its
// external project id.
type Funnel struct {
	ID           uint         `gorm:"primaryKey" json:"id"`
	ExternalID   string       `gorm:"uniqueIndex;not null" json:"externalId"`
	Name         string       `gorm:"not null" json:"name"`
	Description  string       `json:"description,omitempty"`
	TotalSteps   int          `gorm:"not null;default:0" json:"totalSteps"`
	Status       Status       `gorm:"not null;default:active;index" json:"status"`
	LastSyncedAt *time.Time   `json:"lastSyncedAt,omitempty"`
	CreatedAt    time.Time    `gorm:"not null" json:"createdAt"`
	UpdatedAt    time.Time    `gorm:"not null" json:"updatedAt"`
	Steps        []FunnelStep `gorm:"foreignKey:FunnelID" json:"steps,omitempty"`
}

func (Funnel) TableName() string { return "funnels" }

// FunnelStep is a named, zero-based position in a funnel's sequence.
type FunnelStep struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	FunnelID   uint      `gorm:"uniqueIndex:idx_funnel_step_unique;not null" json:"funnelId"`
	StepNumber int       `gorm:"uniqueIndex:idx_funnel_step_unique;not null" json:"stepNumber"`
	StepName   string    `gorm:"not null" json:"stepName"`
	StepKey    string    `json:"stepKey"`
	CreatedAt  time.Time `gorm:"not null" json:"createdAt"`
	UpdatedAt  time.Time `gorm:"not null" json:"updatedAt"`
}

func (FunnelStep) TableName() string { return "funnel_steps" }

// FunnelEntry is one respondent's journey. ExternalID is the idempotency key.
type FunnelEntry struct {
	ID            uint            `gorm:"primaryKey"`
	ExternalID    string          `gorm:"uniqueIndex;not null"`
	FunnelID      uint            `gorm:"index:idx_entry_funnel_created;not null"`
	Completed     bool            `gorm:"not null;default:false"`
	LastStepIndex int             `gorm:"not null;default:0"`
	LastStepKey   string          `gorm:"not null;default:''"`
	TotalSteps    int             `gorm:"not null;default:0"`
	TimeSpent     int             `gorm:"not null;default:0"` // seconds
	EntryData     datatypes.JSON  `gorm:"type:text"`
	CreatedAt     time.Time       `gorm:"index:idx_entry_funnel_created;not null"`
	UpdatedAt     time.Time       `gorm:"not null"`
	PageViews     []EntryPageView `gorm:"foreignKey:EntryID"`
}

func (FunnelEntry) TableName() string { return "funnel_entries" }

// EntryPageView is one recorded visit in an entry's history. Rows are owned by the entry
// and replaced whenever a newer snapshot of the history arrives.
type EntryPageView struct {
	ID        uint      `gorm:"primaryKey"`
	EntryID   uint      `gorm:"uniqueIndex:idx_entry_page_view_unique;not null"`
	Position  int       `gorm:"uniqueIndex:idx_entry_page_view_unique;not null"`
	PageIndex int       `gorm:"not null"`
	PageKey   string    `gorm:"not null"`
	PageName  string
	TimeSpent int       `gorm:"not null;default:0"` // seconds
	ViewedAt  time.Time `gorm:"not null"`
}

func (EntryPageView) TableName() string { return "entry_page_views" }
