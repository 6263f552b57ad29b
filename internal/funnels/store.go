package funnels

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// StepDefinition is a discovered step: its position, raw key and display name.
type StepDefinition struct {
	StepNumber int
	Key        string
	Name       string
}

// EntryRecord is the full state written for one entry upsert.
type EntryRecord struct {
	ExternalID    string
	FunnelID      uint
	Completed     bool
	LastStepIndex int
	LastStepKey   string
	TotalSteps    int
	TimeSpent     int
	EntryData     datatypes.JSON
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// FindOrCreateFunnel returns the funnel for an external project id, creating an active
// one with the given name when none exists yet.
func FindOrCreateFunnel(tx *gorm.DB, externalID, name string) (*Funnel, error) {
	now := time.Now().UTC()
	query := `
		INSERT INTO funnels (external_id, name, total_steps, status, created_at, updated_at)
		VALUES (?, ?, 0, ?, ?, ?)
		ON CONFLICT (external_id) DO NOTHING
	`
	if err := tx.Exec(query, externalID, name, StatusActive, now, now).Error; err != nil {
		return nil, fmt.Errorf("failed to create funnel %s: %w", externalID, err)
	}

	var funnel Funnel
	if err := tx.Where("external_id = ?", externalID).First(&funnel).Error; err != nil {
		return nil, fmt.Errorf("failed to load funnel %s: %w", externalID, err)
	}
	return &funnel, nil
}

// GetActiveFunnel returns the first active funnel with its steps ordered by step number.
// It returns gorm.ErrRecordNotFound when there is none.
func GetActiveFunnel(db *gorm.DB) (*Funnel, error) {
	var funnel Funnel
	err := db.Where("status = ?", StatusActive).
		Preload("Steps", func(db *gorm.DB) *gorm.DB {
			return db.Order("step_number ASC")
		}).
		Order("id ASC").
		First(&funnel).Error
	if err != nil {
		return nil, err
	}
	return &funnel, nil
}

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// SetTotalSteps overwrites the funnel's step count.
func SetTotalSteps(tx *gorm.DB, funnelID uint, total int) error {
	return tx.Model(&Funnel{}).Where("id = ?", funnelID).
		Updates(map[string]interface{}{"total_steps": total, "updated_at": time.Now().UTC()}).Error
}

// GrowTotalSteps raises the funnel's step count to total, never lowering it.
func GrowTotalSteps(tx *gorm.DB, funnelID uint, total int) error {
	return tx.Model(&Funnel{}).Where("id = ? AND total_steps < ?", funnelID, total).
		Updates(map[string]interface{}{"total_steps": total, "updated_at": time.Now().UTC()}).Error
}

// MarkSynced stamps the funnel's last successful sync time.
func MarkSynced(tx *gorm.DB, funnelID uint, at time.Time) error {
	return tx.Model(&Funnel{}).Where("id = ?", funnelID).
		Updates(map[string]interface{}{"last_synced_at": at.UTC(), "updated_at": time.Now().UTC()}).Error
}

// UpsertSteps creates or renames steps by (funnel, step number) and returns their ids.
func UpsertSteps(tx *gorm.DB, funnelID uint, defs []StepDefinition) (map[int]uint, error) {
	return writeSteps(tx, funnelID, defs, `
		INSERT INTO funnel_steps (funnel_id, step_number, step_name, step_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (funnel_id, step_number) DO UPDATE SET
			step_name = excluded.step_name,
			step_key = excluded.step_key,
			updated_at = excluded.updated_at
	`)
}

// EnsureSteps creates missing steps and leaves existing names alone.
func EnsureSteps(tx *gorm.DB, funnelID uint, defs []StepDefinition) (map[int]uint, error) {
	return writeSteps(tx, funnelID, defs, `
		INSERT INTO funnel_steps (funnel_id, step_number, step_name, step_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (funnel_id, step_number) DO NOTHING
	`)
}

func writeSteps(tx *gorm.DB, funnelID uint, defs []StepDefinition, query string) (map[int]uint, error) {
	ids := make(map[int]uint, len(defs))
	if len(defs) == 0 {
		return ids, nil
	}

	now := time.Now().UTC()
	numbers := make([]int, 0, len(defs))
	for _, def := range defs {
		name := StepDisplayName(def.Name, def.Key, def.StepNumber)
		if err := tx.Exec(query, funnelID, def.StepNumber, name, def.Key, now, now).Error; err != nil {
			return nil, fmt.Errorf("failed to upsert step %d: %w", def.StepNumber, err)
		}
		numbers = append(numbers, def.StepNumber)
	}

	var steps []FunnelStep
	if err := tx.Where("funnel_id = ? AND step_number IN ?", funnelID, numbers).Find(&steps).Error; err != nil {
		return nil, fmt.Errorf("failed to load steps: %w", err)
	}
	for _, step := range steps {
		ids[step.StepNumber] = step.ID
	}
	return ids, nil
}

// SortedDefinitions returns the definitions of a step map ordered by step number.
func SortedDefinitions(defs map[int]StepDefinition) []StepDefinition {
	out := make([]StepDefinition, 0, len(defs))
	for _, def := range defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepNumber < out[j].StepNumber })
	return out
}

// UpsertEntry writes an entry keyed by its external id. An existing row keeps its
// original created_at; everything else is refreshed from rec.
func UpsertEntry(tx *gorm.DB, rec EntryRecord) (*FunnelEntry, error) {
	query := `
		INSERT INTO funnel_entries (external_id, funnel_id, completed, last_step_index, last_step_key,
			total_steps, time_spent, entry_data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (external_id) DO UPDATE SET
			funnel_id = excluded.funnel_id,
			completed = excluded.completed,
			last_step_index = excluded.last_step_index,
			last_step_key = excluded.last_step_key,
			total_steps = excluded.total_steps,
			time_spent = excluded.time_spent,
			entry_data = COALESCE(excluded.entry_data, funnel_entries.entry_data),
			updated_at = excluded.updated_at
	`
	err := tx.Exec(query,
		rec.ExternalID, rec.FunnelID, rec.Completed, rec.LastStepIndex, rec.LastStepKey,
		rec.TotalSteps, rec.TimeSpent, rec.EntryData, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC()).Error
	if err != nil {
		return nil, fmt.Errorf("failed to upsert entry %s: %w", rec.ExternalID, err)
	}

	return FindEntry(tx, rec.ExternalID)
}

// FindEntry loads an entry and its page views by external id.
func FindEntry(db *gorm.DB, externalID string) (*FunnelEntry, error) {
	var entry FunnelEntry
	err := db.Where("external_id = ?", externalID).
		Preload("PageViews", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC")
		}).
		First(&entry).Error
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// ReplacePageViews swaps the stored history of an entry for views, renumbering positions.
func ReplacePageViews(tx *gorm.DB, entryID uint, views []EntryPageView) error {
	if err := tx.Where("entry_id = ?", entryID).Delete(&EntryPageView{}).Error; err != nil {
		return fmt.Errorf("failed to clear page views for entry %d: %w", entryID, err)
	}
	if len(views) == 0 {
		return nil
	}

	rows := make([]EntryPageView, len(views))
	for i, view := range views {
		rows[i] = EntryPageView{
			EntryID:   entryID,
			Position:  i,
			PageIndex: view.PageIndex,
			PageKey:   view.PageKey,
			PageName:  view.PageName,
			TimeSpent: view.TimeSpent,
			ViewedAt:  view.ViewedAt.UTC(),
		}
	}
	if err := tx.CreateInBatches(rows, 200).Error; err != nil {
		return fmt.Errorf("failed to store page views for entry %d: %w", entryID, err)
	}
	return nil
}

// EntriesCreatedBetween loads a funnel's entries created in [from, to) with their
// page views in recorded order.
func EntriesCreatedBetween(db *gorm.DB, funnelID uint, from, to time.Time) ([]FunnelEntry, error) {
	var entries []FunnelEntry
	err := db.Where("funnel_id = ? AND created_at >= ? AND created_at < ?", funnelID, from.UTC(), to.UTC()).
		Preload("PageViews", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC")
		}).
		Order("id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load entries: %w", err)
	}
	return entries, nil
}

// FunnelWithStepCount is a funnel row plus how many steps it has.
type FunnelWithStepCount struct {
	Funnel
	StepCount int64 `json:"stepCount"`
}

// ListFunnels returns every funnel, most recently updated first, with its step count.
func ListFunnels(db *gorm.DB) ([]FunnelWithStepCount, error) {
	var list []Funnel
	if err := db.Order("updated_at DESC").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("failed to list funnels: %w", err)
	}

	type countRow struct {
		FunnelID uint
		Count    int64
	}
	var counts []countRow
	if err := db.Model(&FunnelStep{}).Select("funnel_id, COUNT(*) AS count").Group("funnel_id").Scan(&counts).Error; err != nil {
		return nil, fmt.Errorf("failed to count steps: %w", err)
	}
	byFunnel := make(map[uint]int64, len(counts))
	for _, c := range counts {
		byFunnel[c.FunnelID] = c.Count
	}

	out := make([]FunnelWithStepCount, len(list))
	for i, f := range list {
		out[i] = FunnelWithStepCount{Funnel: f, StepCount: byFunnel[f.ID]}
	}
	return out, nil
}
