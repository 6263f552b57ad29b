// Package pipeline turns upstream entries and webhook events into stored entry facts and
// rebuilds the day rollups from those facts.
package pipeline

import (
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"funnelsync/internal/analytics"
	"funnelsync/internal/embeddables"
	"funnelsync/internal/funnels"
)

// completionMarkers are page keys that mark an entry as converted. A key matches when it
// equals a marker or contains it, ignoring case.
var completionMarkers = []string{
	"payment_successful",
	"async_confirmation_to_redirect",
	"confirmation_to_redirect",
}

// IsCompleted reports whether any page view in the history hit a completion marker.
func IsCompleted(views []funnels.EntryPageView) bool {
	for _, view := range views {
		if isCompletionKey(view.PageKey) {
			return true
		}
	}
	return false
}

func isCompletionKey(key string) bool {
	lower := strings.ToLower(key)
	for _, marker := range completionMarkers {
		if key == marker || strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// MaxPageIndex returns the highest page index in the history, or 0 when it is empty.
func MaxPageIndex(views []funnels.EntryPageView) int {
	highest := 0
	for i, view := range views {
		if i == 0 || view.PageIndex > highest {
			highest = view.PageIndex
		}
	}
	return highest
}

// Snapshot is the normalized state of one entry ready to be stored.
type Snapshot struct {
	ExternalID    string
	Completed     bool
	LastStepIndex int
	LastStepKey   string
	TotalSteps    int
	TimeSpent     int
	EntryData     datatypes.JSON
	CreatedAt     time.Time
	UpdatedAt     time.Time
	PageViews     []funnels.EntryPageView
}

// Day is the UTC calendar day the snapshot's entry counts toward.
func (s Snapshot) Day() time.Time {
	return analytics.StartOfDay(s.CreatedAt)
}

// SnapshotFromEntry normalizes an upstream entry. Unparseable timestamps fall back
// (created to updated to now), and malformed entry data is dropped.
func SnapshotFromEntry(entry embeddables.Entry, now time.Time) Snapshot {
	updated, ok := parseTime(entry.UpdatedAt)
	if !ok {
		updated = now.UTC()
	}
	created, ok := parseTime(entry.CreatedAt)
	if !ok {
		created = updated
	}

	views := make([]funnels.EntryPageView, len(entry.PageViews))
	stamps := make([]time.Time, len(entry.PageViews))
	for i, pv := range entry.PageViews {
		ts, ok := parseTime(pv.Timestamp)
		if !ok {
			ts = created
		}
		stamps[i] = ts
		views[i] = funnels.EntryPageView{
			Position:  i,
			PageIndex: pv.PageIndex,
			PageKey:   pv.PageKey,
			PageName:  funnels.Humanize(pv.PageKey),
			ViewedAt:  ts,
		}
	}
	for i := 0; i+1 < len(views); i++ {
		views[i].TimeSpent = secondsBetween(stamps[i], stamps[i+1])
	}

	snap := Snapshot{
		ExternalID:    entry.EntryID,
		Completed:     IsCompleted(views),
		LastStepIndex: MaxPageIndex(views),
		LastStepKey:   keyAtIndex(views, MaxPageIndex(views)),
		TotalSteps:    len(views),
		CreatedAt:     created,
		UpdatedAt:     updated,
		PageViews:     views,
	}
	if len(stamps) > 1 {
		snap.TimeSpent = secondsBetween(stamps[0], stamps[len(stamps)-1])
	}
	if data := entry.EntryData.Object(); data != nil {
		snap.EntryData = datatypes.JSON(data)
	}
	return snap
}

// ReconcileEntry stores a snapshot: the entry row is upserted by external id and its page
// view history is replaced.
func ReconcileEntry(tx *gorm.DB, funnelID uint, snap Snapshot) (*funnels.FunnelEntry, error) {
	entry, err := funnels.UpsertEntry(tx, funnels.EntryRecord{
		ExternalID:    snap.ExternalID,
		FunnelID:      funnelID,
		Completed:     snap.Completed,
		LastStepIndex: snap.LastStepIndex,
		LastStepKey:   snap.LastStepKey,
		TotalSteps:    snap.TotalSteps,
		TimeSpent:     snap.TimeSpent,
		EntryData:     snap.EntryData,
		CreatedAt:     snap.CreatedAt,
		UpdatedAt:     snap.UpdatedAt,
	})
	if err != nil {
		return nil, err
	}

	if err := funnels.ReplacePageViews(tx, entry.ID, snap.PageViews); err != nil {
		return nil, err
	}
	return entry, nil
}

func keyAtIndex(views []funnels.EntryPageView, index int) string {
	for _, view := range views {
		if view.PageIndex == index {
			return view.PageKey
		}
	}
	return ""
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	time.DateOnly,
}

func parseTime(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func secondsBetween(from, to time.Time) int {
	d := to.Sub(from)
	if d <= 0 {
		return 0
	}
	return int(d / time.Second)
}
