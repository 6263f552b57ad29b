package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/karloscodes/cartridge"
	"github.com/karloscodes/cartridge/sqlite"
	"gorm.io/gorm"

	"funnelsync/internal/funnels"
	"funnelsync/internal/metrics"
)

// Webhook event types.
const (
	EventEntryCreated   = "entry.created"
	EventEntryUpdated   = "entry.updated"
	EventEntryCompleted = "entry.completed"
	EventPageView       = "page_view"
)

// WebhookPageView is one page view attached to a webhook event.
type WebhookPageView struct {
	Index     int    `json:"index" validate:"gte=0"`
	PageKey   string `json:"pageKey"`
	PageName  string `json:"pageName"`
	TimeSpent int    `json:"timeSpent" validate:"gte=0"`
	ViewedAt  string `json:"viewedAt"`
}

// WebhookPayload is the body of an Embeddables webhook delivery. It carries the entry's
// current state, and optionally its page view history.
type WebhookPayload struct {
	Event            string            `json:"event" validate:"required,oneof=entry.created entry.updated entry.completed page_view"`
	EntryID          string            `json:"entryId" validate:"required"`
	FlowID           string            `json:"flowId"`
	ProjectID        string            `json:"projectId"`
	Completed        *bool             `json:"completed"`
	CurrentPageIndex *int              `json:"currentPageIndex" validate:"omitempty,gte=0"`
	CurrentPageKey   string            `json:"currentPageKey"`
	CurrentPageName  string            `json:"currentPageName"`
	TotalPages       *int              `json:"totalPages" validate:"omitempty,gte=0"`
	TimeSpent        *int              `json:"timeSpent" validate:"omitempty,gte=0"`
	CreatedAt        string            `json:"createdAt"`
	UpdatedAt        string            `json:"updatedAt"`
	PageViews        []WebhookPageView `json:"pageViews" validate:"omitempty,dive"`
}

var validate = validator.New()

// Validate checks the payload's required fields and event type.
func (p *WebhookPayload) Validate() error {
	return validate.Struct(p)
}

// WebhookResult reports what a delivery changed.
type WebhookResult struct {
	EntryID   string
	Event     string
	FunnelID  uint
	Completed bool
	Day       time.Time
}

// WebhookProcessor applies webhook deliveries through the same store-then-recompute
// path as the batch sync.
type WebhookProcessor struct {
	dbManager        cartridge.DBManager
	logger           *slog.Logger
	defaultProjectID string
	funnelName       string
	now              func() time.Time
}

// NewWebhookProcessor returns a processor that files payloads without a project id under
// defaultProjectID.
func NewWebhookProcessor(dbManager cartridge.DBManager, logger *slog.Logger, defaultProjectID, funnelName string) *WebhookProcessor {
	return &WebhookProcessor{
		dbManager:        dbManager,
		logger:           logger,
		defaultProjectID: defaultProjectID,
		funnelName:       funnelName,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

// Apply stores the entry state carried by payload and rebuilds the rollups of the
// entry's day.
func (w *WebhookProcessor) Apply(ctx context.Context, payload *WebhookPayload) (*WebhookResult, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	result, err := w.apply(ctx, payload)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues(payload.Event, "error").Inc()
		return nil, err
	}
	metrics.WebhookEvents.WithLabelValues(payload.Event, "success").Inc()
	metrics.EntriesProcessed.WithLabelValues("webhook").Inc()
	return result, nil
}

func (w *WebhookProcessor) apply(ctx context.Context, payload *WebhookPayload) (*WebhookResult, error) {
	db := w.dbManager.GetConnection().WithContext(ctx)
	logger := w.logger.With(slog.String("entry_id", payload.EntryID), slog.String("event", payload.Event))
	now := w.now()

	projectID := payload.ProjectID
	if projectID == "" {
		projectID = payload.FlowID
	}
	if projectID == "" {
		projectID = w.defaultProjectID
	}

	var funnel *funnels.Funnel
	err := sqlite.PerformWrite(logger, db, func(tx *gorm.DB) error {
		var err error
		funnel, err = funnels.FindOrCreateFunnel(tx, projectID, w.funnelName)
		return err
	})
	if err != nil {
		return nil, err
	}

	existing, err := funnels.FindEntry(db, payload.EntryID)
	if err != nil && !funnels.IsNotFound(err) {
		return nil, fmt.Errorf("failed to load entry %s: %w", payload.EntryID, err)
	}
	if funnels.IsNotFound(err) {
		existing = nil
	}

	snap := buildWebhookSnapshot(payload, existing, now)

	err = sqlite.PerformWrite(logger, db, func(tx *gorm.DB) error {
		if _, err := ReconcileEntry(tx, funnel.ID, snap); err != nil {
			return err
		}

		if len(payload.PageViews) > 0 {
			defs := make(map[int]funnels.StepDefinition, len(payload.PageViews))
			for _, pv := range payload.PageViews {
				if _, ok := defs[pv.Index]; ok {
					continue
				}
				defs[pv.Index] = funnels.StepDefinition{StepNumber: pv.Index, Key: pv.PageKey, Name: pv.PageName}
			}
			if _, err := funnels.UpsertSteps(tx, funnel.ID, funnels.SortedDefinitions(defs)); err != nil {
				return err
			}
		}

		if len(snap.PageViews) > 0 {
			return funnels.GrowTotalSteps(tx, funnel.ID, MaxPageIndex(snap.PageViews)+1)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	day := snap.Day()
	if _, err := RecomputeDays(logger, db, funnel.ID, []time.Time{day}); err != nil {
		return nil, err
	}

	logger.Info("Webhook applied", slog.Bool("completed", snap.Completed), slog.Int("page_views", len(snap.PageViews)))
	return &WebhookResult{
		EntryID:   payload.EntryID,
		Event:     payload.Event,
		FunnelID:  funnel.ID,
		Completed: snap.Completed,
		Day:       day,
	}, nil
}

// buildWebhookSnapshot merges the payload state with what is already stored for the entry.
// An attached page view list replaces the stored history; a page_view event without one
// appends the current page when it differs from the last stored view.
func buildWebhookSnapshot(payload *WebhookPayload, existing *funnels.FunnelEntry, now time.Time) Snapshot {
	var views []funnels.EntryPageView
	switch {
	case len(payload.PageViews) > 0:
		views = make([]funnels.EntryPageView, len(payload.PageViews))
		for i, pv := range payload.PageViews {
			viewedAt, ok := parseTime(pv.ViewedAt)
			if !ok {
				viewedAt = now
			}
			views[i] = funnels.EntryPageView{
				Position:  i,
				PageIndex: pv.Index,
				PageKey:   pv.PageKey,
				PageName:  funnels.StepDisplayName(pv.PageName, pv.PageKey, pv.Index),
				TimeSpent: pv.TimeSpent,
				ViewedAt:  viewedAt,
			}
		}
	case existing != nil:
		views = append(views, existing.PageViews...)
	}

	if len(payload.PageViews) == 0 && payload.Event == EventPageView && payload.CurrentPageIndex != nil {
		idx := *payload.CurrentPageIndex
		if len(views) == 0 || views[len(views)-1].PageIndex != idx {
			if len(views) > 0 {
				last := &views[len(views)-1]
				last.TimeSpent = secondsBetween(last.ViewedAt, now)
			}
			views = append(views, funnels.EntryPageView{
				Position:  len(views),
				PageIndex: idx,
				PageKey:   payload.CurrentPageKey,
				PageName:  funnels.StepDisplayName(payload.CurrentPageName, payload.CurrentPageKey, idx),
				ViewedAt:  now,
			})
		}
	}

	snap := Snapshot{
		ExternalID: payload.EntryID,
		PageViews:  views,
		TotalSteps: len(views),
	}

	snap.Completed = payload.Event == EventEntryCompleted ||
		(payload.Completed != nil && *payload.Completed) ||
		IsCompleted(views)

	switch {
	case payload.CurrentPageIndex != nil:
		snap.LastStepIndex = *payload.CurrentPageIndex
	case len(views) > 0:
		snap.LastStepIndex = MaxPageIndex(views)
	case existing != nil:
		snap.LastStepIndex = existing.LastStepIndex
	}
	snap.LastStepKey = payload.CurrentPageKey
	if snap.LastStepKey == "" {
		snap.LastStepKey = keyAtIndex(views, snap.LastStepIndex)
	}
	if snap.LastStepKey == "" && existing != nil {
		snap.LastStepKey = existing.LastStepKey
	}

	if payload.TotalPages != nil {
		snap.TotalSteps = *payload.TotalPages
	}

	switch {
	case payload.TimeSpent != nil:
		snap.TimeSpent = *payload.TimeSpent
	case existing != nil:
		snap.TimeSpent = existing.TimeSpent
	case len(views) > 1:
		snap.TimeSpent = secondsBetween(views[0].ViewedAt, views[len(views)-1].ViewedAt)
	}

	if existing != nil {
		snap.CreatedAt = existing.CreatedAt.UTC()
	} else if created, ok := parseTime(payload.CreatedAt); ok {
		snap.CreatedAt = created
	} else {
		snap.CreatedAt = now
	}

	if updated, ok := parseTime(payload.UpdatedAt); ok {
		snap.UpdatedAt = updated
	} else {
		snap.UpdatedAt = now
	}

	return snap
}
