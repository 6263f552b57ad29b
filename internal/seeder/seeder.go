// Package seeder generates synthetic Embeddables entries for local development and
// feeds them through the regular batch ingest path.
package seeder

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/karloscodes/cartridge"

	"funnelsync/internal/embeddables"
	"funnelsync/internal/pipeline"
)

// questionnaire is the page sequence of the generated funnel. The last key is a
// completion marker.
var questionnaire = []string{
	"welcome",
	"primary_goal",
	"age_range",
	"current_weight",
	"target_weight",
	"activity_level",
	"diet_preferences",
	"email_capture",
	"plan_preview",
	"checkout",
	"payment_successful",
}

// Seeder handles the data seeding process.
type Seeder struct {
	DBManager  cartridge.DBManager
	Logger     *slog.Logger
	EntryCount int
	Days       int
	ProjectID  string
	FunnelName string

	rng *rand.Rand
	now func() time.Time
}

// NewSeeder creates a new seeder instance
func NewSeeder(dbManager cartridge.DBManager, logger *slog.Logger, entryCount, days int, projectID, funnelName string) *Seeder {
	if logger == nil {
		logger = slog.Default()
	}
	if days <= 0 {
		days = 14
	}
	return &Seeder{
		DBManager:  dbManager,
		Logger:     logger,
		EntryCount: entryCount,
		Days:       days,
		ProjectID:  projectID,
		FunnelName: funnelName,
		rng:        rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed)),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run generates the entries and ingests them.
func (s *Seeder) Run(ctx context.Context) (*pipeline.Summary, error) {
	start := time.Now()
	s.Logger.Info("Seeding synthetic entries...",
		slog.Int("entries", s.EntryCount),
		slog.Int("days", s.Days),
		slog.String("project_id", s.ProjectID))

	entries := s.Generate()
	syncer := pipeline.NewSyncer(s.DBManager, s.Logger, nil, s.ProjectID, s.FunnelName)
	summary, err := syncer.Ingest(ctx, entries)
	if err != nil {
		return nil, fmt.Errorf("failed to ingest seeded entries: %w", err)
	}

	s.Logger.Info("Seeding completed successfully",
		slog.Int("entries", summary.EntriesProcessed),
		slog.Int("days", summary.DaysProcessed),
		slog.Duration("elapsed", time.Since(start)))
	return summary, nil
}

// Generate builds EntryCount entries spread over the last Days days. Each respondent
// continues to the next page with a probability that shrinks along the funnel.
func (s *Seeder) Generate() []embeddables.Entry {
	now := s.now()
	entries := make([]embeddables.Entry, 0, s.EntryCount)

	for i := 0; i < s.EntryCount; i++ {
		created := now.Add(-time.Duration(s.rng.Int64N(int64(s.Days) * int64(24*time.Hour))))
		at := created

		views := make([]embeddables.PageView, 0, len(questionnaire))
		for index, key := range questionnaire {
			views = append(views, embeddables.PageView{
				Timestamp: at.Format(time.RFC3339),
				PageID:    fmt.Sprintf("page_%d", index),
				PageKey:   key,
				PageIndex: index,
			})
			at = at.Add(time.Duration(5+s.rng.IntN(90)) * time.Second)

			continueChance := 0.92 - float64(index)*0.03
			if s.rng.Float64() > continueChance {
				break
			}
		}

		data, _ := json.Marshal(map[string]any{
			"primary_goal":   pick(s.rng, "lose_weight", "build_muscle", "eat_healthier"),
			"activity_level": pick(s.rng, "sedentary", "light", "active"),
		})

		entries = append(entries, embeddables.Entry{
			EntryID:      uuid.NewString(),
			ProjectID:    s.ProjectID,
			EmbeddableID: "seeded",
			CreatedAt:    created.Format(time.RFC3339),
			UpdatedAt:    at.Format(time.RFC3339),
			EntryData:    embeddables.RawData(data),
			PageViews:    views,
		})
	}
	return entries
}

func pick(rng *rand.Rand, options ...string) string {
	return options[rng.IntN(len(options))]
}
