package pipeline

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/karloscodes/cartridge/sqlite"
	"gorm.io/gorm"

	"funnelsync/internal/analytics"
	"funnelsync/internal/funnels"
)

// EntryFacts is what one entry contributes to the rollups.
type EntryFacts struct {
	Day       time.Time
	Completed bool
	Views     []funnels.EntryPageView
}

// StepCounter holds one step's counters for one day.
type StepCounter struct {
	Views     int
	Exits     int
	Continues int
	TimeSpent int
}

// DayCounter holds one day's funnel counters and its per-step counters.
type DayCounter struct {
	Starts      int
	Completions int
	Steps       map[int]*StepCounter
}

// Accumulator collects per-day and per-step counters over a set of entries. Step keys
// and names are fixed by the first entry that reaches each step.
type Accumulator struct {
	days        map[time.Time]*DayCounter
	steps       map[int]funnels.StepDefinition
	entries     int
	completions int
}

func NewAccumulator() *Accumulator {
	return &Accumulator{
		days:  make(map[time.Time]*DayCounter),
		steps: make(map[int]funnels.StepDefinition),
	}
}

// Add counts one entry. Every entry is a start on its day. The last view of an entry
// that did not complete is an exit; every other view is a continue.
func (a *Accumulator) Add(facts EntryFacts) {
	day := analytics.StartOfDay(facts.Day)
	dc, ok := a.days[day]
	if !ok {
		dc = &DayCounter{Steps: make(map[int]*StepCounter)}
		a.days[day] = dc
	}

	a.entries++
	dc.Starts++
	if facts.Completed {
		a.completions++
		dc.Completions++
	}

	for i, view := range facts.Views {
		if _, seen := a.steps[view.PageIndex]; !seen {
			a.steps[view.PageIndex] = funnels.StepDefinition{
				StepNumber: view.PageIndex,
				Key:        view.PageKey,
				Name:       funnels.StepDisplayName(view.PageName, view.PageKey, view.PageIndex),
			}
		}

		sc, ok := dc.Steps[view.PageIndex]
		if !ok {
			sc = &StepCounter{}
			dc.Steps[view.PageIndex] = sc
		}
		sc.Views++
		sc.TimeSpent += view.TimeSpent

		isExit := i == len(facts.Views)-1 && !facts.Completed
		if isExit {
			sc.Exits++
		} else {
			sc.Continues++
		}
	}
}

// StepIndexes returns every observed step index in ascending order.
func (a *Accumulator) StepIndexes() []int {
	indexes := make([]int, 0, len(a.steps))
	for idx := range a.steps {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	return indexes
}

// MaxStepIndex returns the highest observed step index, or 0 when none was seen.
func (a *Accumulator) MaxStepIndex() int {
	indexes := a.StepIndexes()
	if len(indexes) == 0 {
		return 0
	}
	return indexes[len(indexes)-1]
}

// MissingStepIndexes lists the indexes between 0 and the maximum that were never observed.
func (a *Accumulator) MissingStepIndexes() []int {
	missing := []int{}
	if len(a.steps) == 0 {
		return missing
	}
	for i := 0; i <= a.MaxStepIndex(); i++ {
		if _, ok := a.steps[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// PageKeys renders the discovered steps as "index: key", ordered by index.
func (a *Accumulator) PageKeys() []string {
	keys := []string{}
	for _, idx := range a.StepIndexes() {
		keys = append(keys, fmt.Sprintf("%d: %s", idx, a.steps[idx].Key))
	}
	return keys
}

// Definitions returns the first-seen definition of every step, ordered by index.
func (a *Accumulator) Definitions() []funnels.StepDefinition {
	return funnels.SortedDefinitions(a.steps)
}

// Totals returns how many entries were added and how many of them completed.
func (a *Accumulator) Totals() (entries, completions int) {
	return a.entries, a.completions
}

// Days returns the days that received entries, oldest first.
func (a *Accumulator) Days() []time.Time {
	days := make([]time.Time, 0, len(a.days))
	for day := range a.days {
		days = append(days, day)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days
}

// Day returns the counters of one day, or nil when nothing was added for it.
func (a *Accumulator) Day(day time.Time) *DayCounter {
	return a.days[analytics.StartOfDay(day)]
}

// DayCount returns the number of distinct days.
func (a *Accumulator) DayCount() int {
	return len(a.days)
}

// StepDayCount returns the number of (day, step) pairs with counters.
func (a *Accumulator) StepDayCount() int {
	n := 0
	for _, dc := range a.days {
		n += len(dc.Steps)
	}
	return n
}

// StepRates returns the drop-off and conversion percentages for a step; both are 0
// when the step has no views.
func StepRates(views, exits, continues int) (dropOffRate, conversionRate float64) {
	return analytics.Rate(exits, views), analytics.Rate(continues, views)
}

// RecomputeDays rebuilds the funnel and step rollups of each day from the stored entry
// facts and replaces the existing rows. Each day is written in its own transaction.
// It returns the number of step rows written.
func RecomputeDays(logger *slog.Logger, db *gorm.DB, funnelID uint, days []time.Time) (int, error) {
	stepRows := 0
	for _, day := range days {
		written := 0
		err := sqlite.PerformWrite(logger, db, func(tx *gorm.DB) error {
			n, err := recomputeDay(tx, funnelID, day)
			written = n
			return err
		})
		if err != nil {
			return stepRows, fmt.Errorf("failed to recompute %s: %w", day.Format(time.DateOnly), err)
		}
		stepRows += written
	}
	return stepRows, nil
}

func recomputeDay(tx *gorm.DB, funnelID uint, day time.Time) (int, error) {
	day = analytics.StartOfDay(day)
	entries, err := funnels.EntriesCreatedBetween(tx, funnelID, day, day.AddDate(0, 0, 1))
	if err != nil {
		return 0, err
	}

	acc := NewAccumulator()
	for _, entry := range entries {
		acc.Add(EntryFacts{Day: day, Completed: entry.Completed, Views: entry.PageViews})
	}

	stepIDs, err := funnels.EnsureSteps(tx, funnelID, acc.Definitions())
	if err != nil {
		return 0, err
	}

	var written []uint
	if dc := acc.Day(day); dc != nil {
		for idx, sc := range dc.Steps {
			stepID, ok := stepIDs[idx]
			if !ok {
				continue
			}
			counts := analytics.StepDayCounts{
				Entries:     sc.Views,
				Exits:       sc.Exits,
				Conversions: sc.Continues,
			}
			counts.DropOffRate, counts.ConversionRate = StepRates(sc.Views, sc.Exits, sc.Continues)
			if sc.Views > 0 {
				counts.AvgTimeOnStep = float64(sc.TimeSpent) / float64(sc.Views)
			}
			if err := analytics.UpsertStepDay(tx, stepID, day, counts); err != nil {
				return 0, err
			}
			written = append(written, stepID)
		}
	}

	if err := analytics.ZeroStaleStepDays(tx, funnelID, day, written); err != nil {
		return 0, err
	}

	starts, completions := acc.Totals()
	if err := analytics.UpsertFunnelDay(tx, funnelID, day, starts, completions); err != nil {
		return 0, err
	}
	return len(written), nil
}
