package testsupport

import (
	"context"
	"fmt"
	"time"

	"funnelsync/internal/embeddables"
)

// ViewGap is the time between consecutive page views built by NewEntry.
const ViewGap = 30 * time.Second

// NewEntry builds an upstream entry created at created that visited keys in order, one
// page index per key starting at 0.
func NewEntry(id string, created time.Time, keys ...string) embeddables.Entry {
	indexes := make([]int, len(keys))
	for i := range keys {
		indexes[i] = i
	}
	return NewEntryWithIndexes(id, created, keys, indexes)
}

// NewEntryWithIndexes is NewEntry with explicit page indexes for each key.
func NewEntryWithIndexes(id string, created time.Time, keys []string, indexes []int) embeddables.Entry {
	views := make([]embeddables.PageView, len(keys))
	at := created.UTC()
	for i, key := range keys {
		views[i] = embeddables.PageView{
			Timestamp: at.Format(time.RFC3339),
			PageID:    fmt.Sprintf("page_%d", indexes[i]),
			PageKey:   key,
			PageIndex: indexes[i],
		}
		at = at.Add(ViewGap)
	}

	updated := created.UTC()
	if len(keys) > 0 {
		updated = at.Add(-ViewGap)
	}

	return embeddables.Entry{
		EntryID:      id,
		ProjectID:    "proj_test",
		EmbeddableID: "flow_test",
		CreatedAt:    created.UTC().Format(time.RFC3339),
		UpdatedAt:    updated.Format(time.RFC3339),
		PageViews:    views,
	}
}

// FakeFetcher returns a fixed set of entries, or Err when it is set.
type FakeFetcher struct {
	Entries []embeddables.Entry
	Err     error
	Calls   int
}

func (f *FakeFetcher) FetchAll(_ context.Context) ([]embeddables.Entry, error) {
	f.Calls++
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Entries, nil
}
