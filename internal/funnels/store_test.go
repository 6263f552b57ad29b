package funnels_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"funnelsync/internal/funnels"
	"funnelsync/internal/testsupport"
)

func TestFindOrCreateFunnel(t *testing.T) {
	db := testsupport.SetupTestDB(t)

	first, err := funnels.FindOrCreateFunnel(db, "proj_1", "Main Questionnaire")
	require.NoError(t, err)
	assert.NotZero(t, first.ID)
	assert.Equal(t, funnels.StatusActive, first.Status)

	again, err := funnels.FindOrCreateFunnel(db, "proj_1", "Renamed")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "Main Questionnaire", again.Name, "an existing funnel keeps its name")

	var count int64
	require.NoError(t, db.Model(&funnels.Funnel{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestUpsertEntry(t *testing.T) {
	t.Run("second upsert wins but keeps the original createdAt", func(t *testing.T) {
		db := testsupport.SetupTestDB(t)
		testsupport.CleanAllTables(db)

		funnel, err := funnels.FindOrCreateFunnel(db, "proj_1", "Main")
		require.NoError(t, err)

		created := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
		_, err = funnels.UpsertEntry(db, funnels.EntryRecord{
			ExternalID:    "entry_1",
			FunnelID:      funnel.ID,
			Completed:     false,
			LastStepIndex: 1,
			EntryData:     datatypes.JSON(`{"goal":"lose_weight"}`),
			CreatedAt:     created,
			UpdatedAt:     created,
		})
		require.NoError(t, err)

		later := created.Add(2 * time.Hour)
		entry, err := funnels.UpsertEntry(db, funnels.EntryRecord{
			ExternalID:    "entry_1",
			FunnelID:      funnel.ID,
			Completed:     true,
			LastStepIndex: 4,
			LastStepKey:   "payment_successful",
			CreatedAt:     later,
			UpdatedAt:     later,
		})
		require.NoError(t, err)

		assert.True(t, entry.Completed)
		assert.Equal(t, 4, entry.LastStepIndex)
		assert.Equal(t, "payment_successful", entry.LastStepKey)
		assert.True(t, created.Equal(entry.CreatedAt), "createdAt %s should be preserved", entry.CreatedAt)
		assert.True(t, later.Equal(entry.UpdatedAt))
		assert.JSONEq(t, `{"goal":"lose_weight"}`, string(entry.EntryData), "absent entry data keeps the stored value")

		var count int64
		require.NoError(t, db.Model(&funnels.FunnelEntry{}).Count(&count).Error)
		assert.Equal(t, int64(1), count)
	})
}

func TestReplacePageViews(t *testing.T) {
	db := testsupport.SetupTestDB(t)

	funnel, err := funnels.FindOrCreateFunnel(db, "proj_1", "Main")
	require.NoError(t, err)
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	entry, err := funnels.UpsertEntry(db, funnels.EntryRecord{ExternalID: "e", FunnelID: funnel.ID, CreatedAt: now, UpdatedAt: now})
	require.NoError(t, err)

	require.NoError(t, funnels.ReplacePageViews(db, entry.ID, []funnels.EntryPageView{
		{PageIndex: 0, PageKey: "welcome", ViewedAt: now},
		{PageIndex: 1, PageKey: "goal", ViewedAt: now.Add(time.Minute)},
	}))
	require.NoError(t, funnels.ReplacePageViews(db, entry.ID, []funnels.EntryPageView{
		{Position: 7, PageIndex: 0, PageKey: "welcome", ViewedAt: now},
	}))

	loaded, err := funnels.FindEntry(db, "e")
	require.NoError(t, err)
	require.Len(t, loaded.PageViews, 1)
	assert.Equal(t, 0, loaded.PageViews[0].Position)
	assert.Equal(t, "welcome", loaded.PageViews[0].PageKey)
}

func TestStepWrites(t *testing.T) {
	db := testsupport.SetupTestDB(t)

	funnel, err := funnels.FindOrCreateFunnel(db, "proj_1", "Main")
	require.NoError(t, err)

	ids, err := funnels.UpsertSteps(db, funnel.ID, []funnels.StepDefinition{
		{StepNumber: 0, Key: "welcome"},
		{StepNumber: 1, Key: "primary_goal", Name: "Your Goal"},
	})
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	// EnsureSteps never renames an existing step.
	_, err = funnels.EnsureSteps(db, funnel.ID, []funnels.StepDefinition{
		{StepNumber: 1, Key: "primary_goal", Name: "Other"},
		{StepNumber: 2, Key: "age_range"},
	})
	require.NoError(t, err)

	var steps []funnels.FunnelStep
	require.NoError(t, db.Where("funnel_id = ?", funnel.ID).Order("step_number").Find(&steps).Error)
	require.Len(t, steps, 3)
	assert.Equal(t, "Welcome", steps[0].StepName)
	assert.Equal(t, "Your Goal", steps[1].StepName)
	assert.Equal(t, "Age Range", steps[2].StepName)

	// UpsertSteps does.
	_, err = funnels.UpsertSteps(db, funnel.ID, []funnels.StepDefinition{{StepNumber: 1, Key: "primary_goal", Name: "Main Goal"}})
	require.NoError(t, err)
	require.NoError(t, db.Where("funnel_id = ? AND step_number = 1", funnel.ID).First(&steps[1]).Error)
	assert.Equal(t, "Main Goal", steps[1].StepName)
}

func TestTotalSteps(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	funnel, err := funnels.FindOrCreateFunnel(db, "proj_1", "Main")
	require.NoError(t, err)

	require.NoError(t, funnels.SetTotalSteps(db, funnel.ID, 5))
	require.NoError(t, funnels.GrowTotalSteps(db, funnel.ID, 3))

	var loaded funnels.Funnel
	require.NoError(t, db.First(&loaded, funnel.ID).Error)
	assert.Equal(t, 5, loaded.TotalSteps, "growing never lowers the count")

	require.NoError(t, funnels.GrowTotalSteps(db, funnel.ID, 8))
	require.NoError(t, db.First(&loaded, funnel.ID).Error)
	assert.Equal(t, 8, loaded.TotalSteps)
}
