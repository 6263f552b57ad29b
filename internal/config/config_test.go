package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"funnelsync/internal/config"
)

func TestEmbeddablesSettings(t *testing.T) {
	t.Run("reports missing credentials as a configuration error", func(t *testing.T) {
		cfg := &config.Config{EmbeddablesProjectID: "proj_1"}

		_, err := cfg.EmbeddablesSettings()
		require.Error(t, err)
		assert.ErrorIs(t, err, config.ErrNotConfigured)
		assert.Contains(t, err.Error(), "EMBEDDABLES_API_KEY")
		assert.NotContains(t, err.Error(), "EMBEDDABLES_PROJECT_ID")
	})

	t.Run("names both values when neither is set", func(t *testing.T) {
		cfg := &config.Config{}

		_, err := cfg.EmbeddablesSettings()
		require.ErrorIs(t, err, config.ErrNotConfigured)
		assert.Contains(t, err.Error(), "EMBEDDABLES_API_KEY or EMBEDDABLES_PROJECT_ID")
	})

	t.Run("builds settings from configured values", func(t *testing.T) {
		cfg := &config.Config{
			EmbeddablesAPIURL:     "https://api.example.test",
			EmbeddablesAPIKey:     "key",
			EmbeddablesProjectID:  "proj_1",
			EmbeddablesTimeoutSec: 10,
			SyncPageSize:          500,
			SyncMaxOffset:         5000,
		}

		settings, err := cfg.EmbeddablesSettings()
		require.NoError(t, err)
		assert.Equal(t, "https://api.example.test", settings.BaseURL)
		assert.Equal(t, "proj_1", settings.ProjectID)
		assert.Equal(t, 500, settings.PageSize)
		assert.Equal(t, 5000, settings.MaxOffset)
		assert.Equal(t, 10*time.Second, settings.Timeout)
	})
}

func TestWebhookProjectID(t *testing.T) {
	assert.Equal(t, config.DefaultProjectID, (&config.Config{}).WebhookProjectID())
	assert.Equal(t, "proj_1", (&config.Config{EmbeddablesProjectID: "proj_1"}).WebhookProjectID())
}
