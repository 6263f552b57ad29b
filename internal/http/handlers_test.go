package http_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"funnelsync/internal/analytics"
	"funnelsync/internal/config"
	"funnelsync/internal/embeddables"
	"funnelsync/internal/pipeline"
	"funnelsync/internal/testsupport"
)

// doJSON runs req against app and decodes the JSON body into a map.
func doJSON(t *testing.T, app *testsupport.TestApp, req *http.Request) (int, map[string]any) {
	t.Helper()
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(body) > 0 {
		require.NoError(t, json.Unmarshal(body, &out), "body: %s", body)
	}
	return resp.StatusCode, out
}

func dashboardRequest(target string) *http.Request {
	return httptest.NewRequest(http.MethodGet, target, nil)
}

func webhookRequest(t *testing.T, payload any) *http.Request {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/embeddables", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// upstream serves entries as a single page of the Embeddables API.
func upstream(t *testing.T, status int, entries []embeddables.Entry) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("X-Api-Key") != "test-key" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(status)
		if status == http.StatusOK {
			_ = json.NewEncoder(w).Encode(entries)
		}
	}))
	t.Cleanup(server.Close)
	return server, &calls
}

func withUpstream(url string) func(*config.Config) {
	return func(cfg *config.Config) {
		cfg.EmbeddablesAPIURL = url
		cfg.EmbeddablesAPIKey = "test-key"
		cfg.EmbeddablesProjectID = "proj_http"
	}
}

func TestHealthIndexAction(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	testsupport.CleanAllTables(db)
	app := testsupport.CreateTestApp(t, db, nil)

	status, body := doJSON(t, app, httptest.NewRequest(http.MethodGet, "/_health", nil))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "ok", body["db_status"])
	assert.Equal(t, "closed", body["upstream_api"])
	assert.NotContains(t, body, "last_synced_at")
}

func TestSyncDataAction(t *testing.T) {
	t.Run("rejects a wrong cron secret", func(t *testing.T) {
		db := testsupport.SetupTestDB(t)
		testsupport.CleanAllTables(db)
		app := testsupport.CreateTestApp(t, db, func(cfg *config.Config) {
			cfg.CronSecret = "cron-secret"
		})

		req := httptest.NewRequest(http.MethodGet, "/api/cron/sync-data", nil)
		req.Header.Set("Authorization", "Bearer wrong")
		status, body := doJSON(t, app, req)
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, "Unauthorized", body["error"])

		logs, err := pipeline.RecentSyncLogs(db, 10)
		require.NoError(t, err)
		assert.Empty(t, logs)
	})

	t.Run("missing credentials are audited", func(t *testing.T) {
		db := testsupport.SetupTestDB(t)
		testsupport.CleanAllTables(db)
		app := testsupport.CreateTestApp(t, db, nil)

		status, body := doJSON(t, app, httptest.NewRequest(http.MethodGet, "/api/cron/sync-data", nil))
		assert.Equal(t, http.StatusInternalServerError, status)
		assert.Equal(t, false, body["success"])
		assert.Contains(t, body["error"], "EMBEDDABLES_API_KEY")
		assert.NotEmpty(t, body["runId"])

		logs, err := pipeline.RecentSyncLogs(db, 10)
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, pipeline.SyncStatusFailed, logs[0].Status)
	})

	t.Run("syncs from the upstream API", func(t *testing.T) {
		db := testsupport.SetupTestDB(t)
		testsupport.CleanAllTables(db)

		today := analytics.StartOfDay(time.Now()).Add(time.Hour)
		server, calls := upstream(t, http.StatusOK, []embeddables.Entry{
			testsupport.NewEntry("http_a", today, "welcome", "primary_goal", "payment_successful"),
			testsupport.NewEntry("http_b", today, "welcome"),
		})
		app := testsupport.CreateTestApp(t, db, withUpstream(server.URL))
		require.NoError(t, app.Cache.Set(context.Background(), "analytics:30", map[string]any{"stale": true}, time.Minute))

		req := httptest.NewRequest(http.MethodGet, "/api/cron/sync-data", nil)
		status, body := doJSON(t, app, req)
		require.Equal(t, http.StatusOK, status, "body: %v", body)
		assert.Equal(t, true, body["success"])
		assert.EqualValues(t, 2, body["entriesProcessed"])
		assert.EqualValues(t, 1, calls.Load())

		funnelMetrics := body["funnelMetrics"].(map[string]any)
		assert.EqualValues(t, 2, funnelMetrics["totalStarts"])
		assert.EqualValues(t, 1, funnelMetrics["totalCompletions"])
		assert.EqualValues(t, 50, funnelMetrics["conversionRate"])

		var cached map[string]any
		hit, err := app.Cache.Get(context.Background(), "analytics:30", &cached)
		require.NoError(t, err)
		assert.False(t, hit, "a sync clears cached analytics")

		_, health := doJSON(t, app, httptest.NewRequest(http.MethodGet, "/_health", nil))
		assert.NotEmpty(t, health["last_synced_at"])
	})

	t.Run("upstream errors fail the run", func(t *testing.T) {
		db := testsupport.SetupTestDB(t)
		testsupport.CleanAllTables(db)

		server, _ := upstream(t, http.StatusBadGateway, nil)
		app := testsupport.CreateTestApp(t, db, withUpstream(server.URL))

		status, body := doJSON(t, app, httptest.NewRequest(http.MethodGet, "/api/cron/sync-data", nil))
		assert.Equal(t, http.StatusInternalServerError, status)
		assert.Equal(t, false, body["success"])
		assert.True(t, strings.HasPrefix(body["error"].(string), "Embeddables API error: 502"))

		logs, err := pipeline.RecentSyncLogs(db, 10)
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, pipeline.SyncStatusFailed, logs[0].Status)
		assert.Equal(t, body["runId"], logs[0].RunID)
	})
}

func TestSyncLogsAction(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	testsupport.CleanAllTables(db)
	app := testsupport.CreateTestApp(t, db, nil)

	syncer := pipeline.NewSyncer(testsupport.NewTestDBManager(db), testsupport.GetLogger(), nil, "", "Main")
	for i := 0; i < 3; i++ {
		syncer.RecordFailure(config.ErrNotConfigured)
	}

	status, body := doJSON(t, app, dashboardRequest("/api/sync-logs?limit=2"))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.Len(t, body["logs"], 2)

	_, body = doJSON(t, app, dashboardRequest("/api/sync-logs?limit=1000"))
	assert.Len(t, body["logs"], 3, "out of range limits fall back to the default")
}

func TestWebhookReceiveAction(t *testing.T) {
	created := time.Now().UTC().Add(-time.Minute).Format(time.RFC3339)

	t.Run("rejects a bad signature", func(t *testing.T) {
		db := testsupport.SetupTestDB(t)
		testsupport.CleanAllTables(db)
		app := testsupport.CreateTestApp(t, db, func(cfg *config.Config) {
			cfg.WebhookSecret = "hook-secret"
		})

		req := webhookRequest(t, map[string]any{"event": "entry.created", "entryId": "wh_1"})
		req.Header.Set("X-Webhook-Signature", "nope")
		status, body := doJSON(t, app, req)
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, "Invalid signature", body["error"])

		req = webhookRequest(t, map[string]any{"event": "entry.created", "entryId": "wh_1", "createdAt": created})
		req.Header.Set("X-Webhook-Signature", "hook-secret")
		status, _ = doJSON(t, app, req)
		assert.Equal(t, http.StatusOK, status)
	})

	t.Run("rejects malformed bodies", func(t *testing.T) {
		db := testsupport.SetupTestDB(t)
		testsupport.CleanAllTables(db)
		app := testsupport.CreateTestApp(t, db, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/webhooks/embeddables", strings.NewReader("{not json"))
		status, body := doJSON(t, app, req)
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, "Invalid JSON body", body["error"])

		status, body = doJSON(t, app, webhookRequest(t, map[string]any{"event": "entry.exploded"}))
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, "Invalid payload", body["error"])
		assert.NotEmpty(t, body["details"])
	})

	t.Run("applies an event and clears cached analytics", func(t *testing.T) {
		db := testsupport.SetupTestDB(t)
		testsupport.CleanAllTables(db)
		app := testsupport.CreateTestApp(t, db, nil)

		status, body := doJSON(t, app, webhookRequest(t, map[string]any{
			"event":     "entry.updated",
			"entryId":   "wh_2",
			"projectId": "proj_hook",
			"createdAt": created,
			"pageViews": []map[string]any{
				{"index": 0, "pageKey": "welcome"},
				{"index": 1, "pageKey": "primary_goal"},
			},
		}))
		require.Equal(t, http.StatusOK, status, "body: %v", body)
		assert.Equal(t, "wh_2", body["entryId"])
		assert.Equal(t, "entry.updated", body["event"])

		// Warm the cache, then complete the entry.
		_, report := doJSON(t, app, dashboardRequest("/api/funnels/analytics"))
		assert.EqualValues(t, 1, report["metrics"].(map[string]any)["totalStarts"])
		var cached analytics.FunnelReport
		hit, err := app.Cache.Get(context.Background(), "analytics:30", &cached)
		require.NoError(t, err)
		require.True(t, hit)

		status, _ = doJSON(t, app, webhookRequest(t, map[string]any{"event": "entry.completed", "entryId": "wh_2", "projectId": "proj_hook"}))
		require.Equal(t, http.StatusOK, status)

		hit, err = app.Cache.Get(context.Background(), "analytics:30", &cached)
		require.NoError(t, err)
		assert.False(t, hit)

		_, report = doJSON(t, app, dashboardRequest("/api/funnels/analytics"))
		assert.EqualValues(t, 1, report["metrics"].(map[string]any)["totalCompletions"])
	})
}

func TestWebhookInfoAction(t *testing.T) {
	db := testsupport.SetupTestDB(t)
	app := testsupport.CreateTestApp(t, db, func(cfg *config.Config) {
		cfg.WebhookSecret = "hook-secret"
	})

	status, body := doJSON(t, app, httptest.NewRequest(http.MethodGet, "/api/webhooks/embeddables", nil))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["signatureRequired"])
	assert.Len(t, body["events"], 4)
}

func TestFunnelEndpoints(t *testing.T) {
	t.Run("empty database", func(t *testing.T) {
		db := testsupport.SetupTestDB(t)
		testsupport.CleanAllTables(db)
		app := testsupport.CreateTestApp(t, db, nil)

		status, body := doJSON(t, app, dashboardRequest("/api/funnels/analytics"))
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, true, body["success"])
		assert.NotEmpty(t, body["message"])
		assert.NotContains(t, body, "funnel")

		var cached analytics.FunnelReport
		hit, err := app.Cache.Get(context.Background(), "analytics:30", &cached)
		require.NoError(t, err)
		assert.False(t, hit, "empty reports are not cached")

		_, body = doJSON(t, app, dashboardRequest("/api/funnels/alerts"))
		assert.Equal(t, []any{}, body["alerts"])

		_, body = doJSON(t, app, dashboardRequest("/api/funnels"))
		assert.Equal(t, []any{}, body["funnels"])
	})

	t.Run("lists funnels after a sync", func(t *testing.T) {
		db := testsupport.SetupTestDB(t)
		testsupport.CleanAllTables(db)
		app := testsupport.CreateTestApp(t, db, nil)

		today := analytics.StartOfDay(time.Now())
		syncer := pipeline.NewSyncer(testsupport.NewTestDBManager(db), testsupport.GetLogger(),
			&testsupport.FakeFetcher{Entries: []embeddables.Entry{
				testsupport.NewEntry("list_a", today.Add(time.Minute), "welcome", "payment_successful"),
			}}, "proj_list", "Listed Funnel")
		_, err := syncer.Run(context.Background())
		require.NoError(t, err)

		status, body := doJSON(t, app, dashboardRequest("/api/funnels"))
		assert.Equal(t, http.StatusOK, status)
		list := body["funnels"].([]any)
		require.Len(t, list, 1)
		item := list[0].(map[string]any)
		assert.Equal(t, "proj_list", item["embeddablesId"])
		assert.Equal(t, "Listed Funnel", item["name"])
		assert.EqualValues(t, 100, item["metrics"].(map[string]any)["conversionRate"])

		_, body = doJSON(t, app, dashboardRequest("/api/funnels/analytics?days=7"))
		assert.Equal(t, "Listed Funnel", body["funnel"].(map[string]any)["name"])
		assert.Len(t, body["trends"], 8)

		_, body = doJSON(t, app, dashboardRequest("/api/funnels/alerts"))
		assert.Equal(t, true, body["success"])
		assert.Empty(t, body["alerts"])
	})
}
