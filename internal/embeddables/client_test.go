package embeddables_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"funnelsync/internal/config"
	"funnelsync/internal/embeddables"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func makeEntries(n, offset int) []embeddables.Entry {
	entries := make([]embeddables.Entry, n)
	for i := range entries {
		entries[i] = embeddables.Entry{
			EntryID:   fmt.Sprintf("entry-%d", offset+i),
			ProjectID: "proj_1",
			CreatedAt: "2025-01-15T10:00:00Z",
			UpdatedAt: "2025-01-15T10:05:00Z",
		}
	}
	return entries
}

func newClient(t *testing.T, baseURL string, pageSize, maxOffset int, opts ...embeddables.Option) *embeddables.Client {
	t.Helper()
	client, err := embeddables.NewClient(embeddables.Config{
		BaseURL:   baseURL,
		APIKey:    "secret-key",
		ProjectID: "proj_1",
		PageSize:  pageSize,
		MaxOffset: maxOffset,
	}, quietLogger(), opts...)
	require.NoError(t, err)
	return client
}

func TestFetchPage(t *testing.T) {
	var gotPath, gotKey, gotLimit, gotOffset string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-Api-Key")
		gotLimit = r.URL.Query().Get("limit")
		gotOffset = r.URL.Query().Get("offset")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{
			"entry_id": "e1",
			"project_id": "proj_1",
			"embeddable_id": "emb_1",
			"created_at": "2025-01-15T10:00:00Z",
			"updated_at": "2025-01-15T10:05:00Z",
			"entry_data": "{\"email\":\"a@example.com\"}",
			"page_views": [{"timestamp": "2025-01-15T10:00:00Z", "page_id": "p0", "page_key": "welcome", "page_index": 0}]
		}]`))
	}))
	defer server.Close()

	client := newClient(t, server.URL, 50, 1000)
	page, err := client.FetchPage(context.Background(), 50, 100)
	require.NoError(t, err)

	assert.Equal(t, "/projects/proj_1/entries-page-views", gotPath)
	assert.Equal(t, "secret-key", gotKey)
	assert.Equal(t, "50", gotLimit)
	assert.Equal(t, "100", gotOffset)

	require.Len(t, page, 1)
	assert.Equal(t, "e1", page[0].EntryID)
	require.Len(t, page[0].PageViews, 1)
	assert.Equal(t, "welcome", page[0].PageViews[0].PageKey)
	assert.JSONEq(t, `{"email":"a@example.com"}`, string(page[0].EntryData.Object()))
}

func TestFetchPageNonSuccessStatus(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer server.Close()

	client := newClient(t, server.URL, 10, 100)
	_, err := client.FetchAll(context.Background())
	require.Error(t, err)

	var apiErr *embeddables.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Contains(t, err.Error(), "502")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "non-success responses are not retried")
}

func TestFetchAllPagination(t *testing.T) {
	t.Run("stops on a short page", func(t *testing.T) {
		var offsets []int
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
			offsets = append(offsets, offset)
			n := 10
			if offset == 20 {
				n = 3
			}
			json.NewEncoder(w).Encode(makeEntries(n, offset))
		}))
		defer server.Close()

		client := newClient(t, server.URL, 10, 1000)
		entries, err := client.FetchAll(context.Background())
		require.NoError(t, err)
		assert.Len(t, entries, 23)
		assert.Equal(t, []int{0, 10, 20}, offsets)
	})

	t.Run("stops at the safety ceiling when every page is full", func(t *testing.T) {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
			json.NewEncoder(w).Encode(makeEntries(10, offset))
		}))
		defer server.Close()

		client := newClient(t, server.URL, 10, 50)
		entries, err := client.FetchAll(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int32(5), atomic.LoadInt32(&calls))
		assert.Len(t, entries, 50)
	})

	t.Run("empty first page", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`[]`))
		}))
		defer server.Close()

		client := newClient(t, server.URL, 10, 100)
		entries, err := client.FetchAll(context.Background())
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}

func TestBreakerFailsFast(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	breaker := embeddables.NewBreaker(quietLogger())
	client := newClient(t, server.URL, 10, 100, embeddables.WithBreaker(breaker))

	for i := 0; i < embeddables.ConsecutiveFailuresToTrip; i++ {
		_, err := client.FetchPage(context.Background(), 10, 0)
		var apiErr *embeddables.APIError
		require.ErrorAs(t, err, &apiErr)
	}

	_, err := client.FetchPage(context.Background(), 10, 0)
	require.ErrorIs(t, err, embeddables.ErrUpstreamUnavailable)
	assert.Equal(t, int32(embeddables.ConsecutiveFailuresToTrip), atomic.LoadInt32(&calls))
}

func TestNewClientRequiresCredentials(t *testing.T) {
	_, err := embeddables.NewClient(embeddables.Config{BaseURL: "http://localhost"}, quietLogger())
	require.ErrorIs(t, err, config.ErrNotConfigured)
}

func TestRawDataObject(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected string
	}{
		{name: "object", raw: `{"a":1}`, expected: `{"a":1}`},
		{name: "string encoded object", raw: `"{\"a\":1}"`, expected: `{"a":1}`},
		{name: "malformed string", raw: `"{not json"`, expected: ""},
		{name: "null", raw: `null`, expected: ""},
		{name: "empty string", raw: `""`, expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var entry embeddables.Entry
			require.NoError(t, json.Unmarshal([]byte(`{"entry_id":"e","entry_data":`+tt.raw+`}`), &entry))

			got := entry.EntryData.Object()
			if tt.expected == "" {
				assert.Nil(t, got)
				return
			}
			assert.JSONEq(t, tt.expected, string(got))
		})
	}
}
