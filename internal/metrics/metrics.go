// Package metrics exposes the Prometheus instruments for sync runs, upstream calls,
// webhook deliveries and the analytics cache.
package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "funnelsync_sync_runs_total",
			Help: "Total number of batch sync runs by outcome",
		},
		[]string{"status"},
	)

	SyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "funnelsync_sync_duration_seconds",
			Help:    "Duration of batch sync runs in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	EntriesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "funnelsync_entries_processed_total",
			Help: "Total number of entries reconciled",
		},
		[]string{"source"}, // "sync", "webhook"
	)

	UpstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "funnelsync_upstream_requests_total",
			Help: "Requests made to the Embeddables API by outcome",
		},
		[]string{"status"}, // "success", "failure", "rejected"
	)

	UpstreamDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "funnelsync_upstream_request_duration_seconds",
			Help:    "Duration of Embeddables API page requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "funnelsync_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "funnelsync_webhook_events_total",
			Help: "Webhook deliveries by event type and outcome",
		},
		[]string{"event", "status"},
	)

	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "funnelsync_cache_lookups_total",
			Help: "Analytics cache lookups by result",
		},
		[]string{"result"}, // "hit", "miss", "error"
	)

	AlertsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "funnelsync_alerts_sent_total",
			Help: "Alerts delivered to Slack by severity",
		},
		[]string{"severity"},
	)
)

// Handler serves the default registry in the Prometheus exposition format.
func Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
