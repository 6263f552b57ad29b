package embeddables

import (
	"log/slog"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"funnelsync/internal/metrics"
)

const breakerName = "embeddables-api"

// ConsecutiveFailuresToTrip is how many failed page requests in a row open the breaker.
const ConsecutiveFailuresToTrip = 5

// NewBreaker builds the circuit breaker shared by every client in the process.
// While open, page requests fail immediately with ErrUpstreamUnavailable.
func NewBreaker(logger *slog.Logger) *gobreaker.CircuitBreaker[[]Entry] {
	metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(0)

	return gobreaker.NewCircuitBreaker[[]Entry](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= ConsecutiveFailuresToTrip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				slog.String("name", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	})
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
