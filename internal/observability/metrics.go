package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seating_requests_total",
			Help: "Total number of requests",
		},
		[]string{"route", "code", "method"},
	)

	DBTxDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "seating_db_tx_seconds",
			Help:    "Duration of DB transactions",
			Buckets: prometheus.DefBuckets,
		},
	)

	HoldsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seating_holds_total",
			Help: "Hold attempts by outcome",
		},
		[]string{"outcome"},
	)

	ConfirmsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seating_confirms_total",
			Help: "Confirm attempts by outcome",
		},
		[]string{"outcome"},
	)

	SeatsReleasedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "seating_seats_released_total",
			Help: "Seats released by the expiry sweep",
		},
	)

	SweepFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "seating_sweep_failures_total",
			Help: "Expiry sweep cycles that failed",
		},
	)

	OutboxLag = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "seating_outbox_lag_seconds",
			Help: "Age of the oldest outbox record published in the last cycle",
		},
	)

	RabbitPublishRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "seating_rabbit_publish_retries_total",
			Help: "Total rabbit publish retries",
		},
	)

	RateLimitExceeded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "seating_rate_limit_exceeded_total",
			Help: "Total rate limit exceeded",
		},
	)
)

var registerOnce sync.Once

func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			RequestsTotal,
			DBTxDuration,
			HoldsTotal,
			ConfirmsTotal,
			SeatsReleasedTotal,
			SweepFailuresTotal,
			OutboxLag,
			RabbitPublishRetries,
			RateLimitExceeded,
		)
	})
}
