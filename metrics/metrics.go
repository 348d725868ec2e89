package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Store
	StoreOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "social_store_op_duration_seconds",
			Help:    "Duration of record store operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"driver", "operation"},
	)

	StoreOpErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "social_store_op_errors_total",
			Help: "Record store operations that failed with an infrastructure error",
		},
		[]string{"driver", "operation"},
	)

	StoreBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "social_store_breaker_state",
			Help: "Store circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	// Expiry
	PurgedRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "social_purged_records_total",
			Help: "Expired records physically removed by the sweeper",
		},
		[]string{"kind"},
	)

	PurgeRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "social_purge_runs_total",
			Help: "Expiry sweep runs by outcome",
		},
		[]string{"outcome"},
	)

	// Domain
	RequestsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "social_connection_requests_created_total",
			Help: "Connection requests created",
		},
	)

	ConnectionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "social_connections_created_total",
			Help: "Connections created by accepting a request",
		},
	)

	MessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "social_messages_sent_total",
			Help: "Direct messages stored",
		},
	)

	// API
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "social_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "route", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "social_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"method", "route"},
	)

	APIActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "social_api_active_requests",
			Help: "Current number of in-flight API requests",
		},
	)
)

// RecordStoreOp observes one store call. err should only be non-nil for
// infrastructure failures; domain outcomes are not errors here.
func RecordStoreOp(driver, operation string, duration time.Duration, err error) {
	StoreOpDuration.WithLabelValues(driver, operation).Observe(duration.Seconds())
	if err != nil {
		StoreOpErrors.WithLabelValues(driver, operation).Inc()
	}
}

// RecordAPIRequest observes one finished HTTP request.
func RecordAPIRequest(method, route, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, route, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// TrackActiveRequest moves the in-flight gauge.
func TrackActiveRequest(inc bool) {
	if inc {
		APIActiveRequests.Inc()
	} else {
		APIActiveRequests.Dec()
	}
}

// RecordPurge observes one sweep run.
func RecordPurge(requests, messages int64, err error) {
	if err != nil {
		PurgeRuns.WithLabelValues("error").Inc()
		return
	}
	PurgeRuns.WithLabelValues("ok").Inc()
	PurgedRecords.WithLabelValues("connection_request").Add(float64(requests))
	PurgedRecords.WithLabelValues("message").Add(float64(messages))
}
