// Printrelay - Merchant Order Ingestion and Receipt Printing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/printrelay

// Package metrics holds the Prometheus instrumentation for Printrelay,
// served on /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion
	PollCycles = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "printrelay_poll_cycles_total",
			Help: "Total number of order poll cycles run",
		},
	)

	PollOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "printrelay_poll_outcomes_total",
			Help: "Poll cycle outcomes by diagnostic label",
		},
		[]string{"outcome"}, // ok, unauthenticated, auth_error, fetch_failed, html_page, ...
	)

	PollDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "printrelay_poll_duration_seconds",
			Help:    "Duration of a poll cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	OrdersIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "printrelay_orders_ingested_total",
			Help: "Orders upserted into the order store",
		},
		[]string{"kind"}, // new, existing
	)

	RecordsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "printrelay_records_skipped_total",
			Help: "Upstream order records skipped as malformed",
		},
	)

	// Printing
	PrintAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "printrelay_print_attempts_total",
			Help: "Print dispatches by trigger path and result",
		},
		[]string{"path", "result"}, // result: success, failure, empty
	)

	PrintDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "printrelay_print_duration_seconds",
			Help:    "Printer transport send duration",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"printer"},
	)

	// Realtime
	RealtimeEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "printrelay_realtime_events_total",
			Help: "Realtime listener events by kind",
		},
		[]string{"kind"}, // message, paid, deduped, dropped
	)

	RealtimeReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "printrelay_realtime_reconnects_total",
			Help: "Realtime reconnects scheduled and completed",
		},
		[]string{"phase"},
	)

	RealtimeState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "printrelay_realtime_state",
			Help: "Realtime connection state (0=disconnected, 1=connecting, 2=connected)",
		},
	)

	// Queue
	QueueJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "printrelay_queue_jobs_total",
			Help: "Print queue job executions by result",
		},
		[]string{"result"}, // enqueued, done, failed, recovered
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "printrelay_queue_depth",
			Help: "Jobs left in the print queue after the last drain",
		},
	)

	// Outbox
	OutboxMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "printrelay_outbox_messages_total",
			Help: "Remote mark-printed notifications by result",
		},
		[]string{"result"}, // buffered, published, delivered, exhausted, malformed, dropped
	)

	// Circuit breakers
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker",
		},
		[]string{"name", "result"}, // result: "success", "failure", "rejected"
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)

	// HTTP API
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "Duration of API requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)
)

// RecordPoll records a finished poll cycle.
func RecordPoll(outcome string, duration time.Duration) {
	PollCycles.Inc()
	PollOutcomes.WithLabelValues(outcome).Inc()
	PollDuration.Observe(duration.Seconds())
}

// RecordPrint records one printer dispatch.
func RecordPrint(path, printerID, result string, duration time.Duration) {
	PrintAttempts.WithLabelValues(path, result).Inc()
	if result != "empty" {
		PrintDuration.WithLabelValues(printerID).Observe(duration.Seconds())
	}
}

// RecordAPIRequest records an HTTP request.
func RecordAPIRequest(method, endpoint string, statusCode int, duration time.Duration) {
	code := strconv.Itoa(statusCode)
	APIRequestDuration.WithLabelValues(method, endpoint, code).Observe(duration.Seconds())
	APIRequestsTotal.WithLabelValues(method, endpoint, code).Inc()
}
