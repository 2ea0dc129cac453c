// Chatsync - Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatsync

// Package metrics defines the Prometheus collectors for chatsync:
// job queue throughput, ledger classification, full reloads, message
// ingestion, the push transport, the pull API and its circuit breaker.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Job Queue Metrics
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_jobs_processed_total",
			Help: "Total number of per-aggregate jobs processed",
		},
		[]string{"result"}, // "success", "error", "panic"
	)

	JobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatsync_job_duration_seconds",
			Help:    "Duration of per-aggregate jobs in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	JobsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_jobs_pending",
			Help: "Current number of queued or running jobs",
		},
	)

	QueueWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_queue_workers",
			Help: "Current number of live per-aggregate workers",
		},
	)

	// Notification Metrics
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_notifications_total",
			Help: "Total number of notifications by kind and ledger relation",
		},
		[]string{"kind", "relation"}, // relation: "stale", "sequential", "gap", "self_echo", "malformed"
	)

	FullReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_full_reloads_total",
			Help: "Total number of gap-triggered full reloads",
		},
		[]string{"kind", "result"},
	)

	// Ingestion Metrics
	MessagesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_messages_ingested_total",
			Help: "Total number of message envelopes by ingestion outcome",
		},
		[]string{"result"}, // "accepted", "duplicate", "rejected", "absorbed", "repromoted"
	)

	GapFillMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_gap_fill_messages_total",
			Help: "Total number of messages pulled to fill sequence gaps",
		},
	)

	ReceiptsFlushed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_receipts_flushed_total",
			Help: "Total number of coalesced read receipt batches applied",
		},
	)

	// WebSocket Metrics
	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_websocket_connections",
			Help: "Current number of active push sessions",
		},
	)

	WSMessagesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_websocket_messages_received_total",
			Help: "Total number of push frames received",
		},
	)

	WSErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_websocket_errors_total",
			Help: "Total number of push transport errors",
		},
		[]string{"error_type"},
	)

	EventsConfirmed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_events_confirmed_total",
			Help: "Total number of transport events acknowledged",
		},
	)

	// Connection Supervisor Metrics
	ConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_connection_state",
			Help: "Connection state (0=offline, 1=connecting, 2=online, 3=reconnecting, 4=unauthorized)",
		},
	)

	ReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_reconnect_attempts_total",
			Help: "Total number of reconnect attempts",
		},
	)

	// Remote API Metrics
	RemoteRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatsync_remote_request_duration_seconds",
			Help:    "Duration of pull API requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "status"},
	)

	// Circuit Breaker Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatsync_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker",
		},
		[]string{"name", "result"}, // result: "success", "failure", "rejected"
	)

	CircuitBreakerConsecutiveFailures = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatsync_circuit_breaker_consecutive_failures",
			Help: "Number of consecutive failures in circuit breaker",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_circuit_breaker_state_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)

	// Storage Metrics
	StorageGCRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_storage_gc_runs_total",
			Help: "Total number of value log GC runs",
		},
		[]string{"result"},
	)

	// API Metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_api_requests_total",
			Help: "Total number of status API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatsync_api_request_duration_seconds",
			Help:    "Duration of status API requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	APIActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_api_active_requests",
			Help: "Number of status API requests in flight",
		},
	)

	StreamClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_stream_clients",
			Help: "Number of connected /v1/events websocket clients",
		},
	)

	StreamMessagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_stream_messages_dropped_total",
			Help: "Change stream messages dropped because a buffer was full",
		},
		[]string{"reason"}, // hub_full, client_full
	)
)

// RecordJob records a finished job.
func RecordJob(duration time.Duration, err error, panicked bool) {
	JobDuration.Observe(duration.Seconds())
	switch {
	case panicked:
		JobsProcessed.WithLabelValues("panic").Inc()
	case err != nil:
		JobsProcessed.WithLabelValues("error").Inc()
	default:
		JobsProcessed.WithLabelValues("success").Inc()
	}
}

// RecordNotification records how a notification was classified.
func RecordNotification(kind, relation string) {
	NotificationsTotal.WithLabelValues(kind, relation).Inc()
}

// RecordReload records a full reload outcome.
func RecordReload(kind string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	FullReloads.WithLabelValues(kind, result).Inc()
}

// RecordIngest records an ingestion outcome.
func RecordIngest(result string) {
	MessagesIngested.WithLabelValues(result).Inc()
}

// RecordRemoteRequest records a pull API request. status is the HTTP status
// code, or 0 for transport errors.
func RecordRemoteRequest(endpoint string, status int, duration time.Duration) {
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	RemoteRequestDuration.WithLabelValues(endpoint, label).Observe(duration.Seconds())
}

// RecordAPIRequest records an API request metric
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// TrackActiveRequest increments or decrements the in-flight request gauge.
func TrackActiveRequest(start bool) {
	if start {
		APIActiveRequests.Inc()
		return
	}
	APIActiveRequests.Dec()
}

// RecordStorageGC records a value log GC run.
func RecordStorageGC(err error) {
	if err != nil {
		StorageGCRuns.WithLabelValues("failure").Inc()
		return
	}
	StorageGCRuns.WithLabelValues("success").Inc()
}
