// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routing_messages_routed_total",
			Help: "Total number of messages successfully routed",
		},
		[]string{"requested_level", "actual_level"},
	)

	FallbackApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routing_fallback_applied_total",
			Help: "Total number of messages routed above their requested level",
		},
		[]string{"requested_level", "actual_level"},
	)

	ResolutionFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routing_resolution_failures_total",
			Help: "Total number of sends that exhausted the fallback chain",
		},
		[]string{"requested_level"},
	)

	SendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "routing_send_duration_seconds",
			Help: "Duration of the send path in seconds",
		},
		[]string{"outcome"},
	)

	DirectoryCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "routing_directory_cache_hits_total",
			Help: "Coordinator directory lookups served from cache",
		},
	)

	DirectoryCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "routing_directory_cache_misses_total",
			Help: "Coordinator directory lookups that fell through to storage",
		},
	)

	NotificationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routing_notification_attempts_total",
			Help: "Notification delivery attempts by result",
		},
		[]string{"result"},
	)

	NotificationExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "routing_notification_exhausted_total",
			Help: "Notification jobs that used their full retry budget",
		},
	)

	NotificationJobsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "routing_notification_jobs_active",
			Help: "Notification jobs currently being processed",
		},
	)
)
