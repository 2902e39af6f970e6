// Package metrics exposes Prometheus metrics for rotations and the queue
// worker.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Completion statuses.
const (
	StatusSuccess = "success"
	StatusSkipped = "skipped"
	StatusFailed  = "failed"
)

// Queue message outcomes.
const (
	QueueProcessed = "processed"
	QueueRetried   = "retried"
	QueuePoisoned  = "poisoned"
	QueueInvalid   = "invalid"
)

var (
	rotationStartedTotal   *prometheus.CounterVec
	rotationCompletedTotal *prometheus.CounterVec
	rotationDuration       *prometheus.HistogramVec
	stageFailuresTotal     *prometheus.CounterVec
	queueMessagesTotal     *prometheus.CounterVec
	notificationsDropped   prometheus.Counter

	// Registration guard
	metricsOnce       sync.Once
	metricsRegistered bool
)

// RotationMetrics records rotation and queue metrics. Recording before
// InitMetrics is a no-op.
type RotationMetrics struct{}

// NewRotationMetrics creates a new RotationMetrics instance.
func NewRotationMetrics() *RotationMetrics {
	return &RotationMetrics{}
}

// InitMetrics registers every metric with the default registry.
func InitMetrics() {
	metricsOnce.Do(func() {
		rotationStartedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kvrotate_rotation_started_total",
				Help: "Total number of rotations started",
			},
			[]string{"vault"},
		)

		rotationCompletedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kvrotate_rotation_completed_total",
				Help: "Total number of rotations finished, by status",
			},
			[]string{"vault", "status"},
		)

		rotationDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kvrotate_rotation_duration_seconds",
				Help:    "Duration of rotations in seconds",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"status"},
		)

		stageFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kvrotate_stage_failures_total",
				Help: "Rotation failures by the last stage reached and error kind",
			},
			[]string{"stage", "kind"},
		)

		queueMessagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kvrotate_queue_messages_total",
				Help: "Queue messages handled, by outcome",
			},
			[]string{"outcome"},
		)

		notificationsDropped = promauto.NewCounter(prometheus.CounterOpts{
			Name: "kvrotate_notifications_dropped_total",
			Help: "Total number of notification events dropped due to queue overflow",
		})

		metricsRegistered = true
	})
}

// RecordRotationStarted counts a rotation attempt for vault.
func (m *RotationMetrics) RecordRotationStarted(vault string) {
	if !metricsRegistered {
		return
	}
	rotationStartedTotal.WithLabelValues(vault).Inc()
}

// RecordRotationCompleted records the outcome and duration of a rotation.
func (m *RotationMetrics) RecordRotationCompleted(vault, status string, durationSeconds float64) {
	if !metricsRegistered {
		return
	}
	rotationCompletedTotal.WithLabelValues(vault, status).Inc()
	rotationDuration.WithLabelValues(status).Observe(durationSeconds)
}

// RecordStageFailure counts a failed rotation by stage and error kind.
func (m *RotationMetrics) RecordStageFailure(stage, kind string) {
	if !metricsRegistered {
		return
	}
	stageFailuresTotal.WithLabelValues(stage, kind).Inc()
}

// RecordQueueMessage counts a handled queue message.
func (m *RotationMetrics) RecordQueueMessage(outcome string) {
	if !metricsRegistered {
		return
	}
	queueMessagesTotal.WithLabelValues(outcome).Inc()
}

// RecordNotificationDropped counts a notification event lost to a full
// dispatch queue.
func (m *RotationMetrics) RecordNotificationDropped() {
	if !metricsRegistered {
		return
	}
	notificationsDropped.Inc()
}

// GetRotationStartedTotal returns the rotation started counter for testing.
func GetRotationStartedTotal() *prometheus.CounterVec {
	return rotationStartedTotal
}

// GetRotationCompletedTotal returns the rotation completed counter for testing.
func GetRotationCompletedTotal() *prometheus.CounterVec {
	return rotationCompletedTotal
}

// GetStageFailuresTotal returns the stage failure counter for testing.
func GetStageFailuresTotal() *prometheus.CounterVec {
	return stageFailuresTotal
}

// GetQueueMessagesTotal returns the queue message counter for testing.
func GetQueueMessagesTotal() *prometheus.CounterVec {
	return queueMessagesTotal
}

// GetNotificationsDropped returns the dropped notification counter for testing.
func GetNotificationsDropped() prometheus.Counter {
	return notificationsDropped
}

// IsMetricsRegistered returns whether metrics have been initialized.
func IsMetricsRegistered() bool {
	return metricsRegistered
}
