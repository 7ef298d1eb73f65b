// Package metrics exposes Prometheus instrumentation for the channel
// subsystem.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhooksIngested counts inbound webhook deliveries by platform and
	// outcome (accepted, ignored, rejected).
	WebhooksIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "omnihub",
		Subsystem: "channels",
		Name:      "webhooks_ingested_total",
		Help:      "Inbound webhook deliveries by platform and outcome.",
	}, []string{"platform", "outcome"})

	// MessagesSent counts outbound sends by platform and outcome
	// (success or the error type).
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "omnihub",
		Subsystem: "channels",
		Name:      "messages_sent_total",
		Help:      "Outbound message sends by platform and outcome.",
	}, []string{"platform", "outcome"})

	// SendDuration observes outbound send latency per platform.
	SendDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "omnihub",
		Subsystem: "channels",
		Name:      "send_duration_seconds",
		Help:      "Outbound send latency by platform.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"platform"})

	// ErrorsClassified counts provider failures by classified type.
	ErrorsClassified = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "omnihub",
		Subsystem: "channels",
		Name:      "errors_classified_total",
		Help:      "Provider failures by classified error type.",
	}, []string{"platform", "type"})

	// RefreshJobTransitions counts refresh job state transitions.
	RefreshJobTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "omnihub",
		Subsystem: "refresh",
		Name:      "job_transitions_total",
		Help:      "Credential refresh job state transitions.",
	}, []string{"status"})

	// RefreshQueueDepth tracks the number of jobs waiting in the queue.
	RefreshQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "omnihub",
		Subsystem: "refresh",
		Name:      "queue_depth",
		Help:      "Refresh jobs currently queued.",
	})
)
