// Package metrics holds the Prometheus collectors shared by the workers, the
// mail transport and the event intake.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DeliveryOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailnexy",
			Subsystem: "delivery",
			Name:      "outcomes_total",
			Help:      "Delivery candidates processed, by outcome and reason.",
		},
		[]string{"outcome", "reason"}, // outcome: sent, skipped, failed, retry, delayed
	)

	DeliveryRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mailnexy",
			Subsystem: "delivery",
			Name:      "run_duration_seconds",
			Help:      "Duration of one delivery scheduler run.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	DeliveryRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailnexy",
			Subsystem: "delivery",
			Name:      "runs_total",
			Help:      "Delivery scheduler runs, by result.",
		},
		[]string{"result"}, // ok, error, locked
	)

	PacingWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mailnexy",
			Subsystem: "delivery",
			Name:      "pacing_wait_seconds",
			Help:      "Time spent waiting on the minimum send gap.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	SMTPDispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailnexy",
			Subsystem: "smtp",
			Name:      "dispatches_total",
			Help:      "SMTP dispatch attempts, by outcome kind and reason.",
		},
		[]string{"kind", "reason"},
	)

	SMTPCircuitTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailnexy",
			Subsystem: "smtp",
			Name:      "circuit_transitions_total",
			Help:      "Per-sender circuit breaker state changes, by target state.",
		},
		[]string{"to"},
	)

	InboundMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailnexy",
			Subsystem: "inbound",
			Name:      "messages_total",
			Help:      "Inbound messages classified by the reply worker, by protocol and reason.",
		},
		[]string{"protocol", "reason"},
	)

	InboundSessionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailnexy",
			Subsystem: "inbound",
			Name:      "session_errors_total",
			Help:      "Mailbox sessions that failed to connect or fetch.",
		},
		[]string{"protocol"},
	)

	EventsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailnexy",
			Subsystem: "events",
			Name:      "recorded_total",
			Help:      "Reply and bounce events handled by the recorder.",
		},
		[]string{"type", "status", "reason"},
	)
)
