package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gameserver"

var (
	transitionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "transitions_total",
			Help:      "Count of order status transition attempts by target status and outcome (applied, noop, rejected, lost).",
		},
		[]string{"to", "outcome"},
	)
	provisionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provision",
			Name:      "attempts_total",
			Help:      "Count of provisioning attempts by outcome.",
		},
		[]string{"outcome"},
	)
	provisionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provision",
			Name:      "attempt_duration_seconds",
			Help:      "Duration of provisioning attempts.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)
	capacityCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "reservations_total",
			Help:      "Count of capacity reservation requests by outcome.",
		},
		[]string{"outcome"},
	)
	webhookCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "events_total",
			Help:      "Count of inbound billing events by type and whether they were new or replays.",
		},
		[]string{"event_type", "result"},
	)
	alertCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "notifications_total",
			Help:      "Count of operator notifications by result (sent, suppressed, failed).",
		},
		[]string{"result"},
	)
	auditGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "auditor",
			Name:      "last_sweep_orders",
			Help:      "Orders handled by the most recent auditor sweep, by action.",
		},
		[]string{"action"},
	)
)

var registerMetrics sync.Once

// Register all metrics with the default registry.
func Register() {
	registerMetrics.Do(func() {
		prometheus.MustRegister(transitionCounter)
		prometheus.MustRegister(provisionCounter)
		prometheus.MustRegister(provisionDuration)
		prometheus.MustRegister(capacityCounter)
		prometheus.MustRegister(webhookCounter)
		prometheus.MustRegister(alertCounter)
		prometheus.MustRegister(auditGauge)
	})
}

// RecordTransition records the outcome of one status transition call.
func RecordTransition(to, outcome string) {
	transitionCounter.WithLabelValues(to, outcome).Inc()
}

// RecordProvisionAttempt records a finished provisioning attempt.
func RecordProvisionAttempt(outcome string, seconds float64) {
	provisionCounter.WithLabelValues(outcome).Inc()
	provisionDuration.Observe(seconds)
}

// RecordReservation records a capacity reservation outcome.
func RecordReservation(outcome string) {
	capacityCounter.WithLabelValues(outcome).Inc()
}

// RecordWebhookEvent records an inbound billing event.
func RecordWebhookEvent(eventType, result string) {
	webhookCounter.WithLabelValues(eventType, result).Inc()
}

// RecordAlert records an alert dispatch result.
func RecordAlert(result string) {
	alertCounter.WithLabelValues(result).Inc()
}

// RecordAuditSweep publishes the per-action counts of the latest sweep.
func RecordAuditSweep(retried, repaired, failed, vanished int) {
	auditGauge.WithLabelValues("retried").Set(float64(retried))
	auditGauge.WithLabelValues("repaired").Set(float64(repaired))
	auditGauge.WithLabelValues("failed").Set(float64(failed))
	auditGauge.WithLabelValues("vanished").Set(float64(vanished))
}
