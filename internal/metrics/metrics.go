// Package metrics exposes Prometheus metrics for rule processing, the action
// outbox, batch actions and provider calls.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Rule Metrics
	EmailsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrules_emails_processed_total",
		Help: "Total number of emails run through the rule engine",
	}, []string{"result"})

	RuleEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrules_rule_evaluations_total",
		Help: "Total rule evaluations by outcome",
	}, []string{"outcome"})

	ActionsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrules_actions_executed_total",
		Help: "Total actions executed by kind and result",
	}, []string{"kind", "result"})

	ProcessingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mailrules_processing_duration_seconds",
		Help:    "Time taken to match and execute rules for one email",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
	})

	// Outbox Metrics
	OutboxTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrules_outbox_transitions_total",
		Help: "Total outbox state transitions by target status",
	}, []string{"status"})

	OutboxDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mailrules_outbox_depth",
		Help: "Current number of outbox actions by status",
	}, []string{"status"})

	OutboxActionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mailrules_outbox_action_duration_seconds",
		Help:    "Time taken to run one outbox action",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"type"})

	OutboxRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailrules_outbox_recovered_total",
		Help: "Total stale outbox actions returned to pending or failed",
	})

	// Batch Metrics
	BatchItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrules_batch_items_total",
		Help: "Total batch items by result",
	}, []string{"result"})

	// Provider Metrics
	ProviderCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrules_provider_calls_total",
		Help: "Total provider calls by operation and error class",
	}, []string{"op", "class"})

	CircuitTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrules_circuit_transitions_total",
		Help: "Total owner circuit state changes by new state",
	}, []string{"state"})

	CircuitsNotClosed = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mailrules_circuits",
		Help: "Owners whose circuit is open or half-open",
	}, []string{"state"})

	// Deduplication Metrics
	DuplicateEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailrules_duplicate_events_total",
		Help: "Total email events skipped as duplicates",
	})

	// Error Metrics
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrules_errors_total",
		Help: "Total errors by component",
	}, []string{"component", "type"})
)

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// RecordEmail records one processed email with its duration.
func RecordEmail(success bool, d time.Duration) {
	EmailsProcessed.WithLabelValues(result(success)).Inc()
	ProcessingDuration.Observe(d.Seconds())
}

// RecordEvaluation records one rule evaluation.
func RecordEvaluation(matched bool) {
	outcome := "unmatched"
	if matched {
		outcome = "matched"
	}
	RuleEvaluations.WithLabelValues(outcome).Inc()
}

// RecordAction records an executed action of the given kind.
func RecordAction(kind string, success bool) {
	ActionsExecuted.WithLabelValues(kind, result(success)).Inc()
}

// RecordTransition records an outbox action moving to status.
func RecordTransition(status string) {
	OutboxTransitions.WithLabelValues(status).Inc()
}

// RecordOutboxAction records the run time of one outbox action.
func RecordOutboxAction(actionType string, d time.Duration) {
	OutboxActionDuration.WithLabelValues(actionType).Observe(d.Seconds())
}

// SetOutboxDepth replaces the per-status outbox gauges.
func SetOutboxDepth(counts map[string]int) {
	for status, n := range counts {
		OutboxDepth.WithLabelValues(status).Set(float64(n))
	}
}

// RecordBatchItem records one batch item result.
func RecordBatchItem(success bool) {
	BatchItems.WithLabelValues(result(success)).Inc()
}

// RecordProviderCall records a provider call and its error class.
func RecordProviderCall(op, class string) {
	ProviderCalls.WithLabelValues(op, class).Inc()
}

// RecordCircuitTransition records an owner circuit moving between states.
// Closed circuits are not counted in CircuitsNotClosed since every owner
// starts closed.
func RecordCircuitTransition(from, to string) {
	CircuitTransitions.WithLabelValues(to).Inc()
	if from != "closed" {
		CircuitsNotClosed.WithLabelValues(from).Dec()
	}
	if to != "closed" {
		CircuitsNotClosed.WithLabelValues(to).Inc()
	}
}

// RecordError records an error
func RecordError(component, errorType string) {
	Errors.WithLabelValues(component, errorType).Inc()
}
