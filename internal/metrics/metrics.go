// Package metrics exposes Prometheus instrumentation for the saga stages.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the service reports. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	// Stage metrics
	StageOutcomes *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec

	// Executor metrics
	ExecutorAttempts *prometheus.CounterVec
	ExecutorSends    *prometheus.CounterVec

	// Accumulation metrics
	BatchesCommitted prometheus.Counter
	BatchesFailed    prometheus.Counter
	BatchRunDuration prometheus.Histogram

	// Queue metrics
	TasksDispatched *prometheus.CounterVec
	TasksDue        *prometheus.GaugeVec
}

// New registers all collectors on reg. A nil reg uses a fresh registry.
func New(namespace string, reg *prometheus.Registry) *Metrics {
	if namespace == "" {
		namespace = "payrelay"
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	factory := promauto.With(reg)

	return &Metrics{
		gatherer: reg,

		StageOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "outcomes_total",
			Help:      "Token deliveries handled per stage by outcome",
		}, []string{"stage", "outcome", "code"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "duration_seconds",
			Help:      "Time spent handling one delivery",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"stage"}),

		ExecutorAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "attempts_total",
			Help:      "Transaction attempts by result code",
		}, []string{"code"}),
		ExecutorSends: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "sends_total",
			Help:      "Completed send calls by status",
		}, []string{"currency", "status"}),

		BatchesCommitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "accumulation",
			Name:      "batches_committed_total",
			Help:      "Payout batches committed",
		}),
		BatchesFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "accumulation",
			Name:      "batches_failed_total",
			Help:      "Payout batches marked failed",
		}),
		BatchRunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "accumulation",
			Name:      "run_duration_seconds",
			Help:      "Duration of one threshold scan and commit pass",
			Buckets:   prometheus.DefBuckets,
		}),

		TasksDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "tasks_dispatched_total",
			Help:      "Queue deliveries by queue and result",
		}, []string{"queue", "result"}),
		TasksDue: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "tasks_claimed",
			Help:      "Tasks claimed in the latest poll",
		}, []string{"queue"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// StageHandled records one delivery outcome.
func (m *Metrics) StageHandled(stage, outcome, code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.StageOutcomes.WithLabelValues(stage, outcome, code).Inc()
	m.StageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

// ExecutorAttempt records one build/sign/broadcast/confirm cycle.
func (m *Metrics) ExecutorAttempt(code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "OK"
	}
	m.ExecutorAttempts.WithLabelValues(code).Inc()
}

// ExecutorSend records the final result of a send call.
func (m *Metrics) ExecutorSend(currency, status string) {
	if m == nil {
		return
	}
	m.ExecutorSends.WithLabelValues(currency, status).Inc()
}

// BatchRun records one accumulation pass.
func (m *Metrics) BatchRun(committed, failed int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.BatchesCommitted.Add(float64(committed))
	m.BatchesFailed.Add(float64(failed))
	m.BatchRunDuration.Observe(elapsed.Seconds())
}

// TaskDispatched records one queue delivery.
func (m *Metrics) TaskDispatched(queue, result string) {
	if m == nil {
		return
	}
	m.TasksDispatched.WithLabelValues(queue, result).Inc()
}

// TasksClaimed records how many tasks a poll claimed.
func (m *Metrics) TasksClaimed(queue string, n int) {
	if m == nil {
		return
	}
	m.TasksDue.WithLabelValues(queue).Set(float64(n))
}
