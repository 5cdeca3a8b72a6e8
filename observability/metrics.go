package observability

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	erpMetricsOnce sync.Once
	erpRegistry    *ERPMetrics

	runMetricsOnce sync.Once
	runRegistry    *RunMetrics

	approvalMetricsOnce sync.Once
	approvalRegistry    *ApprovalMetrics
)

// ERPMetrics exposes Prometheus collectors for the upstream ERP client.
type ERPMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	retries  *prometheus.CounterVec
}

// ERP returns the lazily-initialised ERP client metrics registry.
func ERP() *ERPMetrics {
	erpMetricsOnce.Do(func() {
		erpRegistry = &ERPMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "acct",
				Subsystem: "erp",
				Name:      "requests_total",
				Help:      "Total ERP API requests segmented by endpoint and outcome.",
			}, []string{"endpoint", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "acct",
				Subsystem: "erp",
				Name:      "errors_total",
				Help:      "Total ERP API errors segmented by endpoint and status code.",
			}, []string{"endpoint", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "acct",
				Subsystem: "erp",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for ERP API calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"endpoint"}),
			retries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "acct",
				Subsystem: "erp",
				Name:      "retries_total",
				Help:      "Count of ERP calls retried after a retryable failure.",
			}, []string{"endpoint"}),
		}
		prometheus.MustRegister(
			erpRegistry.requests,
			erpRegistry.errors,
			erpRegistry.latency,
			erpRegistry.retries,
		)
	})
	return erpRegistry
}

// ObserveCall records the outcome of one ERP request attempt.
func (m *ERPMetrics) ObserveCall(endpoint string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if status == 0 || status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(endpoint, outcome).Inc()
	if outcome == "error" {
		m.errors.WithLabelValues(endpoint, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordRetry increments the retry counter for the endpoint.
func (m *ERPMetrics) RecordRetry(endpoint string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(endpoint).Inc()
}

// RunMetrics captures dispatcher activity.
type RunMetrics struct {
	dispatched *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	retries    *prometheus.CounterVec
	queueDepth prometheus.Gauge
}

// Runs returns the singleton dispatcher metrics registry.
func Runs() *RunMetrics {
	runMetricsOnce.Do(func() {
		runRegistry = &RunMetrics{
			dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "acct",
				Subsystem: "dispatch",
				Name:      "runs_total",
				Help:      "Count of dispatched runs segmented by run type and terminal status.",
			}, []string{"run_type", "status"}),
			duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "acct",
				Subsystem: "dispatch",
				Name:      "run_duration_seconds",
				Help:      "Wall-clock duration of workflow runs.",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			}, []string{"run_type"}),
			retries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "acct",
				Subsystem: "dispatch",
				Name:      "retries_total",
				Help:      "Count of workflow attempts retried by the dispatcher.",
			}, []string{"run_type"}),
			queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "acct",
				Subsystem: "dispatch",
				Name:      "queue_depth",
				Help:      "Number of runs waiting in the dispatch queue.",
			}),
		}
		prometheus.MustRegister(
			runRegistry.dispatched,
			runRegistry.duration,
			runRegistry.retries,
			runRegistry.queueDepth,
		)
	})
	return runRegistry
}

// ObserveRun records one terminal run outcome.
func (m *RunMetrics) ObserveRun(runType, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(runType, status).Inc()
	m.duration.WithLabelValues(runType).Observe(duration.Seconds())
}

// RecordRetry increments the dispatcher retry counter for the run type.
func (m *RunMetrics) RecordRetry(runType string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(runType).Inc()
}

// SetQueueDepth publishes the current dispatch queue depth.
func (m *RunMetrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// ApprovalMetrics captures maker-checker decision outcomes.
type ApprovalMetrics struct {
	decisions *prometheus.CounterVec
}

// Approvals returns the singleton approval metrics registry.
func Approvals() *ApprovalMetrics {
	approvalMetricsOnce.Do(func() {
		approvalRegistry = &ApprovalMetrics{
			decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "acct",
				Subsystem: "approval",
				Name:      "decisions_total",
				Help:      "Count of approval requests segmented by decision and outcome.",
			}, []string{"decision", "outcome"}),
		}
		prometheus.MustRegister(approvalRegistry.decisions)
	})
	return approvalRegistry
}

// Observe records an approval request outcome. Outcomes are stable strings
// such as "recorded", "replayed", "maker_checker", "terminal", "evidence"
// so dashboards and alerts remain consistent.
func (m *ApprovalMetrics) Observe(decision, outcome string) {
	if m == nil {
		return
	}
	if decision == "" {
		decision = "unknown"
	}
	m.decisions.WithLabelValues(decision, outcome).Inc()
}
