// Package observability provides Prometheus metrics instrumentation for the
// review engine.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// NODE METRICS
// =============================================================================

var (
	nodeExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docreview_node_executions_total",
			Help: "Total number of workflow node executions",
		},
		[]string{"node", "status"}, // status: success, failed
	)

	nodeDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docreview_node_duration_seconds",
			Help:    "Workflow node execution duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"node"},
	)
)

// =============================================================================
// PHASE METRICS
// =============================================================================

var (
	phaseRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docreview_phase_runs_total",
			Help: "Total number of review phase runs",
		},
		[]string{"phase", "status"}, // status: success, failed
	)

	phaseDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docreview_phase_duration_seconds",
			Help:    "Review phase duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"phase"},
	)
)

// =============================================================================
// LLM METRICS
// =============================================================================

var (
	llmCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docreview_llm_calls_total",
			Help: "Total number of LLM prompt invocations",
		},
		[]string{"prompt", "status"}, // status: success, skipped, failed
	)

	llmDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docreview_llm_duration_seconds",
			Help:    "LLM prompt invocation duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"prompt"},
	)
)

// =============================================================================
// CHANGE METRICS
// =============================================================================

var changesAppliedTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "docreview_changes_applied_total",
		Help: "Total number of suggested changes applied to documents",
	},
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordNodeExecution records workflow node metrics.
// This should be called after a node completes.
func RecordNodeExecution(node string, status string, durationMS int) {
	nodeExecutionsTotal.WithLabelValues(node, status).Inc()
	nodeDurationSeconds.WithLabelValues(node).Observe(float64(durationMS) / 1000.0)
}

// RecordPhaseRun records review phase metrics.
// This should be called after a phase entry point returns.
func RecordPhaseRun(phase string, status string, durationMS int) {
	phaseRunsTotal.WithLabelValues(phase, status).Inc()
	phaseDurationSeconds.WithLabelValues(phase).Observe(float64(durationMS) / 1000.0)
}

// RecordLLMCall records LLM prompt invocation metrics.
func RecordLLMCall(prompt string, status string, durationMS int) {
	llmCallsTotal.WithLabelValues(prompt, status).Inc()
	llmDurationSeconds.WithLabelValues(prompt).Observe(float64(durationMS) / 1000.0)
}

// RecordChangesApplied records how many changes a phase 3 run applied.
func RecordChangesApplied(count int) {
	changesAppliedTotal.Add(float64(count))
}
