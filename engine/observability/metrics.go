// Package observability provides Prometheus metrics instrumentation for the engine.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// PIPELINE METRICS
// =============================================================================

var (
	pipelineRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atelier_pipeline_runs_total",
			Help: "Total number of pipeline runs",
		},
		[]string{"pipeline", "status"}, // status: success, partial_failure, failed
	)

	pipelineDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "atelier_pipeline_duration_seconds",
			Help:    "Pipeline run duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"pipeline"},
	)
)

// =============================================================================
// ROLE METRICS
// =============================================================================

var (
	roleInvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atelier_role_invocations_total",
			Help: "Total number of role invocations",
		},
		[]string{"role", "status"}, // status: success, error, empty
	)

	roleDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "atelier_role_duration_seconds",
			Help:    "Role invocation duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"role"},
	)
)

// =============================================================================
// GENERATION CALL METRICS
// =============================================================================

var (
	generationCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atelier_generation_calls_total",
			Help: "Total number of outbound generation API calls",
		},
		[]string{"provider", "model", "status"}, // status: success, error
	)

	generationDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "atelier_generation_duration_seconds",
			Help:    "Generation API call duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordPipelineRun records pipeline run metrics.
// This should be called after a run completes.
func RecordPipelineRun(pipeline string, status string, durationMS int) {
	pipelineRunsTotal.WithLabelValues(pipeline, status).Inc()
	pipelineDurationSeconds.WithLabelValues(pipeline).Observe(float64(durationMS) / 1000.0)
}

// RecordRoleInvocation records role invocation metrics.
// This should be called after a role invocation completes.
func RecordRoleInvocation(role string, status string, durationMS int) {
	roleInvocationsTotal.WithLabelValues(role, status).Inc()
	roleDurationSeconds.WithLabelValues(role).Observe(float64(durationMS) / 1000.0)
}

// RecordGenerationCall records outbound generation call metrics.
// This should be called after the HTTP round trip completes.
func RecordGenerationCall(provider string, model string, status string, durationMS int) {
	generationCallsTotal.WithLabelValues(provider, model, status).Inc()
	generationDurationSeconds.WithLabelValues(provider, model).Observe(float64(durationMS) / 1000.0)
}
