// Package metrics provides Prometheus-based metrics recording and querying
// for workflow and LLM operations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder records workflow step and LLM request metrics.
type PrometheusRecorder struct {
	stepsTotal      *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	retriesTotal    *prometheus.CounterVec
	workflowsTotal  *prometheus.CounterVec
	llmRequests     *prometheus.CounterVec
	llmTokensTotal  *prometheus.CounterVec
	llmDuration     *prometheus.HistogramVec
	auditScores     *prometheus.HistogramVec
	activeWorkflows prometheus.Gauge
}

// NewPrometheusRecorder creates a recorder with all collectors registered on
// the default registry. Create at most one per process.
func NewPrometheusRecorder() *PrometheusRecorder {
	return &PrometheusRecorder{
		stepsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_steps_total",
				Help: "Total number of workflow steps executed by workflow type, agent, and status",
			},
			[]string{"workflow_type", "agent", "status"},
		),
		stepDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "workflow_step_duration_seconds",
				Help:    "Duration of workflow steps in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"workflow_type", "agent"},
		),
		retriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_step_retries_total",
				Help: "Total number of step retry attempts",
			},
			[]string{"workflow_type", "agent"},
		),
		workflowsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflows_total",
				Help: "Total number of workflows by type and terminal status",
			},
			[]string{"workflow_type", "status"},
		),
		llmRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_requests_total",
				Help: "Total number of LLM requests by model, agent, and status",
			},
			[]string{"model", "agent", "status"},
		),
		llmTokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_tokens_total",
				Help: "Total number of tokens used in LLM requests",
			},
			[]string{"model", "agent", "type"},
		),
		llmDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llm_request_duration_seconds",
				Help:    "Duration of LLM requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model", "agent"},
		),
		auditScores: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "audit_overall_score",
				Help:    "Distribution of audit overall scores (0-100)",
				Buckets: prometheus.LinearBuckets(0, 10, 11),
			},
			[]string{"workflow_type"},
		),
		activeWorkflows: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "workflows_active",
				Help: "Number of workflows currently running",
			},
		),
	}
}

// ObserveStep records one completed workflow step execution.
func (p *PrometheusRecorder) ObserveStep(workflowType, agent string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	p.stepsTotal.WithLabelValues(workflowType, agent, status).Inc()
	p.stepDuration.WithLabelValues(workflowType, agent).Observe(duration.Seconds())
}

// IncRetry records one step retry attempt.
func (p *PrometheusRecorder) IncRetry(workflowType, agent string) {
	p.retriesTotal.WithLabelValues(workflowType, agent).Inc()
}

// ObserveWorkflow records a workflow reaching a terminal status.
func (p *PrometheusRecorder) ObserveWorkflow(workflowType, status string) {
	p.workflowsTotal.WithLabelValues(workflowType, status).Inc()
}

// ObserveLLMRequest records one completed LLM request.
func (p *PrometheusRecorder) ObserveLLMRequest(model, agent string, promptTokens, completionTokens int, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	p.llmRequests.WithLabelValues(model, agent, status).Inc()
	if success {
		p.llmTokensTotal.WithLabelValues(model, agent, "prompt").Add(float64(promptTokens))
		p.llmTokensTotal.WithLabelValues(model, agent, "completion").Add(float64(completionTokens))
	}
	p.llmDuration.WithLabelValues(model, agent).Observe(duration.Seconds())
}

// ObserveAuditScore records an audit overall score.
func (p *PrometheusRecorder) ObserveAuditScore(workflowType string, score float64) {
	p.auditScores.WithLabelValues(workflowType).Observe(score)
}

// WorkflowStarted increments the active workflow gauge.
func (p *PrometheusRecorder) WorkflowStarted() {
	p.activeWorkflows.Inc()
}

// WorkflowFinished decrements the active workflow gauge.
func (p *PrometheusRecorder) WorkflowFinished() {
	p.activeWorkflows.Dec()
}
