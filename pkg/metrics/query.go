package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// WorkflowMetrics represents aggregated metrics for workflows of one type.
type WorkflowMetrics struct {
	WorkflowType     string  `json:"workflow_type"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	StepsExecuted    int64   `json:"steps_executed"`
	StepErrors       int64   `json:"step_errors"`
	AverageAudit     float64 `json:"average_audit_score"`
}

// QueryService queries aggregated metrics back out of Prometheus.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a metrics query service against a Prometheus server.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{Address: prometheusURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}
	return &QueryService{client: client, queryAPI: v1.NewAPI(client)}, nil
}

// GetWorkflowMetrics retrieves aggregated step and token metrics for one
// workflow type across all agents.
func (q *QueryService) GetWorkflowMetrics(ctx context.Context, workflowType string) (*WorkflowMetrics, error) {
	metrics := &WorkflowMetrics{WorkflowType: workflowType}

	steps, err := q.scalarQuery(ctx, fmt.Sprintf(`sum(workflow_steps_total{workflow_type=%q})`, workflowType))
	if err != nil {
		return nil, fmt.Errorf("failed to query step count: %w", err)
	}
	metrics.StepsExecuted = int64(steps)

	errorsCount, err := q.scalarQuery(ctx, fmt.Sprintf(`sum(workflow_steps_total{workflow_type=%q, status="error"})`, workflowType))
	if err != nil {
		return nil, fmt.Errorf("failed to query step errors: %w", err)
	}
	metrics.StepErrors = int64(errorsCount)

	prompt, err := q.scalarQuery(ctx, `sum(llm_tokens_total{type="prompt"})`)
	if err != nil {
		return nil, fmt.Errorf("failed to query prompt tokens: %w", err)
	}
	metrics.PromptTokens = int64(prompt)

	completion, err := q.scalarQuery(ctx, `sum(llm_tokens_total{type="completion"})`)
	if err != nil {
		return nil, fmt.Errorf("failed to query completion tokens: %w", err)
	}
	metrics.CompletionTokens = int64(completion)
	metrics.TotalTokens = metrics.PromptTokens + metrics.CompletionTokens

	avgAudit, err := q.scalarQuery(ctx, fmt.Sprintf(
		`sum(audit_overall_score_sum{workflow_type=%q}) / sum(audit_overall_score_count{workflow_type=%q})`,
		workflowType, workflowType,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to query audit scores: %w", err)
	}
	metrics.AverageAudit = avgAudit

	return metrics, nil
}

// GetTokensByModel returns total token usage broken down by model.
func (q *QueryService) GetTokensByModel(ctx context.Context) (map[string]int64, error) {
	result, _, err := q.queryAPI.Query(ctx, `sum by (model) (llm_tokens_total)`, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query tokens by model: %w", err)
	}

	tokens := make(map[string]int64)
	if vector, ok := result.(model.Vector); ok {
		for _, sample := range vector {
			if modelName, ok := sample.Metric["model"]; ok {
				tokens[string(modelName)] = int64(sample.Value)
			}
		}
	}
	return tokens, nil
}

func (q *QueryService) scalarQuery(ctx context.Context, query string) (float64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, err
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return float64(vector[0].Value), nil
	}
	return 0, nil
}
