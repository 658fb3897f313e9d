package agent

import (
	"context"
	"strings"
	"time"

	"siteforge/pkg/logx"
)

// Harness wraps an Agent with mandatory metrics recording and post-execution
// validation. It composes the metrics recorder rather than baking it into the
// agent implementations, so every concrete agent stays a plain two-method
// type. The orchestrator only ever calls ExecuteWithMetrics, never Execute.
type Harness struct {
	agent   Agent
	metrics *Metrics
	logger  *logx.Logger
}

// NewHarness wires an agent to its metrics record.
func NewHarness(a Agent, metrics *Metrics) *Harness {
	return &Harness{
		agent:   a,
		metrics: metrics,
		logger:  logx.NewLogger(a.Name()),
	}
}

// Agent returns the wrapped agent.
func (h *Harness) Agent() Agent {
	return h.agent
}

// Metrics returns the wrapped agent's metrics record.
func (h *Harness) Metrics() *Metrics {
	return h.metrics
}

// ExecuteWithMetrics runs the agent and records duration and outcome into
// its metrics regardless of how execution ends. After a successful Execute
// it runs Validate and downgrades Success when validation fails. Typed
// agent errors pass through unchanged; any foreign error is wrapped as
// kind unknown.
func (h *Harness) ExecuteWithMetrics(ctx context.Context, input map[string]any, wctx *Context) (output *Output, err error) {
	start := time.Now()

	defer func() {
		duration := time.Since(start)
		success := err == nil && output != nil && output.Success
		errMsg := ""
		if err != nil {
			errMsg = err.Error()
		} else if output != nil && !output.Success && output.Validation != nil {
			errMsg = strings.Join(output.Validation.Errors, "; ")
		}
		h.metrics.RecordExecution(duration, success, errMsg)
	}()

	output, err = h.agent.Execute(ctx, input, wctx)
	if err != nil {
		agentErr := WrapUnknown(h.agent.Name(), err)
		h.logger.Error("execution failed (%s, retryable=%t): %s", agentErr.Kind, agentErr.Retryable, agentErr.Message)
		return nil, agentErr
	}
	if output == nil {
		err = NewError(h.agent.Name(), KindUnknown, "agent returned no output")
		return nil, err
	}

	output.ExecutionTime = time.Since(start)

	// Validation runs on the harness side so agents can't skip it.
	validation := h.agent.Validate(output)
	output.Validation = validation
	if validation != nil && !validation.Valid {
		output.Success = false
		h.logger.Warn("output failed validation: %s", strings.Join(validation.Errors, "; "))
	}

	return output, nil
}
