// Package agent defines the uniform contract every siteforge agent implements
// and the harness the orchestrator uses to invoke them: typed errors, per-step
// context, output validation, retry policy, and per-agent metrics.
package agent

import (
	"context"
	"time"
)

// Agent is a polymorphic unit of work. The orchestrator never branches on a
// concrete type — it looks agents up by Name and drives them through
// ExecuteWithMetrics.
//
// Execute performs the agent's single responsibility and returns an Output
// whose Success reflects whether the core operation produced usable data,
// independent of downstream validation. Failures are raised as *Error; the
// harness wraps anything else.
//
// Validate is a pure function over the output. It never fails and has no
// side effects.
type Agent interface {
	Name() string
	Execute(ctx context.Context, input map[string]any, wctx *Context) (*Output, error)
	Validate(output *Output) *ValidationResult
}

// Context is the per-workflow payload threaded through every agent call.
// It is owned by exactly one workflow execution and never shared, so it
// needs no locking. RetryCount is the context-level retry budget for the
// whole workflow, distinct from the per-step RetryPolicy attempt counter.
type Context struct {
	SessionID       string             `json:"session_id"`
	WorkflowID      string             `json:"workflow_id"`
	PreviousOutputs map[string]*Output `json:"previous_outputs"`
	UserPreferences map[string]any     `json:"user_preferences"`
	RetryCount      int                `json:"retry_count"`
	MaxRetries      int                `json:"max_retries"`
	Metadata        map[string]any     `json:"metadata"`
}

// NewContext creates a workflow context with the default retry budget.
func NewContext(sessionID, workflowID string, maxRetries int) *Context {
	return &Context{
		SessionID:       sessionID,
		WorkflowID:      workflowID,
		PreviousOutputs: make(map[string]*Output),
		UserPreferences: make(map[string]any),
		MaxRetries:      maxRetries,
		Metadata:        make(map[string]any),
	}
}

// CanRetry reports whether the workflow-level retry budget has room left.
func (c *Context) CanRetry() bool {
	return c.RetryCount < c.MaxRetries
}

// IncrementRetry consumes one unit of the workflow-level retry budget.
// The count never exceeds MaxRetries.
func (c *Context) IncrementRetry() {
	if c.RetryCount < c.MaxRetries {
		c.RetryCount++
	}
}

// RecordOutput stores an agent's output for input construction by later steps.
func (c *Context) RecordOutput(agentName string, output *Output) {
	c.PreviousOutputs[agentName] = output
}

// Output is the result of one agent execution. Validation is populated by
// the calling harness after Execute returns, never by the agent itself.
type Output struct {
	Success       bool              `json:"success"`
	Data          map[string]any    `json:"data,omitempty"`
	Validation    *ValidationResult `json:"validation,omitempty"`
	Confidence    float64           `json:"confidence"`
	ExecutionTime time.Duration     `json:"execution_time"`
	Metadata      map[string]any    `json:"metadata,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// NewOutput creates a successful output carrying the given data.
func NewOutput(data map[string]any) *Output {
	return &Output{
		Success:    true,
		Data:       data,
		Confidence: 1.0,
		Metadata:   make(map[string]any),
		Timestamp:  time.Now().UTC(),
	}
}

// Field returns a typed data field from the output.
func Field[T any](o *Output, key string) (T, bool) {
	var zero T
	if o == nil || o.Data == nil {
		return zero, false
	}
	value, exists := o.Data[key]
	if !exists {
		return zero, false
	}
	typed, ok := value.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}
