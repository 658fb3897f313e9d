package llm

import (
	"context"
	"time"
)

// Recorder receives metrics for completed LLM requests. Implemented by
// metrics.PrometheusRecorder.
type Recorder interface {
	ObserveLLMRequest(model, agent string, promptTokens, completionTokens int, success bool, duration time.Duration)
}

// instrumentedClient wraps a Client and records request metrics on behalf of
// one agent.
type instrumentedClient struct {
	inner   Client
	rec     Recorder
	counter *TokenCounter
	agent   string
}

// NewInstrumentedClient wraps a client so every request is recorded against
// the given agent name. When a provider does not report token usage, prompt
// tokens are estimated with the local tokenizer.
func NewInstrumentedClient(inner Client, agentName string, rec Recorder) Client {
	counter, err := NewTokenCounter()
	if err != nil {
		counter = nil // Count falls back to character estimation.
	}
	return &instrumentedClient{inner: inner, rec: rec, counter: counter, agent: agentName}
}

func (c *instrumentedClient) Complete(ctx context.Context, in Request) (Response, error) {
	start := time.Now()
	resp, err := c.inner.Complete(ctx, in)
	duration := time.Since(start)

	promptTokens := resp.PromptTokens
	if promptTokens == 0 {
		promptTokens = c.counter.CountRequest(&in)
	}
	completionTokens := resp.CompletionTokens
	if completionTokens == 0 && err == nil {
		completionTokens = c.counter.Count(resp.Content)
	}

	c.rec.ObserveLLMRequest(c.inner.ModelName(), c.agent, promptTokens, completionTokens, err == nil, duration)
	return resp, err
}

func (c *instrumentedClient) ModelName() string {
	return c.inner.ModelName()
}
