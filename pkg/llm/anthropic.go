package llm

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicClient wraps the Anthropic API client to implement the Client interface.
type AnthropicClient struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropicClient creates a Claude completion client.
func NewAnthropicClient(apiKey, model string) *AnthropicClient {
	return &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
	}
}

// ModelName returns the configured model name.
func (c *AnthropicClient) ModelName() string {
	return string(c.model)
}

// Complete implements the Client interface.
func (c *AnthropicClient) Complete(ctx context.Context, in Request) (Response, error) {
	system, turns := splitSystem(in.Messages)
	if len(turns) == 0 {
		return Response{}, fmt.Errorf("anthropic request needs at least one non-system message")
	}

	messages := make([]anthropic.MessageParam, 0, len(turns))
	for i := range turns {
		msg := &turns[i]
		messages = append(messages, anthropic.MessageParam{
			Role:    anthropic.MessageParamRole(msg.Role),
			Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(msg.Content)},
		})
	}

	params := anthropic.MessageNewParams{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   int64(in.MaxTokens),
		Temperature: anthropic.Float(float64(in.Temperature)),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{
			Text: system,
			Type: "text",
		}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return Response{}, fmt.Errorf("anthropic completion failed: %w", err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return Response{}, fmt.Errorf("empty response from Anthropic API")
	}

	var content string
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			content += block.AsText().Text
		}
	}
	if content == "" {
		return Response{}, fmt.Errorf("no text content in Anthropic response")
	}

	return Response{
		Content:          content,
		PromptTokens:     int(resp.Usage.InputTokens),
		CompletionTokens: int(resp.Usage.OutputTokens),
	}, nil
}
