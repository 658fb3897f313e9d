package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
)

// OpenAIClient wraps the official OpenAI client to implement the Client interface.
type OpenAIClient struct {
	client openai.Client
	model  string
}

// NewOpenAIClient creates a GPT completion client.
func NewOpenAIClient(apiKey, model string) *OpenAIClient {
	return &OpenAIClient{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// ModelName returns the configured model name.
func (c *OpenAIClient) ModelName() string {
	return c.model
}

// Complete implements the Client interface using the Responses API.
func (c *OpenAIClient) Complete(ctx context.Context, in Request) (Response, error) {
	// The Responses API takes a single input string; fold the conversation
	// into one prompt with role prefixes.
	var inputText string
	for i := range in.Messages {
		msg := &in.Messages[i]
		switch msg.Role {
		case RoleSystem:
			inputText += fmt.Sprintf("System: %s\n\n", msg.Content)
		case RoleAssistant:
			inputText += fmt.Sprintf("Assistant: %s\n\n", msg.Content)
		default:
			inputText += msg.Content + "\n\n"
		}
	}

	params := responses.ResponseNewParams{
		Model:           c.model,
		MaxOutputTokens: openai.Int(int64(in.MaxTokens)),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(inputText)},
	}

	resp, err := c.client.Responses.New(ctx, params)
	if err != nil {
		return Response{}, fmt.Errorf("openai completion failed: %w", err)
	}
	if resp == nil {
		return Response{}, fmt.Errorf("empty response from OpenAI API")
	}

	content := resp.OutputText()
	if content == "" {
		return Response{}, fmt.Errorf("no text content in OpenAI response")
	}

	return Response{
		Content:          content,
		PromptTokens:     int(resp.Usage.InputTokens),
		CompletionTokens: int(resp.Usage.OutputTokens),
	}, nil
}
