package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"
)

// OllamaClient wraps the Ollama API client to implement the Client interface.
// Ollama is a local LLM runtime that allows running open-source models.
type OllamaClient struct {
	client *api.Client
	model  string
}

// NewOllamaClient creates a client for a local Ollama server.
// hostURL should be the server URL (e.g., "http://localhost:11434").
func NewOllamaClient(hostURL, model string) *OllamaClient {
	parsedURL, err := url.Parse(hostURL)
	if err != nil || hostURL == "" {
		parsedURL, _ = url.Parse("http://localhost:11434")
	}

	return &OllamaClient{
		client: api.NewClient(parsedURL, http.DefaultClient),
		model:  model,
	}
}

// ModelName returns the configured model name.
func (c *OllamaClient) ModelName() string {
	return c.model
}

// Complete implements the Client interface.
func (c *OllamaClient) Complete(ctx context.Context, in Request) (Response, error) {
	if len(in.Messages) == 0 {
		return Response{}, fmt.Errorf("ollama request needs at least one message")
	}

	messages := make([]api.Message, 0, len(in.Messages))
	for i := range in.Messages {
		msg := &in.Messages[i]
		messages = append(messages, api.Message{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	stream := false
	req := &api.ChatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": in.Temperature,
			"num_predict": in.MaxTokens,
		},
	}

	var response api.ChatResponse
	err := c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		response = resp
		return nil
	})
	if err != nil {
		return Response{}, fmt.Errorf("ollama completion failed: %w", err)
	}
	if response.Message.Content == "" {
		return Response{}, fmt.Errorf("empty response from Ollama")
	}

	return Response{
		Content:          response.Message.Content,
		PromptTokens:     response.PromptEvalCount,
		CompletionTokens: response.EvalCount,
	}, nil
}
