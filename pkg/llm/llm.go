// Package llm provides a provider-agnostic completion client over the
// Anthropic, OpenAI, Google Gemini, and Ollama SDKs.
package llm

import (
	"context"
	"fmt"

	"siteforge/pkg/config"
)

// Role represents the role of a message in a conversation.
type Role string

const (
	// RoleSystem indicates a system message that provides instructions or context.
	RoleSystem Role = "system"
	// RoleUser indicates a message from the human user.
	RoleUser Role = "user"
	// RoleAssistant indicates a message from the model.
	RoleAssistant Role = "assistant"
)

// Message represents one turn in a completion request.
type Message struct {
	Role    Role
	Content string
}

// Request represents a request to generate a completion.
type Request struct {
	Messages    []Message
	MaxTokens   int
	Temperature float32
}

// Response represents a completion response.
type Response struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
}

// Client defines the interface for language model interactions.
type Client interface {
	// Complete generates a completion synchronously.
	Complete(ctx context.Context, in Request) (Response, error)

	// ModelName returns the model this client talks to.
	ModelName() string
}

// NewClient builds a provider client from a configured model entry. API keys
// resolve through the secrets store with environment fallback.
func NewClient(m *config.ModelConfig) (Client, error) {
	switch m.Provider {
	case "anthropic":
		key, err := config.GetSecret(m.APIKeyEnv)
		if err != nil {
			return nil, fmt.Errorf("anthropic model %s: %w", m.Name, err)
		}
		return NewAnthropicClient(key, m.Name), nil
	case "openai":
		key, err := config.GetSecret(m.APIKeyEnv)
		if err != nil {
			return nil, fmt.Errorf("openai model %s: %w", m.Name, err)
		}
		return NewOpenAIClient(key, m.Name), nil
	case "google":
		key, err := config.GetSecret(m.APIKeyEnv)
		if err != nil {
			return nil, fmt.Errorf("google model %s: %w", m.Name, err)
		}
		return NewGeminiClient(key, m.Name), nil
	case "ollama":
		return NewOllamaClient(m.HostURL, m.Name), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider %q for model %s", m.Provider, m.Name)
	}
}

// splitSystem separates system messages from the conversational turns,
// concatenating multiple system messages in order.
func splitSystem(messages []Message) (system string, rest []Message) {
	for i := range messages {
		msg := &messages[i]
		if msg.Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
			continue
		}
		rest = append(rest, *msg)
	}
	return system, rest
}
