package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GeminiClient wraps the Google GenAI client to implement the Client interface.
type GeminiClient struct {
	client *genai.Client
	apiKey string
	model  string
}

// NewGeminiClient creates a Gemini completion client. The underlying client
// is created lazily on first use because its constructor needs a context.
func NewGeminiClient(apiKey, model string) *GeminiClient {
	return &GeminiClient{
		apiKey: apiKey,
		model:  model,
	}
}

// ModelName returns the configured model name.
func (c *GeminiClient) ModelName() string {
	return c.model
}

// Complete implements the Client interface.
func (c *GeminiClient) Complete(ctx context.Context, in Request) (Response, error) {
	if c.client == nil {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  c.apiKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return Response{}, fmt.Errorf("failed to create Gemini client: %w", err)
		}
		c.client = client
	}

	system, turns := splitSystem(in.Messages)
	if len(turns) == 0 {
		return Response{}, fmt.Errorf("gemini request needs at least one non-system message")
	}

	contents := make([]*genai.Content, 0, len(turns))
	for i := range turns {
		msg := &turns[i]
		role := genai.RoleUser
		if msg.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: msg.Content}},
		})
	}

	//nolint:gosec // MaxTokens validated at config load, overflow acceptable
	maxTokens := int32(in.MaxTokens)
	cfg := &genai.GenerateContentConfig{
		Temperature:     &in.Temperature,
		MaxOutputTokens: maxTokens,
	}
	if system != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: system}},
		}
	}

	result, err := c.client.Models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		return Response{}, fmt.Errorf("gemini completion failed: %w", err)
	}
	if result == nil || result.Text() == "" {
		return Response{}, fmt.Errorf("empty response from Gemini API")
	}

	resp := Response{Content: result.Text()}
	if result.UsageMetadata != nil {
		resp.PromptTokens = int(result.UsageMetadata.PromptTokenCount)
		resp.CompletionTokens = int(result.UsageMetadata.CandidatesTokenCount)
	}
	return resp, nil
}
