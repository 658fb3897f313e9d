package agents

import (
	"context"
	"fmt"

	"siteforge/pkg/agent"
	"siteforge/pkg/llm"
	"siteforge/pkg/logx"
)

const inputSystemPrompt = `You turn a user's website request into structured requirements.
Respond with a single JSON object and nothing else:
{
  "site_name": "short machine-friendly name",
  "site_type": "portfolio | blog | shop | landing | docs | other",
  "framework": "static",
  "pages": ["..."],
  "style": "one-sentence visual direction",
  "features": ["..."]
}`

// InputAgent parses a free-form website request into structured requirements
// that downstream agents consume.
type InputAgent struct {
	client llm.Client
	logger *logx.Logger
}

// NewInputAgent creates the input parsing agent.
func NewInputAgent(client llm.Client) *InputAgent {
	return &InputAgent{
		client: client,
		logger: logx.NewLogger(NameInput),
	}
}

// Name implements agent.Agent.
func (a *InputAgent) Name() string { return NameInput }

// Execute parses input["requirements"] into a structured requirements map.
func (a *InputAgent) Execute(ctx context.Context, input map[string]any, wctx *agent.Context) (*agent.Output, error) {
	requirements, ok := stringField(input, "requirements")
	if !ok {
		return nil, agent.NewError(NameInput, agent.KindValidation, "missing required field: requirements").
			WithFlags(false, false)
	}

	prompt := requirements
	if prefs := formatPreferences(wctx); prefs != "" {
		prompt = fmt.Sprintf("%s\n\nUser preferences: %s", requirements, prefs)
	}

	resp, err := a.client.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: inputSystemPrompt},
			{Role: llm.RoleUser, Content: prompt},
		},
		MaxTokens:   1024,
		Temperature: 0.2,
	})
	if err != nil {
		return nil, agent.Errorf(NameInput, agent.KindLLM, "requirements parsing failed: %v", err)
	}

	parsed, ok := extractJSON(resp.Content)
	if !ok {
		return nil, agent.NewError(NameInput, agent.KindLLM, "model returned no parseable requirements JSON")
	}

	a.logger.Debug("parsed requirements for workflow %s: %v", wctx.WorkflowID, parsed)

	data := map[string]any{
		"requirements": parsed,
		"raw_request":  requirements,
	}
	if name, ok := parsed["site_name"].(string); ok {
		data["site_name"] = name
	}
	if framework, ok := parsed["framework"].(string); ok {
		data["framework"] = framework
	}
	return agent.NewOutput(data), nil
}

// Validate checks the parsed requirements carry the fields downstream
// agents depend on.
func (a *InputAgent) Validate(output *agent.Output) *agent.ValidationResult {
	result := agent.NewValidationResult()

	parsed, ok := agent.Field[map[string]any](output, "requirements")
	if !ok {
		result.AddError("output is missing structured requirements")
		return result
	}
	if name, _ := parsed["site_name"].(string); name == "" {
		result.AddError("requirements are missing a site name")
	}
	if siteType, _ := parsed["site_type"].(string); siteType == "" {
		result.AddWarning("requirements have no site type, defaulting downstream")
	}
	return result
}

func formatPreferences(wctx *agent.Context) string {
	if wctx == nil || len(wctx.UserPreferences) == 0 {
		return ""
	}
	out := ""
	for key, value := range wctx.UserPreferences {
		if out != "" {
			out += ", "
		}
		out += fmt.Sprintf("%s=%v", key, value)
	}
	return out
}
