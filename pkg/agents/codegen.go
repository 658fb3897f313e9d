package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"siteforge/pkg/agent"
	"siteforge/pkg/llm"
	"siteforge/pkg/logx"
)

const codegenSystemPrompt = `You are an expert front-end developer. Produce a complete,
self-contained single-file website: valid HTML5 with embedded CSS and, where needed,
vanilla JavaScript. No external assets, no build step, no frameworks.
Answer with a single fenced code block containing the full document.`

// CodegenAgent generates site code from structured requirements, optionally
// revising an existing version against new instructions.
type CodegenAgent struct {
	client llm.Client
	logger *logx.Logger
}

// NewCodegenAgent creates the code generation agent.
func NewCodegenAgent(client llm.Client) *CodegenAgent {
	return &CodegenAgent{
		client: client,
		logger: logx.NewLogger(NameCodegen),
	}
}

// Name implements agent.Agent.
func (a *CodegenAgent) Name() string { return NameCodegen }

// Execute generates site code. Input fields:
//   - requirements: structured requirements map (required unless previous_code given)
//   - previous_code: existing site code to revise
//   - instructions: revision or improvement instructions
func (a *CodegenAgent) Execute(ctx context.Context, input map[string]any, wctx *agent.Context) (*agent.Output, error) {
	requirements, hasRequirements := input["requirements"].(map[string]any)
	previousCode, hasPrevious := stringField(input, "previous_code")
	instructions, _ := stringField(input, "instructions")

	if !hasRequirements && !hasPrevious {
		return nil, agent.NewError(NameCodegen, agent.KindValidation, "need either requirements or previous_code").
			WithFlags(false, false)
	}

	var prompt strings.Builder
	if hasRequirements {
		encoded, err := json.Marshal(requirements)
		if err != nil {
			return nil, agent.Errorf(NameCodegen, agent.KindValidation, "requirements are not serializable: %v", err).
				WithFlags(false, false)
		}
		fmt.Fprintf(&prompt, "Build a website matching these requirements:\n%s\n", encoded)
	}
	if hasPrevious {
		fmt.Fprintf(&prompt, "\nHere is the current version of the site:\n```html\n%s\n```\n", previousCode)
	}
	if instructions != "" {
		fmt.Fprintf(&prompt, "\nApply these changes:\n%s\n", instructions)
	}

	resp, err := a.client.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: codegenSystemPrompt},
			{Role: llm.RoleUser, Content: prompt.String()},
		},
		MaxTokens:   8192,
		Temperature: 0.7,
	})
	if err != nil {
		return nil, agent.Errorf(NameCodegen, agent.KindLLM, "code generation failed: %v", err)
	}

	code := extractCodeBlock(resp.Content)
	if code == "" {
		return nil, agent.NewError(NameCodegen, agent.KindLLM, "model returned no code")
	}

	framework := "static"
	if hasRequirements {
		if fw, ok := requirements["framework"].(string); ok && fw != "" {
			framework = fw
		}
	}

	a.logger.Info("generated %d bytes of site code for workflow %s", len(code), wctx.WorkflowID)

	return agent.NewOutput(map[string]any{
		"code":      code,
		"framework": framework,
	}), nil
}

// Validate checks the generated code looks like a complete HTML document.
func (a *CodegenAgent) Validate(output *agent.Output) *agent.ValidationResult {
	result := agent.NewValidationResult()

	code, ok := agent.Field[string](output, "code")
	if !ok {
		result.AddError("output is missing generated code")
		return result
	}

	lower := strings.ToLower(code)
	if !strings.Contains(lower, "<html") {
		result.AddError("generated code is not an HTML document")
	}
	if !strings.Contains(lower, "<title") {
		result.AddWarning("generated document has no title element")
	}
	if len(code) < 200 {
		result.AddWarning("generated document is suspiciously short")
		result.Confidence = 0.5
	}
	return result
}
