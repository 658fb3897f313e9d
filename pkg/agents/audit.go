package agents

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"siteforge/pkg/agent"
	"siteforge/pkg/llm"
	"siteforge/pkg/logx"
)

// RubricCategory is one weighted quality dimension of an audit.
type RubricCategory struct {
	Name        string  `yaml:"name"`
	Description string  `yaml:"description"`
	Weight      float64 `yaml:"weight"`
}

// Rubric defines how a site is scored. Weights are normalized at load time.
type Rubric struct {
	Categories []RubricCategory `yaml:"categories"`
}

// DefaultRubric returns the built-in scoring rubric.
func DefaultRubric() *Rubric {
	return &Rubric{Categories: []RubricCategory{
		{Name: "accessibility", Description: "semantic markup, alt text, contrast, keyboard navigation", Weight: 0.25},
		{Name: "seo", Description: "title, meta description, heading hierarchy", Weight: 0.2},
		{Name: "design", Description: "visual coherence, spacing, typography, responsiveness", Weight: 0.3},
		{Name: "content", Description: "completeness and relevance to the stated requirements", Weight: 0.25},
	}}
}

// LoadRubric reads a YAML rubric file. An empty path returns the default
// rubric.
func LoadRubric(path string) (*Rubric, error) {
	if path == "" {
		return DefaultRubric(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rubric %s: %w", path, err)
	}
	var rubric Rubric
	if err := yaml.Unmarshal(data, &rubric); err != nil {
		return nil, fmt.Errorf("failed to parse rubric %s: %w", path, err)
	}
	if len(rubric.Categories) == 0 {
		return nil, fmt.Errorf("rubric %s defines no categories", path)
	}
	rubric.normalize()
	return &rubric, nil
}

func (r *Rubric) normalize() {
	total := 0.0
	for i := range r.Categories {
		total += r.Categories[i].Weight
	}
	if total == 0 {
		equal := 1.0 / float64(len(r.Categories))
		for i := range r.Categories {
			r.Categories[i].Weight = equal
		}
		return
	}
	for i := range r.Categories {
		r.Categories[i].Weight /= total
	}
}

// AuditAgent scores site code against the rubric, producing per-category
// scores, a weighted overall score, and a list of concrete issues.
type AuditAgent struct {
	client llm.Client
	rubric *Rubric
	logger *logx.Logger
}

// NewAuditAgent creates the audit agent.
func NewAuditAgent(client llm.Client, rubric *Rubric) *AuditAgent {
	if rubric == nil {
		rubric = DefaultRubric()
	}
	return &AuditAgent{
		client: client,
		rubric: rubric,
		logger: logx.NewLogger(NameAudit),
	}
}

// Name implements agent.Agent.
func (a *AuditAgent) Name() string { return NameAudit }

// Execute audits input["code"], scoring each rubric category 0-100.
func (a *AuditAgent) Execute(ctx context.Context, input map[string]any, wctx *agent.Context) (*agent.Output, error) {
	code, ok := stringField(input, "code")
	if !ok {
		return nil, agent.NewError(NameAudit, agent.KindValidation, "missing required field: code").
			WithFlags(false, false)
	}

	var rubricDesc strings.Builder
	for _, cat := range a.rubric.Categories {
		fmt.Fprintf(&rubricDesc, "- %s (weight %.2f): %s\n", cat.Name, cat.Weight, cat.Description)
	}

	system := fmt.Sprintf(`You are a meticulous website quality auditor.
Score the given site 0-100 on each category:
%s
Respond with a single JSON object:
{"categories": {"<name>": <score>, ...}, "issues": ["specific actionable problem", ...]}`, rubricDesc.String())

	resp, err := a.client.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: system},
			{Role: llm.RoleUser, Content: fmt.Sprintf("```html\n%s\n```", code)},
		},
		MaxTokens:   2048,
		Temperature: 0.1,
	})
	if err != nil {
		return nil, agent.Errorf(NameAudit, agent.KindLLM, "audit request failed: %v", err)
	}

	parsed, ok := extractJSON(resp.Content)
	if !ok {
		return nil, agent.NewError(NameAudit, agent.KindLLM, "model returned no parseable audit JSON")
	}

	categories := make(map[string]float64)
	if raw, ok := parsed["categories"].(map[string]any); ok {
		for name, value := range raw {
			if score, ok := value.(float64); ok {
				categories[name] = clampScore(score)
			}
		}
	}

	var issues []string
	if raw, ok := parsed["issues"].([]any); ok {
		for _, item := range raw {
			if issue, ok := item.(string); ok {
				issues = append(issues, issue)
			}
		}
	}

	overall := a.weightedScore(categories)
	a.logger.Info("audit for workflow %s: overall %.1f, %d issues", wctx.WorkflowID, overall, len(issues))

	return agent.NewOutput(map[string]any{
		"overall_score": overall,
		"categories":    categories,
		"issues":        issues,
	}), nil
}

// Validate checks the audit produced a usable score.
func (a *AuditAgent) Validate(output *agent.Output) *agent.ValidationResult {
	result := agent.NewValidationResult()

	score, ok := agent.Field[float64](output, "overall_score")
	if !ok {
		result.AddError("audit produced no overall score")
		return result
	}
	if score < 0 || score > 100 {
		result.AddError(fmt.Sprintf("overall score %.1f outside [0,100]", score))
	}

	categories, _ := agent.Field[map[string]float64](output, "categories")
	for _, cat := range a.rubric.Categories {
		if _, present := categories[cat.Name]; !present {
			result.AddWarning(fmt.Sprintf("model skipped category %q", cat.Name))
			result.Confidence = 0.7
		}
	}
	return result
}

// weightedScore computes the rubric-weighted overall score. Categories the
// model skipped contribute nothing, with the remaining weights rescaled.
func (a *AuditAgent) weightedScore(categories map[string]float64) float64 {
	total := 0.0
	weightSum := 0.0
	for _, cat := range a.rubric.Categories {
		score, ok := categories[cat.Name]
		if !ok {
			continue
		}
		total += score * cat.Weight
		weightSum += cat.Weight
	}
	if weightSum == 0 {
		return 0
	}
	return total / weightSum
}

func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
