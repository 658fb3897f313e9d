package agents

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"siteforge/pkg/agent"
	"siteforge/pkg/logx"
)

// DeployAgent publishes generated site code into the static publish
// directory and reports the public URL.
type DeployAgent struct {
	publishDir string
	baseURL    string
	logger     *logx.Logger
}

// NewDeployAgent creates the deployment agent. baseURL is the public prefix
// under which the publish directory is served.
func NewDeployAgent(publishDir, baseURL string) *DeployAgent {
	return &DeployAgent{
		publishDir: publishDir,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		logger:     logx.NewLogger(NameDeployment),
	}
}

// Name implements agent.Agent.
func (a *DeployAgent) Name() string { return NameDeployment }

// Execute writes input["code"] to <publishDir>/<site_id>/index.html.
func (a *DeployAgent) Execute(ctx context.Context, input map[string]any, wctx *agent.Context) (*agent.Output, error) {
	code, ok := stringField(input, "code")
	if !ok {
		return nil, agent.NewError(NameDeployment, agent.KindValidation, "missing required field: code").
			WithFlags(false, false)
	}
	siteID, ok := stringField(input, "site_id")
	if !ok {
		return nil, agent.NewError(NameDeployment, agent.KindValidation, "missing required field: site_id").
			WithFlags(false, false)
	}

	siteDir := filepath.Join(a.publishDir, siteID)
	if err := os.MkdirAll(siteDir, 0o755); err != nil {
		return nil, agent.Errorf(NameDeployment, agent.KindDeployment, "failed to create site directory: %v", err)
	}

	indexPath := filepath.Join(siteDir, "index.html")
	if err := os.WriteFile(indexPath, []byte(code), 0o644); err != nil {
		return nil, agent.Errorf(NameDeployment, agent.KindDeployment, "failed to write site file: %v", err)
	}

	url := fmt.Sprintf("%s/%s/", a.baseURL, siteID)
	a.logger.Info("deployed site %s for workflow %s at %s", siteID, wctx.WorkflowID, url)

	return agent.NewOutput(map[string]any{
		"url":  url,
		"path": indexPath,
	}), nil
}

// Validate checks the deployment reported a URL.
func (a *DeployAgent) Validate(output *agent.Output) *agent.ValidationResult {
	result := agent.NewValidationResult()
	if _, ok := agent.Field[string](output, "url"); !ok {
		result.AddError("deployment produced no URL")
	}
	return result
}
