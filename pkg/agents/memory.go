package agents

import (
	"context"
	"encoding/json"
	"errors"

	"siteforge/pkg/agent"
	"siteforge/pkg/logx"
	"siteforge/pkg/persistence"
)

// MemoryAgent is the persistence collaborator. Its execute behavior is
// discriminated by input["operation"]:
//
//	save: stores a new site version (creating the site on first save) and
//	      records deployment metadata and the audit score.
//	load: retrieves a site and its latest version.
type MemoryAgent struct {
	ops    *persistence.Operations
	logger *logx.Logger
}

// NewMemoryAgent creates the persistence agent.
func NewMemoryAgent(ops *persistence.Operations) *MemoryAgent {
	return &MemoryAgent{
		ops:    ops,
		logger: logx.NewLogger(NameMemory),
	}
}

// Name implements agent.Agent.
func (a *MemoryAgent) Name() string { return NameMemory }

// Execute dispatches on input["operation"].
func (a *MemoryAgent) Execute(ctx context.Context, input map[string]any, wctx *agent.Context) (*agent.Output, error) {
	operation, ok := stringField(input, "operation")
	if !ok {
		return nil, agent.NewError(NameMemory, agent.KindValidation, "missing required field: operation").
			WithFlags(false, false)
	}

	switch operation {
	case "save":
		return a.save(input, wctx)
	case "load":
		return a.load(input)
	default:
		return nil, agent.Errorf(NameMemory, agent.KindValidation, "unknown operation %q", operation).
			WithFlags(false, false)
	}
}

func (a *MemoryAgent) save(input map[string]any, wctx *agent.Context) (*agent.Output, error) {
	code, ok := stringField(input, "code")
	if !ok {
		return nil, agent.NewError(NameMemory, agent.KindValidation, "save requires field: code").
			WithFlags(false, false)
	}

	siteID, hasSite := stringField(input, "site_id")
	if !hasSite {
		siteName, _ := stringField(input, "site_name")
		if siteName == "" {
			siteName = "site"
		}
		framework, _ := stringField(input, "framework")
		site := &persistence.Site{SessionID: wctx.SessionID, Name: siteName, Framework: framework}
		if err := a.ops.CreateSite(site); err != nil {
			return nil, agent.Errorf(NameMemory, agent.KindStorage, "failed to create site: %v", err)
		}
		siteID = site.ID
	}

	metadata := "{}"
	auditScore, _ := input["audit_score"].(float64)
	if deployURL, ok := stringField(input, "deploy_url"); ok {
		encoded, err := json.Marshal(map[string]any{"deploy_url": deployURL})
		if err == nil {
			metadata = string(encoded)
		}
		if err := a.ops.SetSiteDeployURL(siteID, deployURL); err != nil {
			return nil, agent.Errorf(NameMemory, agent.KindStorage, "failed to record deploy URL: %v", err)
		}
	}

	version := &persistence.SiteVersion{
		SiteID:     siteID,
		WorkflowID: wctx.WorkflowID,
		Code:       code,
		AuditScore: auditScore,
		Metadata:   metadata,
	}
	if err := a.ops.AddVersion(version); err != nil {
		return nil, agent.Errorf(NameMemory, agent.KindStorage, "failed to save version: %v", err)
	}

	a.logger.Info("saved version %d of site %s (workflow %s)", version.Number, siteID, wctx.WorkflowID)

	return agent.NewOutput(map[string]any{
		"site_id":        siteID,
		"version_id":     version.ID,
		"version_number": version.Number,
	}), nil
}

func (a *MemoryAgent) load(input map[string]any) (*agent.Output, error) {
	siteID, ok := stringField(input, "site_id")
	if !ok {
		return nil, agent.NewError(NameMemory, agent.KindValidation, "load requires field: site_id").
			WithFlags(false, false)
	}

	site, err := a.ops.GetSite(siteID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, agent.Errorf(NameMemory, agent.KindStorage, "site %s does not exist", siteID).
				WithFlags(false, false)
		}
		return nil, agent.Errorf(NameMemory, agent.KindStorage, "failed to load site: %v", err)
	}

	latest, err := a.ops.GetLatestVersion(siteID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, agent.Errorf(NameMemory, agent.KindStorage, "site %s has no versions", siteID).
				WithFlags(false, false)
		}
		return nil, agent.Errorf(NameMemory, agent.KindStorage, "failed to load latest version: %v", err)
	}

	return agent.NewOutput(map[string]any{
		"site_id":        site.ID,
		"site_name":      site.Name,
		"framework":      site.Framework,
		"deploy_url":     site.DeployURL,
		"code":           latest.Code,
		"version_id":     latest.ID,
		"version_number": latest.Number,
		"audit_score":    latest.AuditScore,
	}), nil
}

// Validate checks the operation reported its identifying fields.
func (a *MemoryAgent) Validate(output *agent.Output) *agent.ValidationResult {
	result := agent.NewValidationResult()
	if _, ok := agent.Field[string](output, "site_id"); !ok {
		result.AddError("memory operation produced no site_id")
	}
	return result
}
