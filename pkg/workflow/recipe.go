package workflow

import (
	"fmt"
	"strings"

	"siteforge/pkg/agent"
	"siteforge/pkg/agents"
)

// Run carries the per-execution context of one recipe: the original input
// data, the workflow context threaded into agents, and recipe bookkeeping
// such as improvement cycle counters. A Run is owned by exactly one
// orchestrator goroutine.
type Run struct {
	Input   map[string]any
	Context *agent.Context
	Data    map[string]any
}

// NewRun creates a recipe run.
func NewRun(input map[string]any, wctx *agent.Context) *Run {
	if input == nil {
		input = make(map[string]any)
	}
	return &Run{Input: input, Context: wctx, Data: make(map[string]any)}
}

// Output returns the most recent output of the named agent, or nil.
func (r *Run) Output(agentName string) *agent.Output {
	return r.Context.PreviousOutputs[agentName]
}

// Step is one recipe entry: which agent to invoke and a pure function that
// builds its input from the run so far. Keeping input construction explicit
// makes every step's data dependencies auditable and testable in isolation.
type Step struct {
	Agent      string
	Label      string
	BuildInput func(run *Run) (map[string]any, error)
}

// Recipe produces the ordered steps of one workflow type. NextStep is called
// before each step with the run so far and returns nil when the workflow is
// complete; linear recipes walk a fixed list while the improvement recipe
// decides cycles from audit scores.
//
// TotalSteps is the worst-case step count. Recipes whose step count depends
// on intermediate results set StepsRemaining so progress reporting can
// tighten the estimate as the run settles; linear recipes leave it nil.
type Recipe struct {
	Type           Type
	TotalSteps     int
	NextStep       func(run *Run) *Step
	StepsRemaining func(run *Run) int
}

// RecipeConfig tunes recipe behavior.
type RecipeConfig struct {
	QualityThreshold float64
	ImproveMaxCycles int
}

// Recipes builds the full recipe table.
func Recipes(cfg RecipeConfig) map[Type]*Recipe {
	return map[Type]*Recipe{
		TypeCreateSite:  createSiteRecipe(),
		TypeUpdateSite:  updateSiteRecipe(),
		TypeImproveSite: improveSiteRecipe(cfg),
	}
}

func linearRecipe(workflowType Type, steps []Step) *Recipe {
	return &Recipe{
		Type:       workflowType,
		TotalSteps: len(steps),
		NextStep: func(run *Run) *Step {
			index, _ := run.Data["step_index"].(int)
			if index >= len(steps) {
				return nil
			}
			run.Data["step_index"] = index + 1
			return &steps[index]
		},
	}
}

// createSiteRecipe: input → codegen → audit → deployment → memory(save).
func createSiteRecipe() *Recipe {
	steps := []Step{
		{
			Agent: agents.NameInput,
			Label: "parse_request",
			BuildInput: func(run *Run) (map[string]any, error) {
				requirements, ok := run.Input["requirements"].(string)
				if !ok || requirements == "" {
					return nil, fmt.Errorf("input_data is missing requirements text")
				}
				return map[string]any{"requirements": requirements}, nil
			},
		},
		{
			Agent: agents.NameCodegen,
			Label: "generate_code",
			BuildInput: func(run *Run) (map[string]any, error) {
				parsed, ok := agent.Field[map[string]any](run.Output(agents.NameInput), "requirements")
				if !ok {
					return nil, fmt.Errorf("input step produced no structured requirements")
				}
				return map[string]any{"requirements": parsed}, nil
			},
		},
		{
			Agent:      agents.NameAudit,
			Label:      "audit",
			BuildInput: auditCurrentCode,
		},
		{
			Agent: agents.NameDeployment,
			Label: "deploy",
			BuildInput: func(run *Run) (map[string]any, error) {
				code, ok := agent.Field[string](run.Output(agents.NameCodegen), "code")
				if !ok {
					return nil, fmt.Errorf("no generated code to deploy")
				}
				siteName, _ := agent.Field[string](run.Output(agents.NameInput), "site_name")
				return map[string]any{
					"code":    code,
					"site_id": publishSlug(siteName, run.Context.WorkflowID),
				}, nil
			},
		},
		{
			Agent: agents.NameMemory,
			Label: "save",
			BuildInput: func(run *Run) (map[string]any, error) {
				code, ok := agent.Field[string](run.Output(agents.NameCodegen), "code")
				if !ok {
					return nil, fmt.Errorf("no generated code to save")
				}
				input := map[string]any{
					"operation": "save",
					"code":      code,
				}
				if siteName, ok := agent.Field[string](run.Output(agents.NameInput), "site_name"); ok {
					input["site_name"] = siteName
				}
				if framework, ok := agent.Field[string](run.Output(agents.NameCodegen), "framework"); ok {
					input["framework"] = framework
				}
				if url, ok := agent.Field[string](run.Output(agents.NameDeployment), "url"); ok {
					input["deploy_url"] = url
				}
				if score, ok := agent.Field[float64](run.Output(agents.NameAudit), "overall_score"); ok {
					input["audit_score"] = score
				}
				return input, nil
			},
		},
	}
	return linearRecipe(TypeCreateSite, steps)
}

// updateSiteRecipe: memory(load) → codegen → audit → deployment → memory(save).
func updateSiteRecipe() *Recipe {
	steps := []Step{
		{
			Agent:      agents.NameMemory,
			Label:      "load_site",
			BuildInput: loadSiteInput,
		},
		{
			Agent: agents.NameCodegen,
			Label: "revise_code",
			BuildInput: func(run *Run) (map[string]any, error) {
				previous, ok := agent.Field[string](run.Output(agents.NameMemory), "code")
				if !ok {
					return nil, fmt.Errorf("loaded site has no code")
				}
				instructions, _ := run.Input["instructions"].(string)
				if instructions == "" {
					return nil, fmt.Errorf("input_data is missing update instructions")
				}
				return map[string]any{
					"previous_code": previous,
					"instructions":  instructions,
				}, nil
			},
		},
		{
			Agent:      agents.NameAudit,
			Label:      "audit",
			BuildInput: auditCurrentCode,
		},
		{
			Agent:      agents.NameDeployment,
			Label:      "deploy",
			BuildInput: deployCurrentCode,
		},
		{
			Agent:      agents.NameMemory,
			Label:      "save_version",
			BuildInput: saveVersionInput,
		},
	}
	return linearRecipe(TypeUpdateSite, steps)
}

// Improvement recipe phases.
const (
	phaseStart    = ""
	phaseBaseline = "baseline"
	phaseDecide   = "decide"
	phaseRescore  = "rescore"
	phaseSave     = "save"
	phaseDone     = "done"
)

// improveSiteRecipe: memory(load) → audit(baseline) → repeat while scores
// are below the quality threshold and cycles remain {codegen(targeted fixes)
// → audit(re-score)} → deployment → memory(save). Each completed cycle's
// before/after scores and addressed issues are recorded on the run.
func improveSiteRecipe(cfg RecipeConfig) *Recipe {
	return &Recipe{
		Type:       TypeImproveSite,
		TotalSteps: 4 + 2*cfg.ImproveMaxCycles,
		StepsRemaining: func(run *Run) int {
			// Called after a step completes, so the phase marker already
			// points at the next branch. Unstarted cycles count at their
			// worst case until an audit score rules them out.
			cycle, _ := run.Data["cycle"].(int)
			switch phase, _ := run.Data["phase"].(string); phase {
			case phaseBaseline:
				return 3 + 2*cfg.ImproveMaxCycles
			case phaseDecide:
				score, _ := agent.Field[float64](run.Output(agents.NameAudit), "overall_score")
				remaining := cfg.ImproveMaxCycles - cycle
				if score >= cfg.QualityThreshold {
					remaining = 0
				}
				return 2 + 2*remaining
			case phaseRescore:
				return 3 + 2*(cfg.ImproveMaxCycles-cycle)
			case phaseSave:
				return 1
			case phaseDone:
				return 0
			default:
				return 4 + 2*cfg.ImproveMaxCycles
			}
		},
		NextStep: func(run *Run) *Step {
			switch phase, _ := run.Data["phase"].(string); phase {
			case phaseStart:
				run.Data["phase"] = phaseBaseline
				return &Step{Agent: agents.NameMemory, Label: "load_site", BuildInput: loadSiteInput}

			case phaseBaseline:
				run.Data["phase"] = phaseDecide
				return &Step{Agent: agents.NameAudit, Label: "audit_baseline", BuildInput: auditCurrentCode}

			case phaseDecide:
				score, _ := agent.Field[float64](run.Output(agents.NameAudit), "overall_score")
				cycle, _ := run.Data["cycle"].(int)

				if before, pending := run.Data["before_score"].(float64); pending {
					issues, _ := run.Data["cycle_issues"].([]string)
					cycles, _ := run.Data["cycles"].([]CycleRecord)
					run.Data["cycles"] = append(cycles, CycleRecord{
						Cycle:       cycle,
						BeforeScore: before,
						AfterScore:  score,
						Issues:      issues,
					})
					delete(run.Data, "before_score")
				}

				if score < cfg.QualityThreshold && cycle < cfg.ImproveMaxCycles {
					run.Data["cycle"] = cycle + 1
					run.Data["before_score"] = score
					issues, _ := agent.Field[[]string](run.Output(agents.NameAudit), "issues")
					run.Data["cycle_issues"] = issues
					run.Data["phase"] = phaseRescore
					return &Step{
						Agent: agents.NameCodegen,
						Label: fmt.Sprintf("improve_cycle_%d", cycle+1),
						BuildInput: func(run *Run) (map[string]any, error) {
							code, ok := currentCode(run)
							if !ok {
								return nil, fmt.Errorf("no site code to improve")
							}
							return map[string]any{
								"previous_code": code,
								"instructions":  improvementInstructions(issues),
							}, nil
						},
					}
				}

				run.Data["phase"] = phaseSave
				return &Step{Agent: agents.NameDeployment, Label: "deploy", BuildInput: deployCurrentCode}

			case phaseRescore:
				run.Data["phase"] = phaseDecide
				return &Step{Agent: agents.NameAudit, Label: "audit_rescore", BuildInput: auditCurrentCode}

			case phaseSave:
				run.Data["phase"] = phaseDone
				return &Step{Agent: agents.NameMemory, Label: "save_version", BuildInput: saveVersionInput}

			default:
				return nil
			}
		},
	}
}

// CycleRecord captures one completed improvement cycle.
type CycleRecord struct {
	Issues      []string `json:"issues_addressed,omitempty"`
	Cycle       int      `json:"cycle"`
	BeforeScore float64  `json:"before_score"`
	AfterScore  float64  `json:"after_score"`
}

// CycleRecords returns the improvement cycles completed so far.
func (r *Run) CycleRecords() []CycleRecord {
	cycles, _ := r.Data["cycles"].([]CycleRecord)
	return cycles
}

// Shared input builders.

func loadSiteInput(run *Run) (map[string]any, error) {
	siteID, ok := run.Input["site_id"].(string)
	if !ok || siteID == "" {
		return nil, fmt.Errorf("input_data is missing site_id")
	}
	return map[string]any{"operation": "load", "site_id": siteID}, nil
}

func auditCurrentCode(run *Run) (map[string]any, error) {
	code, ok := currentCode(run)
	if !ok {
		return nil, fmt.Errorf("no site code to audit")
	}
	return map[string]any{"code": code}, nil
}

func deployCurrentCode(run *Run) (map[string]any, error) {
	code, ok := currentCode(run)
	if !ok {
		return nil, fmt.Errorf("no site code to deploy")
	}
	siteID, ok := agent.Field[string](run.Output(agents.NameMemory), "site_id")
	if !ok {
		return nil, fmt.Errorf("no loaded site to deploy to")
	}
	return map[string]any{"code": code, "site_id": siteID}, nil
}

func saveVersionInput(run *Run) (map[string]any, error) {
	code, ok := currentCode(run)
	if !ok {
		return nil, fmt.Errorf("no site code to save")
	}
	siteID, ok := agent.Field[string](run.Output(agents.NameMemory), "site_id")
	if !ok {
		return nil, fmt.Errorf("no loaded site to save to")
	}
	input := map[string]any{
		"operation": "save",
		"site_id":   siteID,
		"code":      code,
	}
	if url, ok := agent.Field[string](run.Output(agents.NameDeployment), "url"); ok {
		input["deploy_url"] = url
	}
	if score, ok := agent.Field[float64](run.Output(agents.NameAudit), "overall_score"); ok {
		input["audit_score"] = score
	}
	return input, nil
}

// currentCode returns the newest site code in the run: the latest codegen
// output when present, otherwise the code loaded by the memory agent.
func currentCode(run *Run) (string, bool) {
	if code, ok := agent.Field[string](run.Output(agents.NameCodegen), "code"); ok {
		return code, true
	}
	if code, ok := agent.Field[string](run.Output(agents.NameMemory), "code"); ok {
		return code, true
	}
	return "", false
}

func improvementInstructions(issues []string) string {
	if len(issues) == 0 {
		return "Improve the overall quality of the site: accessibility, SEO, design polish, and content."
	}
	var b strings.Builder
	b.WriteString("Fix the following issues found during a quality audit:\n")
	for _, issue := range issues {
		fmt.Fprintf(&b, "- %s\n", issue)
	}
	return b.String()
}

// publishSlug derives a stable publish directory key for a new site.
func publishSlug(siteName, workflowID string) string {
	slug := strings.ToLower(strings.TrimSpace(siteName))
	slug = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r == ' ', r == '-', r == '_':
			return '-'
		default:
			return -1
		}
	}, slug)
	slug = strings.Trim(slug, "-")
	if slug == "" {
		return workflowID
	}
	suffix := workflowID
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return slug + "-" + suffix
}
