// Package workflow implements the orchestration core: workflow state
// tracking, recipes with explicit per-step input construction, and the
// orchestrator that drives agents through them.
package workflow

import (
	"fmt"
	"sync"
	"time"

	"siteforge/pkg/agent"
)

// Status is the externally observable lifecycle phase of a workflow.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Type names a workflow recipe.
type Type string

const (
	TypeCreateSite  Type = "create_site"
	TypeUpdateSite  Type = "update_site"
	TypeImproveSite Type = "improve_site"
)

// ParseType validates a workflow type string.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeCreateSite, TypeUpdateSite, TypeImproveSite:
		return Type(s), nil
	default:
		return "", fmt.Errorf("unknown workflow type %q", s)
	}
}

// State is the externally observable record of one workflow. It is mutated
// only by the orchestrator goroutine executing that workflow; reads go
// through View, which copies under the lock.
type State struct {
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Outputs         map[string]*agent.Output
	Results         map[string]any
	Error           *agent.Error
	WorkflowID      string
	SessionID       string
	Type            Type
	Status          Status
	CurrentAgent    string
	CompletedAgents []string
	StepCount       int
	RetryCount      int
	TotalSteps      int

	mu sync.Mutex
}

// NewState creates a pending workflow state.
func NewState(workflowID, sessionID string, workflowType Type, totalSteps int) *State {
	now := time.Now().UTC()
	return &State{
		WorkflowID: workflowID,
		SessionID:  sessionID,
		Type:       workflowType,
		Status:     StatusPending,
		Outputs:    make(map[string]*agent.Output),
		Results:    make(map[string]any),
		TotalSteps: totalSteps,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// SetStatus transitions the workflow. Transitions out of a terminal state
// are rejected.
func (s *State) SetStatus(status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Status.Terminal() {
		return fmt.Errorf("workflow %s is already %s", s.WorkflowID, s.Status)
	}
	s.Status = status
	if status.Terminal() {
		s.CurrentAgent = ""
	}
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// BeginStep records the agent about to run.
func (s *State) BeginStep(agentName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CurrentAgent = agentName
	s.UpdatedAt = time.Now().UTC()
}

// CompleteStep records a finished step and its output.
func (s *State) CompleteStep(agentName string, output *agent.Output) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CompletedAgents = append(s.CompletedAgents, agentName)
	s.Outputs[agentName] = output
	s.StepCount++
	s.UpdatedAt = time.Now().UTC()
}

// SetRemainingSteps re-anchors TotalSteps at the completed count plus the
// steps still ahead, so progress stays honest for recipes whose length
// settles mid-run.
func (s *State) SetRemainingSteps(remaining int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if remaining < 0 {
		remaining = 0
	}
	s.TotalSteps = s.StepCount + remaining
	s.UpdatedAt = time.Now().UTC()
}

// RecordRetry counts one consumed unit of the workflow retry budget.
func (s *State) RecordRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RetryCount++
	s.UpdatedAt = time.Now().UTC()
}

// SetResult stores a client-facing result field (site_id, deployment_url,
// audit_score).
func (s *State) SetResult(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Results[key] = value
	s.UpdatedAt = time.Now().UTC()
}

// SetError attaches the terminal error.
func (s *State) SetError(err *agent.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Error = err
	s.UpdatedAt = time.Now().UTC()
}

// Progress estimates completion in [0,1] from completed steps.
func (s *State) Progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progressLocked()
}

func (s *State) progressLocked() float64 {
	if s.Status == StatusCompleted {
		return 1.0
	}
	if s.TotalSteps <= 0 {
		return 0
	}
	p := float64(s.StepCount) / float64(s.TotalSteps)
	if p > 1.0 {
		p = 1.0
	}
	return p
}

// View is a point-in-time copy of a workflow state, safe to serialize.
type View struct {
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	Results         map[string]any `json:"results,omitempty"`
	Error           *agent.Error   `json:"error,omitempty"`
	WorkflowID      string         `json:"workflow_id"`
	SessionID       string         `json:"session_id"`
	Type            Type           `json:"workflow_type"`
	Status          Status         `json:"status"`
	CurrentAgent    string         `json:"current_agent,omitempty"`
	CompletedAgents []string       `json:"completed_agents"`
	RetryCount      int            `json:"retry_count"`
	Progress        float64        `json:"progress"`
}

// View snapshots the state under its lock.
func (s *State) View() *View {
	s.mu.Lock()
	defer s.mu.Unlock()

	completed := make([]string, len(s.CompletedAgents))
	copy(completed, s.CompletedAgents)
	results := make(map[string]any, len(s.Results))
	for k, v := range s.Results {
		results[k] = v
	}

	return &View{
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
		Results:         results,
		Error:           s.Error,
		WorkflowID:      s.WorkflowID,
		SessionID:       s.SessionID,
		Type:            s.Type,
		Status:          s.Status,
		CurrentAgent:    s.CurrentAgent,
		CompletedAgents: completed,
		RetryCount:      s.RetryCount,
		Progress:        s.progressLocked(),
	}
}

// StateRegistry is the process-wide workflow_id → State map shared by the
// orchestrator and the status interface.
type StateRegistry struct {
	states map[string]*State
	mu     sync.Mutex
}

// NewStateRegistry creates an empty registry.
func NewStateRegistry() *StateRegistry {
	return &StateRegistry{states: make(map[string]*State)}
}

// Add registers a workflow state. Duplicate IDs are rejected.
func (r *StateRegistry) Add(s *State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.states[s.WorkflowID]; exists {
		return fmt.Errorf("workflow %s already exists", s.WorkflowID)
	}
	r.states[s.WorkflowID] = s
	return nil
}

// Get looks up a workflow state.
func (r *StateRegistry) Get(workflowID string) (*State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[workflowID]
	return s, ok
}

// Remove deletes a workflow state, typically after its retention window.
func (r *StateRegistry) Remove(workflowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, workflowID)
}
