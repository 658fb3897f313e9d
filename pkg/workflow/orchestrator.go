package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"siteforge/pkg/agent"
	"siteforge/pkg/agents"
	"siteforge/pkg/broadcast"
	"siteforge/pkg/logx"
	"siteforge/pkg/state"
)

// ErrWorkflowNotFound indicates a workflow ID is unknown to the orchestrator
// and has no snapshot on disk.
var ErrWorkflowNotFound = errors.New("workflow not found")

// Recorder receives workflow metrics. Implemented by
// metrics.PrometheusRecorder; nil disables recording.
type Recorder interface {
	ObserveStep(workflowType, agentName string, success bool, duration time.Duration)
	IncRetry(workflowType, agentName string)
	ObserveWorkflow(workflowType, status string)
	ObserveAuditScore(workflowType string, score float64)
	WorkflowStarted()
	WorkflowFinished()
}

// Config wires the orchestrator's collaborators and tuning.
type Config struct {
	Recipes     map[Type]*Recipe
	Retry       agent.RetryPolicy
	Broadcaster *broadcast.Broadcaster
	Snapshots   *state.Store         // optional
	Recorder    Recorder             // optional
	EventSink   broadcast.Subscriber // optional, receives every event (e.g. the event log)
	MaxRetries  int                  // context-level retry budget per workflow
	StepTimeout time.Duration
}

// Orchestrator executes workflow recipes: it owns the agent registry, drives
// each workflow's steps strictly sequentially on its own goroutine, retries
// failing steps, and publishes every transition to the state registry, the
// snapshot store, and the broadcaster. Different workflow IDs execute fully
// concurrently.
type Orchestrator struct {
	harnesses   map[string]*agent.Harness
	agentMetric *agent.MetricsRegistry
	recipes     map[Type]*Recipe
	states      *StateRegistry
	broadcaster *broadcast.Broadcaster
	snapshots   *state.Store
	recorder    Recorder
	eventSink   broadcast.Subscriber
	retry       agent.RetryPolicy
	maxRetries  int
	stepTimeout time.Duration
	logger      *logx.Logger

	cancels map[string]context.CancelFunc
	mu      sync.Mutex
	wg      sync.WaitGroup
}

// NewOrchestrator creates an orchestrator. Agents are added with Register.
func NewOrchestrator(cfg Config) *Orchestrator {
	broadcaster := cfg.Broadcaster
	if broadcaster == nil {
		broadcaster = broadcast.NewBroadcaster()
	}
	return &Orchestrator{
		harnesses:   make(map[string]*agent.Harness),
		agentMetric: agent.NewMetricsRegistry(),
		recipes:     cfg.Recipes,
		states:      NewStateRegistry(),
		broadcaster: broadcaster,
		snapshots:   cfg.Snapshots,
		recorder:    cfg.Recorder,
		eventSink:   cfg.EventSink,
		retry:       cfg.Retry,
		maxRetries:  cfg.MaxRetries,
		stepTimeout: cfg.StepTimeout,
		logger:      logx.NewLogger("orchestrator"),
		cancels:     make(map[string]context.CancelFunc),
	}
}

// Register adds an agent to the registry under its own name, wrapped in the
// metrics harness. Registering the same name twice replaces the agent but
// keeps its accumulated metrics.
func (o *Orchestrator) Register(a agent.Agent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.harnesses[a.Name()] = agent.NewHarness(a, o.agentMetric.For(a.Name()))
}

// Broadcaster returns the progress broadcaster clients subscribe through.
func (o *Orchestrator) Broadcaster() *broadcast.Broadcaster {
	return o.broadcaster
}

// AgentMetrics returns a snapshot of every registered agent's metrics.
func (o *Orchestrator) AgentMetrics() map[string]agent.Metrics {
	return o.agentMetric.SnapshotAll()
}

// ExecuteWorkflow validates the request, registers a pending state, and
// schedules asynchronous execution. It returns immediately with the pending
// view; progress is observed via Status and the broadcaster.
func (o *Orchestrator) ExecuteWorkflow(workflowType Type, inputData map[string]any, sessionID, workflowID string) (*View, error) {
	recipe, ok := o.recipes[workflowType]
	if !ok {
		return nil, fmt.Errorf("unknown workflow type %q", workflowType)
	}
	if workflowID == "" {
		return nil, fmt.Errorf("workflow ID cannot be empty")
	}

	st := NewState(workflowID, sessionID, workflowType, recipe.TotalSteps)
	if err := o.states.Add(st); err != nil {
		return nil, err
	}
	o.saveSnapshot(st)

	ctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.cancels[workflowID] = cancel
	o.mu.Unlock()

	if o.recorder != nil {
		o.recorder.WorkflowStarted()
	}

	o.wg.Add(1)
	go o.run(ctx, st, recipe, inputData)

	o.logger.Info("workflow %s (%s) submitted for session %s", workflowID, workflowType, sessionID)
	return st.View(), nil
}

// Status returns the current view of a workflow. Workflows no longer in
// memory are resolved from the snapshot store, where the running-state lease
// guarantees a crashed workflow eventually reads as failed.
func (o *Orchestrator) Status(workflowID string) (*View, error) {
	if st, ok := o.states.Get(workflowID); ok {
		return st.View(), nil
	}

	if o.snapshots != nil {
		snap, err := o.snapshots.Load(workflowID)
		if err == nil {
			return viewFromSnapshot(snap), nil
		}
	}
	return nil, fmt.Errorf("workflow %s: %w", workflowID, ErrWorkflowNotFound)
}

// Cancel requests cooperative cancellation. The running workflow observes
// the request at its next step boundary or suspension point; already
// terminal workflows return an error.
func (o *Orchestrator) Cancel(workflowID string) error {
	st, ok := o.states.Get(workflowID)
	if !ok {
		return fmt.Errorf("workflow %s: %w", workflowID, ErrWorkflowNotFound)
	}
	if st.View().Status.Terminal() {
		return fmt.Errorf("workflow %s is already %s", workflowID, st.View().Status)
	}

	o.mu.Lock()
	cancel := o.cancels[workflowID]
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	o.logger.Info("cancellation requested for workflow %s", workflowID)
	return nil
}

// Wait blocks until all in-flight workflows have reached a terminal state.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Shutdown cancels every in-flight workflow and waits for them to finish or
// the context to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	for _, cancel := range o.cancels {
		cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

func (o *Orchestrator) run(ctx context.Context, st *State, recipe *Recipe, inputData map[string]any) {
	defer o.wg.Done()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, st.WorkflowID)
		o.mu.Unlock()
		if o.recorder != nil {
			o.recorder.WorkflowFinished()
		}
	}()

	wctx := agent.NewContext(st.SessionID, st.WorkflowID, o.maxRetries)
	run := NewRun(inputData, wctx)

	_ = st.SetStatus(StatusRunning)
	o.saveSnapshot(st)
	o.broadcastEvent(st, broadcast.KindProgress, "", "workflow started", nil)

	for {
		if ctx.Err() != nil {
			o.finishCancelled(st)
			return
		}
		step := recipe.NextStep(run)
		if step == nil {
			break
		}
		if err := o.runStep(ctx, st, run, recipe, step); err != nil {
			if ctx.Err() != nil {
				o.finishCancelled(st)
				return
			}
			o.finishFailed(st, step, err)
			return
		}
	}

	o.finishCompleted(st, run)
}

// runStep drives one recipe step to success or terminal failure. The
// per-step RetryPolicy handles transient backoff inside a single attempt;
// when the step still fails with a recoverable error, the workflow-level
// retry budget re-runs the whole step from input construction.
func (o *Orchestrator) runStep(ctx context.Context, st *State, run *Run, recipe *Recipe, step *Step) error {
	o.mu.Lock()
	harness := o.harnesses[step.Agent]
	o.mu.Unlock()
	if harness == nil {
		return agent.Errorf(step.Agent, agent.KindValidation, "agent %q is not registered: %v", step.Agent, agent.ErrAgentNotFound).
			WithFlags(false, false)
	}

	st.BeginStep(step.Agent)
	o.saveSnapshot(st)
	o.broadcastEvent(st, broadcast.KindAgentStatus, step.Label, fmt.Sprintf("agent %s started", step.Agent), nil)

	for {
		input, err := step.BuildInput(run)
		if err != nil {
			return agent.Errorf(step.Agent, agent.KindValidation, "cannot build step input: %v", err).
				WithFlags(false, false)
		}

		start := time.Now()
		output, execErr := o.executeOnce(ctx, harness, input, run.Context)
		duration := time.Since(start)

		stepOK := execErr == nil && output != nil && output.Success
		if o.recorder != nil {
			o.recorder.ObserveStep(string(st.Type), step.Agent, stepOK, duration)
		}

		if stepOK {
			run.Context.RecordOutput(step.Agent, output)
			st.CompleteStep(step.Agent, output)
			if recipe.StepsRemaining != nil {
				st.SetRemainingSteps(recipe.StepsRemaining(run))
			}
			o.saveSnapshot(st)
			o.broadcastEvent(st, broadcast.KindProgress, step.Label, fmt.Sprintf("agent %s completed", step.Agent), nil)
			if o.recorder != nil && step.Agent == agents.NameAudit {
				if score, ok := agent.Field[float64](output, "overall_score"); ok {
					o.recorder.ObserveAuditScore(string(st.Type), score)
				}
			}
			return nil
		}

		agentErr := o.normalizeStepFailure(ctx, step, output, execErr)
		if agentErr == nil {
			// Cancellation surfaced from inside the step.
			return ctx.Err()
		}

		if agentErr.Recoverable && run.Context.CanRetry() && ctx.Err() == nil {
			run.Context.IncrementRetry()
			st.RecordRetry()
			if o.recorder != nil {
				o.recorder.IncRetry(string(st.Type), step.Agent)
			}
			o.logger.Warn("workflow %s: step %s failed (%s), re-running (budget %d/%d)",
				st.WorkflowID, step.Agent, agentErr.Kind, run.Context.RetryCount, run.Context.MaxRetries)
			o.broadcastEvent(st, broadcast.KindLog, step.Label,
				fmt.Sprintf("agent %s failed, re-running: %s", step.Agent, agentErr.Message), nil)
			continue
		}

		return agentErr
	}
}

// executeOnce invokes the harness through the step-level retry policy and an
// optional per-step timeout.
func (o *Orchestrator) executeOnce(ctx context.Context, harness *agent.Harness, input map[string]any, wctx *agent.Context) (*agent.Output, error) {
	stepCtx := ctx
	if o.stepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, o.stepTimeout)
		defer cancel()
	}

	return o.retry.Execute(stepCtx, o.logger, func(c context.Context) (*agent.Output, error) {
		return harness.ExecuteWithMetrics(c, input, wctx)
	})
}

// normalizeStepFailure converts whatever a failed step produced into a typed
// agent error, or returns nil when the failure was our own cancellation.
func (o *Orchestrator) normalizeStepFailure(ctx context.Context, step *Step, output *agent.Output, execErr error) *agent.Error {
	if execErr != nil {
		var agentErr *agent.Error
		if errors.As(execErr, &agentErr) {
			return agentErr
		}
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(execErr, context.DeadlineExceeded) {
			return agent.NewError(step.Agent, agent.KindTimeout, "step timed out")
		}
		return agent.WrapUnknown(step.Agent, execErr)
	}

	// Execute succeeded but validation downgraded the output.
	msg := "output failed validation"
	if output != nil && output.Validation != nil && len(output.Validation.Errors) > 0 {
		msg = "output failed validation: " + strings.Join(output.Validation.Errors, "; ")
	}
	return agent.NewError(step.Agent, agent.KindValidation, msg)
}

func (o *Orchestrator) finishCompleted(st *State, run *Run) {
	if out := run.Output(agents.NameMemory); out != nil {
		if siteID, ok := agent.Field[string](out, "site_id"); ok {
			st.SetResult("site_id", siteID)
		}
		if versionID, ok := agent.Field[string](out, "version_id"); ok {
			st.SetResult("version_id", versionID)
		}
	}
	if url, ok := agent.Field[string](run.Output(agents.NameDeployment), "url"); ok {
		st.SetResult("deployment_url", url)
	}
	if score, ok := agent.Field[float64](run.Output(agents.NameAudit), "overall_score"); ok {
		st.SetResult("audit_score", score)
	}
	if cycles := run.CycleRecords(); len(cycles) > 0 {
		st.SetResult("cycles", cycles)
	}

	_ = st.SetStatus(StatusCompleted)
	o.saveSnapshot(st)
	if o.recorder != nil {
		o.recorder.ObserveWorkflow(string(st.Type), string(StatusCompleted))
	}
	o.broadcastEvent(st, broadcast.KindCompleted, "", "workflow completed", st.View().Results)
	o.broadcaster.Close(st.WorkflowID)
	o.logger.Info("workflow %s completed (%d budget retries consumed)", st.WorkflowID, st.View().RetryCount)
}

func (o *Orchestrator) finishFailed(st *State, step *Step, err error) {
	agentErr := agent.WrapUnknown(step.Agent, err)
	st.SetError(agentErr)
	_ = st.SetStatus(StatusFailed)
	o.saveSnapshot(st)
	if o.recorder != nil {
		o.recorder.ObserveWorkflow(string(st.Type), string(StatusFailed))
	}
	o.broadcastEvent(st, broadcast.KindError, step.Label, agentErr.Message, map[string]any{
		"agent":       agentErr.Agent,
		"kind":        string(agentErr.Kind),
		"recoverable": agentErr.Recoverable,
	})
	o.broadcaster.Close(st.WorkflowID)
	o.logger.Error("workflow %s failed at %s: %s", st.WorkflowID, step.Agent, agentErr.Message)
}

func (o *Orchestrator) finishCancelled(st *State) {
	_ = st.SetStatus(StatusCancelled)
	o.saveSnapshot(st)
	if o.recorder != nil {
		o.recorder.ObserveWorkflow(string(st.Type), string(StatusCancelled))
	}
	o.broadcastEvent(st, broadcast.KindLog, "", "workflow cancelled", map[string]any{"status": string(StatusCancelled)})
	o.broadcaster.Close(st.WorkflowID)
	o.logger.Info("workflow %s cancelled", st.WorkflowID)
}

func (o *Orchestrator) broadcastEvent(st *State, kind, step, message string, data map[string]any) {
	ev := broadcast.Event{
		WorkflowID: st.WorkflowID,
		Kind:       kind,
		Step:       step,
		Message:    message,
		Progress:   st.Progress(),
		Data:       data,
	}
	if o.eventSink != nil {
		ev.Timestamp = time.Now()
		if err := o.eventSink.Send(ev); err != nil {
			o.logger.Warn("event sink rejected event for %s: %v", st.WorkflowID, err)
		}
	}
	o.broadcaster.Broadcast(ev)
}

func (o *Orchestrator) saveSnapshot(st *State) {
	if o.snapshots == nil {
		return
	}
	v := st.View()
	snap := &state.Snapshot{
		WorkflowID:   v.WorkflowID,
		SessionID:    v.SessionID,
		WorkflowType: string(v.Type),
		Status:       string(v.Status),
		CurrentStep:  v.CurrentAgent,
		Progress:     v.Progress,
		StartedAt:    v.CreatedAt,
		Data:         v.Results,
	}
	if v.Error != nil {
		snap.ErrorMessage = v.Error.Message
		snap.ErrorAgent = v.Error.Agent
		snap.ErrorKind = string(v.Error.Kind)
		snap.Recoverable = v.Error.Recoverable
	}
	if err := o.snapshots.Save(snap); err != nil {
		o.logger.Warn("failed to persist snapshot for workflow %s: %v", v.WorkflowID, err)
	}
}

func viewFromSnapshot(snap *state.Snapshot) *View {
	v := &View{
		CreatedAt:  snap.StartedAt,
		UpdatedAt:  snap.UpdatedAt,
		WorkflowID: snap.WorkflowID,
		SessionID:  snap.SessionID,
		Type:       Type(snap.WorkflowType),
		Status:     Status(snap.Status),
		Progress:   snap.Progress,
		Results:    snap.Data,
	}
	if snap.ErrorMessage != "" {
		kind := agent.ErrorKind(snap.ErrorKind)
		if kind == "" {
			kind = agent.KindUnknown
		}
		v.Error = &agent.Error{
			Message:     snap.ErrorMessage,
			Kind:        kind,
			Agent:       snap.ErrorAgent,
			Recoverable: snap.Recoverable,
			Timestamp:   snap.UpdatedAt,
		}
	}
	return v
}
