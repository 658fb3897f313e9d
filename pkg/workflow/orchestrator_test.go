package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"siteforge/pkg/agent"
	"siteforge/pkg/agents"
	"siteforge/pkg/broadcast"
	"siteforge/pkg/state"
)

// stubAgent is a scriptable agent for orchestrator tests.
type stubAgent struct {
	name string
	fn   func(ctx context.Context, input map[string]any, wctx *agent.Context) (*agent.Output, error)
}

func (s *stubAgent) Name() string { return s.name }

func (s *stubAgent) Execute(ctx context.Context, input map[string]any, wctx *agent.Context) (*agent.Output, error) {
	return s.fn(ctx, input, wctx)
}

func (s *stubAgent) Validate(*agent.Output) *agent.ValidationResult {
	return agent.NewValidationResult()
}

func constant(name string, data map[string]any) *stubAgent {
	return &stubAgent{name: name, fn: func(context.Context, map[string]any, *agent.Context) (*agent.Output, error) {
		return agent.NewOutput(data), nil
	}}
}

func fastRetry() agent.RetryPolicy {
	return agent.RetryPolicy{
		MaxRetries:    3,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	snapshots, err := state.NewStore(t.TempDir(), 15*time.Minute)
	require.NoError(t, err)

	return NewOrchestrator(Config{
		Recipes:    Recipes(RecipeConfig{QualityThreshold: 80, ImproveMaxCycles: 3}),
		Retry:      fastRetry(),
		Snapshots:  snapshots,
		MaxRetries: 3,
	})
}

func registerHappyPathAgents(o *Orchestrator) {
	o.Register(constant(agents.NameInput, map[string]any{
		"requirements": map[string]any{"site_name": "portfolio"},
		"site_name":    "portfolio",
	}))
	o.Register(constant(agents.NameCodegen, map[string]any{"code": "<html></html>", "framework": "static"}))
	o.Register(constant(agents.NameAudit, map[string]any{"overall_score": 95.0}))
	o.Register(constant(agents.NameDeployment, map[string]any{"url": "https://test.com"}))
	o.Register(constant(agents.NameMemory, map[string]any{"site_id": "site_123"}))
}

func TestCreateSiteHappyPath(t *testing.T) {
	o := newTestOrchestrator(t)
	registerHappyPathAgents(o)

	view, err := o.ExecuteWorkflow(TypeCreateSite,
		map[string]any{"requirements": "a portfolio site"}, "s1", "w1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, view.Status)

	o.Wait()

	final, err := o.Status("w1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, "site_123", final.Results["site_id"])
	assert.Equal(t, "https://test.com", final.Results["deployment_url"])
	assert.Equal(t, 95.0, final.Results["audit_score"])
	assert.Equal(t, []string{
		agents.NameInput, agents.NameCodegen, agents.NameAudit,
		agents.NameDeployment, agents.NameMemory,
	}, final.CompletedAgents)
	assert.Equal(t, 1.0, final.Progress)
}

func TestDuplicateWorkflowIDRejected(t *testing.T) {
	o := newTestOrchestrator(t)
	registerHappyPathAgents(o)

	_, err := o.ExecuteWorkflow(TypeCreateSite, map[string]any{"requirements": "x"}, "s1", "w1")
	require.NoError(t, err)
	_, err = o.ExecuteWorkflow(TypeCreateSite, map[string]any{"requirements": "x"}, "s1", "w1")
	assert.Error(t, err)
	o.Wait()
}

func TestUnknownWorkflowType(t *testing.T) {
	o := newTestOrchestrator(t)
	_, err := o.ExecuteWorkflow(Type("demolish_site"), nil, "s1", "w1")
	assert.Error(t, err)
}

func TestStepRetriesThenSucceeds(t *testing.T) {
	o := newTestOrchestrator(t)
	registerHappyPathAgents(o)

	var mu sync.Mutex
	calls := 0
	o.Register(&stubAgent{name: agents.NameCodegen, fn: func(context.Context, map[string]any, *agent.Context) (*agent.Output, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls <= 2 {
			return nil, agent.NewError(agents.NameCodegen, agent.KindLLM, "model overloaded")
		}
		return agent.NewOutput(map[string]any{"code": "<html></html>", "framework": "static"}), nil
	}})

	_, err := o.ExecuteWorkflow(TypeCreateSite, map[string]any{"requirements": "a blog"}, "s1", "w1")
	require.NoError(t, err)
	o.Wait()

	final, err := o.Status("w1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)

	m := o.AgentMetrics()[agents.NameCodegen]
	assert.Equal(t, int64(3), m.ExecutionCount)
	assert.Equal(t, int64(2), m.ErrorCount)
	assert.Equal(t, int64(1), m.SuccessCount)
}

func TestNonRetryableErrorFailsWorkflow(t *testing.T) {
	o := newTestOrchestrator(t)
	registerHappyPathAgents(o)

	calls := 0
	o.Register(&stubAgent{name: agents.NameInput, fn: func(context.Context, map[string]any, *agent.Context) (*agent.Output, error) {
		calls++
		return nil, agent.NewError(agents.NameInput, agent.KindValidation, "empty request").
			WithFlags(false, false)
	}})

	_, err := o.ExecuteWorkflow(TypeCreateSite, map[string]any{"requirements": "x"}, "s1", "w1")
	require.NoError(t, err)
	o.Wait()

	final, err := o.Status("w1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Equal(t, agents.NameInput, final.Error.Agent)
	assert.Equal(t, "empty request", final.Error.Message)
	assert.False(t, final.Error.Recoverable)
	assert.Equal(t, 1, calls, "fatal errors must not burn attempts")
	assert.Empty(t, final.CompletedAgents)
}

func TestWorkflowRetryBudgetExhausted(t *testing.T) {
	o := newTestOrchestrator(t)
	registerHappyPathAgents(o)

	// Recoverable but not step-retryable, so every attempt consumes one unit
	// of the workflow-level budget.
	o.Register(&stubAgent{name: agents.NameCodegen, fn: func(context.Context, map[string]any, *agent.Context) (*agent.Output, error) {
		return nil, agent.NewError(agents.NameCodegen, agent.KindLLM, "bad output shape").
			WithFlags(true, false)
	}})

	_, err := o.ExecuteWorkflow(TypeCreateSite, map[string]any{"requirements": "x"}, "s1", "w1")
	require.NoError(t, err)
	o.Wait()

	final, err := o.Status("w1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Equal(t, 3, final.RetryCount, "budget fully consumed")
	m := o.AgentMetrics()[agents.NameCodegen]
	assert.Equal(t, int64(4), m.ExecutionCount, "initial attempt plus three budget re-runs")
}

func TestStepTimeoutSurfacesAsRetryableTimeout(t *testing.T) {
	snapshots, err := state.NewStore(t.TempDir(), 15*time.Minute)
	require.NoError(t, err)

	o := NewOrchestrator(Config{
		Recipes:     Recipes(RecipeConfig{QualityThreshold: 80, ImproveMaxCycles: 3}),
		Retry:       fastRetry(),
		Snapshots:   snapshots,
		MaxRetries:  3,
		StepTimeout: 30 * time.Millisecond,
	})
	registerHappyPathAgents(o)

	// Hangs until the per-step deadline fires, then surfaces the context
	// error the way a slow provider call would.
	o.Register(&stubAgent{name: agents.NameInput, fn: func(ctx context.Context, _ map[string]any, _ *agent.Context) (*agent.Output, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}})

	_, err = o.ExecuteWorkflow(TypeCreateSite, map[string]any{"requirements": "x"}, "s1", "w1")
	require.NoError(t, err)
	o.Wait()

	final, err := o.Status("w1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Equal(t, agent.KindTimeout, final.Error.Kind)
	assert.True(t, final.Error.Recoverable)
	assert.Equal(t, 3, final.RetryCount, "timeouts consume the workflow retry budget")
}

func TestCancellationBetweenSteps(t *testing.T) {
	o := newTestOrchestrator(t)
	registerHappyPathAgents(o)

	inputStarted := make(chan struct{})
	release := make(chan struct{})
	o.Register(&stubAgent{name: agents.NameInput, fn: func(ctx context.Context, _ map[string]any, _ *agent.Context) (*agent.Output, error) {
		close(inputStarted)
		<-release
		return agent.NewOutput(map[string]any{
			"requirements": map[string]any{"site_name": "portfolio"},
			"site_name":    "portfolio",
		}), nil
	}})

	codegenRan := false
	o.Register(&stubAgent{name: agents.NameCodegen, fn: func(context.Context, map[string]any, *agent.Context) (*agent.Output, error) {
		codegenRan = true
		return agent.NewOutput(map[string]any{"code": "<html></html>"}), nil
	}})

	_, err := o.ExecuteWorkflow(TypeCreateSite, map[string]any{"requirements": "x"}, "s1", "w1")
	require.NoError(t, err)

	<-inputStarted
	require.NoError(t, o.Cancel("w1"))
	close(release)
	o.Wait()

	final, err := o.Status("w1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, final.Status)
	assert.False(t, codegenRan, "cancellation is observed before the next step")

	// Cancelling a terminal workflow is an error.
	assert.Error(t, o.Cancel("w1"))
}

func TestConcurrentWorkflowsAreIndependent(t *testing.T) {
	o := newTestOrchestrator(t)
	registerHappyPathAgents(o)

	for _, id := range []string{"w1", "w2", "w3"} {
		_, err := o.ExecuteWorkflow(TypeCreateSite, map[string]any{"requirements": "x"}, "s1", id)
		require.NoError(t, err)
	}
	o.Wait()

	for _, id := range []string{"w1", "w2", "w3"} {
		final, err := o.Status(id)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, final.Status)
	}

	m := o.AgentMetrics()[agents.NameInput]
	assert.Equal(t, int64(3), m.ExecutionCount)
}

func TestBroadcastLifecycle(t *testing.T) {
	o := newTestOrchestrator(t)
	registerHappyPathAgents(o)

	var mu sync.Mutex
	var kinds []string
	o.Broadcaster().Subscribe("w1", broadcast.SubscriberFunc(func(ev broadcast.Event) error {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, ev.Kind)
		return nil
	}))

	_, err := o.ExecuteWorkflow(TypeCreateSite, map[string]any{"requirements": "x"}, "s1", "w1")
	require.NoError(t, err)
	o.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, kinds)
	assert.Equal(t, broadcast.KindCompleted, kinds[len(kinds)-1])
	assert.Contains(t, kinds, broadcast.KindAgentStatus)
	assert.Contains(t, kinds, broadcast.KindProgress)
}

func TestStatusUnknownWorkflow(t *testing.T) {
	o := newTestOrchestrator(t)
	_, err := o.Status("ghost")
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
}

func TestStatusFallsBackToSnapshot(t *testing.T) {
	snapshots, err := state.NewStore(t.TempDir(), 15*time.Minute)
	require.NoError(t, err)

	first := NewOrchestrator(Config{
		Recipes:    Recipes(RecipeConfig{QualityThreshold: 80, ImproveMaxCycles: 3}),
		Retry:      fastRetry(),
		Snapshots:  snapshots,
		MaxRetries: 3,
	})
	registerHappyPathAgents(first)
	_, err = first.ExecuteWorkflow(TypeCreateSite, map[string]any{"requirements": "x"}, "s1", "w1")
	require.NoError(t, err)
	first.Wait()

	// A fresh process with an empty registry but the same snapshot dir.
	second := NewOrchestrator(Config{
		Recipes:   Recipes(RecipeConfig{QualityThreshold: 80, ImproveMaxCycles: 3}),
		Retry:     fastRetry(),
		Snapshots: snapshots,
	})
	view, err := second.Status("w1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, view.Status)
	assert.Equal(t, "site_123", view.Results["site_id"])
}

func TestStatusFromSnapshotKeepsFailureDetail(t *testing.T) {
	snapshots, err := state.NewStore(t.TempDir(), 15*time.Minute)
	require.NoError(t, err)

	first := NewOrchestrator(Config{
		Recipes:    Recipes(RecipeConfig{QualityThreshold: 80, ImproveMaxCycles: 3}),
		Retry:      fastRetry(),
		Snapshots:  snapshots,
		MaxRetries: 3,
	})
	registerHappyPathAgents(first)
	first.Register(&stubAgent{name: agents.NameDeployment, fn: func(context.Context, map[string]any, *agent.Context) (*agent.Output, error) {
		return nil, agent.NewError(agents.NameDeployment, agent.KindDeployment, "publish dir not writable").
			WithFlags(false, false)
	}})
	_, err = first.ExecuteWorkflow(TypeCreateSite, map[string]any{"requirements": "x"}, "s1", "w1")
	require.NoError(t, err)
	first.Wait()

	second := NewOrchestrator(Config{
		Recipes:   Recipes(RecipeConfig{QualityThreshold: 80, ImproveMaxCycles: 3}),
		Retry:     fastRetry(),
		Snapshots: snapshots,
	})
	view, err := second.Status("w1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, view.Status)
	require.NotNil(t, view.Error)
	assert.Equal(t, "publish dir not writable", view.Error.Message)
	assert.Equal(t, agents.NameDeployment, view.Error.Agent)
	assert.Equal(t, agent.KindDeployment, view.Error.Kind)
	assert.False(t, view.Error.Recoverable)
}

func TestImproveSiteProgressWhenBaselinePasses(t *testing.T) {
	o := newTestOrchestrator(t)
	registerHappyPathAgents(o)
	o.Register(constant(agents.NameMemory, map[string]any{"site_id": "site_123", "code": "<html>v1</html>"}))

	var mu sync.Mutex
	progressByMessage := map[string]float64{}
	o.Broadcaster().Subscribe("w1", broadcast.SubscriberFunc(func(ev broadcast.Event) error {
		mu.Lock()
		defer mu.Unlock()
		if ev.Kind == broadcast.KindProgress {
			progressByMessage[ev.Message] = ev.Progress
		}
		return nil
	}))

	_, err := o.ExecuteWorkflow(TypeImproveSite, map[string]any{"site_id": "site_123"}, "s1", "w1")
	require.NoError(t, err)
	o.Wait()

	// The baseline audit of 95 rules out all three improvement cycles, so
	// the run settles at four steps and progress reflects that instead of
	// the worst-case ten.
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0.5, progressByMessage["agent audit completed"])
	assert.Equal(t, 0.75, progressByMessage["agent deployment completed"])
	assert.Equal(t, 1.0, progressByMessage["agent memory completed"])
}

func TestImproveSiteEndToEnd(t *testing.T) {
	o := newTestOrchestrator(t)
	registerHappyPathAgents(o)

	o.Register(constant(agents.NameMemory, map[string]any{"site_id": "site_123", "code": "<html>v1</html>"}))

	var mu sync.Mutex
	auditCalls := 0
	scores := []float64{60.0, 85.0}
	o.Register(&stubAgent{name: agents.NameAudit, fn: func(context.Context, map[string]any, *agent.Context) (*agent.Output, error) {
		mu.Lock()
		defer mu.Unlock()
		score := scores[len(scores)-1]
		if auditCalls < len(scores) {
			score = scores[auditCalls]
		}
		auditCalls++
		return agent.NewOutput(map[string]any{"overall_score": score, "issues": []string{"thin content"}}), nil
	}})

	_, err := o.ExecuteWorkflow(TypeImproveSite, map[string]any{"site_id": "site_123"}, "s1", "w1")
	require.NoError(t, err)
	o.Wait()

	final, err := o.Status("w1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, 85.0, final.Results["audit_score"])

	cycles, ok := final.Results["cycles"].([]CycleRecord)
	require.True(t, ok)
	require.Len(t, cycles, 1)
	assert.Equal(t, 60.0, cycles[0].BeforeScore)
	assert.Equal(t, 85.0, cycles[0].AfterScore)
}

func TestShutdownCancelsInFlight(t *testing.T) {
	o := newTestOrchestrator(t)
	registerHappyPathAgents(o)

	started := make(chan struct{})
	o.Register(&stubAgent{name: agents.NameInput, fn: func(ctx context.Context, _ map[string]any, _ *agent.Context) (*agent.Output, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}})

	_, err := o.ExecuteWorkflow(TypeCreateSite, map[string]any{"requirements": "x"}, "s1", "w1")
	require.NoError(t, err)
	<-started

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Shutdown(shutdownCtx))

	final, err := o.Status("w1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, final.Status)
}
