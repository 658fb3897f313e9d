package webui

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"siteforge/pkg/agent"
	"siteforge/pkg/agents"
	"siteforge/pkg/persistence"
	"siteforge/pkg/workflow"
)

type stubAgent struct {
	name string
	data map[string]any
}

func (s *stubAgent) Name() string { return s.name }

func (s *stubAgent) Execute(context.Context, map[string]any, *agent.Context) (*agent.Output, error) {
	return agent.NewOutput(s.data), nil
}

func (s *stubAgent) Validate(*agent.Output) *agent.ValidationResult {
	return agent.NewValidationResult()
}

type testEnv struct {
	server       *httptest.Server
	orchestrator *workflow.Orchestrator
	ops          *persistence.Operations
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ops := persistence.NewOperations(db)
	require.NoError(t, ops.CreateSession(&persistence.Session{ID: "s1"}))

	orch := workflow.NewOrchestrator(workflow.Config{
		Recipes: workflow.Recipes(workflow.RecipeConfig{QualityThreshold: 80, ImproveMaxCycles: 3}),
		Retry: agent.RetryPolicy{
			MaxRetries:    1,
			InitialDelay:  time.Millisecond,
			MaxDelay:      time.Millisecond,
			BackoffFactor: 2.0,
		},
		MaxRetries: 3,
	})
	orch.Register(&stubAgent{name: agents.NameInput, data: map[string]any{
		"requirements": map[string]any{"site_name": "portfolio"},
		"site_name":    "portfolio",
	}})
	orch.Register(&stubAgent{name: agents.NameCodegen, data: map[string]any{"code": "<html></html>", "framework": "static"}})
	orch.Register(&stubAgent{name: agents.NameAudit, data: map[string]any{"overall_score": 95.0}})
	orch.Register(&stubAgent{name: agents.NameDeployment, data: map[string]any{"url": "https://test.com"}})
	orch.Register(&stubAgent{name: agents.NameMemory, data: map[string]any{"site_id": "site_123"}})

	srv := NewServer(orch, ops, t.TempDir())
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &testEnv{server: ts, orchestrator: orch, ops: ops}
}

func (e *testEnv) submit(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	encoded, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(e.server.URL+"/api/workflows", "application/json", bytes.NewReader(encoded))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return decoded
}

func TestSubmitAndStatus(t *testing.T) {
	env := newTestEnv(t)

	result := env.submit(t, map[string]any{
		"workflow_type": "create_site",
		"input_data":    map[string]any{"requirements": "a portfolio site"},
		"session_id":    "s1",
	})
	assert.Equal(t, "pending", result["status"])
	workflowID, _ := result["workflow_id"].(string)
	require.NotEmpty(t, workflowID)

	env.orchestrator.Wait()

	resp, err := http.Get(env.server.URL + "/api/workflows/" + workflowID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var view workflow.View
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.Equal(t, workflow.StatusCompleted, view.Status)
	assert.Equal(t, "site_123", view.Results["site_id"])
	assert.Equal(t, "https://test.com", view.Results["deployment_url"])
}

func TestSubmitRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"bad json", "{", http.StatusBadRequest},
		{"unknown type", `{"workflow_type": "x", "session_id": "s1"}`, http.StatusBadRequest},
		{"missing session", `{"workflow_type": "create_site"}`, http.StatusBadRequest},
		{"unknown session", `{"workflow_type": "create_site", "session_id": "ghost"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(env.server.URL+"/api/workflows", "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestStatusNotFound(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.server.URL + "/api/workflows/ghost")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelNotFound(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Post(env.server.URL+"/api/workflows/ghost/cancel", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSessionAndSites(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Post(env.server.URL+"/api/sessions", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var session persistence.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&session))
	require.NotEmpty(t, session.ID)

	site := &persistence.Site{SessionID: session.ID, Name: "portfolio"}
	require.NoError(t, env.ops.CreateSite(site))
	require.NoError(t, env.ops.AddVersion(&persistence.SiteVersion{
		SiteID: site.ID, WorkflowID: "w1", Code: "<html></html>",
	}))

	listResp, err := http.Get(env.server.URL + "/api/sites?session_id=" + session.ID)
	require.NoError(t, err)
	defer listResp.Body.Close()
	require.Equal(t, http.StatusOK, listResp.StatusCode)

	var sites []*persistence.Site
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&sites))
	require.Len(t, sites, 1)

	siteResp, err := http.Get(env.server.URL + "/api/sites/" + site.ID)
	require.NoError(t, err)
	defer siteResp.Body.Close()
	require.Equal(t, http.StatusOK, siteResp.StatusCode)

	var detail map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(siteResp.Body).Decode(&detail))
	assert.Contains(t, detail, "site")
	assert.Contains(t, detail, "latest_version")

	versionsResp, err := http.Get(env.server.URL + "/api/sites/" + site.ID + "/versions")
	require.NoError(t, err)
	defer versionsResp.Body.Close()
	var versions []*persistence.SiteVersion
	require.NoError(t, json.NewDecoder(versionsResp.Body).Decode(&versions))
	assert.Len(t, versions, 1)
}

func TestAgentMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	env.submit(t, map[string]any{
		"workflow_type": "create_site",
		"input_data":    map[string]any{"requirements": "x"},
		"session_id":    "s1",
	})
	env.orchestrator.Wait()

	resp, err := http.Get(env.server.URL + "/api/agents/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var metrics map[string]agent.Metrics
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&metrics))
	assert.Equal(t, int64(1), metrics[agents.NameInput].ExecutionCount)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEventsStreamTerminalWorkflow(t *testing.T) {
	env := newTestEnv(t)

	result := env.submit(t, map[string]any{
		"workflow_type": "create_site",
		"input_data":    map[string]any{"requirements": "x"},
		"session_id":    "s1",
	})
	workflowID, _ := result["workflow_id"].(string)
	env.orchestrator.Wait()

	resp, err := http.Get(fmt.Sprintf("%s/api/workflows/%s/events", env.server.URL, workflowID))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	var eventLine, dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventLine = line
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = line
			break
		}
	}
	assert.Equal(t, "event: completed", eventLine)
	assert.Contains(t, dataLine, "site_123")
}

func TestWorkflowMetricsWithoutBackend(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.server.URL + "/api/metrics/workflows?type=create_site")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	tokResp, err := http.Get(env.server.URL + "/api/metrics/tokens")
	require.NoError(t, err)
	defer tokResp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, tokResp.StatusCode)
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.server.URL + "/api/workflows")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	del, err := http.NewRequest(http.MethodDelete, env.server.URL+"/api/sessions", nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(del)
	require.NoError(t, err)
	defer delResp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, delResp.StatusCode)
}
