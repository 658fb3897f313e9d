// Package webui exposes the HTTP API: workflow submission, status and
// cancellation, live progress over SSE, site listings, agent metrics, and
// the published-site file server.
package webui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"siteforge/pkg/logx"
	"siteforge/pkg/metrics"
	"siteforge/pkg/persistence"
	"siteforge/pkg/workflow"
)

// Server is the HTTP front end over the orchestrator and persistence layer.
type Server struct {
	orchestrator *workflow.Orchestrator
	ops          *persistence.Operations
	logger       *logx.Logger
	publishDir   string
	queries      *metrics.QueryService
}

// NewServer creates the API server.
func NewServer(orchestrator *workflow.Orchestrator, ops *persistence.Operations, publishDir string) *Server {
	return &Server{
		orchestrator: orchestrator,
		ops:          ops,
		logger:       logx.NewLogger("webui"),
		publishDir:   publishDir,
	}
}

// SetQueryService enables the /api/metrics endpoints backed by a Prometheus
// server. Without it those endpoints return 503.
func (s *Server) SetQueryService(q *metrics.QueryService) {
	s.queries = q
}

// RegisterRoutes attaches all handlers to the mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/workflows", s.handleWorkflows)
	mux.HandleFunc("/api/workflows/", s.handleWorkflow)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sites", s.handleSites)
	mux.HandleFunc("/api/sites/", s.handleSite)
	mux.HandleFunc("/api/agents/metrics", s.handleAgentMetrics)
	mux.HandleFunc("/api/metrics/workflows", s.handleWorkflowMetrics)
	mux.HandleFunc("/api/metrics/tokens", s.handleTokenMetrics)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/sites/", http.StripPrefix("/sites/", http.FileServer(http.Dir(s.publishDir))))
}

// StartServer starts the HTTP server and shuts it down when ctx is done.
func (s *Server) StartServer(ctx context.Context, host string, port int) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	addr := fmt.Sprintf("%s:%d", host, port)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("starting API server on %s", addr)

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		s.logger.Info("shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("server shutdown failed: %v", err)
		}
	}()

	return nil
}

type submitRequest struct {
	WorkflowType string         `json:"workflow_type"`
	InputData    map[string]any `json:"input_data"`
	SessionID    string         `json:"session_id"`
	WorkflowID   string         `json:"workflow_id,omitempty"`
}

// handleWorkflows handles POST /api/workflows: submit a workflow and return
// immediately with its pending state.
func (s *Server) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	workflowType, err := workflow.ParseType(req.WorkflowType)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.SessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}
	// Reject unknown sessions here rather than letting the save step trip
	// the sites.session_id foreign key mid-workflow.
	if _, err := s.ops.GetSession(req.SessionID); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			http.Error(w, "Session not found", http.StatusNotFound)
			return
		}
		s.logger.Error("session lookup failed: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if req.WorkflowID == "" {
		req.WorkflowID = persistence.NewID()
	}

	view, err := s.orchestrator.ExecuteWorkflow(workflowType, req.InputData, req.SessionID, req.WorkflowID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"workflow_id": view.WorkflowID,
		"status":      view.Status,
	})
}

// handleWorkflow routes /api/workflows/{id}[/cancel|/events].
func (s *Server) handleWorkflow(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/workflows/")
	workflowID, action, _ := strings.Cut(rest, "/")
	if workflowID == "" {
		http.Error(w, "Workflow ID required", http.StatusBadRequest)
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.workflowStatus(w, workflowID)
	case "cancel":
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.cancelWorkflow(w, workflowID)
	case "events":
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.streamEvents(w, r, workflowID)
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

func (s *Server) workflowStatus(w http.ResponseWriter, workflowID string) {
	view, err := s.orchestrator.Status(workflowID)
	if err != nil {
		if errors.Is(err, workflow.ErrWorkflowNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) cancelWorkflow(w http.ResponseWriter, workflowID string) {
	if err := s.orchestrator.Cancel(workflowID); err != nil {
		if errors.Is(err, workflow.ErrWorkflowNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"workflow_id": workflowID,
		"cancelled":   true,
	})
}

// handleSessions handles POST /api/sessions: create a session.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	session := &persistence.Session{}
	if err := s.ops.CreateSession(session); err != nil {
		s.logger.Error("failed to create session: %v", err)
		http.Error(w, "Failed to create session", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusCreated, session)
}

// handleSites handles GET /api/sites?session_id=... : list a session's sites.
func (s *Server) handleSites(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id query parameter required", http.StatusBadRequest)
		return
	}

	sites, err := s.ops.ListSitesBySession(sessionID)
	if err != nil {
		s.logger.Error("failed to list sites: %v", err)
		http.Error(w, "Failed to list sites", http.StatusInternalServerError)
		return
	}
	if sites == nil {
		sites = []*persistence.Site{}
	}
	s.writeJSON(w, http.StatusOK, sites)
}

// handleSite routes /api/sites/{id}[/versions].
func (s *Server) handleSite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/sites/")
	siteID, action, _ := strings.Cut(rest, "/")
	if siteID == "" {
		http.Error(w, "Site ID required", http.StatusBadRequest)
		return
	}

	site, err := s.ops.GetSite(siteID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			http.Error(w, "Site not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to load site", http.StatusInternalServerError)
		return
	}

	switch action {
	case "":
		response := map[string]any{"site": site}
		if latest, err := s.ops.GetLatestVersion(siteID); err == nil {
			response["latest_version"] = latest
		}
		s.writeJSON(w, http.StatusOK, response)
	case "versions":
		versions, err := s.ops.ListVersions(siteID)
		if err != nil {
			http.Error(w, "Failed to list versions", http.StatusInternalServerError)
			return
		}
		if versions == nil {
			versions = []*persistence.SiteVersion{}
		}
		s.writeJSON(w, http.StatusOK, versions)
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

// handleAgentMetrics returns every agent's accumulated metrics.
func (s *Server) handleAgentMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.orchestrator.AgentMetrics())
}

// handleWorkflowMetrics returns Prometheus-derived aggregates for one
// workflow type, e.g. GET /api/metrics/workflows?type=create_site.
func (s *Server) handleWorkflowMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.queries == nil {
		http.Error(w, "Metrics backend not configured", http.StatusServiceUnavailable)
		return
	}
	workflowType := r.URL.Query().Get("type")
	if workflowType == "" {
		http.Error(w, "type query parameter is required", http.StatusBadRequest)
		return
	}
	wm, err := s.queries.GetWorkflowMetrics(r.Context(), workflowType)
	if err != nil {
		s.logger.Error("workflow metrics query failed: %v", err)
		http.Error(w, "Metrics query failed", http.StatusBadGateway)
		return
	}
	s.writeJSON(w, http.StatusOK, wm)
}

func (s *Server) handleTokenMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.queries == nil {
		http.Error(w, "Metrics backend not configured", http.StatusServiceUnavailable)
		return
	}
	tokens, err := s.queries.GetTokensByModel(r.Context())
	if err != nil {
		s.logger.Error("token metrics query failed: %v", err)
		http.Error(w, "Metrics query failed", http.StatusBadGateway)
		return
	}
	s.writeJSON(w, http.StatusOK, tokens)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response: %v", err)
	}
}
