// Package state persists workflow snapshots as JSON files so a restarted
// process can report on workflows it no longer has in memory.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Snapshot is the durable record of one workflow's progress. It is written
// after every step transition and on terminal states.
type Snapshot struct {
	StartedAt    time.Time              `json:"started_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
	Data         map[string]interface{} `json:"data,omitempty"`
	WorkflowID   string                 `json:"workflow_id"`
	SessionID    string                 `json:"session_id"`
	WorkflowType string                 `json:"workflow_type"`
	Status       string                 `json:"status"`
	CurrentStep  string                 `json:"current_step,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	ErrorAgent   string                 `json:"error_agent,omitempty"`
	ErrorKind    string                 `json:"error_kind,omitempty"`
	Recoverable  bool                   `json:"error_recoverable,omitempty"`
	Progress     float64                `json:"progress"`
}

// Store manages snapshot files under a base directory, one file per workflow.
type Store struct {
	baseDir      string
	runningLease time.Duration
}

// NewStore creates a snapshot store. runningLease bounds how long a "running"
// snapshot is trusted: a snapshot not updated within the lease belongs to a
// dead process and is reported as failed.
func NewStore(baseDir string, runningLease time.Duration) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", baseDir, err)
	}
	return &Store{baseDir: baseDir, runningLease: runningLease}, nil
}

// Save persists the snapshot, stamping UpdatedAt.
func (s *Store) Save(snap *Snapshot) error {
	if snap.WorkflowID == "" {
		return fmt.Errorf("workflow ID cannot be empty")
	}
	snap.UpdatedAt = time.Now().UTC()

	jsonData, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot for workflow %s: %w", snap.WorkflowID, err)
	}

	filename := s.snapshotFilename(snap.WorkflowID)
	if err := os.WriteFile(filename, jsonData, 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot file for workflow %s: %w", snap.WorkflowID, err)
	}
	return nil
}

// Load retrieves a workflow snapshot. A "running" snapshot whose lease has
// expired is returned with Status "failed" and an explanatory error message;
// the file on disk is rewritten to match so the resolution is sticky.
func (s *Store) Load(workflowID string) (*Snapshot, error) {
	if workflowID == "" {
		return nil, fmt.Errorf("workflow ID cannot be empty")
	}

	filename := s.snapshotFilename(workflowID)
	fileData, err := os.ReadFile(filename)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("no snapshot found for workflow %s", workflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot file for workflow %s: %w", workflowID, err)
	}

	var snap Snapshot
	if err := json.Unmarshal(fileData, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot for workflow %s: %w", workflowID, err)
	}

	if snap.Status == "running" && s.runningLease > 0 && time.Since(snap.UpdatedAt) > s.runningLease {
		snap.Status = "failed"
		snap.ErrorMessage = fmt.Sprintf("workflow abandoned: no progress since %s", snap.UpdatedAt.Format(time.RFC3339))
		snap.ErrorAgent = snap.CurrentStep
		snap.ErrorKind = "timeout"
		snap.Recoverable = false
		if err := s.Save(&snap); err != nil {
			return nil, err
		}
	}

	return &snap, nil
}

// Delete removes a workflow's snapshot file. Missing files are not an error.
func (s *Store) Delete(workflowID string) error {
	if workflowID == "" {
		return fmt.Errorf("workflow ID cannot be empty")
	}
	filename := s.snapshotFilename(workflowID)
	if err := os.Remove(filename); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete snapshot file for workflow %s: %w", workflowID, err)
	}
	return nil
}

// List returns the IDs of all workflows with a snapshot on disk.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, "STATUS_") && strings.HasSuffix(name, ".json") {
			ids = append(ids, strings.TrimSuffix(strings.TrimPrefix(name, "STATUS_"), ".json"))
		}
	}
	return ids, nil
}

func (s *Store) snapshotFilename(workflowID string) string {
	return filepath.Join(s.baseDir, fmt.Sprintf("STATUS_%s.json", workflowID))
}
