package persistence

import (
	"time"

	"github.com/google/uuid"
)

// Session represents one client conversation that may own several sites.
type Session struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ID        string    `json:"id"`
	Metadata  string    `json:"metadata,omitempty"` // JSON blob for extensibility
}

// Site represents a generated website owned by a session.
type Site struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Name      string    `json:"name"`
	Framework string    `json:"framework"`
	DeployURL string    `json:"deploy_url,omitempty"`
}

// SiteVersion represents one immutable snapshot of a site's code.
type SiteVersion struct {
	CreatedAt  time.Time `json:"created_at"`
	ID         string    `json:"id"`
	SiteID     string    `json:"site_id"`
	WorkflowID string    `json:"workflow_id"`
	Code       string    `json:"code"`
	Metadata   string    `json:"metadata,omitempty"`
	AuditScore float64   `json:"audit_score"`
	Number     int       `json:"number"`
}

// AuditRecord represents one quality review of a site version.
type AuditRecord struct {
	CreatedAt    time.Time `json:"created_at"`
	ID           string    `json:"id"`
	VersionID    string    `json:"version_id"`
	OverallScore float64   `json:"overall_score"`
	Categories   string    `json:"categories"` // JSON map category -> score
	Issues       string    `json:"issues"`     // JSON array of issue strings
}

// NewID generates a new UUID string for any persistence record.
func NewID() string {
	return uuid.New().String()
}
