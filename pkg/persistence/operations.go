package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by lookup operations when no row matches.
var ErrNotFound = errors.New("record not found")

// Operations provides methods for database operations. All writes go through
// the single connection configured in Open, so callers never race on the
// SQLite writer lock.
type Operations struct {
	db *sql.DB
}

// NewOperations creates a new Operations instance.
func NewOperations(db *sql.DB) *Operations {
	return &Operations{db: db}
}

// CreateSession inserts a new session record.
func (ops *Operations) CreateSession(session *Session) error {
	if session.ID == "" {
		session.ID = NewID()
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	metadata := session.Metadata
	if metadata == "" {
		metadata = "{}"
	}

	query := `
		INSERT INTO sessions (id, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?)
	`
	if _, err := ops.db.Exec(query, session.ID, metadata, session.CreatedAt, session.UpdatedAt); err != nil {
		return fmt.Errorf("failed to create session %s: %w", session.ID, err)
	}
	return nil
}

// TouchSession updates a session's updated_at timestamp.
func (ops *Operations) TouchSession(sessionID string) error {
	result, err := ops.db.Exec(`UPDATE sessions SET updated_at = ? WHERE id = ?`, time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to touch session %s: %w", sessionID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("touch session %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (ops *Operations) GetSession(sessionID string) (*Session, error) {
	var s Session
	err := ops.db.QueryRow(
		`SELECT id, metadata, created_at, updated_at FROM sessions WHERE id = ?`,
		sessionID,
	).Scan(&s.ID, &s.Metadata, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", sessionID, err)
	}
	return &s, nil
}

// CreateSite inserts a new site record owned by a session.
func (ops *Operations) CreateSite(site *Site) error {
	if site.ID == "" {
		site.ID = NewID()
	}
	if site.CreatedAt.IsZero() {
		site.CreatedAt = time.Now().UTC()
	}
	if site.Framework == "" {
		site.Framework = "static"
	}

	query := `
		INSERT INTO sites (id, session_id, name, framework, deploy_url, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	if _, err := ops.db.Exec(query, site.ID, site.SessionID, site.Name, site.Framework, site.DeployURL, site.CreatedAt); err != nil {
		return fmt.Errorf("failed to create site %s: %w", site.ID, err)
	}
	return nil
}

// GetSite retrieves a site by ID.
func (ops *Operations) GetSite(siteID string) (*Site, error) {
	var s Site
	err := ops.db.QueryRow(
		`SELECT id, session_id, name, framework, deploy_url, created_at FROM sites WHERE id = ?`,
		siteID,
	).Scan(&s.ID, &s.SessionID, &s.Name, &s.Framework, &s.DeployURL, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("site %s: %w", siteID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get site %s: %w", siteID, err)
	}
	return &s, nil
}

// ListSitesBySession returns all sites owned by a session, newest first.
func (ops *Operations) ListSitesBySession(sessionID string) ([]*Site, error) {
	rows, err := ops.db.Query(
		`SELECT id, session_id, name, framework, deploy_url, created_at
		 FROM sites WHERE session_id = ? ORDER BY created_at DESC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list sites for session %s: %w", sessionID, err)
	}
	defer func() { _ = rows.Close() }()

	var sites []*Site
	for rows.Next() {
		var s Site
		if err := rows.Scan(&s.ID, &s.SessionID, &s.Name, &s.Framework, &s.DeployURL, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan site row: %w", err)
		}
		sites = append(sites, &s)
	}
	return sites, rows.Err()
}

// SetSiteDeployURL records the public URL of the latest deployment.
func (ops *Operations) SetSiteDeployURL(siteID, deployURL string) error {
	result, err := ops.db.Exec(`UPDATE sites SET deploy_url = ? WHERE id = ?`, deployURL, siteID)
	if err != nil {
		return fmt.Errorf("failed to set deploy URL for site %s: %w", siteID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("set deploy url for site %s: %w", siteID, ErrNotFound)
	}
	return nil
}

// AddVersion appends a new immutable version for a site. The version number
// is assigned inside a transaction so concurrent workflows cannot collide.
func (ops *Operations) AddVersion(version *SiteVersion) error {
	if version.ID == "" {
		version.ID = NewID()
	}
	if version.CreatedAt.IsZero() {
		version.CreatedAt = time.Now().UTC()
	}
	metadata := version.Metadata
	if metadata == "" {
		metadata = "{}"
	}

	tx, err := ops.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin version transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var maxNumber sql.NullInt64
	err = tx.QueryRow(`SELECT MAX(number) FROM site_versions WHERE site_id = ?`, version.SiteID).Scan(&maxNumber)
	if err != nil {
		return fmt.Errorf("failed to determine next version number for site %s: %w", version.SiteID, err)
	}
	version.Number = int(maxNumber.Int64) + 1

	query := `
		INSERT INTO site_versions (id, site_id, workflow_id, number, code, audit_score, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.Exec(query,
		version.ID, version.SiteID, version.WorkflowID, version.Number,
		version.Code, version.AuditScore, metadata, version.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert version %d for site %s: %w", version.Number, version.SiteID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit version for site %s: %w", version.SiteID, err)
	}
	return nil
}

// GetLatestVersion returns the highest-numbered version of a site.
func (ops *Operations) GetLatestVersion(siteID string) (*SiteVersion, error) {
	var v SiteVersion
	err := ops.db.QueryRow(
		`SELECT id, site_id, workflow_id, number, code, audit_score, metadata, created_at
		 FROM site_versions WHERE site_id = ? ORDER BY number DESC LIMIT 1`,
		siteID,
	).Scan(&v.ID, &v.SiteID, &v.WorkflowID, &v.Number, &v.Code, &v.AuditScore, &v.Metadata, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("latest version for site %s: %w", siteID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest version for site %s: %w", siteID, err)
	}
	return &v, nil
}

// ListVersions returns all versions of a site in ascending order.
func (ops *Operations) ListVersions(siteID string) ([]*SiteVersion, error) {
	rows, err := ops.db.Query(
		`SELECT id, site_id, workflow_id, number, code, audit_score, metadata, created_at
		 FROM site_versions WHERE site_id = ? ORDER BY number ASC`,
		siteID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions for site %s: %w", siteID, err)
	}
	defer func() { _ = rows.Close() }()

	var versions []*SiteVersion
	for rows.Next() {
		var v SiteVersion
		if err := rows.Scan(&v.ID, &v.SiteID, &v.WorkflowID, &v.Number, &v.Code, &v.AuditScore, &v.Metadata, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan version row: %w", err)
		}
		versions = append(versions, &v)
	}
	return versions, rows.Err()
}

// SaveAudit records a quality review and mirrors the overall score onto the
// reviewed version.
func (ops *Operations) SaveAudit(audit *AuditRecord) error {
	if audit.ID == "" {
		audit.ID = NewID()
	}
	if audit.CreatedAt.IsZero() {
		audit.CreatedAt = time.Now().UTC()
	}
	categories := audit.Categories
	if categories == "" {
		categories = "{}"
	}
	issues := audit.Issues
	if issues == "" {
		issues = "[]"
	}

	tx, err := ops.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin audit transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO audits (id, version_id, overall_score, categories, issues, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	if _, err := tx.Exec(query, audit.ID, audit.VersionID, audit.OverallScore, categories, issues, audit.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert audit for version %s: %w", audit.VersionID, err)
	}

	if _, err := tx.Exec(`UPDATE site_versions SET audit_score = ? WHERE id = ?`, audit.OverallScore, audit.VersionID); err != nil {
		return fmt.Errorf("failed to update audit score for version %s: %w", audit.VersionID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit audit for version %s: %w", audit.VersionID, err)
	}
	return nil
}

// ListAuditsByVersion returns all audits of a version, newest first.
func (ops *Operations) ListAuditsByVersion(versionID string) ([]*AuditRecord, error) {
	rows, err := ops.db.Query(
		`SELECT id, version_id, overall_score, categories, issues, created_at
		 FROM audits WHERE version_id = ? ORDER BY created_at DESC`,
		versionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list audits for version %s: %w", versionID, err)
	}
	defer func() { _ = rows.Close() }()

	var audits []*AuditRecord
	for rows.Next() {
		var a AuditRecord
		if err := rows.Scan(&a.ID, &a.VersionID, &a.OverallScore, &a.Categories, &a.Issues, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		audits = append(audits, &a)
	}
	return audits, rows.Err()
}
