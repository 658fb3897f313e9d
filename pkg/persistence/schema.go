package persistence

import (
	"database/sql"
	"fmt"
)

// createSchema creates all tables if they do not already exist.
func createSchema(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sites (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			name TEXT NOT NULL,
			framework TEXT NOT NULL DEFAULT 'static',
			deploy_url TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS site_versions (
			id TEXT PRIMARY KEY,
			site_id TEXT NOT NULL REFERENCES sites(id),
			workflow_id TEXT NOT NULL,
			number INTEGER NOT NULL,
			code TEXT NOT NULL,
			audit_score REAL NOT NULL DEFAULT 0,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			UNIQUE(site_id, number)
		)`,
		`CREATE TABLE IF NOT EXISTS audits (
			id TEXT PRIMARY KEY,
			version_id TEXT NOT NULL REFERENCES site_versions(id),
			overall_score REAL NOT NULL,
			categories TEXT NOT NULL DEFAULT '{}',
			issues TEXT NOT NULL DEFAULT '[]',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sites_session ON sites(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_versions_site ON site_versions(site_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audits_version ON audits(version_id)`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}
