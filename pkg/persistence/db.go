// Package persistence provides SQLite-based storage for sessions, sites,
// site versions, and audit records.
package persistence

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver

	"siteforge/pkg/logx"
)

// Open creates the SQLite database connection with WAL mode and initializes
// the schema. This function is idempotent and safe to call on an existing
// database file.
func Open(dbPath string) (*sql.DB, error) {
	// modernc's driver takes pragmas as _pragma=name(value) parameters.
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := createSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	logx.NewLogger("persistence").Info("database initialized: %s", dbPath)
	return db, nil
}
