package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database connection.
type DB struct {
	conn *sql.DB
	path string
}

// DefaultDBPath returns ~/.conveyor/conveyor.db, creating the directory if needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	dir := filepath.Join(home, ".conveyor")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create directory %s: %w", dir, err)
	}
	return filepath.Join(dir, "conveyor.db"), nil
}

// Open opens or creates the database at the given path.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return &DB{conn: conn, path: path}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Conn returns the underlying *sql.DB for advanced queries.
func (d *DB) Conn() *sql.DB {
	return d.conn
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS pipelines (
    workflow_id      TEXT PRIMARY KEY,
    project_id       TEXT NOT NULL,
    workspace_id     TEXT NOT NULL,
    state            TEXT NOT NULL CHECK(state IN ('idle','planning','implementing','qa','deploying','complete','failed','paused')),
    paused_from      TEXT,
    current_story_id TEXT,
    current_agent_id TEXT,
    entered_state_at TEXT NOT NULL,
    version          INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_pipelines_project ON pipelines(project_id);

CREATE TABLE IF NOT EXISTS state_transitions (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    workflow_id    TEXT NOT NULL,
    previous_state TEXT NOT NULL,
    new_state      TEXT NOT NULL,
    triggered_by   TEXT NOT NULL,
    agent_id       TEXT,
    story_id       TEXT,
    metadata       TEXT,
    error_message  TEXT,
    occurred_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transitions_workflow ON state_transitions(workflow_id, id DESC);

CREATE TABLE IF NOT EXISTS failure_recoveries (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    workflow_id       TEXT NOT NULL,
    project_id        TEXT NOT NULL,
    story_id          TEXT NOT NULL,
    session_id        TEXT NOT NULL,
    agent_id          TEXT NOT NULL,
    agent_type        TEXT NOT NULL,
    failure_type      TEXT NOT NULL CHECK(failure_type IN ('stuck','crash','api_error','loop','timeout')),
    recovery_strategy TEXT NOT NULL CHECK(recovery_strategy IN ('retry','checkpoint_recovery','context_refresh','escalation','manual_override')),
    retry_count       INTEGER NOT NULL DEFAULT 0,
    checkpoint_ref    TEXT,
    new_session_id    TEXT,
    success           BOOLEAN NOT NULL,
    error_details     TEXT,
    duration_ms       INTEGER,
    metadata          TEXT,
    created_at        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_recoveries_workflow ON failure_recoveries(workflow_id, id DESC);
CREATE INDEX IF NOT EXISTS idx_recoveries_episode ON failure_recoveries(workflow_id, story_id, agent_id, id DESC);

CREATE TABLE IF NOT EXISTS checkpoints (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    project_id TEXT NOT NULL,
    story_id   TEXT NOT NULL,
    ref        TEXT NOT NULL,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_story ON checkpoints(project_id, story_id, id DESC);
`

// Migrate applies the database schema.
func (d *DB) Migrate() error {
	var count int
	err := d.conn.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = 1").Scan(&count)
	if err == nil && count > 0 {
		return nil
	}

	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(schemaV1); err != nil {
		return fmt.Errorf("apply schema v1: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (1)"); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// Reset drops all tables and re-applies the schema.
func (d *DB) Reset() error {
	tables := []string{"checkpoints", "failure_recoveries", "state_transitions", "pipelines", "schema_version"}
	for _, t := range tables {
		if _, err := d.conn.Exec("DROP TABLE IF EXISTS " + t); err != nil {
			return fmt.Errorf("drop table %s: %w", t, err)
		}
	}
	return d.Migrate()
}
