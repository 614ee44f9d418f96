// Package storage persists runs, executions and ingested workflow metadata
// in a local SQLite database.
package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Research steps record executions from several goroutines.
	db.SetMaxOpenConns(1)

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	schema := `
	PRAGMA foreign_keys = ON;

	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL DEFAULT 'crew',
		created_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		initial_prompt TEXT NOT NULL,
		inputs TEXT,
		spec_name TEXT NOT NULL,
		spec_path TEXT,
		workspace_path TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		current_agent TEXT,
		error TEXT
	);

	CREATE TABLE IF NOT EXISTS executions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		agent_name TEXT NOT NULL,
		task_name TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		output TEXT,
		error TEXT,
		sequence_num INTEGER NOT NULL,
		call_index INTEGER NOT NULL DEFAULT 0,
		prompt TEXT,
		tokens_in INTEGER NOT NULL DEFAULT 0,
		tokens_out INTEGER NOT NULL DEFAULT 0,
		UNIQUE(run_id, sequence_num)
	);

	CREATE TABLE IF NOT EXISTS workflows (
		template_id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		html TEXT NOT NULL,
		verdict TEXT NOT NULL,
		summary TEXT,
		nodes TEXT,
		variations TEXT,
		ingested_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_executions_run ON executions(run_id);
	CREATE INDEX IF NOT EXISTS idx_executions_call ON executions(run_id, call_index);
	`

	_, err := s.db.Exec(schema)
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}

// FormatTimeAgo renders t relative to now for list views.
func FormatTimeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("Jan 2")
	}
}
