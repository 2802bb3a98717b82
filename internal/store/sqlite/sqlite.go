// Copyright 2026 The Mergeflow Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite provides a SQLite store implementation for single-node
// deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mergeflow/mergeflow/internal/store"
	_ "modernc.org/sqlite"
)

// Compile-time interface assertion.
var _ store.Store = (*Store)(nil)

// Store is a SQLite storage backend.
type Store struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path. ":memory:" for tests.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New creates a new SQLite store and runs migrations.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}

	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// configurePragmas sets SQLite configuration options.
func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

// migrate runs database migrations.
func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			repository_id TEXT NOT NULL UNIQUE,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS prs (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			pr_number INTEGER NOT NULL,
			title TEXT NOT NULL,
			description TEXT,
			author TEXT,
			status TEXT NOT NULL,
			base_branch TEXT,
			head_branch TEXT,
			analysis_status TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(project_id, pr_number)
		)`,
		`CREATE TABLE IF NOT EXISTS analysis_results (
			id TEXT PRIMARY KEY,
			pr_id TEXT NOT NULL REFERENCES prs(id) ON DELETE CASCADE,
			severity TEXT NOT NULL,
			category TEXT,
			file_path TEXT,
			line INTEGER,
			message TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_analysis_results_pr_id ON analysis_results(pr_id)`,
		`CREATE TABLE IF NOT EXISTS workflow_executions (
			id TEXT PRIMARY KEY,
			pr_id TEXT NOT NULL,
			workflow_name TEXT NOT NULL,
			status TEXT NOT NULL,
			current_step TEXT,
			steps_completed TEXT NOT NULL DEFAULT '[]',
			steps_failed TEXT NOT NULL DEFAULT '[]',
			metadata TEXT,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_executions_pr_id ON workflow_executions(pr_id)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			pr_id TEXT NOT NULL,
			workflow_execution_id TEXT REFERENCES workflow_executions(id) ON DELETE CASCADE,
			step_id TEXT,
			name TEXT NOT NULL,
			description TEXT,
			task_type TEXT NOT NULL,
			dependencies TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL,
			priority TEXT NOT NULL,
			step_config TEXT,
			error TEXT,
			started_at TEXT,
			completed_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_pr_id ON tasks(pr_id)`,
		`CREATE TABLE IF NOT EXISTS codegen_prompts (
			id TEXT PRIMARY KEY,
			pr_id TEXT NOT NULL,
			task_id TEXT,
			prompt TEXT NOT NULL,
			priority TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_codegen_prompts_pr_id ON codegen_prompts(pr_id)`,
		`CREATE TABLE IF NOT EXISTS requirements (
			id TEXT PRIMARY KEY,
			pr_id TEXT,
			source TEXT,
			content TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS milestones (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			parent_id TEXT,
			weight REAL NOT NULL,
			expected_completion_ms INTEGER,
			dependencies TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_milestones_workflow_id ON milestones(workflow_id)`,
		`CREATE TABLE IF NOT EXISTS milestone_states (
			milestone_id TEXT PRIMARY KEY REFERENCES milestones(id) ON DELETE CASCADE,
			status TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			percent_complete REAL NOT NULL DEFAULT 0,
			blocker_reason TEXT,
			blocked_by TEXT,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS blockers (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			affected_milestone_ids TEXT NOT NULL,
			severity TEXT NOT NULL,
			description TEXT,
			blocked_by TEXT,
			resolution TEXT,
			metadata TEXT,
			detected_at TEXT NOT NULL,
			resolved_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_blockers_workflow_id ON blockers(workflow_id)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			topic TEXT NOT NULL,
			entity_id TEXT,
			payload TEXT,
			timestamp TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp)`,
		`CREATE TABLE IF NOT EXISTS correlations (
			id TEXT PRIMARY KEY,
			linear_issue_id TEXT NOT NULL,
			local_type TEXT NOT NULL,
			local_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(linear_issue_id, local_type, local_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_correlations_linear_issue_id ON correlations(linear_issue_id)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Cleanup removes terminal executions (cascading to their tasks), resolved
// blockers and events older than the cutoff.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	cutoff := formatTime(olderThan)
	var removed int64

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_executions
		 WHERE status IN ('completed', 'failed', 'cancelled') AND completed_at < ?`, cutoff)
	if err != nil {
		return removed, fmt.Errorf("cleaning up executions: %w", err)
	}
	n, _ := res.RowsAffected()
	removed += n

	res, err = s.db.ExecContext(ctx,
		`DELETE FROM blockers WHERE resolved_at IS NOT NULL AND resolved_at < ?`, cutoff)
	if err != nil {
		return removed, fmt.Errorf("cleaning up blockers: %w", err)
	}
	n, _ = res.RowsAffected()
	removed += n

	res, err = s.db.ExecContext(ctx, `DELETE FROM events WHERE timestamp < ?`, cutoff)
	if err != nil {
		return removed, fmt.Errorf("cleaning up events: %w", err)
	}
	n, _ = res.RowsAffected()
	removed += n

	return removed, nil
}

// timeLayout is fixed-width so TEXT comparison orders timestamps
// chronologically. RFC3339Nano trims trailing zeros and would misorder
// ties in ORDER BY created_at and the retention cutoff.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// formatTime serializes a timestamp for storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// formatTimePtr serializes an optional timestamp.
func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// parseTime deserializes a stored timestamp.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// parseTimePtr deserializes an optional stored timestamp.
func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// marshalJSON serializes a value to a JSON column, mapping empty values to
// their canonical defaults.
func marshalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return "", nil
	}
	return string(data), nil
}

// marshalStrings serializes a string slice, never null.
func marshalStrings(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// unmarshalStrings deserializes a JSON string array column.
func unmarshalStrings(s string) ([]string, error) {
	if s == "" {
		return []string{}, nil
	}
	var v []string
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return v, nil
}

// unmarshalMap deserializes a JSON object column.
func unmarshalMap(ns sql.NullString) (map[string]any, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var v map[string]any
	if err := json.Unmarshal([]byte(ns.String), &v); err != nil {
		return nil, err
	}
	return v, nil
}

// nullable maps an empty string to NULL.
func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
