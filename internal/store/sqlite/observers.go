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

package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/mergeflow/mergeflow/internal/model"
	"github.com/mergeflow/mergeflow/pkg/errors"
)

// UpsertCorrelation inserts or refreshes a correlation keyed by
// (linear_issue_id, local_type, local_id).
func (s *Store) UpsertCorrelation(ctx context.Context, correlation *model.Correlation) error {
	now := time.Now()
	if correlation.ID == "" {
		correlation.ID = uuid.NewString()
	}
	correlation.UpdatedAt = now
	if correlation.CreatedAt.IsZero() {
		correlation.CreatedAt = now
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO correlations (id, linear_issue_id, local_type, local_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(linear_issue_id, local_type, local_id)
		 DO UPDATE SET updated_at = excluded.updated_at`,
		correlation.ID, correlation.LinearIssueID, correlation.LocalType,
		correlation.LocalID, formatTime(correlation.CreatedAt), formatTime(correlation.UpdatedAt))
	return errors.Wrap(err, "upserting correlation")
}

// GetCorrelationsByLinearIssue returns every correlation for a Linear issue.
func (s *Store) GetCorrelationsByLinearIssue(ctx context.Context, linearIssueID string) ([]*model.Correlation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, linear_issue_id, local_type, local_id, created_at, updated_at
		 FROM correlations WHERE linear_issue_id = ? ORDER BY created_at ASC`, linearIssueID)
	if err != nil {
		return nil, errors.Wrap(err, "querying correlations")
	}
	defer rows.Close()

	var correlations []*model.Correlation
	for rows.Next() {
		var c model.Correlation
		var createdAt, updatedAt string
		if err := rows.Scan(&c.ID, &c.LinearIssueID, &c.LocalType, &c.LocalID,
			&createdAt, &updatedAt); err != nil {
			return nil, errors.Wrap(err, "scanning correlation")
		}
		if c.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		correlations = append(correlations, &c)
	}
	return correlations, rows.Err()
}

// CreateAnalysisResult records a finding.
func (s *Store) CreateAnalysisResult(ctx context.Context, result *model.AnalysisResult) error {
	if result.ID == "" {
		result.ID = uuid.NewString()
	}
	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO analysis_results (id, pr_id, severity, category, file_path, line, message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		result.ID, result.PRID, string(result.Severity), nullable(result.Category),
		nullable(result.FilePath), result.Line, result.Message, formatTime(result.CreatedAt))
	return errors.Wrap(err, "creating analysis result")
}

// ListAnalysisResultsByPR returns a pull request's findings.
func (s *Store) ListAnalysisResultsByPR(ctx context.Context, prID string) ([]*model.AnalysisResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pr_id, severity, category, file_path, line, message, created_at
		 FROM analysis_results WHERE pr_id = ? ORDER BY created_at ASC, id ASC`, prID)
	if err != nil {
		return nil, errors.Wrap(err, "querying analysis results")
	}
	defer rows.Close()

	var results []*model.AnalysisResult
	for rows.Next() {
		var r model.AnalysisResult
		var severity, createdAt string
		var category, filePath sql.NullString
		if err := rows.Scan(&r.ID, &r.PRID, &severity, &category, &filePath,
			&r.Line, &r.Message, &createdAt); err != nil {
			return nil, errors.Wrap(err, "scanning analysis result")
		}
		r.Severity = model.Severity(severity)
		r.Category = category.String
		r.FilePath = filePath.String
		if r.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		results = append(results, &r)
	}
	return results, rows.Err()
}

// CreateCodegenPrompt records a prompt.
func (s *Store) CreateCodegenPrompt(ctx context.Context, prompt *model.CodegenPrompt) error {
	if prompt.ID == "" {
		prompt.ID = uuid.NewString()
	}
	if prompt.CreatedAt.IsZero() {
		prompt.CreatedAt = time.Now()
	}
	if prompt.Status == "" {
		prompt.Status = model.TaskPending
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO codegen_prompts (id, pr_id, task_id, prompt, priority, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		prompt.ID, prompt.PRID, nullable(prompt.TaskID), prompt.Prompt,
		string(prompt.Priority), string(prompt.Status), formatTime(prompt.CreatedAt))
	return errors.Wrap(err, "creating codegen prompt")
}

// ListCodegenPromptsByPR returns a pull request's prompts.
func (s *Store) ListCodegenPromptsByPR(ctx context.Context, prID string) ([]*model.CodegenPrompt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pr_id, task_id, prompt, priority, status, created_at
		 FROM codegen_prompts WHERE pr_id = ? ORDER BY created_at ASC, id ASC`, prID)
	if err != nil {
		return nil, errors.Wrap(err, "querying codegen prompts")
	}
	defer rows.Close()

	var prompts []*model.CodegenPrompt
	for rows.Next() {
		var p model.CodegenPrompt
		var priority, status, createdAt string
		var taskID sql.NullString
		if err := rows.Scan(&p.ID, &p.PRID, &taskID, &p.Prompt, &priority,
			&status, &createdAt); err != nil {
			return nil, errors.Wrap(err, "scanning codegen prompt")
		}
		p.TaskID = taskID.String
		p.Priority = model.TaskPriority(priority)
		p.Status = model.TaskStatus(status)
		if p.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		prompts = append(prompts, &p)
	}
	return prompts, rows.Err()
}

// AppendEvent records an event.
func (s *Store) AppendEvent(ctx context.Context, event *model.Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	payload, err := marshalJSON(event.Payload)
	if err != nil {
		return errors.Wrap(err, "marshaling event payload")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (id, topic, entity_id, payload, timestamp)
		 VALUES (?, ?, ?, ?, ?)`,
		event.ID, event.Topic, nullable(event.EntityID), nullable(payload),
		formatTime(event.Timestamp))
	return errors.Wrap(err, "appending event")
}

// ListEventsSince returns events with timestamp >= since, oldest first.
func (s *Store) ListEventsSince(ctx context.Context, since time.Time, limit int) ([]*model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, topic, entity_id, payload, timestamp
		 FROM events WHERE timestamp >= ? ORDER BY timestamp ASC, id ASC LIMIT ?`,
		formatTime(since), limit)
	if err != nil {
		return nil, errors.Wrap(err, "querying events")
	}
	defer rows.Close()

	var events []*model.Event
	for rows.Next() {
		var e model.Event
		var entityID, payload sql.NullString
		var timestamp string
		if err := rows.Scan(&e.ID, &e.Topic, &entityID, &payload, &timestamp); err != nil {
			return nil, errors.Wrap(err, "scanning event")
		}
		e.EntityID = entityID.String
		if e.Payload, err = unmarshalMap(payload); err != nil {
			return nil, errors.Wrap(err, "unmarshaling event payload")
		}
		if e.Timestamp, err = parseTime(timestamp); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}
