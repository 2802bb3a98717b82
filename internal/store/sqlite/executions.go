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

const executionColumns = `id, pr_id, workflow_name, status, current_step,
	steps_completed, steps_failed, metadata, started_at, completed_at,
	created_at, updated_at`

// CreateExecution creates a workflow execution.
func (s *Store) CreateExecution(ctx context.Context, exec *model.WorkflowExecution) error {
	now := time.Now()
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	if exec.Status == "" {
		exec.Status = model.WorkflowActive
	}
	if exec.StartedAt.IsZero() {
		exec.StartedAt = now
	}
	exec.CreatedAt = now
	exec.UpdatedAt = now

	completed, err := marshalStrings(exec.StepsCompleted)
	if err != nil {
		return errors.Wrap(err, "marshaling steps_completed")
	}
	failed, err := marshalStrings(exec.StepsFailed)
	if err != nil {
		return errors.Wrap(err, "marshaling steps_failed")
	}
	metadata, err := marshalJSON(exec.Metadata)
	if err != nil {
		return errors.Wrap(err, "marshaling execution metadata")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_executions (`+executionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.PRID, exec.WorkflowName, string(exec.Status),
		nullable(exec.CurrentStep), completed, failed, nullable(metadata),
		formatTime(exec.StartedAt), formatTimePtr(exec.CompletedAt),
		formatTime(exec.CreatedAt), formatTime(exec.UpdatedAt))
	return errors.Wrap(err, "creating workflow execution")
}

// GetExecution retrieves an execution by ID.
func (s *Store) GetExecution(ctx context.Context, id string) (*model.WorkflowExecution, error) {
	execs, err := s.queryExecutions(ctx,
		`SELECT `+executionColumns+` FROM workflow_executions WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(execs) == 0 {
		return nil, &errors.NotFoundError{Resource: "workflow execution", ID: id}
	}
	return execs[0], nil
}

// GetLatestExecutionByPR returns the most recently created execution for a
// pull request.
func (s *Store) GetLatestExecutionByPR(ctx context.Context, prID string) (*model.WorkflowExecution, error) {
	execs, err := s.queryExecutions(ctx,
		`SELECT `+executionColumns+` FROM workflow_executions
		 WHERE pr_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, prID)
	if err != nil {
		return nil, err
	}
	if len(execs) == 0 {
		return nil, &errors.NotFoundError{Resource: "workflow execution", ID: prID}
	}
	return execs[0], nil
}

// AddCompletedStep appends a step to steps_completed and optionally updates
// the current_step hint. Appending an already recorded step is a no-op.
func (s *Store) AddCompletedStep(ctx context.Context, id, stepID, nextStepHint string) (*model.WorkflowExecution, error) {
	exec, err := s.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}

	if !containsString(exec.StepsCompleted, stepID) {
		exec.StepsCompleted = append(exec.StepsCompleted, stepID)
	}
	if nextStepHint != "" {
		exec.CurrentStep = nextStepHint
	}
	return s.saveSteps(ctx, exec)
}

// AddFailedStep appends a step to steps_failed.
func (s *Store) AddFailedStep(ctx context.Context, id, stepID string) (*model.WorkflowExecution, error) {
	exec, err := s.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}

	if !containsString(exec.StepsFailed, stepID) {
		exec.StepsFailed = append(exec.StepsFailed, stepID)
	}
	return s.saveSteps(ctx, exec)
}

// MarkExecutionCompleted transitions the execution to completed. A no-op
// when already terminal: terminal transitions happen exactly once.
func (s *Store) MarkExecutionCompleted(ctx context.Context, id string) (*model.WorkflowExecution, error) {
	return s.markTerminal(ctx, id, model.WorkflowCompleted)
}

// MarkExecutionFailed transitions the execution to failed. A no-op when
// already terminal.
func (s *Store) MarkExecutionFailed(ctx context.Context, id string) (*model.WorkflowExecution, error) {
	return s.markTerminal(ctx, id, model.WorkflowFailed)
}

// MarkExecutionCancelled transitions the execution to cancelled. A no-op
// when already terminal.
func (s *Store) MarkExecutionCancelled(ctx context.Context, id string) (*model.WorkflowExecution, error) {
	return s.markTerminal(ctx, id, model.WorkflowCancelled)
}

func (s *Store) markTerminal(ctx context.Context, id string, status model.WorkflowStatus) (*model.WorkflowExecution, error) {
	now := time.Now()

	// Guarding on status = 'active' makes the terminal transition
	// happen at most once even under concurrent reconciliation.
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_executions SET status = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'active'`,
		string(status), formatTime(now), formatTime(now), id)
	if err != nil {
		return nil, errors.Wrap(err, "marking execution terminal")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already terminal (or missing); return the current row.
		return s.GetExecution(ctx, id)
	}
	return s.GetExecution(ctx, id)
}

func (s *Store) saveSteps(ctx context.Context, exec *model.WorkflowExecution) (*model.WorkflowExecution, error) {
	completed, err := marshalStrings(exec.StepsCompleted)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling steps_completed")
	}
	failed, err := marshalStrings(exec.StepsFailed)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling steps_failed")
	}

	exec.UpdatedAt = time.Now()
	_, err = s.db.ExecContext(ctx,
		`UPDATE workflow_executions
		 SET steps_completed = ?, steps_failed = ?, current_step = ?, updated_at = ?
		 WHERE id = ?`,
		completed, failed, nullable(exec.CurrentStep), formatTime(exec.UpdatedAt), exec.ID)
	if err != nil {
		return nil, errors.Wrap(err, "saving execution steps")
	}
	return exec, nil
}

func (s *Store) queryExecutions(ctx context.Context, query string, args ...any) ([]*model.WorkflowExecution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "querying workflow executions")
	}
	defer rows.Close()

	var execs []*model.WorkflowExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

func scanExecution(rows *sql.Rows) (*model.WorkflowExecution, error) {
	var exec model.WorkflowExecution
	var currentStep, metadata, completedAt sql.NullString
	var status, completed, failed, startedAt, createdAt, updatedAt string

	err := rows.Scan(&exec.ID, &exec.PRID, &exec.WorkflowName, &status, &currentStep,
		&completed, &failed, &metadata, &startedAt, &completedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "scanning workflow execution")
	}

	exec.Status = model.WorkflowStatus(status)
	exec.CurrentStep = currentStep.String
	if exec.StepsCompleted, err = unmarshalStrings(completed); err != nil {
		return nil, errors.Wrap(err, "unmarshaling steps_completed")
	}
	if exec.StepsFailed, err = unmarshalStrings(failed); err != nil {
		return nil, errors.Wrap(err, "unmarshaling steps_failed")
	}
	if exec.Metadata, err = unmarshalMap(metadata); err != nil {
		return nil, errors.Wrap(err, "unmarshaling execution metadata")
	}
	if exec.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if exec.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}
	if exec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if exec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &exec, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
