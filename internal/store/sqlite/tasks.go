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

const taskColumns = `id, pr_id, workflow_execution_id, step_id, name, description,
	task_type, dependencies, status, priority, step_config, error,
	started_at, completed_at, created_at, updated_at`

// CreateTask creates a task.
func (s *Store) CreateTask(ctx context.Context, task *model.Task) error {
	now := time.Now()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = model.TaskPending
	}
	task.CreatedAt = now
	task.UpdatedAt = now

	deps, err := marshalStrings(task.Dependencies)
	if err != nil {
		return errors.Wrap(err, "marshaling task dependencies")
	}
	config, err := marshalJSON(task.Metadata.StepConfig)
	if err != nil {
		return errors.Wrap(err, "marshaling step config")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.PRID, nullable(task.Metadata.WorkflowExecutionID),
		nullable(task.Metadata.WorkflowStepID), task.Name, nullable(task.Description),
		task.Type, deps, string(task.Status), string(task.Priority),
		nullable(config), nullable(task.Error),
		formatTimePtr(task.StartedAt), formatTimePtr(task.CompletedAt),
		formatTime(task.CreatedAt), formatTime(task.UpdatedAt))
	return errors.Wrap(err, "creating task")
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*model.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	if err != nil {
		return nil, errors.Wrap(err, "getting task")
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, &errors.NotFoundError{Resource: "task", ID: id}
	}
	return scanTask(rows)
}

// GetTasksByPR returns every task for a pull request, oldest first.
func (s *Store) GetTasksByPR(ctx context.Context, prID string) ([]*model.Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE pr_id = ? ORDER BY created_at ASC, id ASC`, prID)
}

// GetTasksByExecution returns every task belonging to a workflow execution.
func (s *Store) GetTasksByExecution(ctx context.Context, executionID string) ([]*model.Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE workflow_execution_id = ?
		 ORDER BY created_at ASC, id ASC`, executionID)
}

// UpdateTaskStatus transitions a task, stamping started_at on the first
// transition to running and completed_at on terminal transitions.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status model.TaskStatus, errMsg string) (*model.Task, error) {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	task.Status = status
	task.UpdatedAt = now
	if errMsg != "" {
		task.Error = errMsg
	}
	if status == model.TaskRunning && task.StartedAt == nil {
		task.StartedAt = &now
	}
	// completed and failed always stamp completed_at, even when the task
	// never started; cancelled stamps only after a start.
	if status.Terminal() && task.CompletedAt == nil {
		if status != model.TaskCancelled || task.StartedAt != nil {
			task.CompletedAt = &now
		}
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, error = ?, started_at = ?, completed_at = ?, updated_at = ?
		 WHERE id = ?`,
		string(task.Status), nullable(task.Error),
		formatTimePtr(task.StartedAt), formatTimePtr(task.CompletedAt),
		formatTime(task.UpdatedAt), id)
	if err != nil {
		return nil, errors.Wrap(err, "updating task status")
	}
	return task, nil
}

// GetRunnableTasks returns every pending task whose dependency tasks are all
// completed or cancelled, ordered by priority DESC, created_at ASC.
// Dependencies referencing deleted tasks are treated as satisfied.
func (s *Store) GetRunnableTasks(ctx context.Context) ([]*model.Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks t
		 WHERE t.status = 'pending'
		   AND NOT EXISTS (
			SELECT 1 FROM json_each(t.dependencies) d
			JOIN tasks dep ON dep.id = d.value
			WHERE dep.status NOT IN ('completed', 'cancelled')
		   )
		 ORDER BY CASE t.priority
			WHEN 'critical' THEN 0
			WHEN 'high' THEN 1
			WHEN 'medium' THEN 2
			ELSE 3
		 END, t.created_at ASC, t.id ASC`)
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "querying tasks")
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func scanTask(rows *sql.Rows) (*model.Task, error) {
	var task model.Task
	var execID, stepID, description, config, errMsg sql.NullString
	var deps, status, priority, createdAt, updatedAt string
	var startedAt, completedAt sql.NullString

	err := rows.Scan(&task.ID, &task.PRID, &execID, &stepID, &task.Name, &description,
		&task.Type, &deps, &status, &priority, &config, &errMsg,
		&startedAt, &completedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "scanning task")
	}

	task.Metadata.WorkflowExecutionID = execID.String
	task.Metadata.WorkflowStepID = stepID.String
	task.Description = description.String
	task.Error = errMsg.String
	task.Status = model.TaskStatus(status)
	task.Priority = model.TaskPriority(priority)

	if task.Dependencies, err = unmarshalStrings(deps); err != nil {
		return nil, errors.Wrap(err, "unmarshaling task dependencies")
	}
	if task.Metadata.StepConfig, err = unmarshalMap(config); err != nil {
		return nil, errors.Wrap(err, "unmarshaling step config")
	}
	if task.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, err
	}
	if task.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}
	if task.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if task.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &task, nil
}
