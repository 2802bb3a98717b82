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
	"strings"
	"time"

	"github.com/mergeflow/mergeflow/internal/model"
	"github.com/mergeflow/mergeflow/pkg/errors"
)

// RegisterMilestone creates a milestone with an initial not_started state.
func (s *Store) RegisterMilestone(ctx context.Context, milestone *model.Milestone) error {
	now := time.Now()
	milestone.CreatedAt = now

	deps, err := marshalStrings(milestone.Dependencies)
	if err != nil {
		return errors.Wrap(err, "marshaling milestone dependencies")
	}

	var expected sql.NullInt64
	if milestone.ExpectedCompletion > 0 {
		expected = sql.NullInt64{Int64: milestone.ExpectedCompletion.Milliseconds(), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO milestones (id, name, workflow_id, parent_id, weight,
			expected_completion_ms, dependencies, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		milestone.ID, milestone.Name, milestone.WorkflowID, nullable(milestone.ParentID),
		milestone.Weight, expected, deps, formatTime(now))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return &errors.ConflictError{Resource: "milestone", ID: milestone.ID}
		}
		return errors.Wrap(err, "registering milestone")
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO milestone_states (milestone_id, status, percent_complete, updated_at)
		 VALUES (?, ?, 0, ?)`,
		milestone.ID, string(model.MilestoneNotStarted), formatTime(now))
	if err != nil {
		return errors.Wrap(err, "creating milestone state")
	}

	return errors.Wrap(tx.Commit(), "registering milestone")
}

// GetMilestone retrieves a milestone by ID.
func (s *Store) GetMilestone(ctx context.Context, id string) (*model.Milestone, error) {
	milestones, err := s.queryMilestones(ctx,
		`SELECT id, name, workflow_id, parent_id, weight, expected_completion_ms,
			dependencies, created_at
		 FROM milestones WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(milestones) == 0 {
		return nil, &errors.NotFoundError{Resource: "milestone", ID: id}
	}
	return milestones[0], nil
}

// ListMilestonesByWorkflow returns a workflow's milestones in registration
// order.
func (s *Store) ListMilestonesByWorkflow(ctx context.Context, workflowID string) ([]*model.Milestone, error) {
	return s.queryMilestones(ctx,
		`SELECT id, name, workflow_id, parent_id, weight, expected_completion_ms,
			dependencies, created_at
		 FROM milestones WHERE workflow_id = ? ORDER BY created_at ASC, id ASC`, workflowID)
}

// ListMilestoneWorkflowIDs returns the distinct workflow IDs that have
// registered milestones.
func (s *Store) ListMilestoneWorkflowIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT workflow_id FROM milestones ORDER BY workflow_id ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "querying milestone workflows")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scanning workflow id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetMilestoneState retrieves the state of a milestone.
func (s *Store) GetMilestoneState(ctx context.Context, milestoneID string) (*model.MilestoneState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT milestone_id, status, started_at, completed_at, percent_complete,
			blocker_reason, blocked_by, updated_at
		 FROM milestone_states WHERE milestone_id = ?`, milestoneID)
	if err != nil {
		return nil, errors.Wrap(err, "getting milestone state")
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, &errors.NotFoundError{Resource: "milestone state", ID: milestoneID}
	}
	return scanMilestoneState(rows)
}

// SetMilestoneState replaces the state of a milestone.
func (s *Store) SetMilestoneState(ctx context.Context, state *model.MilestoneState) error {
	state.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE milestone_states
		 SET status = ?, started_at = ?, completed_at = ?, percent_complete = ?,
			blocker_reason = ?, blocked_by = ?, updated_at = ?
		 WHERE milestone_id = ?`,
		string(state.Status), formatTimePtr(state.StartedAt), formatTimePtr(state.CompletedAt),
		state.PercentComplete, nullable(state.BlockerReason), nullable(state.BlockedBy),
		formatTime(state.UpdatedAt), state.MilestoneID)
	if err != nil {
		return errors.Wrap(err, "setting milestone state")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "milestone state", ID: state.MilestoneID}
	}
	return nil
}

// StatesByWorkflow returns the states of every milestone in a workflow,
// keyed by milestone ID.
func (s *Store) StatesByWorkflow(ctx context.Context, workflowID string) (map[string]*model.MilestoneState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ms.milestone_id, ms.status, ms.started_at, ms.completed_at,
			ms.percent_complete, ms.blocker_reason, ms.blocked_by, ms.updated_at
		 FROM milestone_states ms
		 JOIN milestones m ON m.id = ms.milestone_id
		 WHERE m.workflow_id = ?`, workflowID)
	if err != nil {
		return nil, errors.Wrap(err, "querying milestone states")
	}
	defer rows.Close()

	states := make(map[string]*model.MilestoneState)
	for rows.Next() {
		state, err := scanMilestoneState(rows)
		if err != nil {
			return nil, err
		}
		states[state.MilestoneID] = state
	}
	return states, rows.Err()
}

func (s *Store) queryMilestones(ctx context.Context, query string, args ...any) ([]*model.Milestone, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "querying milestones")
	}
	defer rows.Close()

	var milestones []*model.Milestone
	for rows.Next() {
		var m model.Milestone
		var parentID sql.NullString
		var expected sql.NullInt64
		var deps, createdAt string

		if err := rows.Scan(&m.ID, &m.Name, &m.WorkflowID, &parentID, &m.Weight,
			&expected, &deps, &createdAt); err != nil {
			return nil, errors.Wrap(err, "scanning milestone")
		}

		m.ParentID = parentID.String
		if expected.Valid {
			m.ExpectedCompletion = time.Duration(expected.Int64) * time.Millisecond
		}
		if m.Dependencies, err = unmarshalStrings(deps); err != nil {
			return nil, errors.Wrap(err, "unmarshaling milestone dependencies")
		}
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		milestones = append(milestones, &m)
	}
	return milestones, rows.Err()
}

func scanMilestoneState(rows *sql.Rows) (*model.MilestoneState, error) {
	var state model.MilestoneState
	var status, updatedAt string
	var startedAt, completedAt, reason, blockedBy sql.NullString

	err := rows.Scan(&state.MilestoneID, &status, &startedAt, &completedAt,
		&state.PercentComplete, &reason, &blockedBy, &updatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "scanning milestone state")
	}

	state.Status = model.MilestoneStatus(status)
	state.BlockerReason = reason.String
	state.BlockedBy = blockedBy.String
	if state.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, err
	}
	if state.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}
	if state.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &state, nil
}
