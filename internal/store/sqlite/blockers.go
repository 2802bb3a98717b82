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

	"github.com/google/uuid"

	"github.com/mergeflow/mergeflow/internal/model"
	"github.com/mergeflow/mergeflow/pkg/errors"
)

const blockerColumns = `id, workflow_id, affected_milestone_ids, severity,
	description, blocked_by, resolution, metadata, detected_at, resolved_at`

// CreateBlocker creates a blocker.
func (s *Store) CreateBlocker(ctx context.Context, blocker *model.Blocker) error {
	if len(blocker.AffectedMilestoneIDs) == 0 {
		return &errors.ValidationError{
			Field:   "affected_milestone_ids",
			Message: "blocker must affect at least one milestone",
		}
	}
	if blocker.ID == "" {
		blocker.ID = uuid.NewString()
	}
	if blocker.DetectedAt.IsZero() {
		blocker.DetectedAt = time.Now()
	}

	affected, err := marshalStrings(blocker.AffectedMilestoneIDs)
	if err != nil {
		return errors.Wrap(err, "marshaling affected milestone ids")
	}
	metadata, err := marshalJSON(blocker.Metadata)
	if err != nil {
		return errors.Wrap(err, "marshaling blocker metadata")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO blockers (`+blockerColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		blocker.ID, blocker.WorkflowID, affected, string(blocker.Severity),
		nullable(blocker.Description), nullable(blocker.BlockedBy),
		nullable(blocker.Resolution), nullable(metadata),
		formatTime(blocker.DetectedAt), formatTimePtr(blocker.ResolvedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return &errors.ConflictError{Resource: "blocker", ID: blocker.ID}
		}
		return errors.Wrap(err, "creating blocker")
	}
	return nil
}

// GetBlocker retrieves a blocker by ID.
func (s *Store) GetBlocker(ctx context.Context, id string) (*model.Blocker, error) {
	blockers, err := s.queryBlockers(ctx,
		`SELECT `+blockerColumns+` FROM blockers WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(blockers) == 0 {
		return nil, &errors.NotFoundError{Resource: "blocker", ID: id}
	}
	return blockers[0], nil
}

// ResolveBlocker marks a blocker resolved. Resolving an already resolved
// blocker returns it unchanged.
func (s *Store) ResolveBlocker(ctx context.Context, id, resolution string) (*model.Blocker, error) {
	blocker, err := s.GetBlocker(ctx, id)
	if err != nil {
		return nil, err
	}
	if blocker.ResolvedAt != nil {
		return blocker, nil
	}

	now := time.Now()
	_, err = s.db.ExecContext(ctx,
		`UPDATE blockers SET resolved_at = ?, resolution = ? WHERE id = ? AND resolved_at IS NULL`,
		formatTime(now), nullable(resolution), id)
	if err != nil {
		return nil, errors.Wrap(err, "resolving blocker")
	}
	return s.GetBlocker(ctx, id)
}

// ListActiveBlockers returns a workflow's unresolved blockers.
func (s *Store) ListActiveBlockers(ctx context.Context, workflowID string) ([]*model.Blocker, error) {
	return s.queryBlockers(ctx,
		`SELECT `+blockerColumns+` FROM blockers
		 WHERE workflow_id = ? AND resolved_at IS NULL
		 ORDER BY detected_at ASC, id ASC`, workflowID)
}

// ListAllBlockers returns all of a workflow's blockers.
func (s *Store) ListAllBlockers(ctx context.Context, workflowID string) ([]*model.Blocker, error) {
	return s.queryBlockers(ctx,
		`SELECT `+blockerColumns+` FROM blockers
		 WHERE workflow_id = ? ORDER BY detected_at ASC, id ASC`, workflowID)
}

func (s *Store) queryBlockers(ctx context.Context, query string, args ...any) ([]*model.Blocker, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "querying blockers")
	}
	defer rows.Close()

	var blockers []*model.Blocker
	for rows.Next() {
		var b model.Blocker
		var severity, affected, detectedAt string
		var description, blockedBy, resolution, metadata, resolvedAt sql.NullString

		if err := rows.Scan(&b.ID, &b.WorkflowID, &affected, &severity, &description,
			&blockedBy, &resolution, &metadata, &detectedAt, &resolvedAt); err != nil {
			return nil, errors.Wrap(err, "scanning blocker")
		}

		b.Severity = model.Severity(severity)
		b.Description = description.String
		b.BlockedBy = blockedBy.String
		b.Resolution = resolution.String
		if b.AffectedMilestoneIDs, err = unmarshalStrings(affected); err != nil {
			return nil, errors.Wrap(err, "unmarshaling affected milestone ids")
		}
		if b.Metadata, err = unmarshalMap(metadata); err != nil {
			return nil, errors.Wrap(err, "unmarshaling blocker metadata")
		}
		if b.DetectedAt, err = parseTime(detectedAt); err != nil {
			return nil, err
		}
		if b.ResolvedAt, err = parseTimePtr(resolvedAt); err != nil {
			return nil, err
		}
		blockers = append(blockers, &b)
	}
	return blockers, rows.Err()
}
