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

// CreateProject creates a project.
func (s *Store) CreateProject(ctx context.Context, project *model.Project) error {
	now := time.Now()
	if project.ID == "" {
		project.ID = uuid.NewString()
	}
	project.CreatedAt = now
	project.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, repository_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		project.ID, project.Name, project.RepositoryID,
		formatTime(project.CreatedAt), formatTime(project.UpdatedAt))
	return errors.Wrap(err, "creating project")
}

// GetProjectByRepositoryID looks a project up by its repository ID.
func (s *Store) GetProjectByRepositoryID(ctx context.Context, repositoryID string) (*model.Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, repository_id, created_at, updated_at
		 FROM projects WHERE repository_id = ?`, repositoryID)

	var p model.Project
	var createdAt, updatedAt string
	err := row.Scan(&p.ID, &p.Name, &p.RepositoryID, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "project", ID: repositoryID}
	}
	if err != nil {
		return nil, errors.Wrap(err, "getting project")
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdateProject updates an existing project.
func (s *Store) UpdateProject(ctx context.Context, id string, project *model.Project) error {
	project.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET name = ?, repository_id = ?, updated_at = ? WHERE id = ?`,
		project.Name, project.RepositoryID, formatTime(project.UpdatedAt), id)
	if err != nil {
		return errors.Wrap(err, "updating project")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "project", ID: id}
	}
	return nil
}

// GetOrCreatePR returns the existing PR for (projectID, number) or creates
// it from data.
func (s *Store) GetOrCreatePR(ctx context.Context, projectID string, number int, data *model.PRData) (*model.PullRequest, error) {
	if pr, err := s.getPRByNumber(ctx, projectID, number); err == nil {
		return pr, nil
	} else if !errors.IsNotFound(err) {
		return nil, err
	}

	now := time.Now()
	pr := &model.PullRequest{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		Number:      number,
		Title:       data.Title,
		Description: data.Description,
		Author:      data.Author,
		Status:      data.Status,
		BaseBranch:  data.BaseBranch,
		HeadBranch:  data.HeadBranch,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if data.PRID != "" {
		pr.ID = data.PRID
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO prs (id, project_id, pr_number, title, description, author,
			status, base_branch, head_branch, analysis_status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pr.ID, pr.ProjectID, pr.Number, pr.Title, nullable(pr.Description), pr.Author,
		string(pr.Status), pr.BaseBranch, pr.HeadBranch, nullable(pr.AnalysisStatus),
		formatTime(pr.CreatedAt), formatTime(pr.UpdatedAt))
	if err != nil {
		// Concurrent insert on (project_id, pr_number): fall back to read.
		if existing, getErr := s.getPRByNumber(ctx, projectID, number); getErr == nil {
			return existing, nil
		}
		return nil, errors.Wrap(err, "creating pull request")
	}
	return pr, nil
}

// GetPR retrieves a pull request by ID.
func (s *Store) GetPR(ctx context.Context, id string) (*model.PullRequest, error) {
	return s.scanPR(s.db.QueryRowContext(ctx,
		`SELECT id, project_id, pr_number, title, description, author, status,
			base_branch, head_branch, analysis_status, created_at, updated_at
		 FROM prs WHERE id = ?`, id), id)
}

// UpdatePRStatus updates the PR status and, when analysisStatus is
// non-empty, the analysis status.
func (s *Store) UpdatePRStatus(ctx context.Context, id string, status model.PRStatus, analysisStatus string) (*model.PullRequest, error) {
	var err error
	if analysisStatus != "" {
		_, err = s.db.ExecContext(ctx,
			`UPDATE prs SET status = ?, analysis_status = ?, updated_at = ? WHERE id = ?`,
			string(status), analysisStatus, formatTime(time.Now()), id)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE prs SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), formatTime(time.Now()), id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "updating pull request status")
	}
	return s.GetPR(ctx, id)
}

func (s *Store) getPRByNumber(ctx context.Context, projectID string, number int) (*model.PullRequest, error) {
	return s.scanPR(s.db.QueryRowContext(ctx,
		`SELECT id, project_id, pr_number, title, description, author, status,
			base_branch, head_branch, analysis_status, created_at, updated_at
		 FROM prs WHERE project_id = ? AND pr_number = ?`, projectID, number), "")
}

func (s *Store) scanPR(row *sql.Row, id string) (*model.PullRequest, error) {
	var pr model.PullRequest
	var description, analysisStatus sql.NullString
	var status, createdAt, updatedAt string

	err := row.Scan(&pr.ID, &pr.ProjectID, &pr.Number, &pr.Title, &description,
		&pr.Author, &status, &pr.BaseBranch, &pr.HeadBranch, &analysisStatus,
		&createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "pull request", ID: id}
	}
	if err != nil {
		return nil, errors.Wrap(err, "getting pull request")
	}

	pr.Description = description.String
	pr.AnalysisStatus = analysisStatus.String
	pr.Status = model.PRStatus(status)
	if pr.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if pr.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &pr, nil
}
