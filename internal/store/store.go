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

// Package store defines the repository contracts the engine consumes.
//
// # Interface Hierarchy
//
// The package uses interface segregation so components depend only on the
// repositories they touch:
//
//   - TaskRepo, WorkflowExecutionRepo: the engine's hot path
//   - MilestoneRepo, BlockerRepo: the milestone tracker and detector
//   - ProjectRepo, PRRepo: the orchestrator's PR-event entry point
//   - CorrelationRepo, AnalysisResultRepo, CodegenPromptRepo, EventRepo:
//     observers and built-in executors
//
// The Store interface composes all of them for full-featured backends.
// Repository methods stamp timestamps themselves: UpdateStatus sets
// started_at on the first transition to running and completed_at on
// terminal transitions.
package store

import (
	"context"
	"io"
	"time"

	"github.com/mergeflow/mergeflow/internal/model"
)

// ProjectRepo stores tracked repositories.
type ProjectRepo interface {
	// CreateProject creates a project. RepositoryID is unique.
	CreateProject(ctx context.Context, project *model.Project) error

	// GetProjectByRepositoryID looks a project up by its repository ID.
	GetProjectByRepositoryID(ctx context.Context, repositoryID string) (*model.Project, error)

	// UpdateProject updates an existing project.
	UpdateProject(ctx context.Context, id string, project *model.Project) error
}

// PRRepo stores pull requests. (project_id, pr_number) is unique.
type PRRepo interface {
	// GetOrCreatePR returns the existing PR for (projectID, number) or
	// creates it from data.
	GetOrCreatePR(ctx context.Context, projectID string, number int, data *model.PRData) (*model.PullRequest, error)

	// GetPR retrieves a pull request by ID.
	GetPR(ctx context.Context, id string) (*model.PullRequest, error)

	// UpdatePRStatus updates the PR status and, when analysisStatus is
	// non-empty, the analysis status.
	UpdatePRStatus(ctx context.Context, id string, status model.PRStatus, analysisStatus string) (*model.PullRequest, error)
}

// TaskRepo stores tasks, the canonical truth for task state.
type TaskRepo interface {
	// CreateTask creates a task.
	CreateTask(ctx context.Context, task *model.Task) error

	// GetTask retrieves a task by ID.
	GetTask(ctx context.Context, id string) (*model.Task, error)

	// GetTasksByPR returns every task for a pull request, oldest first.
	GetTasksByPR(ctx context.Context, prID string) ([]*model.Task, error)

	// GetTasksByExecution returns every task belonging to a workflow
	// execution, oldest first.
	GetTasksByExecution(ctx context.Context, executionID string) ([]*model.Task, error)

	// UpdateTaskStatus transitions a task, stamping started_at on the
	// first transition to running and completed_at on terminal
	// transitions. errMsg is recorded on failures.
	UpdateTaskStatus(ctx context.Context, id string, status model.TaskStatus, errMsg string) (*model.Task, error)

	// GetRunnableTasks returns every pending task whose dependencies are
	// all completed or cancelled, ordered by priority DESC, created_at ASC.
	GetRunnableTasks(ctx context.Context) ([]*model.Task, error)
}

// WorkflowExecutionRepo stores workflow executions.
type WorkflowExecutionRepo interface {
	// CreateExecution creates a workflow execution.
	CreateExecution(ctx context.Context, exec *model.WorkflowExecution) error

	// GetExecution retrieves an execution by ID.
	GetExecution(ctx context.Context, id string) (*model.WorkflowExecution, error)

	// GetLatestExecutionByPR returns the most recently created execution
	// for a pull request.
	GetLatestExecutionByPR(ctx context.Context, prID string) (*model.WorkflowExecution, error)

	// AddCompletedStep appends a step to steps_completed and optionally
	// updates the current_step hint.
	AddCompletedStep(ctx context.Context, id, stepID, nextStepHint string) (*model.WorkflowExecution, error)

	// AddFailedStep appends a step to steps_failed.
	AddFailedStep(ctx context.Context, id, stepID string) (*model.WorkflowExecution, error)

	// MarkExecutionCompleted transitions the execution to completed.
	// A no-op returning the current row when the execution is already
	// terminal.
	MarkExecutionCompleted(ctx context.Context, id string) (*model.WorkflowExecution, error)

	// MarkExecutionFailed transitions the execution to failed. A no-op
	// when already terminal.
	MarkExecutionFailed(ctx context.Context, id string) (*model.WorkflowExecution, error)

	// MarkExecutionCancelled transitions the execution to cancelled.
	// A no-op when already terminal.
	MarkExecutionCancelled(ctx context.Context, id string) (*model.WorkflowExecution, error)
}

// MilestoneRepo stores milestones and their states.
type MilestoneRepo interface {
	// RegisterMilestone creates a milestone with an initial not_started
	// state. Fails with a conflict error on duplicate IDs.
	RegisterMilestone(ctx context.Context, milestone *model.Milestone) error

	// GetMilestone retrieves a milestone by ID.
	GetMilestone(ctx context.Context, id string) (*model.Milestone, error)

	// ListMilestonesByWorkflow returns a workflow's milestones in
	// registration order.
	ListMilestonesByWorkflow(ctx context.Context, workflowID string) ([]*model.Milestone, error)

	// ListMilestoneWorkflowIDs returns the distinct workflow IDs that
	// have registered milestones.
	ListMilestoneWorkflowIDs(ctx context.Context) ([]string, error)

	// GetMilestoneState retrieves the state of a milestone.
	GetMilestoneState(ctx context.Context, milestoneID string) (*model.MilestoneState, error)

	// SetMilestoneState replaces the state of a milestone.
	SetMilestoneState(ctx context.Context, state *model.MilestoneState) error

	// StatesByWorkflow returns the states of every milestone in a
	// workflow, keyed by milestone ID.
	StatesByWorkflow(ctx context.Context, workflowID string) (map[string]*model.MilestoneState, error)
}

// BlockerRepo stores blockers.
type BlockerRepo interface {
	// CreateBlocker creates a blocker.
	CreateBlocker(ctx context.Context, blocker *model.Blocker) error

	// GetBlocker retrieves a blocker by ID.
	GetBlocker(ctx context.Context, id string) (*model.Blocker, error)

	// ResolveBlocker marks a blocker resolved. Resolving an already
	// resolved blocker returns it unchanged.
	ResolveBlocker(ctx context.Context, id, resolution string) (*model.Blocker, error)

	// ListActiveBlockers returns a workflow's unresolved blockers.
	ListActiveBlockers(ctx context.Context, workflowID string) ([]*model.Blocker, error)

	// ListAllBlockers returns all of a workflow's blockers.
	ListAllBlockers(ctx context.Context, workflowID string) ([]*model.Blocker, error)
}

// CorrelationRepo stores cross-system ID links, upserted by natural key.
type CorrelationRepo interface {
	// UpsertCorrelation inserts or refreshes a correlation keyed by
	// (linear_issue_id, local_type, local_id).
	UpsertCorrelation(ctx context.Context, correlation *model.Correlation) error

	// GetCorrelationsByLinearIssue returns every correlation for a
	// Linear issue.
	GetCorrelationsByLinearIssue(ctx context.Context, linearIssueID string) ([]*model.Correlation, error)
}

// AnalysisResultRepo stores findings produced by analysis steps.
type AnalysisResultRepo interface {
	// CreateAnalysisResult records a finding.
	CreateAnalysisResult(ctx context.Context, result *model.AnalysisResult) error

	// ListAnalysisResultsByPR returns a pull request's findings.
	ListAnalysisResultsByPR(ctx context.Context, prID string) ([]*model.AnalysisResult, error)
}

// CodegenPromptRepo stores code-generation prompts produced by codegen steps.
type CodegenPromptRepo interface {
	// CreateCodegenPrompt records a prompt.
	CreateCodegenPrompt(ctx context.Context, prompt *model.CodegenPrompt) error

	// ListCodegenPromptsByPR returns a pull request's prompts.
	ListCodegenPromptsByPR(ctx context.Context, prID string) ([]*model.CodegenPrompt, error)
}

// EventRepo persists an audit trail of bus events.
type EventRepo interface {
	// AppendEvent records an event.
	AppendEvent(ctx context.Context, event *model.Event) error

	// ListEventsSince returns events with timestamp >= since, oldest
	// first, up to limit.
	ListEventsSince(ctx context.Context, since time.Time, limit int) ([]*model.Event, error)
}

// Cleaner applies data-retention policies.
type Cleaner interface {
	// Cleanup removes terminal executions (cascading to their tasks),
	// resolved blockers and events older than the cutoff. Returns the
	// number of rows removed.
	Cleanup(ctx context.Context, olderThan time.Time) (int64, error)
}

// Pinger checks backend liveness.
type Pinger interface {
	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
}

// Store composes every repository contract for full-featured backends.
type Store interface {
	ProjectRepo
	PRRepo
	TaskRepo
	WorkflowExecutionRepo
	MilestoneRepo
	BlockerRepo
	CorrelationRepo
	AnalysisResultRepo
	CodegenPromptRepo
	EventRepo
	Cleaner
	Pinger
	io.Closer
}
