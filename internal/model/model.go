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

// Package model defines the runtime entities shared by the workflow engine,
// the task queue, the milestone tracker and the persistence layer.
package model

import "time"

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is a terminal task state.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// TaskPriority represents the scheduling priority of a task.
type TaskPriority string

const (
	PriorityLow      TaskPriority = "low"
	PriorityMedium   TaskPriority = "medium"
	PriorityHigh     TaskPriority = "high"
	PriorityCritical TaskPriority = "critical"
)

// Score returns the fixed queue priority score for this priority level.
func (p TaskPriority) Score() int {
	switch p {
	case PriorityCritical:
		return 100
	case PriorityHigh:
		return 75
	case PriorityMedium:
		return 50
	case PriorityLow:
		return 25
	default:
		return 25
	}
}

// PriorityForStepType maps a workflow step type to a task priority.
func PriorityForStepType(stepType string) TaskPriority {
	switch stepType {
	case "analysis", "validation":
		return PriorityHigh
	case "codegen", "custom":
		return PriorityMedium
	case "notification":
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// TaskMetadata links a task back to its workflow execution and step.
type TaskMetadata struct {
	WorkflowExecutionID string         `json:"workflow_execution_id"`
	WorkflowStepID      string         `json:"workflow_step_id"`
	StepConfig          map[string]any `json:"step_config,omitempty"`
}

// Task is a materialized unit of work for one step within one workflow
// execution. A task is runnable iff its status is pending and every
// dependency task is completed or cancelled.
type Task struct {
	ID           string       `json:"id"`
	PRID         string       `json:"pr_id"`
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	Type         string       `json:"task_type"`
	Dependencies []string     `json:"dependencies,omitempty"`
	Status       TaskStatus   `json:"status"`
	Priority     TaskPriority `json:"priority"`
	Metadata     TaskMetadata `json:"metadata"`
	Error        string       `json:"error,omitempty"`
	StartedAt    *time.Time   `json:"started_at,omitempty"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// WorkflowStatus represents the lifecycle state of a workflow execution.
type WorkflowStatus string

const (
	WorkflowActive    WorkflowStatus = "active"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// Terminal reports whether the status is a terminal workflow state.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowCompleted || s == WorkflowFailed || s == WorkflowCancelled
}

// WorkflowExecution is a runtime instance of a workflow definition bound to
// one pull request. CurrentStep is a hint only; the canonical progress is
// StepsCompleted and StepsFailed.
type WorkflowExecution struct {
	ID             string         `json:"id"`
	PRID           string         `json:"pr_id"`
	WorkflowName   string         `json:"workflow_name"`
	Status         WorkflowStatus `json:"status"`
	CurrentStep    string         `json:"current_step,omitempty"`
	StepsCompleted []string       `json:"steps_completed"`
	StepsFailed    []string       `json:"steps_failed"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// MilestoneStatus represents the state of a milestone.
type MilestoneStatus string

const (
	MilestoneNotStarted MilestoneStatus = "not_started"
	MilestoneInProgress MilestoneStatus = "in_progress"
	MilestoneCompleted  MilestoneStatus = "completed"
	MilestoneBlocked    MilestoneStatus = "blocked"
	MilestoneSkipped    MilestoneStatus = "skipped"
)

// Milestone is a node in a workflow's milestone DAG. Weight is in [0,100]
// and ExpectedCompletion is the node weight for critical-path computation.
type Milestone struct {
	ID                 string        `json:"id"`
	Name               string        `json:"name"`
	WorkflowID         string        `json:"workflow_id"`
	ParentID           string        `json:"parent_id,omitempty"`
	Weight             float64       `json:"weight"`
	ExpectedCompletion time.Duration `json:"expected_completion_time_ms,omitempty"`
	Dependencies       []string      `json:"dependencies,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
}

// MilestoneState is the mutable state of a milestone. Exactly one state
// exists per milestone.
type MilestoneState struct {
	MilestoneID     string          `json:"milestone_id"`
	Status          MilestoneStatus `json:"status"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	PercentComplete float64         `json:"percent_complete"`
	BlockerReason   string          `json:"blocker_reason,omitempty"`
	BlockedBy       string          `json:"blocked_by,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Severity represents blocker severity.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Blocker records something preventing one or more milestones from
// progressing. A blocker is active while ResolvedAt is unset.
type Blocker struct {
	ID                   string         `json:"id"`
	WorkflowID           string         `json:"workflow_id"`
	AffectedMilestoneIDs []string       `json:"affected_milestone_ids"`
	Severity             Severity       `json:"severity"`
	Description          string         `json:"description"`
	BlockedBy            string         `json:"blocked_by,omitempty"`
	Resolution           string         `json:"resolution,omitempty"`
	Metadata             map[string]any `json:"metadata,omitempty"`
	DetectedAt           time.Time      `json:"detected_at"`
	ResolvedAt           *time.Time     `json:"resolved_at,omitempty"`
}

// Active reports whether the blocker has not yet been resolved.
func (b *Blocker) Active() bool {
	return b.ResolvedAt == nil
}

// QueuedTask is the queue's view of a task. It references the canonical
// task row by TaskID; the queue never owns the task itself.
type QueuedTask struct {
	ID            string         `json:"id"`
	PRID          string         `json:"pr_id"`
	TaskID        string         `json:"task_id"`
	PriorityScore int            `json:"priority_score"`
	Payload       map[string]any `json:"payload,omitempty"`
	RetryCount    int            `json:"retry_count"`
	CreatedAt     time.Time      `json:"created_at"`

	// FailedAt and Error are set only on dead-letter records.
	FailedAt *time.Time `json:"failed_at,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// PRStatus represents the state of a pull request.
type PRStatus string

const (
	PROpen   PRStatus = "open"
	PRClosed PRStatus = "closed"
	PRMerged PRStatus = "merged"
	PRDraft  PRStatus = "draft"
)

// Project is a tracked repository.
type Project struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	RepositoryID string    `json:"repository_id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// PullRequest is a tracked pull request within a project. The pair
// (ProjectID, Number) is unique.
type PullRequest struct {
	ID             string    `json:"id"`
	ProjectID      string    `json:"project_id"`
	Number         int       `json:"pr_number"`
	Title          string    `json:"title"`
	Description    string    `json:"description,omitempty"`
	Author         string    `json:"author"`
	Status         PRStatus  `json:"status"`
	BaseBranch     string    `json:"base_branch"`
	HeadBranch     string    `json:"head_branch"`
	AnalysisStatus string    `json:"analysis_status,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// PRData is the caller-supplied payload for a pull request event.
type PRData struct {
	PRID        string   `json:"pr_id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Author      string   `json:"author"`
	Status      PRStatus `json:"status"`
	BaseBranch  string   `json:"base_branch"`
	HeadBranch  string   `json:"head_branch"`
}

// Correlation links a local entity to an external system by natural key.
// Rows are upserted by (LinearIssueID, LocalType, LocalID); correlations
// serve observers and are never on a hot path.
type Correlation struct {
	ID            string    `json:"id"`
	LinearIssueID string    `json:"linear_issue_id"`
	LocalType     string    `json:"local_type"`
	LocalID       string    `json:"local_id"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// AnalysisResult is a single finding produced by an analysis step.
type AnalysisResult struct {
	ID        string    `json:"id"`
	PRID      string    `json:"pr_id"`
	Severity  Severity  `json:"severity"`
	Category  string    `json:"category"`
	FilePath  string    `json:"file_path,omitempty"`
	Line      int       `json:"line,omitempty"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// CodegenPrompt is a code-generation instruction produced by a codegen step.
type CodegenPrompt struct {
	ID        string       `json:"id"`
	PRID      string       `json:"pr_id"`
	TaskID    string       `json:"task_id"`
	Prompt    string       `json:"prompt"`
	Priority  TaskPriority `json:"priority"`
	Status    TaskStatus   `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
}

// Event is a persisted audit record of a bus event.
type Event struct {
	ID        string         `json:"id"`
	Topic     string         `json:"topic"`
	EntityID  string         `json:"entity_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
