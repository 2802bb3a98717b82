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

package daemon

import (
	"context"

	"github.com/mergeflow/mergeflow/internal/model"
	"github.com/mergeflow/mergeflow/pkg/errors"
)

// ModuleName identifies this orchestrator in module outputs.
const ModuleName = "database_workflow_orchestration"

// CodegenTask is one code-generation task in the module output.
type CodegenTask struct {
	TaskID   string `json:"task_id"`
	Status   string `json:"status"`
	Prompt   string `json:"prompt"`
	Priority string `json:"priority"`
}

// DatabaseOutput summarizes the analysis state of one pull request.
type DatabaseOutput struct {
	PRID             string        `json:"pr_id"`
	AnalysisComplete bool          `json:"analysis_complete"`
	TotalFindings    int           `json:"total_findings"`
	CriticalIssues   int           `json:"critical_issues"`
	CodegenTasks     []CodegenTask `json:"codegen_tasks"`
}

// ModuleOutput is the external contract handed to observers after a PR
// event is processed.
type ModuleOutput struct {
	Module         string               `json:"module"`
	WorkflowStatus model.WorkflowStatus `json:"workflow_status"`
	Database       DatabaseOutput       `json:"database"`
}

// moduleOutput assembles the module output from the canonical rows: the
// latest execution's status, the recorded findings and the codegen
// prompts.
func (d *Daemon) moduleOutput(ctx context.Context, prID string) (*ModuleOutput, error) {
	status := model.WorkflowActive
	exec, err := d.store.GetLatestExecutionByPR(ctx, prID)
	switch {
	case errors.IsNotFound(err):
	case err != nil:
		return nil, err
	default:
		status = exec.Status
	}

	findings, err := d.store.ListAnalysisResultsByPR(ctx, prID)
	if err != nil {
		return nil, err
	}
	critical := 0
	for _, f := range findings {
		if f.Severity == model.SeverityCritical {
			critical++
		}
	}

	prompts, err := d.store.ListCodegenPromptsByPR(ctx, prID)
	if err != nil {
		return nil, err
	}
	codegen := make([]CodegenTask, 0, len(prompts))
	for _, p := range prompts {
		codegen = append(codegen, CodegenTask{
			TaskID:   p.TaskID,
			Status:   string(p.Status),
			Prompt:   p.Prompt,
			Priority: string(p.Priority),
		})
	}

	return &ModuleOutput{
		Module:         ModuleName,
		WorkflowStatus: status,
		Database: DatabaseOutput{
			PRID:             prID,
			AnalysisComplete: len(findings) > 0,
			TotalFindings:    len(findings),
			CriticalIssues:   critical,
			CodegenTasks:     codegen,
		},
	}, nil
}
