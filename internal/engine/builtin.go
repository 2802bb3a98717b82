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

package engine

import (
	"context"
	"fmt"

	"github.com/mergeflow/mergeflow/internal/model"
	"github.com/mergeflow/mergeflow/internal/store"
	"github.com/mergeflow/mergeflow/pkg/workflow"
)

type builtinStore interface {
	store.AnalysisResultRepo
	store.CodegenPromptRepo
	store.EventRepo
}

// RegisterBuiltins registers the executors backing the default
// pr_analysis workflow: analysis records findings, codegen records
// prompts, validation checks findings, notification appends an audit
// event.
func RegisterBuiltins(e *Engine, s builtinStore) error {
	executors := map[workflow.StepType]StepExecutor{
		workflow.StepAnalysis:     &analysisExecutor{results: s},
		workflow.StepCodegen:      &codegenExecutor{prompts: s},
		workflow.StepValidation:   &validationExecutor{results: s},
		workflow.StepNotification: &notificationExecutor{events: s},
	}
	for stepType, executor := range executors {
		if err := e.RegisterExecutor(stepType, executor); err != nil {
			return err
		}
	}
	return nil
}

// analysisExecutor records an analysis summary finding for the PR.
// Idempotent at the result level: re-running appends an equivalent
// finding, and consumers read the latest.
type analysisExecutor struct {
	results store.AnalysisResultRepo
}

func (a *analysisExecutor) Execute(ctx context.Context, step *workflow.Step, execCtx *ExecutionContext, task *model.Task) (*StepResult, error) {
	category := "summary"
	if c, ok := step.Config["category"].(string); ok && c != "" {
		category = c
	}

	result := &model.AnalysisResult{
		PRID:     task.PRID,
		Severity: model.SeverityLow,
		Category: category,
		Message:  fmt.Sprintf("analysis completed for step %s", step.ID),
	}
	if err := a.results.CreateAnalysisResult(ctx, result); err != nil {
		return nil, err
	}
	return &StepResult{
		Success: true,
		Output:  map[string]any{"analysis_result_id": result.ID},
	}, nil
}

// codegenExecutor records a code-generation prompt derived from the
// step config.
type codegenExecutor struct {
	prompts store.CodegenPromptRepo
}

func (c *codegenExecutor) Execute(ctx context.Context, step *workflow.Step, execCtx *ExecutionContext, task *model.Task) (*StepResult, error) {
	text, _ := step.Config["prompt"].(string)
	if text == "" {
		text = fmt.Sprintf("generate changes for PR %s, step %s", task.PRID, step.ID)
	}

	prompt := &model.CodegenPrompt{
		PRID:     task.PRID,
		TaskID:   task.ID,
		Prompt:   text,
		Priority: task.Priority,
	}
	if err := c.prompts.CreateCodegenPrompt(ctx, prompt); err != nil {
		return nil, err
	}
	return &StepResult{
		Success: true,
		Output:  map[string]any{"prompt_id": prompt.ID},
	}, nil
}

// validationExecutor fails the step when any critical finding was
// recorded for the PR.
type validationExecutor struct {
	results store.AnalysisResultRepo
}

func (v *validationExecutor) Execute(ctx context.Context, step *workflow.Step, execCtx *ExecutionContext, task *model.Task) (*StepResult, error) {
	findings, err := v.results.ListAnalysisResultsByPR(ctx, task.PRID)
	if err != nil {
		return nil, err
	}

	critical := 0
	for _, f := range findings {
		if f.Severity == model.SeverityCritical {
			critical++
		}
	}
	if critical > 0 {
		return &StepResult{
			Success: false,
			Error:   fmt.Sprintf("%d critical findings", critical),
			Output:  map[string]any{"findings": len(findings), "critical": critical},
		}, nil
	}
	return &StepResult{
		Success: true,
		Output:  map[string]any{"findings": len(findings)},
	}, nil
}

// notificationExecutor appends a notification record to the event audit
// trail.
type notificationExecutor struct {
	events store.EventRepo
}

func (n *notificationExecutor) Execute(ctx context.Context, step *workflow.Step, execCtx *ExecutionContext, task *model.Task) (*StepResult, error) {
	event := &model.Event{
		Topic:    "notification",
		EntityID: task.PRID,
		Payload: map[string]any{
			"step_id":      step.ID,
			"execution_id": task.Metadata.WorkflowExecutionID,
			"message":      fmt.Sprintf("workflow step %s finished for PR %s", step.ID, task.PRID),
		},
	}
	if err := n.events.AppendEvent(ctx, event); err != nil {
		return nil, err
	}
	return &StepResult{Success: true}, nil
}
