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

// Package workflow defines workflow definitions: immutable templates of
// typed steps with dependencies, validated to be acyclic before use.
package workflow

import (
	"fmt"
	"time"

	"github.com/mergeflow/mergeflow/pkg/errors"
)

// StepType classifies a workflow step.
type StepType string

const (
	StepAnalysis     StepType = "analysis"
	StepCodegen      StepType = "codegen"
	StepValidation   StepType = "validation"
	StepNotification StepType = "notification"
	StepCustom       StepType = "custom"
)

// Valid reports whether the step type is one of the known types.
func (t StepType) Valid() bool {
	switch t {
	case StepAnalysis, StepCodegen, StepValidation, StepNotification, StepCustom:
		return true
	}
	return false
}

// Step is a single unit of work within a workflow definition.
type Step struct {
	// ID is unique within the definition.
	ID string `yaml:"id" json:"id"`

	// Name is the human-readable step name.
	Name string `yaml:"name" json:"name"`

	// Description explains what the step does.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Type selects the step executor.
	Type StepType `yaml:"type" json:"type"`

	// DependsOn lists sibling step IDs that must finish first.
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`

	// Timeout bounds the executor call. Zero means no step timeout.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// RetryAttempts is the per-step retry budget. Zero means the
	// engine default applies.
	RetryAttempts int `yaml:"retry_attempts,omitempty" json:"retry_attempts,omitempty"`

	// Config is opaque executor configuration. The engine never
	// interprets it.
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

// Trigger binds a definition to an event type, optionally gated by a
// boolean condition expression evaluated against the event payload.
type Trigger struct {
	// EventType is the event that can start this workflow.
	EventType string `yaml:"event_type" json:"event_type"`

	// Condition is an optional expr-lang boolean expression.
	// An empty condition always matches.
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`
}

// Definition is an immutable workflow template: a named, versioned sequence
// of steps forming a DAG.
type Definition struct {
	// Name uniquely identifies the workflow.
	Name string `yaml:"name" json:"name"`

	// Version identifies the template revision.
	Version string `yaml:"version" json:"version"`

	// Description explains the workflow's purpose.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Steps are executed respecting DependsOn ordering.
	Steps []Step `yaml:"steps" json:"steps"`

	// Triggers declare which events start this workflow.
	Triggers []Trigger `yaml:"triggers,omitempty" json:"triggers,omitempty"`
}

// Step returns the step with the given ID, or nil.
func (d *Definition) Step(id string) *Step {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// Validate checks the definition invariants: non-empty name and steps,
// unique step IDs, known step types, dependency references that resolve
// within the definition, and an acyclic dependency graph.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return &errors.ValidationError{Field: "name", Message: "workflow name is required"}
	}
	if len(d.Steps) == 0 {
		return &errors.ValidationError{Field: "steps", Message: "workflow must have at least one step"}
	}

	ids := make(map[string]bool, len(d.Steps))
	for _, step := range d.Steps {
		if step.ID == "" {
			return &errors.ValidationError{Field: "steps", Message: "step id is required"}
		}
		if !step.Type.Valid() {
			return &errors.ValidationError{
				Field:   "steps",
				Message: fmt.Sprintf("step %s has unknown type %q", step.ID, step.Type),
			}
		}
		if ids[step.ID] {
			return &errors.ValidationError{
				Field:   "steps",
				Message: fmt.Sprintf("duplicate step id: %s", step.ID),
			}
		}
		ids[step.ID] = true
	}

	for _, step := range d.Steps {
		for _, dep := range step.DependsOn {
			if dep == step.ID {
				return &errors.ValidationError{
					Field:   "steps",
					Message: fmt.Sprintf("step %s depends on itself", step.ID),
				}
			}
			if !ids[dep] {
				return &errors.DependencyError{Resource: "step", ID: step.ID, Dependency: dep}
			}
		}
	}

	return d.validateAcyclic()
}

// validateAcyclic detects dependency cycles with a DFS using temporary marks.
func (d *Definition) validateAcyclic() error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	marks := make(map[string]int, len(d.Steps))

	var visit func(id string) error
	visit = func(id string) error {
		switch marks[id] {
		case done:
			return nil
		case visiting:
			return &errors.ValidationError{
				Field:   "steps",
				Message: fmt.Sprintf("dependency cycle involving step %s", id),
			}
		}
		marks[id] = visiting
		for _, dep := range d.Step(id).DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		marks[id] = done
		return nil
	}

	for _, step := range d.Steps {
		if err := visit(step.ID); err != nil {
			return err
		}
	}
	return nil
}
