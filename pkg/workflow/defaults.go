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

package workflow

import "time"

// PRAnalysisName is the name of the built-in pull-request analysis workflow.
const PRAnalysisName = "pr_analysis"

// DefaultPRAnalysis returns the built-in workflow started for every
// incoming pull-request event: analyze the diff, generate fix prompts for
// the findings, validate the result and notify observers.
func DefaultPRAnalysis() *Definition {
	return &Definition{
		Name:        PRAnalysisName,
		Version:     "1",
		Description: "Analyze a pull request and derive codegen tasks from the findings",
		Steps: []Step{
			{
				ID:          "analyze",
				Name:        "Analyze PR",
				Description: "Run static analysis over the pull request diff",
				Type:        StepAnalysis,
				Timeout:     5 * time.Minute,
			},
			{
				ID:          "generate",
				Name:        "Generate fixes",
				Description: "Produce codegen prompts for each finding",
				Type:        StepCodegen,
				DependsOn:   []string{"analyze"},
				Timeout:     5 * time.Minute,
			},
			{
				ID:          "validate",
				Name:        "Validate results",
				Description: "Check generated prompts against the findings",
				Type:        StepValidation,
				DependsOn:   []string{"generate"},
			},
			{
				ID:          "notify",
				Name:        "Notify observers",
				Description: "Record the analysis outcome for observers",
				Type:        StepNotification,
				DependsOn:   []string{"validate"},
			},
		},
		Triggers: []Trigger{
			{EventType: "pr_event", Condition: `status != "closed"`},
		},
	}
}
