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

	"github.com/mergeflow/mergeflow/internal/model"
)

// Hooks is an observer of engine lifecycle events. All fields are
// optional. Hooks run synchronously in registration order; panics are
// recovered and logged, and never affect engine state.
type Hooks struct {
	OnWorkflowStarted   func(ctx context.Context, exec *model.WorkflowExecution)
	OnWorkflowCompleted func(ctx context.Context, exec *model.WorkflowExecution)
	OnWorkflowFailed    func(ctx context.Context, exec *model.WorkflowExecution)
	OnStepStarted       func(ctx context.Context, exec *model.WorkflowExecution, task *model.Task)
	OnStepCompleted     func(ctx context.Context, exec *model.WorkflowExecution, task *model.Task)
	OnStepFailed        func(ctx context.Context, exec *model.WorkflowExecution, task *model.Task, err error)
}

func (e *Engine) notify(ctx context.Context, fire func(h Hooks)) {
	e.mu.RLock()
	hooks := e.hooks
	e.mu.RUnlock()

	for _, h := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("hook panicked", "panic", r)
				}
			}()
			fire(h)
		}()
	}
}
