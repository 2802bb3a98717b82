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

// Package engine translates workflow definitions into tasks, dispatches
// runnable tasks through the queue, invokes step executors and
// reconciles outcomes against the canonical store.
package engine

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mergeflow/mergeflow/internal/bus"
	"github.com/mergeflow/mergeflow/internal/log"
	"github.com/mergeflow/mergeflow/internal/model"
	"github.com/mergeflow/mergeflow/internal/queue"
	"github.com/mergeflow/mergeflow/internal/store"
	"github.com/mergeflow/mergeflow/internal/txn"
	"github.com/mergeflow/mergeflow/pkg/errors"
	"github.com/mergeflow/mergeflow/pkg/workflow"
)

// ExecutionContext is what a step executor sees of the surrounding
// workflow.
type ExecutionContext struct {
	PRID      string
	ProjectID string
	Execution *model.WorkflowExecution
	Variables map[string]any
}

// StepResult is the outcome of one executor invocation.
type StepResult struct {
	Success  bool           `json:"success"`
	Output   map[string]any `json:"output,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// StepExecutor runs one step type. The engine guarantees at most one
// concurrent invocation per task id; executors must be idempotent at
// the result level because lease expiry can re-run a task.
type StepExecutor interface {
	Execute(ctx context.Context, step *workflow.Step, execCtx *ExecutionContext, task *model.Task) (*StepResult, error)
}

// ExecutorFunc adapts a function to the StepExecutor interface.
type ExecutorFunc func(ctx context.Context, step *workflow.Step, execCtx *ExecutionContext, task *model.Task) (*StepResult, error)

// Execute implements StepExecutor.
func (f ExecutorFunc) Execute(ctx context.Context, step *workflow.Step, execCtx *ExecutionContext, task *model.Task) (*StepResult, error) {
	return f(ctx, step, execCtx, task)
}

type engineStore interface {
	store.TaskRepo
	store.WorkflowExecutionRepo
}

// Engine owns the executor and hook registries and drives task
// execution. Registries are populated at startup and read-only
// afterwards.
type Engine struct {
	store       engineStore
	queue       queue.Queue
	bus         *bus.Bus
	txns        *txn.Manager
	logger      *slog.Logger
	taskTimeout time.Duration

	mu          sync.RWMutex
	executors   map[workflow.StepType]StepExecutor
	hooks       []Hooks
	definitions map[string]*workflow.Definition
	txnOpts     txn.Options
}

// Option configures an Engine.
type Option func(*Engine)

// WithTransactionOptions sets the options used for cancellation
// transactions.
func WithTransactionOptions(opts txn.Options) Option {
	return func(e *Engine) { e.txnOpts = opts }
}

// New creates a workflow engine. taskTimeout bounds executor calls for
// steps without their own timeout.
func New(s engineStore, q queue.Queue, eventBus *bus.Bus, txns *txn.Manager, taskTimeout time.Duration, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:       s,
		queue:       q,
		bus:         eventBus,
		txns:        txns,
		logger:      log.WithComponent(logger, "engine"),
		taskTimeout: taskTimeout,
		executors:   make(map[workflow.StepType]StepExecutor),
		definitions: make(map[string]*workflow.Definition),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterExecutor binds a step type to its executor. Duplicate
// registrations are a conflict.
func (e *Engine) RegisterExecutor(stepType workflow.StepType, executor StepExecutor) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.executors[stepType]; ok {
		return &errors.ConflictError{Resource: "step executor", ID: string(stepType)}
	}
	e.executors[stepType] = executor
	return nil
}

// RegisterHooks appends an observer to the hook registry.
func (e *Engine) RegisterHooks(h Hooks) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks = append(e.hooks, h)
}

// RegisterWorkflow validates and registers a workflow definition.
func (e *Engine) RegisterWorkflow(def *workflow.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.definitions[def.Name]; ok {
		return &errors.ConflictError{Resource: "workflow", ID: def.Name}
	}
	e.definitions[def.Name] = def
	return nil
}

// Workflow returns a registered definition by name.
func (e *Engine) Workflow(name string) (*workflow.Definition, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	def, ok := e.definitions[name]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: name}
	}
	return def, nil
}

// Start creates a workflow execution for a pull request, materializes
// one task per step with step dependencies translated to task
// dependencies, emits workflow_started and runs the first dispatch
// pass.
func (e *Engine) Start(ctx context.Context, prID, projectID string, def *workflow.Definition, variables map[string]any) (*model.WorkflowExecution, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	exec := &model.WorkflowExecution{
		PRID:         prID,
		WorkflowName: def.Name,
		Metadata: map[string]any{
			"workflow_version": def.Version,
			"project_id":       projectID,
		},
	}
	if len(variables) > 0 {
		exec.Metadata["variables"] = variables
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}

	// Steps are created in definition order, so a dependency's task id
	// is always known by the time a dependent step is materialized.
	taskIDs := make(map[string]string, len(def.Steps))
	for _, step := range def.Steps {
		deps := make([]string, 0, len(step.DependsOn))
		for _, dep := range step.DependsOn {
			deps = append(deps, taskIDs[dep])
		}
		task := &model.Task{
			PRID:         prID,
			Name:         step.Name,
			Description:  step.Description,
			Type:         string(step.Type),
			Dependencies: deps,
			Priority:     model.PriorityForStepType(string(step.Type)),
			Metadata: model.TaskMetadata{
				WorkflowExecutionID: exec.ID,
				WorkflowStepID:      step.ID,
				StepConfig:          step.Config,
			},
		}
		if err := e.store.CreateTask(ctx, task); err != nil {
			return nil, err
		}
		taskIDs[step.ID] = task.ID
	}

	e.logger.Info("workflow started",
		log.ExecutionIDKey, exec.ID,
		log.WorkflowKey, def.Name,
		log.PRIDKey, prID,
		"steps", len(def.Steps))
	e.notify(ctx, func(h Hooks) {
		if h.OnWorkflowStarted != nil {
			h.OnWorkflowStarted(ctx, exec)
		}
	})
	e.bus.Publish(ctx, bus.Event{
		Topic:    bus.TopicWorkflowStarted,
		EntityID: exec.ID,
		Payload:  map[string]any{"execution": exec, "workflow": def.Name},
	})

	if err := e.Dispatch(ctx, exec.ID); err != nil {
		return nil, err
	}
	return exec, nil
}

// Dispatch enqueues every runnable task belonging to the execution.
// Enqueue is idempotent by task id, so repeated passes are safe.
func (e *Engine) Dispatch(ctx context.Context, executionID string) error {
	runnable, err := e.store.GetRunnableTasks(ctx)
	if err != nil {
		return errors.External("store", "get runnable tasks", err)
	}

	for _, task := range runnable {
		if task.Metadata.WorkflowExecutionID != executionID {
			continue
		}
		queued := &model.QueuedTask{
			ID:            task.ID,
			PRID:          task.PRID,
			TaskID:        task.ID,
			PriorityScore: task.Priority.Score(),
			Payload: map[string]any{
				"task_id":      task.ID,
				"execution_id": executionID,
				"step_id":      task.Metadata.WorkflowStepID,
			},
		}
		if err := e.queue.Enqueue(ctx, queued); err != nil {
			return errors.External("queue", "enqueue", err)
		}
		e.logger.Debug("task dispatched",
			log.TaskIDKey, task.ID,
			log.StepIDKey, task.Metadata.WorkflowStepID,
			"priority", string(task.Priority))
	}
	return nil
}

// ExecuteTask runs one task end to end: load, flip to running, invoke
// the executor under the step timeout, record the outcome, re-dispatch
// and reconcile. Executor failures are recorded as task failures and do
// not return an error; only infrastructure failures do.
func (e *Engine) ExecuteTask(ctx context.Context, taskID string) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	// Re-dispatch after terminal is a no-op.
	if task.Status.Terminal() {
		return nil
	}

	exec, err := e.store.GetExecution(ctx, task.Metadata.WorkflowExecutionID)
	if err != nil {
		return err
	}
	def, err := e.Workflow(exec.WorkflowName)
	if err != nil {
		return e.failTask(ctx, task, exec, err)
	}
	step := def.Step(task.Metadata.WorkflowStepID)
	if step == nil {
		return e.failTask(ctx, task, exec, &errors.NotFoundError{
			Resource: "step", ID: task.Metadata.WorkflowStepID,
		})
	}

	task, err = e.store.UpdateTaskStatus(ctx, task.ID, model.TaskRunning, "")
	if err != nil {
		return err
	}
	e.notify(ctx, func(h Hooks) {
		if h.OnStepStarted != nil {
			h.OnStepStarted(ctx, exec, task)
		}
	})
	e.bus.Publish(ctx, bus.Event{
		Topic:    bus.TopicStepStarted,
		EntityID: task.ID,
		Payload:  map[string]any{"task": task, "step_id": step.ID},
	})

	executor, ok := e.executor(step.Type)
	if !ok {
		return e.failTask(ctx, task, exec, &errors.ExecutorMissingError{StepType: string(step.Type)})
	}

	execCtx := &ExecutionContext{
		PRID:      task.PRID,
		ProjectID: stringField(exec.Metadata, "project_id"),
		Execution: exec,
		Variables: mapField(exec.Metadata, "variables"),
	}
	result, err := e.invoke(ctx, executor, step, execCtx, task)
	if err != nil {
		return e.failTask(ctx, task, exec, err)
	}
	if !result.Success {
		msg := result.Error
		if msg == "" {
			msg = "executor reported failure"
		}
		return e.failTask(ctx, task, exec, stderrors.New(msg))
	}

	task, err = e.store.UpdateTaskStatus(ctx, task.ID, model.TaskCompleted, "")
	if err != nil {
		return err
	}
	exec, err = e.store.AddCompletedStep(ctx, exec.ID, step.ID, "")
	if err != nil {
		return err
	}

	e.logger.Info("step completed",
		log.TaskIDKey, task.ID,
		log.StepIDKey, step.ID,
		log.ExecutionIDKey, exec.ID)
	e.notify(ctx, func(h Hooks) {
		if h.OnStepCompleted != nil {
			h.OnStepCompleted(ctx, exec, task)
		}
	})
	e.bus.Publish(ctx, bus.Event{
		Topic:    bus.TopicStepCompleted,
		EntityID: task.ID,
		Payload:  map[string]any{"task": task, "step_id": step.ID, "result": result},
	})

	if err := e.Dispatch(ctx, exec.ID); err != nil {
		return err
	}
	return e.reconcile(ctx, exec.ID)
}

// CancelTask cancels a task together with its transitive dependents.
// The cascade runs inside a transaction with per-task undo so a partial
// failure restores every prior status.
func (e *Engine) CancelTask(ctx context.Context, taskID string) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	tasks, err := e.store.GetTasksByExecution(ctx, task.Metadata.WorkflowExecutionID)
	if err != nil {
		return err
	}
	closure := dependentClosure(tasks, taskID)

	txID := e.txns.Begin([]string{task.Metadata.WorkflowExecutionID}, e.txnOpts)
	for _, t := range closure {
		if t.Status.Terminal() {
			continue
		}
		t := t
		prior := t.Status
		if err := e.txns.AddOperation(txID, txn.Operation{
			Type:   "cancel_task",
			Target: t.ID,
			Execute: func(ctx context.Context) (any, error) {
				return e.store.UpdateTaskStatus(ctx, t.ID, model.TaskCancelled, "")
			},
			Undo: func(ctx context.Context) error {
				_, err := e.store.UpdateTaskStatus(ctx, t.ID, prior, "")
				return err
			},
		}); err != nil {
			return err
		}
	}

	if _, err := e.txns.Commit(ctx, txID); err != nil {
		return err
	}
	e.logger.Info("task cancelled with dependents",
		log.TaskIDKey, taskID, "cascade", len(closure))
	return e.reconcile(ctx, task.Metadata.WorkflowExecutionID)
}

// reconcile checks whether every task of an execution is terminal and,
// exactly once, transitions the execution to failed or completed.
func (e *Engine) reconcile(ctx context.Context, executionID string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return nil
	}

	tasks, err := e.store.GetTasksByExecution(ctx, executionID)
	if err != nil {
		return err
	}
	failed := false
	for _, t := range tasks {
		if !t.Status.Terminal() {
			return nil
		}
		if t.Status == model.TaskFailed {
			failed = true
		}
	}

	if failed {
		exec, err = e.store.MarkExecutionFailed(ctx, executionID)
	} else {
		exec, err = e.store.MarkExecutionCompleted(ctx, executionID)
	}
	if err != nil {
		return err
	}

	topic := bus.TopicWorkflowCompleted
	if exec.Status == model.WorkflowFailed {
		topic = bus.TopicWorkflowFailed
	}
	e.logger.Info("workflow finished",
		log.ExecutionIDKey, exec.ID, "status", string(exec.Status))
	e.notify(ctx, func(h Hooks) {
		switch exec.Status {
		case model.WorkflowCompleted:
			if h.OnWorkflowCompleted != nil {
				h.OnWorkflowCompleted(ctx, exec)
			}
		case model.WorkflowFailed:
			if h.OnWorkflowFailed != nil {
				h.OnWorkflowFailed(ctx, exec)
			}
		}
	})
	e.bus.Publish(ctx, bus.Event{
		Topic:    topic,
		EntityID: exec.ID,
		Payload:  map[string]any{"execution": exec},
	})
	return nil
}

// failTask records an executor failure: the task flips to failed, the
// step lands in steps_failed and reconciliation runs. The failure is
// not returned; the worker loop keeps going.
func (e *Engine) failTask(ctx context.Context, task *model.Task, exec *model.WorkflowExecution, cause error) error {
	task, err := e.store.UpdateTaskStatus(ctx, task.ID, model.TaskFailed, cause.Error())
	if err != nil {
		return err
	}
	if _, err := e.store.AddFailedStep(ctx, exec.ID, task.Metadata.WorkflowStepID); err != nil {
		return err
	}

	e.logger.Warn("step failed",
		log.TaskIDKey, task.ID,
		log.StepIDKey, task.Metadata.WorkflowStepID,
		log.Error(cause))
	e.notify(ctx, func(h Hooks) {
		if h.OnStepFailed != nil {
			h.OnStepFailed(ctx, exec, task, cause)
		}
	})
	e.bus.Publish(ctx, bus.Event{
		Topic:    bus.TopicStepFailed,
		EntityID: task.ID,
		Payload: map[string]any{
			"task":    task,
			"step_id": task.Metadata.WorkflowStepID,
			"error":   cause.Error(),
		},
	})
	return e.reconcile(ctx, exec.ID)
}

// invoke runs the executor bounded by the step timeout (falling back to
// the engine's task timeout). Elapsed timeout becomes a StepTimeoutError.
func (e *Engine) invoke(ctx context.Context, executor StepExecutor, step *workflow.Step, execCtx *ExecutionContext, task *model.Task) (*StepResult, error) {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = e.taskTimeout
	}
	if timeout <= 0 {
		return executor.Execute(ctx, step, execCtx, task)
	}

	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result *StepResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := executor.Execute(stepCtx, step, execCtx, task)
		done <- outcome{result, err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-stepCtx.Done():
		return nil, &errors.StepTimeoutError{
			StepID:  step.ID,
			TaskID:  task.ID,
			Timeout: timeout,
		}
	}
}

func (e *Engine) executor(stepType workflow.StepType) (StepExecutor, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	executor, ok := e.executors[stepType]
	return executor, ok
}

// dependentClosure returns the task plus every transitive dependent,
// in an order where the root comes first.
func dependentClosure(tasks []*model.Task, rootID string) []*model.Task {
	byID := make(map[string]*model.Task, len(tasks))
	dependents := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
		for _, dep := range t.Dependencies {
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	var closure []*model.Task
	seen := map[string]bool{}
	var walk func(id string)
	walk = func(id string) {
		if seen[id] {
			return
		}
		seen[id] = true
		if t, ok := byID[id]; ok {
			closure = append(closure, t)
		}
		for _, next := range dependents[id] {
			walk(next)
		}
	}
	walk(rootID)
	return closure
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func mapField(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return nil
}
