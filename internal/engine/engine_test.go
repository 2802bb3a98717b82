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
	stderrors "errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mergeflow/mergeflow/internal/bus"
	"github.com/mergeflow/mergeflow/internal/model"
	"github.com/mergeflow/mergeflow/internal/queue"
	"github.com/mergeflow/mergeflow/internal/store/sqlite"
	"github.com/mergeflow/mergeflow/internal/txn"
	"github.com/mergeflow/mergeflow/pkg/errors"
	"github.com/mergeflow/mergeflow/pkg/workflow"
)

type testEnv struct {
	engine *Engine
	store  *sqlite.Store
	queue  queue.Queue
	bus    *bus.Bus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s, err := sqlite.New(sqlite.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q := queue.NewRedis(client, "test", logger)

	eventBus := bus.New(logger)
	txns := txn.NewManager(logger)
	e := New(s, q, eventBus, txns, time.Minute, logger)
	require.NoError(t, RegisterBuiltins(e, s))

	return &testEnv{engine: e, store: s, queue: q, bus: eventBus}
}

func chainDefinition() *workflow.Definition {
	return &workflow.Definition{
		Name:    "chain",
		Version: "1.0.0",
		Steps: []workflow.Step{
			{ID: "A", Name: "A", Type: workflow.StepAnalysis},
			{ID: "B", Name: "B", Type: workflow.StepAnalysis, DependsOn: []string{"A"}},
			{ID: "C", Name: "C", Type: workflow.StepNotification, DependsOn: []string{"B"}},
		},
	}
}

// drain runs the dequeue/execute/complete loop until the queue is empty,
// the way the daemon's workers do.
func drain(t *testing.T, env *testEnv) {
	t.Helper()
	ctx := context.Background()
	for {
		queued, err := env.queue.Dequeue(ctx)
		if stderrors.Is(err, errors.ErrQueueEmpty) {
			return
		}
		require.NoError(t, err)
		if err := env.engine.ExecuteTask(ctx, queued.TaskID); err != nil {
			require.NoError(t, env.queue.Fail(ctx, queued.ID, err.Error()))
			continue
		}
		require.NoError(t, env.queue.Complete(ctx, queued.ID))
	}
}

func TestStartMaterializesTasks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.engine.RegisterWorkflow(chainDefinition()))
	def, err := env.engine.Workflow("chain")
	require.NoError(t, err)

	exec, err := env.engine.Start(ctx, "pr-1", "proj-1", def, map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowActive, exec.Status)

	tasks, err := env.store.GetTasksByExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 3)

	byStep := map[string]*model.Task{}
	for _, task := range tasks {
		byStep[task.Metadata.WorkflowStepID] = task
	}
	assert.Empty(t, byStep["A"].Dependencies)
	assert.Equal(t, []string{byStep["A"].ID}, byStep["B"].Dependencies)
	assert.Equal(t, []string{byStep["B"].ID}, byStep["C"].Dependencies)
	assert.Equal(t, model.PriorityHigh, byStep["A"].Priority)
	assert.Equal(t, model.PriorityLow, byStep["C"].Priority)

	// Only the root step is dispatched.
	stats, err := env.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
}

func TestChainRunsToCompletion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var started []string
	env.bus.Subscribe(bus.TopicStepStarted, func(ctx context.Context, e bus.Event) error {
		started = append(started, e.Payload["step_id"].(string))
		return nil
	})

	def := chainDefinition()
	require.NoError(t, env.engine.RegisterWorkflow(def))
	exec, err := env.engine.Start(ctx, "pr-1", "proj-1", def, nil)
	require.NoError(t, err)

	drain(t, env)

	assert.Equal(t, []string{"A", "B", "C"}, started)

	final, err := env.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowCompleted, final.Status)
	assert.Equal(t, []string{"A", "B", "C"}, final.StepsCompleted)
	assert.Empty(t, final.StepsFailed)
	require.NotNil(t, final.CompletedAt)

	// Two analysis findings and one notification event were recorded.
	findings, err := env.store.ListAnalysisResultsByPR(ctx, "pr-1")
	require.NoError(t, err)
	assert.Len(t, findings, 2)
}

func TestExecutorFailureFailsWorkflow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	def := &workflow.Definition{
		Name:    "failing",
		Version: "1.0.0",
		Steps: []workflow.Step{
			{ID: "A", Name: "A", Type: workflow.StepCustom},
			{ID: "B", Name: "B", Type: workflow.StepNotification, DependsOn: []string{"A"}},
		},
	}
	require.NoError(t, env.engine.RegisterExecutor(workflow.StepCustom,
		ExecutorFunc(func(ctx context.Context, step *workflow.Step, execCtx *ExecutionContext, task *model.Task) (*StepResult, error) {
			return &StepResult{Success: false, Error: "synthetic failure"}, nil
		})))
	require.NoError(t, env.engine.RegisterWorkflow(def))

	var failedSteps []string
	env.bus.Subscribe(bus.TopicStepFailed, func(ctx context.Context, e bus.Event) error {
		failedSteps = append(failedSteps, e.Payload["step_id"].(string))
		return nil
	})

	exec, err := env.engine.Start(ctx, "pr-1", "proj-1", def, nil)
	require.NoError(t, err)

	drain(t, env)

	final, err := env.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowActive, final.Status)
	assert.Equal(t, []string{"A"}, final.StepsFailed)
	assert.Equal(t, []string{"A"}, failedSteps)

	tasks, err := env.store.GetTasksByExecution(ctx, exec.ID)
	require.NoError(t, err)
	for _, task := range tasks {
		if task.Metadata.WorkflowStepID == "A" {
			assert.Equal(t, model.TaskFailed, task.Status)
			assert.Equal(t, "synthetic failure", task.Error)
		} else {
			// B stays pending: its dependency failed, so it never runs.
			assert.Equal(t, model.TaskPending, task.Status)
		}
	}
}

func TestMissingExecutorFailsTask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	def := &workflow.Definition{
		Name:    "orphan",
		Version: "1.0.0",
		Steps:   []workflow.Step{{ID: "A", Name: "A", Type: workflow.StepCustom}},
	}
	require.NoError(t, env.engine.RegisterWorkflow(def))

	exec, err := env.engine.Start(ctx, "pr-1", "proj-1", def, nil)
	require.NoError(t, err)

	drain(t, env)

	final, err := env.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowFailed, final.Status)

	tasks, err := env.store.GetTasksByExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, model.TaskFailed, tasks[0].Status)
	assert.Contains(t, tasks[0].Error, "custom")
}

func TestUnregisteredWorkflowFailsTaskWithCompletedAt(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	def := &workflow.Definition{
		Name:    "ephemeral",
		Version: "1.0.0",
		Steps:   []workflow.Step{{ID: "A", Name: "A", Type: workflow.StepAnalysis}},
	}
	require.NoError(t, env.engine.RegisterWorkflow(def))
	exec, err := env.engine.Start(ctx, "pr-1", "proj-1", def, nil)
	require.NoError(t, err)

	// A restarted process picks up the queued task without the workflow
	// registered.
	restarted := New(env.store, env.queue, env.bus, txn.NewManager(logger), time.Minute, logger)

	queued, err := env.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, restarted.ExecuteTask(ctx, queued.TaskID))

	task, err := env.store.GetTask(ctx, queued.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, task.Status)
	assert.Nil(t, task.StartedAt)
	require.NotNil(t, task.CompletedAt)

	final, err := env.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowFailed, final.Status)
}

func TestStepTimeout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	def := &workflow.Definition{
		Name:    "slow",
		Version: "1.0.0",
		Steps: []workflow.Step{
			{ID: "A", Name: "A", Type: workflow.StepCustom, Timeout: 20 * time.Millisecond},
		},
	}
	require.NoError(t, env.engine.RegisterExecutor(workflow.StepCustom,
		ExecutorFunc(func(ctx context.Context, step *workflow.Step, execCtx *ExecutionContext, task *model.Task) (*StepResult, error) {
			select {
			case <-time.After(time.Second):
				return &StepResult{Success: true}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		})))
	require.NoError(t, env.engine.RegisterWorkflow(def))

	exec, err := env.engine.Start(ctx, "pr-1", "proj-1", def, nil)
	require.NoError(t, err)

	drain(t, env)

	tasks, err := env.store.GetTasksByExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, model.TaskFailed, tasks[0].Status)
	assert.Contains(t, tasks[0].Error, "timed out")
}

func TestExecuteTerminalTaskIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	def := chainDefinition()
	require.NoError(t, env.engine.RegisterWorkflow(def))
	exec, err := env.engine.Start(ctx, "pr-1", "proj-1", def, nil)
	require.NoError(t, err)
	drain(t, env)

	tasks, err := env.store.GetTasksByExecution(ctx, exec.ID)
	require.NoError(t, err)
	completedAt := tasks[0].CompletedAt

	// Re-execution after terminal must change nothing.
	require.NoError(t, env.engine.ExecuteTask(ctx, tasks[0].ID))
	after, err := env.store.GetTask(ctx, tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskCompleted, after.Status)
	assert.Equal(t, completedAt, after.CompletedAt)
}

func TestCancelTaskCascades(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	def := chainDefinition()
	require.NoError(t, env.engine.RegisterWorkflow(def))
	exec, err := env.engine.Start(ctx, "pr-1", "proj-1", def, nil)
	require.NoError(t, err)

	tasks, err := env.store.GetTasksByExecution(ctx, exec.ID)
	require.NoError(t, err)
	byStep := map[string]*model.Task{}
	for _, task := range tasks {
		byStep[task.Metadata.WorkflowStepID] = task
	}

	// Cancelling A cascades to B and C.
	require.NoError(t, env.engine.CancelTask(ctx, byStep["A"].ID))

	tasks, err = env.store.GetTasksByExecution(ctx, exec.ID)
	require.NoError(t, err)
	for _, task := range tasks {
		assert.Equal(t, model.TaskCancelled, task.Status)
		assert.Nil(t, task.CompletedAt)
	}

	final, err := env.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowCompleted, final.Status)
}

func TestCancelMidChainLeavesUpstream(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	def := chainDefinition()
	require.NoError(t, env.engine.RegisterWorkflow(def))
	exec, err := env.engine.Start(ctx, "pr-1", "proj-1", def, nil)
	require.NoError(t, err)

	tasks, err := env.store.GetTasksByExecution(ctx, exec.ID)
	require.NoError(t, err)
	byStep := map[string]*model.Task{}
	for _, task := range tasks {
		byStep[task.Metadata.WorkflowStepID] = task
	}

	require.NoError(t, env.engine.CancelTask(ctx, byStep["B"].ID))

	a, err := env.store.GetTask(ctx, byStep["A"].ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskPending, a.Status)
	b, err := env.store.GetTask(ctx, byStep["B"].ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskCancelled, b.Status)
	c, err := env.store.GetTask(ctx, byStep["C"].ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskCancelled, c.Status)
}

func TestWorkflowHooksFire(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var events []string
	env.engine.RegisterHooks(Hooks{
		OnWorkflowStarted: func(ctx context.Context, exec *model.WorkflowExecution) {
			events = append(events, "workflow_started")
		},
		OnStepCompleted: func(ctx context.Context, exec *model.WorkflowExecution, task *model.Task) {
			events = append(events, "step_completed:"+task.Metadata.WorkflowStepID)
		},
		OnWorkflowCompleted: func(ctx context.Context, exec *model.WorkflowExecution) {
			events = append(events, "workflow_completed")
		},
	})
	// A panicking hook must not disturb the run.
	env.engine.RegisterHooks(Hooks{
		OnWorkflowStarted: func(ctx context.Context, exec *model.WorkflowExecution) {
			panic("observer bug")
		},
	})

	def := chainDefinition()
	require.NoError(t, env.engine.RegisterWorkflow(def))
	_, err := env.engine.Start(ctx, "pr-1", "proj-1", def, nil)
	require.NoError(t, err)
	drain(t, env)

	assert.Equal(t, []string{
		"workflow_started",
		"step_completed:A",
		"step_completed:B",
		"step_completed:C",
		"workflow_completed",
	}, events)
}

func TestRegisterWorkflowValidatesAndConflicts(t *testing.T) {
	env := newTestEnv(t)

	bad := &workflow.Definition{
		Name:    "bad",
		Version: "1.0.0",
		Steps: []workflow.Step{
			{ID: "A", Name: "A", Type: workflow.StepAnalysis, DependsOn: []string{"B"}},
			{ID: "B", Name: "B", Type: workflow.StepAnalysis, DependsOn: []string{"A"}},
		},
	}
	assert.Error(t, env.engine.RegisterWorkflow(bad))

	def := chainDefinition()
	require.NoError(t, env.engine.RegisterWorkflow(def))
	assert.True(t, errors.IsConflict(env.engine.RegisterWorkflow(def)))
}
