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
	stderrors "errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mergeflow/mergeflow/internal/bus"
	"github.com/mergeflow/mergeflow/internal/config"
	"github.com/mergeflow/mergeflow/internal/model"
	"github.com/mergeflow/mergeflow/pkg/errors"
)

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	mr := miniredis.RunT(t)

	cfg := config.Default()
	cfg.Store.Path = ":memory:"
	cfg.Queue.RedisAddr = mr.Addr()
	cfg.MetricsAddr = ""

	d, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})
	return d
}

// drainQueue settles every queued task the way a worker would.
func drainQueue(t *testing.T, d *Daemon) {
	t.Helper()
	ctx := context.Background()
	for {
		queued, err := d.queue.Dequeue(ctx)
		if stderrors.Is(err, errors.ErrQueueEmpty) {
			return
		}
		require.NoError(t, err)
		if err := d.engine.ExecuteTask(ctx, queued.TaskID); err != nil {
			require.NoError(t, d.queue.Fail(ctx, queued.ID, err.Error()))
			continue
		}
		require.NoError(t, d.queue.Complete(ctx, queued.ID))
	}
}

func prData(status model.PRStatus) *model.PRData {
	return &model.PRData{
		Title:      "Add feature",
		Author:     "dev",
		Status:     status,
		BaseBranch: "main",
		HeadBranch: "feature",
	}
}

func TestProcessPREventRunsDefaultWorkflow(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()

	output, err := d.ProcessPREvent(ctx, "repo-1", 42, prData(model.PROpen))
	require.NoError(t, err)
	assert.Equal(t, ModuleName, output.Module)
	assert.Equal(t, model.WorkflowActive, output.WorkflowStatus)
	assert.False(t, output.Database.AnalysisComplete)

	project, err := d.store.GetProjectByRepositoryID(ctx, "repo-1")
	require.NoError(t, err)
	pr, err := d.store.GetOrCreatePR(ctx, project.ID, 42, prData(model.PROpen))
	require.NoError(t, err)

	drainQueue(t, d)

	output, err = d.moduleOutput(ctx, pr.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowCompleted, output.WorkflowStatus)
	assert.True(t, output.Database.AnalysisComplete)
	assert.Greater(t, output.Database.TotalFindings, 0)
	assert.Zero(t, output.Database.CriticalIssues)
	require.Len(t, output.Database.CodegenTasks, 1)
	assert.NotEmpty(t, output.Database.CodegenTasks[0].Prompt)

	exec, err := d.store.GetLatestExecutionByPR(ctx, pr.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"analyze", "generate", "validate", "notify"}, exec.StepsCompleted)
}

func TestProcessPREventClosedPRSkipsWorkflow(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()

	output, err := d.ProcessPREvent(ctx, "repo-1", 7, prData(model.PRClosed))
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowActive, output.WorkflowStatus)

	stats, err := d.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Pending)
}

func TestProcessPREventIsIdempotentOnRows(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()

	_, err := d.ProcessPREvent(ctx, "repo-1", 42, prData(model.PROpen))
	require.NoError(t, err)
	_, err = d.ProcessPREvent(ctx, "repo-1", 42, prData(model.PROpen))
	require.NoError(t, err)

	project, err := d.store.GetProjectByRepositoryID(ctx, "repo-1")
	require.NoError(t, err)
	assert.NotEmpty(t, project.ID)
}

func TestMetricsPassPublishesAndDetects(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()

	var metricEvents, predictionEvents int
	d.bus.Subscribe(bus.TopicMetricCalculated, func(ctx context.Context, e bus.Event) error {
		metricEvents++
		return nil
	})
	d.bus.Subscribe(bus.TopicPredictionGenerated, func(ctx context.Context, e bus.Event) error {
		predictionEvents++
		return nil
	})

	require.NoError(t, d.tracker.Register(ctx, &model.Milestone{
		ID: "m1", Name: "m1", WorkflowID: "wf-1", Weight: 50,
	}))
	require.NoError(t, d.tracker.Register(ctx, &model.Milestone{
		ID: "m2", Name: "m2", WorkflowID: "wf-1", Weight: 50, Dependencies: []string{"m1"},
	}))

	d.runMetricsPass(ctx)

	assert.Equal(t, len(d.aggregator.MetricNames()), metricEvents)
	assert.Equal(t, 2, predictionEvents)

	// The detector ran: m2 is blocked on m1.
	state, err := d.store.GetMilestoneState(ctx, "m2")
	require.NoError(t, err)
	assert.Equal(t, model.MilestoneBlocked, state.Status)
}

func TestBusEventsArePersisted(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()

	since := time.Now().Add(-time.Minute)
	_, err := d.ProcessPREvent(ctx, "repo-1", 42, prData(model.PROpen))
	require.NoError(t, err)

	events, err := d.store.ListEventsSince(ctx, since, 100)
	require.NoError(t, err)

	topics := map[string]bool{}
	for _, e := range events {
		topics[e.Topic] = true
	}
	assert.True(t, topics[bus.TopicWorkflowStarted])
}

func TestStartAndShutdown(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()

	require.NoError(t, d.Start(ctx))

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, d.Shutdown(shutdownCtx))
}

func TestCleanupJobRuns(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()

	_, err := d.ProcessPREvent(ctx, "repo-1", 42, prData(model.PROpen))
	require.NoError(t, err)
	drainQueue(t, d)

	// Retention of zero removes everything terminal right away.
	d.cfg.Store.Retention = 0
	d.runCleanup(ctx)

	project, err := d.store.GetProjectByRepositoryID(ctx, "repo-1")
	require.NoError(t, err)
	pr, err := d.store.GetOrCreatePR(ctx, project.ID, 42, prData(model.PROpen))
	require.NoError(t, err)
	_, err = d.store.GetLatestExecutionByPR(ctx, pr.ID)
	assert.True(t, errors.IsNotFound(err))
}
