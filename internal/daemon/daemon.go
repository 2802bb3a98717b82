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

// Package daemon wires the orchestrator together: store, queue, bus,
// engine, trackers and schedulers, plus the PR-event entry point.
package daemon

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/mergeflow/mergeflow/internal/blocker"
	"github.com/mergeflow/mergeflow/internal/bus"
	"github.com/mergeflow/mergeflow/internal/config"
	"github.com/mergeflow/mergeflow/internal/dag"
	"github.com/mergeflow/mergeflow/internal/engine"
	"github.com/mergeflow/mergeflow/internal/log"
	"github.com/mergeflow/mergeflow/internal/model"
	"github.com/mergeflow/mergeflow/internal/progress"
	"github.com/mergeflow/mergeflow/internal/queue"
	"github.com/mergeflow/mergeflow/internal/store"
	"github.com/mergeflow/mergeflow/internal/store/sqlite"
	"github.com/mergeflow/mergeflow/internal/txn"
	"github.com/mergeflow/mergeflow/pkg/errors"
	"github.com/mergeflow/mergeflow/pkg/workflow"
)

// workerSleep is the pause after each worker iteration. It bounds the
// queue polling rate and is the loop's only back-pressure besides the
// queue itself.
const workerSleep = time.Second

// shutdownGrace bounds the worker drain during shutdown.
const shutdownGrace = 10 * time.Second

// Daemon is the orchestrator process: it owns the component lifecycle,
// the background schedulers and the PR-event entry point.
type Daemon struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      store.Store
	redis      *redis.Client
	queue      queue.Queue
	bus        *bus.Bus
	txns       *txn.Manager
	engine     *engine.Engine
	tracker    *dag.Tracker
	detector   *blocker.Detector
	aggregator *progress.Aggregator
	matcher    *workflow.Matcher
	cron       *cron.Cron

	cancelWorkers context.CancelFunc
	workers       *errgroup.Group
	metricsSrv    *http.Server
}

// New builds a daemon from configuration: opens the sqlite store (running
// migrations), connects Redis, and registers the default workflow, the
// built-in executors and the event audit trail.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	s, err := sqlite.New(sqlite.Config{Path: cfg.Store.Path, WAL: cfg.Store.Path != ":memory:"})
	if err != nil {
		return nil, errors.Wrap(err, "opening store")
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.Queue.RedisAddr})
	q := queue.NewRedis(client, cfg.Queue.Namespace, logger,
		queue.WithMaxRetries(cfg.RetryAttempts))

	eventBus := bus.New(logger)
	txns := txn.NewManager(logger)
	eng := engine.New(s, q, eventBus, txns, cfg.TaskTimeout, logger,
		engine.WithTransactionOptions(txn.Options{
			Timeout: cfg.Transaction.DefaultTimeout,
			Strict:  cfg.Transaction.Strict,
		}))
	tracker := dag.NewTracker(s, eventBus, logger)
	detector := blocker.NewDetector(tracker, s, eventBus, logger)
	aggregator := progress.NewAggregator()

	d := &Daemon{
		cfg:        cfg,
		logger:     log.WithComponent(logger, "daemon"),
		store:      s,
		redis:      client,
		queue:      q,
		bus:        eventBus,
		txns:       txns,
		engine:     eng,
		tracker:    tracker,
		detector:   detector,
		aggregator: aggregator,
		matcher:    workflow.NewMatcher(),
		cron:       cron.New(),
	}

	if err := engine.RegisterBuiltins(eng, s); err != nil {
		return nil, err
	}
	if err := eng.RegisterWorkflow(workflow.DefaultPRAnalysis()); err != nil {
		return nil, err
	}
	if cfg.EnableBlockerDetection && cfg.RealTimeUpdates {
		detector.Watch()
	}
	d.persistEvents()
	d.observeOutcomes()

	if err := d.schedule(); err != nil {
		return nil, err
	}
	return d, nil
}

// Start verifies backend connectivity, then launches the schedulers,
// the metrics endpoint and the worker pool. It returns once everything
// is running.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.store.Ping(ctx); err != nil {
		return errors.External("store", "ping", err)
	}
	if err := d.redis.Ping(ctx).Err(); err != nil {
		return errors.External("queue", "ping", err)
	}

	d.cron.Start()

	if d.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		d.metricsSrv = &http.Server{Addr: d.cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := d.metricsSrv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				d.logger.Error("metrics server failed", log.Error(err))
			}
		}()
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	d.cancelWorkers = cancel
	g, workerCtx := errgroup.WithContext(workerCtx)
	d.workers = g
	for i := 0; i < d.cfg.MaxConcurrentTasks; i++ {
		worker := i
		g.Go(func() error {
			d.runWorker(workerCtx, worker)
			return nil
		})
	}

	d.logger.Info("daemon started",
		"workers", d.cfg.MaxConcurrentTasks,
		"queue_namespace", d.cfg.Queue.Namespace)
	return nil
}

// Shutdown stops the schedulers, drains the worker pool with a bounded
// grace period and closes the backends.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.logger.Info("shutting down")

	cronCtx := d.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-time.After(shutdownGrace):
		d.logger.Warn("scheduler drain timed out")
	}

	if d.cancelWorkers != nil {
		d.cancelWorkers()
		done := make(chan struct{})
		go func() {
			_ = d.workers.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(shutdownGrace):
			d.logger.Warn("worker drain timed out")
		}
	}

	if d.metricsSrv != nil {
		_ = d.metricsSrv.Shutdown(ctx)
	}

	var errs []error
	if err := d.redis.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := d.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return stderrors.Join(errs...)
}

// ProcessPREvent is the external entry point: it ensures the project
// and PR rows exist, starts the pr_analysis workflow when a trigger
// matches, and returns the module output assembled from the canonical
// rows.
func (d *Daemon) ProcessPREvent(ctx context.Context, repoID string, prNumber int, data *model.PRData) (*ModuleOutput, error) {
	prEvents.Inc()

	project, err := d.store.GetProjectByRepositoryID(ctx, repoID)
	if errors.IsNotFound(err) {
		project = &model.Project{Name: repoID, RepositoryID: repoID}
		err = d.store.CreateProject(ctx, project)
	}
	if err != nil {
		return nil, err
	}

	pr, err := d.store.GetOrCreatePR(ctx, project.ID, prNumber, data)
	if err != nil {
		return nil, err
	}

	def, err := d.engine.Workflow(workflow.PRAnalysisName)
	if err != nil {
		return nil, err
	}
	if d.triggers(def, data) {
		if _, err := d.engine.Start(ctx, pr.ID, project.ID, def, map[string]any{
			"pr_number": prNumber,
			"repo_id":   repoID,
		}); err != nil {
			return nil, err
		}
	} else {
		d.logger.Info("no trigger matched, workflow not started",
			log.PRIDKey, pr.ID, "status", string(data.Status))
	}

	return d.moduleOutput(ctx, pr.ID)
}

// triggers reports whether any of the definition's triggers fires for
// the PR event.
func (d *Daemon) triggers(def *workflow.Definition, data *model.PRData) bool {
	payload := map[string]any{
		"status":      string(data.Status),
		"author":      data.Author,
		"base_branch": data.BaseBranch,
		"head_branch": data.HeadBranch,
	}
	for _, t := range def.Triggers {
		ok, err := d.matcher.Matches(t, "pr_event", payload)
		if err != nil {
			d.logger.Warn("trigger evaluation failed", log.Error(err))
			continue
		}
		if ok {
			return true
		}
	}
	return len(def.Triggers) == 0
}

// runWorker is one loop of the worker pool: dequeue, execute, settle,
// sleep. Executor failures are settled inside the engine; only
// infrastructure errors fail the lease.
func (d *Daemon) runWorker(ctx context.Context, id int) {
	logger := d.logger.With("worker", id)
	for {
		if ctx.Err() != nil {
			return
		}

		queued, err := d.queue.Dequeue(ctx)
		switch {
		case stderrors.Is(err, errors.ErrQueueEmpty):
		case err != nil:
			logger.Warn("dequeue failed", log.Error(err))
			recordTask("dequeue_error")
		default:
			started := time.Now()
			if execErr := d.engine.ExecuteTask(ctx, queued.TaskID); execErr != nil {
				logger.Warn("task execution failed",
					log.TaskIDKey, queued.TaskID, log.Error(execErr))
				if failErr := d.queue.Fail(ctx, queued.ID, execErr.Error()); failErr != nil {
					logger.Error("failing lease failed", log.Error(failErr))
				}
				recordTask("failed")
			} else {
				if compErr := d.queue.Complete(ctx, queued.ID); compErr != nil {
					logger.Error("completing lease failed", log.Error(compErr))
				}
				recordTask("completed")
			}
			taskDuration.Observe(time.Since(started).Seconds())
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(workerSleep):
		}
	}
}

// schedule registers the background jobs: retention cleanup hourly,
// health checks every five minutes, stale-lease recovery every ten, and
// the detector/metrics pass at the metric calculation interval.
func (d *Daemon) schedule() error {
	jobs := []struct {
		spec string
		name string
		run  func(ctx context.Context)
	}{
		{"@every 1h", "cleanup", d.runCleanup},
		{"@every 5m", "health", d.runHealthCheck},
		{"@every 10m", "queue_recovery", d.runQueueRecovery},
		{fmt.Sprintf("@every %s", d.cfg.MetricCalculationInterval), "metrics", d.runMetricsPass},
	}
	for _, job := range jobs {
		job := job
		if _, err := d.cron.AddFunc(job.spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			job.run(ctx)
		}); err != nil {
			return errors.Wrapf(err, "scheduling %s", job.name)
		}
	}
	return nil
}

func (d *Daemon) runCleanup(ctx context.Context) {
	cutoff := time.Now().Add(-d.cfg.Store.Retention)
	removed, err := d.store.Cleanup(ctx, cutoff)
	if err != nil {
		d.systemError(ctx, "cleanup", err)
		return
	}
	cleanupRemoved.Add(float64(removed))
	d.txns.CleanupCompleted()
	d.logger.Info("cleanup finished", "rows_removed", removed)
}

func (d *Daemon) runHealthCheck(ctx context.Context) {
	degraded := false
	if err := d.store.Ping(ctx); err != nil {
		degraded = true
		d.logger.Warn("store unhealthy", log.Error(err))
	}
	stats, err := d.queue.Stats(ctx)
	if err != nil {
		degraded = true
		d.logger.Warn("queue unhealthy", log.Error(err))
	} else {
		recordQueueDepth(stats.Pending, stats.Processing, stats.DeadLetter)
		if stats.DeadLetter > 0 {
			d.logger.Warn("dead-lettered tasks present", "count", stats.DeadLetter)
		}
	}
	if degraded {
		d.logger.Warn("health check degraded")
	} else {
		d.logger.Debug("health check ok")
	}
}

func (d *Daemon) runQueueRecovery(ctx context.Context) {
	recovered, err := d.queue.RecoverStale(ctx)
	if err != nil {
		d.systemError(ctx, "queue recovery", err)
		return
	}
	if recovered > 0 {
		staleRecovered.Add(float64(recovered))
		d.logger.Info("stale leases recovered", "count", recovered)
	}
}

// runMetricsPass runs the blocker detector and the progress aggregator
// over every workflow with milestones, publishing metric_calculated and
// prediction_generated events.
func (d *Daemon) runMetricsPass(ctx context.Context) {
	if d.cfg.EnableBlockerDetection {
		if err := d.detector.ScanAll(ctx); err != nil {
			d.systemError(ctx, "blocker detection", err)
		}
	}

	workflowIDs, err := d.store.ListMilestoneWorkflowIDs(ctx)
	if err != nil {
		d.systemError(ctx, "metric calculation", err)
		return
	}
	for _, workflowID := range workflowIDs {
		snapshot, err := d.snapshot(ctx, workflowID)
		if err != nil {
			d.systemError(ctx, "metric calculation", err)
			continue
		}

		for name, value := range d.aggregator.Calculate(snapshot) {
			recordWorkflowMetric(workflowID, name, value)
			d.bus.Publish(ctx, bus.Event{
				Topic:    bus.TopicMetricCalculated,
				EntityID: workflowID,
				Payload:  map[string]any{"metric": name, "value": value},
			})
		}
		if d.cfg.EnablePredictiveAnalytics {
			for name, prediction := range d.aggregator.Predict(snapshot) {
				d.bus.Publish(ctx, bus.Event{
					Topic:    bus.TopicPredictionGenerated,
					EntityID: workflowID,
					Payload: map[string]any{
						"prediction": name,
						"value":      prediction.Value,
						"confidence": prediction.Confidence,
					},
				})
			}
		}
	}
}

func (d *Daemon) snapshot(ctx context.Context, workflowID string) (progress.Snapshot, error) {
	milestones, err := d.store.ListMilestonesByWorkflow(ctx, workflowID)
	if err != nil {
		return progress.Snapshot{}, err
	}
	states, err := d.store.StatesByWorkflow(ctx, workflowID)
	if err != nil {
		return progress.Snapshot{}, err
	}
	blockers, err := d.store.ListAllBlockers(ctx, workflowID)
	if err != nil {
		return progress.Snapshot{}, err
	}
	return progress.Snapshot{
		WorkflowID: workflowID,
		Milestones: milestones,
		States:     states,
		Blockers:   blockers,
		Now:        time.Now(),
	}, nil
}

// persistEvents records every bus event into the store's audit trail.
func (d *Daemon) persistEvents() {
	topics := []string{
		bus.TopicMilestoneRegistered, bus.TopicMilestoneUpdated,
		bus.TopicBlockerDetected, bus.TopicBlockerResolved,
		bus.TopicMetricCalculated, bus.TopicPredictionGenerated,
		bus.TopicWorkflowStarted, bus.TopicWorkflowCompleted,
		bus.TopicWorkflowFailed, bus.TopicStepStarted,
		bus.TopicStepCompleted, bus.TopicStepFailed,
		bus.TopicSystemError,
	}
	for _, topic := range topics {
		d.bus.Subscribe(topic, func(ctx context.Context, event bus.Event) error {
			return d.store.AppendEvent(ctx, &model.Event{
				Topic:     event.Topic,
				EntityID:  event.EntityID,
				Payload:   event.Payload,
				Timestamp: event.Timestamp,
			})
		})
	}
}

// observeOutcomes exports terminal workflow and blocker counts from bus
// events.
func (d *Daemon) observeOutcomes() {
	d.bus.Subscribe(bus.TopicWorkflowCompleted, func(ctx context.Context, event bus.Event) error {
		workflowsFinished.WithLabelValues("completed").Inc()
		return nil
	})
	d.bus.Subscribe(bus.TopicWorkflowFailed, func(ctx context.Context, event bus.Event) error {
		workflowsFinished.WithLabelValues("failed").Inc()
		return nil
	})
	d.bus.Subscribe(bus.TopicBlockerDetected, func(ctx context.Context, event bus.Event) error {
		blockersDetected.Inc()
		return nil
	})
}

// systemError logs a background failure and emits it as a system_error
// event. Background failures never interrupt other schedulers.
func (d *Daemon) systemError(ctx context.Context, operation string, err error) {
	d.logger.Error("background job failed", "operation", operation, log.Error(err))
	d.bus.Publish(ctx, bus.Event{
		Topic:   bus.TopicSystemError,
		Payload: map[string]any{"operation": operation, "error": err.Error()},
	})
}
