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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// tasksProcessed tracks worker loop outcomes
	tasksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mergeflow_tasks_processed_total",
			Help: "Total tasks processed by the worker pool, by outcome",
		},
		[]string{"outcome"},
	)

	// prEvents tracks PR events entering the orchestrator
	prEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mergeflow_pr_events_total",
			Help: "Total PR events processed",
		},
	)

	// taskDuration tracks end-to-end task execution time
	taskDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mergeflow_task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
	)

	// workflowsFinished tracks terminal workflow executions
	workflowsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mergeflow_workflows_finished_total",
			Help: "Total workflow executions reaching a terminal state, by outcome",
		},
		[]string{"outcome"},
	)

	// blockersDetected tracks auto-detected blockers
	blockersDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mergeflow_blockers_detected_total",
			Help: "Total blockers created by the detector",
		},
	)

	// queueDepth tracks the queue's three collections
	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mergeflow_queue_depth",
			Help: "Current queue depth by collection",
		},
		[]string{"collection"},
	)

	// staleRecovered tracks leases re-enqueued by the recovery job
	staleRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mergeflow_queue_stale_recovered_total",
			Help: "Total stale leases recovered back into the ready set",
		},
	)

	// workflowMetric exports aggregator metrics per workflow
	workflowMetric = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mergeflow_workflow_metric",
			Help: "Aggregator metric values by workflow and metric name",
		},
		[]string{"workflow", "metric"},
	)

	// cleanupRemoved tracks rows removed by the retention job
	cleanupRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mergeflow_cleanup_rows_removed_total",
			Help: "Total rows removed by retention cleanup",
		},
	)
)

// recordTask increments the task outcome counter
func recordTask(outcome string) {
	tasksProcessed.WithLabelValues(outcome).Inc()
}

// recordQueueDepth updates the queue depth gauges
func recordQueueDepth(pending, processing, deadLetter int64) {
	queueDepth.WithLabelValues("pending").Set(float64(pending))
	queueDepth.WithLabelValues("processing").Set(float64(processing))
	queueDepth.WithLabelValues("dead_letter").Set(float64(deadLetter))
}

// recordWorkflowMetric exports one aggregator metric value
func recordWorkflowMetric(workflowID, name string, value float64) {
	workflowMetric.WithLabelValues(workflowID, name).Set(value)
}
