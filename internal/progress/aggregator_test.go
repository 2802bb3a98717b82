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

package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mergeflow/mergeflow/internal/model"
	"github.com/mergeflow/mergeflow/pkg/errors"
)

func snapshot() Snapshot {
	now := time.Now()
	started := now.Add(-2 * time.Minute)
	doneAt := started.Add(90 * time.Second)

	return Snapshot{
		WorkflowID: "wf-1",
		Milestones: []*model.Milestone{
			{ID: "m1", Name: "m1", WorkflowID: "wf-1", Weight: 50, ExpectedCompletion: time.Minute},
			{ID: "m2", Name: "m2", WorkflowID: "wf-1", Weight: 30, ExpectedCompletion: 2 * time.Minute, Dependencies: []string{"m1"}},
			{ID: "m3", Name: "m3", WorkflowID: "wf-1", Weight: 20, ExpectedCompletion: time.Minute, Dependencies: []string{"m1"}},
		},
		States: map[string]*model.MilestoneState{
			"m1": {MilestoneID: "m1", Status: model.MilestoneCompleted, PercentComplete: 100, StartedAt: &started, CompletedAt: &doneAt},
			"m2": {MilestoneID: "m2", Status: model.MilestoneInProgress, PercentComplete: 50},
			"m3": {MilestoneID: "m3", Status: model.MilestoneBlocked},
		},
		Blockers: []*model.Blocker{
			{ID: "b1", WorkflowID: "wf-1", AffectedMilestoneIDs: []string{"m3"}, Severity: model.SeverityMedium},
		},
		Now: now,
	}
}

func TestBuiltinMetrics(t *testing.T) {
	a := NewAggregator()
	metrics := a.Calculate(snapshot())

	// 50*1 + 30*0.5 + 20*0 over 100 weight.
	assert.InDelta(t, 65, metrics[MetricOverallProgress], 1e-9)
	assert.Equal(t, float64(1), metrics[MetricCompletedMilestones])
	assert.Equal(t, float64(1), metrics[MetricBlockedMilestones])
	assert.InDelta(t, 90_000, metrics[MetricAverageCompletionTime], 1e-9)

	// Critical path is [m1, m2]: 50 of 80 on-path weight done.
	assert.InDelta(t, (50.0+15.0)/80.0*100, metrics[MetricCriticalPathProgress], 1e-9)
}

func TestPredictions(t *testing.T) {
	a := NewAggregator()
	predictions := a.Predict(snapshot())

	eta := predictions[PredictionETA]
	// m2 has half of 120s left, m3 a full 60s.
	assert.InDelta(t, 120_000, eta.Value, 1e-9)
	assert.InDelta(t, 1.0/3.0, eta.Confidence, 1e-9)

	risk := predictions[PredictionRiskScore]
	// One of three blocked, one active blocker for three milestones.
	assert.InDelta(t, 70.0/3.0+30.0/3.0, risk.Value, 1e-9)
	assert.Equal(t, float64(1), risk.Confidence)
}

func TestEmptySnapshot(t *testing.T) {
	a := NewAggregator()
	s := Snapshot{Now: time.Now()}

	metrics := a.Calculate(s)
	for name, value := range metrics {
		assert.Zerof(t, value, "metric %s", name)
	}

	predictions := a.Predict(s)
	assert.Zero(t, predictions[PredictionETA].Value)
	assert.Zero(t, predictions[PredictionRiskScore].Value)
}

func TestCustomRegistration(t *testing.T) {
	a := NewAggregator()

	require.NoError(t, a.RegisterCalculator("custom_metric", func(s Snapshot) float64 {
		return float64(len(s.Milestones))
	}))
	err := a.RegisterCalculator("custom_metric", func(s Snapshot) float64 { return 0 })
	assert.True(t, errors.IsConflict(err))

	err = a.RegisterPredictor(PredictionETA, func(s Snapshot) Prediction { return Prediction{} })
	assert.True(t, errors.IsConflict(err))

	metrics := a.Calculate(snapshot())
	assert.Equal(t, float64(3), metrics["custom_metric"])
	assert.Contains(t, a.MetricNames(), "custom_metric")
}
