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

// Package progress computes metrics and predictions over a workflow
// snapshot. Calculators and predictors are registered by name at init
// and are pure: they read the snapshot they are handed and mutate
// nothing.
package progress

import (
	"sort"
	"time"

	"github.com/mergeflow/mergeflow/internal/dag"
	"github.com/mergeflow/mergeflow/internal/model"
	"github.com/mergeflow/mergeflow/pkg/errors"
)

// Built-in metric and prediction names.
const (
	MetricOverallProgress       = "overall_progress"
	MetricCompletedMilestones   = "completed_milestones"
	MetricBlockedMilestones     = "blocked_milestones"
	MetricAverageCompletionTime = "average_completion_time"
	MetricCriticalPathProgress  = "critical_path_progress"

	PredictionETA       = "eta"
	PredictionRiskScore = "risk_score"
)

// Snapshot is a point-in-time view of one workflow. Now is the
// snapshot's clock so computations stay deterministic.
type Snapshot struct {
	WorkflowID string
	Milestones []*model.Milestone
	States     map[string]*model.MilestoneState
	Blockers   []*model.Blocker
	Now        time.Time
}

// Calculator computes one named metric from a snapshot.
type Calculator func(s Snapshot) float64

// Prediction is the output of a predictor. Value carries the predicted
// quantity (milliseconds for eta, a [0,100] score for risk).
type Prediction struct {
	Name       string  `json:"name"`
	Value      float64 `json:"value"`
	Confidence float64 `json:"confidence"`
}

// Predictor generates one named prediction from a snapshot.
type Predictor func(s Snapshot) Prediction

// Aggregator holds the metric and prediction registries. Registration
// happens at construction time; afterwards the registries are read-only
// and the aggregator is safe for concurrent use.
type Aggregator struct {
	calculators map[string]Calculator
	predictors  map[string]Predictor
}

// NewAggregator creates an aggregator with the built-in metrics and
// predictions registered.
func NewAggregator() *Aggregator {
	a := &Aggregator{
		calculators: make(map[string]Calculator),
		predictors:  make(map[string]Predictor),
	}

	a.calculators[MetricOverallProgress] = overallProgress
	a.calculators[MetricCompletedMilestones] = countByStatus(model.MilestoneCompleted)
	a.calculators[MetricBlockedMilestones] = countByStatus(model.MilestoneBlocked)
	a.calculators[MetricAverageCompletionTime] = averageCompletionTime
	a.calculators[MetricCriticalPathProgress] = criticalPathProgress

	a.predictors[PredictionETA] = predictETA
	a.predictors[PredictionRiskScore] = predictRisk
	return a
}

// RegisterCalculator adds a named metric calculator. Duplicate names
// are a conflict.
func (a *Aggregator) RegisterCalculator(name string, c Calculator) error {
	if _, ok := a.calculators[name]; ok {
		return &errors.ConflictError{Resource: "metric calculator", ID: name}
	}
	a.calculators[name] = c
	return nil
}

// RegisterPredictor adds a named prediction generator. Duplicate names
// are a conflict.
func (a *Aggregator) RegisterPredictor(name string, p Predictor) error {
	if _, ok := a.predictors[name]; ok {
		return &errors.ConflictError{Resource: "predictor", ID: name}
	}
	a.predictors[name] = p
	return nil
}

// MetricNames returns the registered metric names, sorted.
func (a *Aggregator) MetricNames() []string {
	names := make([]string, 0, len(a.calculators))
	for name := range a.calculators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Calculate runs every registered calculator over the snapshot.
func (a *Aggregator) Calculate(s Snapshot) map[string]float64 {
	metrics := make(map[string]float64, len(a.calculators))
	for name, calc := range a.calculators {
		metrics[name] = calc(s)
	}
	return metrics
}

// Predict runs every registered predictor over the snapshot.
func (a *Aggregator) Predict(s Snapshot) map[string]Prediction {
	predictions := make(map[string]Prediction, len(a.predictors))
	for name, predict := range a.predictors {
		predictions[name] = predict(s)
	}
	return predictions
}

func overallProgress(s Snapshot) float64 {
	return dag.Progress(s.Milestones, s.States)
}

func criticalPathProgress(s Snapshot) float64 {
	return dag.CriticalPathProgress(s.Milestones, s.States)
}

func countByStatus(status model.MilestoneStatus) Calculator {
	return func(s Snapshot) float64 {
		n := 0
		for _, m := range s.Milestones {
			if state, ok := s.States[m.ID]; ok && state.Status == status {
				n++
			}
		}
		return float64(n)
	}
}

// averageCompletionTime is the mean wall-clock duration of completed
// milestones in milliseconds. Zero when nothing has completed yet.
func averageCompletionTime(s Snapshot) float64 {
	var total time.Duration
	n := 0
	for _, m := range s.Milestones {
		state, ok := s.States[m.ID]
		if !ok || state.StartedAt == nil || state.CompletedAt == nil {
			continue
		}
		total += state.CompletedAt.Sub(*state.StartedAt)
		n++
	}
	if n == 0 {
		return 0
	}
	return float64(total.Milliseconds()) / float64(n)
}

// predictETA estimates remaining time as the expected completion time
// still outstanding, discounted by the in-progress milestones' percent
// complete. Confidence grows with the fraction of milestones finished.
func predictETA(s Snapshot) Prediction {
	var remaining float64
	completed := 0
	for _, m := range s.Milestones {
		expected := float64(m.ExpectedCompletion.Milliseconds())
		state, ok := s.States[m.ID]
		if !ok {
			remaining += expected
			continue
		}
		switch state.Status {
		case model.MilestoneCompleted, model.MilestoneSkipped:
			completed++
		case model.MilestoneInProgress:
			remaining += expected * (1 - state.PercentComplete/100)
		default:
			remaining += expected
		}
	}

	confidence := 0.0
	if len(s.Milestones) > 0 {
		confidence = float64(completed) / float64(len(s.Milestones))
	}
	return Prediction{Name: PredictionETA, Value: remaining, Confidence: confidence}
}

// predictRisk scores delivery risk in [0,100] from the blocked share of
// milestones and the number of active blockers.
func predictRisk(s Snapshot) Prediction {
	if len(s.Milestones) == 0 {
		return Prediction{Name: PredictionRiskScore, Confidence: 1}
	}

	blocked := countByStatus(model.MilestoneBlocked)(s)
	blockedShare := blocked / float64(len(s.Milestones))

	active := 0
	for _, b := range s.Blockers {
		if b.Active() {
			active++
		}
	}
	blockerShare := float64(active) / float64(len(s.Milestones))
	if blockerShare > 1 {
		blockerShare = 1
	}

	score := blockedShare*70 + blockerShare*30
	return Prediction{Name: PredictionRiskScore, Value: score, Confidence: 1}
}
