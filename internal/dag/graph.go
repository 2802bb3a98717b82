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

// Package dag holds the milestone graph for a workflow and answers the
// structural questions the rest of the system asks: topological order,
// critical path and weighted progress.
package dag

import (
	"math"
	"sort"

	"github.com/mergeflow/mergeflow/internal/model"
	"github.com/mergeflow/mergeflow/pkg/errors"
)

// TopoSort returns the milestone ids in dependency order, dependencies
// before dependents. A cycle yields a ValidationError.
func TopoSort(milestones []*model.Milestone) ([]string, error) {
	byID := make(map[string]*model.Milestone, len(milestones))
	ids := make([]string, 0, len(milestones))
	for _, m := range milestones {
		byID[m.ID] = m
		ids = append(ids, m.ID)
	}
	sort.Strings(ids)

	const (
		unvisited = iota
		temporary
		permanent
	)
	marks := make(map[string]int, len(milestones))
	order := make([]string, 0, len(milestones))

	var visit func(id string) error
	visit = func(id string) error {
		switch marks[id] {
		case permanent:
			return nil
		case temporary:
			return &errors.ValidationError{
				Field:   "dependencies",
				Message: "milestone graph contains a cycle at " + id,
			}
		}
		marks[id] = temporary

		m := byID[id]
		deps := append([]string(nil), m.Dependencies...)
		sort.Strings(deps)
		for _, dep := range deps {
			if _, ok := byID[dep]; !ok {
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}

		marks[id] = permanent
		order = append(order, id)
		return nil
	}

	for _, id := range ids {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// CriticalPath returns the heaviest root-to-leaf path through the
// milestone DAG using expected completion time as the node weight, and
// the path's total weight in milliseconds. Ties break toward the
// lexicographically smaller milestone id. A cyclic or empty graph
// yields an empty path.
func CriticalPath(milestones []*model.Milestone) ([]string, float64) {
	if len(milestones) == 0 {
		return nil, 0
	}
	order, err := TopoSort(milestones)
	if err != nil {
		return nil, 0
	}

	byID := make(map[string]*model.Milestone, len(milestones))
	dependents := make(map[string][]string, len(milestones))
	for _, m := range milestones {
		byID[m.ID] = m
	}
	for _, m := range milestones {
		for _, dep := range m.Dependencies {
			if _, ok := byID[dep]; ok {
				dependents[dep] = append(dependents[dep], m.ID)
			}
		}
	}

	weight := func(id string) float64 {
		return float64(byID[id].ExpectedCompletion.Milliseconds())
	}

	dist := make(map[string]float64, len(milestones))
	pred := make(map[string]string, len(milestones))
	for _, m := range milestones {
		if len(m.Dependencies) == 0 {
			dist[m.ID] = weight(m.ID)
		} else {
			dist[m.ID] = math.Inf(-1)
		}
	}

	// Relax edges in topological order; a better distance (or an equal
	// one through a smaller predecessor) rewires the path.
	for _, u := range order {
		if math.IsInf(dist[u], -1) {
			continue
		}
		for _, v := range dependents[u] {
			candidate := dist[u] + weight(v)
			switch {
			case candidate > dist[v]:
				dist[v] = candidate
				pred[v] = u
			case candidate == dist[v] && (pred[v] == "" || u < pred[v]):
				pred[v] = u
			}
		}
	}

	best := ""
	for _, m := range milestones {
		if len(dependents[m.ID]) > 0 || math.IsInf(dist[m.ID], -1) {
			continue
		}
		if best == "" || dist[m.ID] > dist[best] || (dist[m.ID] == dist[best] && m.ID < best) {
			best = m.ID
		}
	}
	if best == "" {
		return nil, 0
	}

	var path []string
	for id := best; id != ""; id = pred[id] {
		path = append(path, id)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, dist[best]
}

// Progress returns weighted workflow progress in [0,100]. Completed
// milestones count fully, in_progress ones by their percent complete,
// everything else zero. Zero total weight yields zero progress.
func Progress(milestones []*model.Milestone, states map[string]*model.MilestoneState) float64 {
	return weightedProgress(milestones, states, nil)
}

// CriticalPathProgress returns the same weighted progress restricted to
// milestones on the critical path.
func CriticalPathProgress(milestones []*model.Milestone, states map[string]*model.MilestoneState) float64 {
	path, _ := CriticalPath(milestones)
	if len(path) == 0 {
		return 0
	}
	onPath := make(map[string]bool, len(path))
	for _, id := range path {
		onPath[id] = true
	}
	return weightedProgress(milestones, states, onPath)
}

func weightedProgress(milestones []*model.Milestone, states map[string]*model.MilestoneState, include map[string]bool) float64 {
	var total, done float64
	for _, m := range milestones {
		if include != nil && !include[m.ID] {
			continue
		}
		total += m.Weight
		state, ok := states[m.ID]
		if !ok {
			continue
		}
		switch state.Status {
		case model.MilestoneCompleted:
			done += m.Weight
		case model.MilestoneInProgress:
			done += m.Weight * state.PercentComplete / 100
		}
	}
	if total == 0 {
		return 0
	}
	return done / total * 100
}
