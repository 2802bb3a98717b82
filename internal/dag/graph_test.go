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

package dag

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mergeflow/mergeflow/internal/model"
	"github.com/mergeflow/mergeflow/pkg/errors"
)

func milestone(id string, weight float64, expected time.Duration, deps ...string) *model.Milestone {
	return &model.Milestone{
		ID:                 id,
		Name:               id,
		WorkflowID:         "wf-1",
		Weight:             weight,
		ExpectedCompletion: expected,
		Dependencies:       deps,
	}
}

func TestTopoSortOrdersDependenciesFirst(t *testing.T) {
	milestones := []*model.Milestone{
		milestone("m3", 10, 0, "m1", "m2"),
		milestone("m1", 10, 0),
		milestone("m2", 10, 0, "m1"),
	}

	order, err := TopoSort(milestones)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2", "m3"}, order)
}

func TestTopoSortRejectsCycle(t *testing.T) {
	milestones := []*model.Milestone{
		milestone("m1", 10, 0, "m2"),
		milestone("m2", 10, 0, "m1"),
	}

	_, err := TopoSort(milestones)
	assert.True(t, errors.IsValidation(err))
}

func TestCriticalPathDiamond(t *testing.T) {
	// M2's branch (100+200+50) outweighs M3's (100+150+50).
	milestones := []*model.Milestone{
		milestone("M1", 10, 100*time.Millisecond),
		milestone("M2", 20, 200*time.Millisecond, "M1"),
		milestone("M3", 30, 150*time.Millisecond, "M1"),
		milestone("M4", 40, 50*time.Millisecond, "M2", "M3"),
	}

	path, total := CriticalPath(milestones)
	assert.Equal(t, []string{"M1", "M2", "M4"}, path)
	assert.Equal(t, float64(350), total)
}

func TestCriticalPathSingleNode(t *testing.T) {
	path, total := CriticalPath([]*model.Milestone{milestone("m1", 10, 70*time.Millisecond)})
	assert.Equal(t, []string{"m1"}, path)
	assert.Equal(t, float64(70), total)
}

func TestCriticalPathTieBreaksLexicographically(t *testing.T) {
	milestones := []*model.Milestone{
		milestone("root", 10, 100*time.Millisecond),
		milestone("b", 10, 100*time.Millisecond, "root"),
		milestone("a", 10, 100*time.Millisecond, "root"),
		milestone("leaf", 10, 100*time.Millisecond, "a", "b"),
	}

	path, total := CriticalPath(milestones)
	assert.Equal(t, []string{"root", "a", "leaf"}, path)
	assert.Equal(t, float64(300), total)
}

func TestCriticalPathEmptyAndCyclic(t *testing.T) {
	path, total := CriticalPath(nil)
	assert.Empty(t, path)
	assert.Zero(t, total)

	path, total = CriticalPath([]*model.Milestone{
		milestone("m1", 10, 0, "m2"),
		milestone("m2", 10, 0, "m1"),
	})
	assert.Empty(t, path)
	assert.Zero(t, total)
}

func TestProgressWeighted(t *testing.T) {
	milestones := []*model.Milestone{
		milestone("m1", 50, 0),
		milestone("m2", 30, 0),
		milestone("m3", 20, 0),
	}
	states := map[string]*model.MilestoneState{
		"m1": {MilestoneID: "m1", Status: model.MilestoneCompleted, PercentComplete: 100},
		"m2": {MilestoneID: "m2", Status: model.MilestoneInProgress, PercentComplete: 50},
		"m3": {MilestoneID: "m3", Status: model.MilestoneNotStarted},
	}

	// 50*1 + 30*0.5 + 20*0 over 100.
	assert.InDelta(t, 65, Progress(milestones, states), 1e-9)
}

func TestProgressZeroWeightAndFull(t *testing.T) {
	assert.Zero(t, Progress(nil, nil))
	assert.Zero(t, Progress([]*model.Milestone{milestone("m1", 0, 0)}, nil))

	milestones := []*model.Milestone{milestone("m1", 40, 0), milestone("m2", 60, 0)}
	states := map[string]*model.MilestoneState{
		"m1": {MilestoneID: "m1", Status: model.MilestoneCompleted},
		"m2": {MilestoneID: "m2", Status: model.MilestoneInProgress, PercentComplete: 100},
	}
	assert.InDelta(t, 100, Progress(milestones, states), 1e-9)
}

func TestCriticalPathProgressRestrictsToPath(t *testing.T) {
	milestones := []*model.Milestone{
		milestone("M1", 10, 100*time.Millisecond),
		milestone("M2", 20, 200*time.Millisecond, "M1"),
		milestone("M3", 30, 150*time.Millisecond, "M1"),
		milestone("M4", 40, 50*time.Millisecond, "M2", "M3"),
	}
	states := map[string]*model.MilestoneState{
		"M1": {MilestoneID: "M1", Status: model.MilestoneCompleted},
		"M2": {MilestoneID: "M2", Status: model.MilestoneCompleted},
		"M3": {MilestoneID: "M3", Status: model.MilestoneNotStarted},
		"M4": {MilestoneID: "M4", Status: model.MilestoneNotStarted},
	}

	// Path is [M1, M2, M4]: (10 + 20) of 70 on-path weight.
	assert.InDelta(t, 3000.0/70.0, CriticalPathProgress(milestones, states), 1e-9)
}
