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
	"context"
	"log/slog"
	"time"

	"github.com/mergeflow/mergeflow/internal/bus"
	"github.com/mergeflow/mergeflow/internal/log"
	"github.com/mergeflow/mergeflow/internal/model"
	"github.com/mergeflow/mergeflow/internal/store"
	"github.com/mergeflow/mergeflow/pkg/errors"
)

// Tracker maintains the milestone graph and state for workflows. The
// graph is append-only: milestones are registered, never deleted.
type Tracker struct {
	milestones store.MilestoneRepo
	bus        *bus.Bus
	logger     *slog.Logger
}

// NewTracker creates a milestone tracker.
func NewTracker(milestones store.MilestoneRepo, eventBus *bus.Bus, logger *slog.Logger) *Tracker {
	return &Tracker{
		milestones: milestones,
		bus:        eventBus,
		logger:     log.WithComponent(logger, "dag"),
	}
}

// Register validates and persists a milestone with an initial
// not_started state, then emits milestone_registered.
func (t *Tracker) Register(ctx context.Context, milestone *model.Milestone) error {
	if milestone.ID == "" {
		return &errors.ValidationError{Field: "id", Message: "milestone id is required"}
	}
	if milestone.WorkflowID == "" {
		return &errors.ValidationError{Field: "workflow_id", Message: "workflow id is required"}
	}
	if milestone.Weight < 0 || milestone.Weight > 100 {
		return &errors.ValidationError{Field: "weight", Message: "weight must be in [0,100]"}
	}
	for _, dep := range milestone.Dependencies {
		if dep == milestone.ID {
			return &errors.ValidationError{Field: "dependencies", Message: "milestone cannot depend on itself"}
		}
		if err := t.requireRegistered(ctx, milestone, dep); err != nil {
			return err
		}
	}
	if milestone.ParentID != "" {
		if err := t.requireRegistered(ctx, milestone, milestone.ParentID); err != nil {
			return err
		}
	}

	if err := t.milestones.RegisterMilestone(ctx, milestone); err != nil {
		return err
	}

	t.logger.Info("milestone registered",
		log.MilestoneIDKey, milestone.ID,
		log.WorkflowKey, milestone.WorkflowID,
		"weight", milestone.Weight)
	t.bus.Publish(ctx, bus.Event{
		Topic:    bus.TopicMilestoneRegistered,
		EntityID: milestone.ID,
		Payload: map[string]any{
			"milestone":   milestone,
			"workflow_id": milestone.WorkflowID,
		},
	})
	return nil
}

// UpdateState transitions a milestone and stamps its timestamps:
// started_at on the first move to in_progress, completed_at when it
// completes. Completion forces percent complete to 100. Emits
// milestone_updated with the before and after status.
func (t *Tracker) UpdateState(ctx context.Context, milestoneID string, status model.MilestoneStatus, percentComplete float64) (*model.MilestoneState, error) {
	if percentComplete < 0 || percentComplete > 100 {
		return nil, &errors.ValidationError{Field: "percent_complete", Message: "percent complete must be in [0,100]"}
	}

	state, err := t.milestones.GetMilestoneState(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	before := state.Status
	now := time.Now()

	state.Status = status
	state.PercentComplete = percentComplete
	switch status {
	case model.MilestoneInProgress:
		if state.StartedAt == nil {
			state.StartedAt = &now
		}
	case model.MilestoneCompleted:
		if state.StartedAt == nil {
			state.StartedAt = &now
		}
		if state.CompletedAt == nil {
			state.CompletedAt = &now
		}
		state.PercentComplete = 100
	}
	if status != model.MilestoneBlocked {
		state.BlockerReason = ""
		state.BlockedBy = ""
	}

	if err := t.milestones.SetMilestoneState(ctx, state); err != nil {
		return nil, err
	}

	t.publishUpdated(ctx, milestoneID, before, state)
	return state, nil
}

// Block transitions a milestone to blocked with the given reason and
// blocked_by hint.
func (t *Tracker) Block(ctx context.Context, milestoneID, reason, blockedBy string) (*model.MilestoneState, error) {
	state, err := t.milestones.GetMilestoneState(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	before := state.Status

	state.Status = model.MilestoneBlocked
	state.BlockerReason = reason
	state.BlockedBy = blockedBy
	if err := t.milestones.SetMilestoneState(ctx, state); err != nil {
		return nil, err
	}

	t.publishUpdated(ctx, milestoneID, before, state)
	return state, nil
}

// Unblock moves a blocked milestone back to in_progress when it had
// started, not_started otherwise, clearing the blocker fields.
func (t *Tracker) Unblock(ctx context.Context, milestoneID string) (*model.MilestoneState, error) {
	state, err := t.milestones.GetMilestoneState(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	if state.Status != model.MilestoneBlocked {
		return state, nil
	}
	before := state.Status

	if state.StartedAt != nil {
		state.Status = model.MilestoneInProgress
	} else {
		state.Status = model.MilestoneNotStarted
	}
	state.BlockerReason = ""
	state.BlockedBy = ""
	if err := t.milestones.SetMilestoneState(ctx, state); err != nil {
		return nil, err
	}

	t.publishUpdated(ctx, milestoneID, before, state)
	return state, nil
}

// Milestones returns a workflow's milestones in registration order.
func (t *Tracker) Milestones(ctx context.Context, workflowID string) ([]*model.Milestone, error) {
	return t.milestones.ListMilestonesByWorkflow(ctx, workflowID)
}

// States returns a workflow's milestone states keyed by milestone id.
func (t *Tracker) States(ctx context.Context, workflowID string) (map[string]*model.MilestoneState, error) {
	return t.milestones.StatesByWorkflow(ctx, workflowID)
}

// CriticalPath computes the workflow's critical path and its total
// weight in milliseconds.
func (t *Tracker) CriticalPath(ctx context.Context, workflowID string) ([]string, float64, error) {
	milestones, err := t.milestones.ListMilestonesByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, 0, err
	}
	path, total := CriticalPath(milestones)
	return path, total, nil
}

// Progress computes the workflow's weighted progress in [0,100].
func (t *Tracker) Progress(ctx context.Context, workflowID string) (float64, error) {
	milestones, states, err := t.snapshot(ctx, workflowID)
	if err != nil {
		return 0, err
	}
	return Progress(milestones, states), nil
}

// CriticalPathProgress computes weighted progress restricted to the
// critical path.
func (t *Tracker) CriticalPathProgress(ctx context.Context, workflowID string) (float64, error) {
	milestones, states, err := t.snapshot(ctx, workflowID)
	if err != nil {
		return 0, err
	}
	return CriticalPathProgress(milestones, states), nil
}

func (t *Tracker) snapshot(ctx context.Context, workflowID string) ([]*model.Milestone, map[string]*model.MilestoneState, error) {
	milestones, err := t.milestones.ListMilestonesByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, nil, err
	}
	states, err := t.milestones.StatesByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, nil, err
	}
	return milestones, states, nil
}

func (t *Tracker) requireRegistered(ctx context.Context, milestone *model.Milestone, id string) error {
	_, err := t.milestones.GetMilestone(ctx, id)
	if errors.IsNotFound(err) {
		return &errors.DependencyError{
			Resource:   "milestone",
			ID:         milestone.ID,
			Dependency: id,
		}
	}
	return err
}

func (t *Tracker) publishUpdated(ctx context.Context, milestoneID string, before model.MilestoneStatus, state *model.MilestoneState) {
	t.logger.Debug("milestone updated",
		log.MilestoneIDKey, milestoneID,
		"from", string(before), "to", string(state.Status))
	t.bus.Publish(ctx, bus.Event{
		Topic:    bus.TopicMilestoneUpdated,
		EntityID: milestoneID,
		Payload: map[string]any{
			"before": string(before),
			"after":  string(state.Status),
			"state":  state,
		},
	})
}
