package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/xraph/tenantflow"
	"github.com/xraph/tenantflow/actor"
	"github.com/xraph/tenantflow/id"
	"github.com/xraph/tenantflow/step"
)

// RegisterActor stores a new actor of the caller's organization. A nil ID is
// filled in.
func (eng *Engine) RegisterActor(ctx context.Context, a *actor.Actor) error {
	if a.ID.IsNil() {
		a.ID = id.NewActorID()
	}
	if a.CreatedAt.IsZero() {
		a.Entity = tenantflow.NewEntity()
	}
	if a.Seniority == 0 {
		a.Seniority = 1
	}
	return eng.store.CreateActor(ctx, a)
}

// ListReadyStepsForActor returns the work an actor can act on, highest
// priority first: steps assigned to it that it has not finished, followed
// by unassigned ready manual steps it is eligible to claim.
func (eng *Engine) ListReadyStepsForActor(ctx context.Context, actorID id.ActorID) ([]*step.Execution, error) {
	a, err := eng.store.GetActor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	mine, err := eng.store.FindSteps(ctx, step.Filter{
		OrgID:      a.OrgID,
		AssigneeID: a.ID.String(),
		Statuses:   []step.Status{step.StatusAssigned, step.StatusRunning},
	})
	if err != nil {
		return nil, err
	}
	if a.Automated || !a.Active {
		return mine, nil
	}

	ready, err := eng.store.FindSteps(ctx, step.Filter{
		OrgID:    a.OrgID,
		Statuses: []step.Status{step.StatusReady},
	})
	if err != nil {
		return nil, err
	}
	claimable := make([]*step.Execution, 0, len(ready))
	for _, e := range ready {
		if !e.Automated && hasAnySkill(a, e.RequiredSkillTags) {
			claimable = append(claimable, e)
		}
	}
	sort.SliceStable(claimable, func(i, k int) bool {
		return claimable[i].Priority > claimable[k].Priority
	})
	return append(mine, claimable...), nil
}

func hasAnySkill(a *actor.Actor, tags []string) bool {
	if len(tags) == 0 {
		return true
	}
	for _, t := range tags {
		if a.HasSkill(t) {
			return true
		}
	}
	return false
}

// ClaimStep assigns a ready manual step to a human actor who picked it
// from their list.
func (eng *Engine) ClaimStep(ctx context.Context, stepExecID id.StepID, actorID id.ActorID) (*step.Execution, error) {
	return eng.scheduler.Claim(ctx, stepExecID, actorID)
}

// StartStep records that the assignee began working on a step. The
// checkpoint is written in the same transaction.
func (eng *Engine) StartStep(ctx context.Context, stepExecID id.StepID, actorID id.ActorID) (*step.Execution, error) {
	return eng.recovery.Start(ctx, stepExecID, actorID.String())
}

// CompleteStep records the assignee's output for a running step. Once a
// step is completed its result never changes.
func (eng *Engine) CompleteStep(ctx context.Context, stepExecID id.StepID, actorID id.ActorID, output json.RawMessage) (*step.Execution, error) {
	e, err := eng.assigned(ctx, stepExecID, actorID)
	if err != nil {
		return nil, err
	}
	if len(output) > 0 && !json.Valid(output) {
		return nil, fmt.Errorf("%w: step output is not valid JSON", tenantflow.ErrValidation)
	}
	return eng.recovery.Complete(ctx, stepExecID, e.Attempt, output)
}

// FailStep records a failure reported by the assignee. Retryable failures
// return the step to ready until its retries run out.
func (eng *Engine) FailStep(ctx context.Context, stepExecID id.StepID, actorID id.ActorID, detail string, retryable bool) (*step.Execution, error) {
	e, err := eng.assigned(ctx, stepExecID, actorID)
	if err != nil {
		return nil, err
	}
	return eng.recovery.Fail(ctx, stepExecID, e.Attempt, detail, retryable)
}

// ListCheckpoints returns the start checkpoints of a step, oldest first.
func (eng *Engine) ListCheckpoints(ctx context.Context, stepExecID id.StepID) ([]*step.Checkpoint, error) {
	if _, err := eng.store.GetStep(ctx, stepExecID); err != nil {
		return nil, err
	}
	return eng.store.ListCheckpoints(ctx, stepExecID)
}

func (eng *Engine) assigned(ctx context.Context, stepExecID id.StepID, actorID id.ActorID) (*step.Execution, error) {
	e, err := eng.store.GetStep(ctx, stepExecID)
	if err != nil {
		return nil, err
	}
	if e.AssigneeID != actorID.String() {
		return nil, fmt.Errorf("%w: step %s", tenantflow.ErrNotAssignee, stepExecID)
	}
	return e, nil
}
