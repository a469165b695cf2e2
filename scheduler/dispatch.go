package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/xraph/tenantflow"
	"github.com/xraph/tenantflow/actor"
	"github.com/xraph/tenantflow/id"
	"github.com/xraph/tenantflow/instance"
	"github.com/xraph/tenantflow/lock"
	"github.com/xraph/tenantflow/router"
	"github.com/xraph/tenantflow/step"
)

var activeStatuses = []step.Status{step.StatusAssigned, step.StatusRunning}

// promote moves pending steps to ready once every dependency is completed
// or skipped. Only stepIDs are considered; nil means every step.
func (s *Scheduler) promote(ctx context.Context, inst *instance.Instance, stepIDs []string) error {
	if inst.Status.Terminal() {
		return nil
	}
	steps, err := s.store.ListSteps(ctx, inst.ID)
	if err != nil {
		return err
	}
	byStep := make(map[string]*step.Execution, len(steps))
	for _, e := range steps {
		byStep[e.StepID] = e
	}

	candidates := steps
	if stepIDs != nil {
		candidates = make([]*step.Execution, 0, len(stepIDs))
		for _, sid := range stepIDs {
			if e, ok := byStep[sid]; ok {
				candidates = append(candidates, e)
			}
		}
	}

	for _, e := range candidates {
		if e.Status != step.StatusPending || !satisfied(e, byStep) {
			continue
		}
		now := s.clock.Now()
		promoted, err := step.Mutate(ctx, s.store, e.ID, func(e *step.Execution) error {
			if e.Status != step.StatusPending {
				return step.ErrSkip
			}
			if err := e.Transition(step.StatusReady); err != nil {
				return err
			}
			e.ReadyAt = &now
			return nil
		})
		if errors.Is(err, step.ErrSkip) {
			continue
		}
		if err != nil {
			return fmt.Errorf("scheduler: promote %s: %w", e.StepID, err)
		}
		s.logger.Debug("step ready",
			slog.String("step_exec_id", promoted.ID.String()),
			slog.String("step_id", promoted.StepID),
			slog.String("instance_id", promoted.InstanceID.String()),
		)
		s.extensions.EmitStepReady(ctx, promoted)
	}
	return nil
}

func satisfied(e *step.Execution, byStep map[string]*step.Execution) bool {
	for _, dep := range e.DependsOn {
		d, ok := byStep[dep]
		if !ok || !d.Status.Satisfied() {
			return false
		}
	}
	return true
}

// DispatchInstance assigns the ready steps of a running instance, highest
// priority first, up to the per-instance parallelism cap. A failed
// instance only has the ready steps left from before it failed.
func (s *Scheduler) DispatchInstance(ctx context.Context, instanceID id.InstanceID) error {
	inst, err := s.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	return s.dispatchInstance(ctx, inst)
}

func (s *Scheduler) dispatchInstance(ctx context.Context, inst *instance.Instance) error {
	if !inst.Status.Dispatchable() {
		return nil
	}
	steps, err := s.store.ListSteps(ctx, inst.ID)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	inFlight := 0
	var ready []*step.Execution
	for _, e := range steps {
		switch {
		case e.Status.Active():
			inFlight++
		case e.Status == step.StatusReady && (e.NotBefore == nil || !e.NotBefore.After(now)):
			ready = append(ready, e)
		}
	}
	sort.SliceStable(ready, func(i, k int) bool {
		if ready[i].Priority != ready[k].Priority {
			return ready[i].Priority > ready[k].Priority
		}
		return ready[i].Index < ready[k].Index
	})

	capacity := len(ready)
	if limit := s.cfg.MaxParallelStepsPerInstance; limit > 0 {
		capacity = limit - inFlight
	}
	for _, e := range ready {
		if capacity <= 0 {
			break
		}
		ok, err := s.dispatch(ctx, e)
		if err != nil {
			s.logger.Warn("dispatch failed",
				slog.String("step_exec_id", e.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if ok {
			capacity--
		}
	}
	return nil
}

// dispatch routes e and assigns it. It reports false without error when the
// step stays ready: no eligible actor, no worker slot, or another scheduler
// got there first.
func (s *Scheduler) dispatch(ctx context.Context, e *step.Execution) (bool, error) {
	automated := e.Automated
	actors, err := s.store.ListActors(ctx, actor.ListOpts{OrgID: e.OrgID, ActiveOnly: true, Automated: &automated})
	if err != nil {
		return false, err
	}
	// Automated actors are bounded by the worker pool and the org throttle,
	// not by the per-actor cap.
	activeTasks := make(map[string]int, len(actors))
	if !automated {
		for _, a := range actors {
			n, err := s.store.CountSteps(ctx, step.Filter{OrgID: e.OrgID, AssigneeID: a.ID.String(), Statuses: activeStatuses})
			if err != nil {
				return false, err
			}
			activeTasks[a.ID.String()] = n
		}
	}

	d := s.router.Select(ctx, router.Request{Step: e, Actors: actors, ActiveTasks: activeTasks})
	if d.Starved {
		return false, nil
	}

	if automated {
		if s.pool == nil || !s.pool.Reserve(e.OrgID) {
			return false, nil
		}
	}
	unreserve := func() {
		if automated {
			s.pool.Unreserve(e.OrgID)
		}
	}

	assigned, lease, err := s.assign(ctx, e.ID, d.Actor, func(cur *step.Execution) bool {
		return cur.NotBefore == nil || !cur.NotBefore.After(s.clock.Now())
	})
	if err != nil || assigned == nil {
		unreserve()
		return false, err
	}

	s.logger.Info("step assigned",
		slog.String("step_exec_id", assigned.ID.String()),
		slog.String("step_id", assigned.StepID),
		slog.String("instance_id", assigned.InstanceID.String()),
		slog.String("org_id", assigned.OrgID),
		slog.String("actor_id", assigned.AssigneeID),
		slog.Int("attempt", assigned.Attempt),
		slog.Float64("score", d.Score.Total),
	)
	s.extensions.EmitStepAssigned(ctx, assigned, d.Score.Total)

	if automated {
		s.pool.Run(assigned, lease)
		return true, nil
	}
	s.release(ctx, lease)
	return true, nil
}

// assign takes the step lock, moves the step ready→assigned to a and
// charges a's load. It returns a nil step without error when the lock is
// held or the step is no longer assignable. The caller owns the returned
// lease.
func (s *Scheduler) assign(ctx context.Context, stepExecID id.StepID, a *actor.Actor, gate func(*step.Execution) bool) (*step.Execution, lock.Lease, error) {
	lease, err := s.locker.Acquire(ctx, lock.StepKey(stepExecID.String()), s.cfg.LockTTL)
	if errors.Is(err, tenantflow.ErrLockHeld) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("scheduler: lock %s: %w", stepExecID, err)
	}

	now := s.clock.Now()
	assigned, err := step.Mutate(ctx, s.store, stepExecID, func(e *step.Execution) error {
		if e.Status != step.StatusReady || (gate != nil && !gate(e)) {
			return step.ErrSkip
		}
		if err := e.Transition(step.StatusAssigned); err != nil {
			return err
		}
		e.AssigneeID = a.ID.String()
		e.AssignedAt = &now
		e.NotBefore = nil
		return nil
	})
	if err != nil {
		s.release(ctx, lease)
		if errors.Is(err, step.ErrSkip) {
			return nil, nil, nil
		}
		return nil, nil, err
	}

	if assigned.EstimatedMinutes > 0 {
		if err := s.store.AdjustActorLoad(ctx, a.ID, assigned.EstimatedMinutes); err != nil {
			s.logger.Warn("charging actor load",
				slog.String("actor_id", a.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	return assigned, lease, nil
}

func (s *Scheduler) release(ctx context.Context, lease lock.Lease) {
	if err := lease.Release(ctx); err != nil && !errors.Is(err, tenantflow.ErrLockLost) {
		s.logger.Warn("lock release failed",
			slog.String("key", lease.Key()),
			slog.String("error", err.Error()),
		)
	}
}

// ──────────────────────────────────────────────────
// Manual path
// ──────────────────────────────────────────────────

// Claim lets a human actor take a ready step of a dispatchable instance. The
// actor must be active, in the step's organization and, when the step
// requires skills, carry at least one of them. An actor already holding
// MaxConcurrentTasksPerActor assigned or running steps cannot claim more.
func (s *Scheduler) Claim(ctx context.Context, stepExecID id.StepID, actorID id.ActorID) (*step.Execution, error) {
	e, err := s.store.GetStep(ctx, stepExecID)
	if err != nil {
		return nil, err
	}
	a, err := s.store.GetActor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if err := eligible(e, a); err != nil {
		return nil, err
	}
	inst, err := s.store.GetInstance(ctx, e.InstanceID)
	if err != nil {
		return nil, err
	}
	if !inst.Status.Dispatchable() {
		return nil, fmt.Errorf("%w: instance %s is %s", tenantflow.ErrInvalidState, inst.ID, inst.Status)
	}
	if e.Status != step.StatusReady {
		return nil, fmt.Errorf("%w: step %s is %s", tenantflow.ErrInvalidState, e.ID, e.Status)
	}

	actorLease, err := s.locker.Acquire(ctx, lock.ActorKey(a.ID.String()), s.cfg.LockTTL)
	if errors.Is(err, tenantflow.ErrLockHeld) {
		return nil, fmt.Errorf("%w: actor %s is claiming another step", tenantflow.ErrInvalidState, a.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("scheduler: lock actor %s: %w", a.ID, err)
	}
	defer s.release(ctx, actorLease)

	if limit := s.cfg.MaxConcurrentTasksPerActor; limit > 0 {
		n, err := s.store.CountSteps(ctx, step.Filter{OrgID: e.OrgID, AssigneeID: a.ID.String(), Statuses: activeStatuses})
		if err != nil {
			return nil, err
		}
		if n >= limit {
			return nil, fmt.Errorf("%w: actor %s already holds %d of %d steps", tenantflow.ErrActorNotEligible, a.ID, n, limit)
		}
	}

	assigned, lease, err := s.assign(ctx, stepExecID, a, nil)
	if err != nil {
		return nil, err
	}
	if assigned == nil {
		return nil, fmt.Errorf("%w: step %s was taken", tenantflow.ErrInvalidState, stepExecID)
	}
	s.release(ctx, lease)

	s.logger.Info("step claimed",
		slog.String("step_exec_id", assigned.ID.String()),
		slog.String("step_id", assigned.StepID),
		slog.String("actor_id", a.ID.String()),
	)
	s.extensions.EmitStepAssigned(ctx, assigned, 0)
	return assigned, nil
}

func eligible(e *step.Execution, a *actor.Actor) error {
	switch {
	case a.OrgID != e.OrgID:
		return fmt.Errorf("%w: actor %s belongs to another organization", tenantflow.ErrActorNotEligible, a.ID)
	case !a.Active:
		return fmt.Errorf("%w: actor %s is inactive", tenantflow.ErrActorNotEligible, a.ID)
	case a.Automated || e.Automated:
		return fmt.Errorf("%w: step %s is not a manual step for a human actor", tenantflow.ErrActorNotEligible, e.StepID)
	}
	if len(e.RequiredSkillTags) == 0 {
		return nil
	}
	for _, t := range e.RequiredSkillTags {
		if a.HasSkill(t) {
			return nil
		}
	}
	return fmt.Errorf("%w: actor %s has none of %v", tenantflow.ErrActorNotEligible, a.ID, e.RequiredSkillTags)
}
