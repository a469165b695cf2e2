// Package recovery owns every step transition after assignment: start,
// completion, failure, retry and reclaim, and the instance-level
// consequences of a terminal failure. It is the only place failure policy
// lives; the scheduler only observes the events published here.
//
// Every transition is an optimistic compare-and-swap on the step version,
// keyed on the attempt the caller believes it is running. A writer holding
// an outdated attempt receives tenantflow.ErrStaleResult and changes
// nothing, which makes every operation safe to repeat after a crash.
package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xraph/tenantflow"
	"github.com/xraph/tenantflow/backoff"
	"github.com/xraph/tenantflow/clock"
	"github.com/xraph/tenantflow/event"
	"github.com/xraph/tenantflow/ext"
	"github.com/xraph/tenantflow/id"
	"github.com/xraph/tenantflow/instance"
	"github.com/xraph/tenantflow/step"
	"github.com/xraph/tenantflow/store"
)

// Manager applies step and instance transitions.
type Manager struct {
	store      store.Store
	bus        event.Bus
	extensions *ext.Registry
	clock      clock.Clock
	backoff    backoff.Strategy
	staleness  time.Duration
	logger     *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithExtensions sets the registry notified of transitions.
func WithExtensions(r *ext.Registry) Option { return func(m *Manager) { m.extensions = r } }

// WithBackoff sets the retry delay strategy.
func WithBackoff(b backoff.Strategy) Option { return func(m *Manager) { m.backoff = b } }

// WithStalenessThreshold sets how long a running automated step may go
// without a checkpoint or heartbeat before Sweep reclaims it.
func WithStalenessThreshold(d time.Duration) Option { return func(m *Manager) { m.staleness = d } }

// New returns a Manager writing through s and publishing to bus. A nil bus
// disables event publication.
func New(s store.Store, bus event.Bus, opts ...Option) *Manager {
	m := &Manager{
		store:     s,
		bus:       bus,
		clock:     clock.Real{},
		backoff:   backoff.Default(),
		staleness: tenantflow.DefaultConfig().StalenessThreshold,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	if m.extensions == nil {
		m.extensions = ext.NewRegistry(m.logger)
	}
	return m
}

func stale(e *step.Execution, attempt int) error {
	return fmt.Errorf("%w: step %s is %s on attempt %d, caller holds attempt %d",
		tenantflow.ErrStaleResult, e.ID, e.Status, e.Attempt, attempt)
}

// ──────────────────────────────────────────────────
// Start
// ──────────────────────────────────────────────────

// Start moves an assigned step to running and records a checkpoint in the
// same write. actorID, when non-empty, must be the assignee.
func (m *Manager) Start(ctx context.Context, stepExecID id.StepID, actorID string) (*step.Execution, error) {
	cur, err := m.store.GetStep(ctx, stepExecID)
	if err != nil {
		return nil, err
	}
	inst, err := m.store.GetInstance(ctx, cur.InstanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status.Terminal() && !inst.Status.Dispatchable() {
		return nil, fmt.Errorf("%w: instance %s is %s", tenantflow.ErrInvalidState, inst.ID, inst.Status)
	}

	now := m.clock.Now()
	e, err := step.Begin(ctx, m.store, stepExecID, func(e *step.Execution) error {
		if e.Status != step.StatusAssigned {
			return stale(e, e.Attempt)
		}
		if actorID != "" && e.AssigneeID != actorID {
			return fmt.Errorf("%w: step %s is assigned to %s", tenantflow.ErrNotAssignee, e.ID, e.AssigneeID)
		}
		if err := e.Transition(step.StatusRunning); err != nil {
			return err
		}
		e.StartedAt = &now
		e.CheckpointAt = &now
		e.HeartbeatAt = nil
		return nil
	}, func(e *step.Execution) *step.Checkpoint {
		return &step.Checkpoint{
			ID:              id.NewCheckpointID(),
			StepExecutionID: e.ID,
			InstanceID:      e.InstanceID,
			OrgID:           e.OrgID,
			ActorID:         e.AssigneeID,
			Attempt:         e.Attempt,
			RecordedAt:      now,
		}
	})
	if err != nil {
		return nil, err
	}

	m.logger.Debug("step started",
		slog.String("step_exec_id", e.ID.String()),
		slog.String("step_id", e.StepID),
		slog.String("org_id", e.OrgID),
		slog.Int("attempt", e.Attempt),
	)
	m.extensions.EmitStepStarted(ctx, e)
	return e, nil
}

// ──────────────────────────────────────────────────
// Complete
// ──────────────────────────────────────────────────

// Complete records the result of a running attempt. A result for any other
// attempt, or for a step no longer running, is discarded with
// tenantflow.ErrStaleResult and never overwrites.
func (m *Manager) Complete(ctx context.Context, stepExecID id.StepID, attempt int, output json.RawMessage) (*step.Execution, error) {
	if len(output) == 0 {
		output = json.RawMessage("null")
	}
	now := m.clock.Now()

	var assignee string
	e, err := step.Mutate(ctx, m.store, stepExecID, func(e *step.Execution) error {
		if e.Status != step.StatusRunning || e.Attempt != attempt {
			return stale(e, attempt)
		}
		assignee = e.AssigneeID
		if err := e.Transition(step.StatusCompleted); err != nil {
			return err
		}
		e.Result = append(json.RawMessage(nil), output...)
		e.ErrorDetail = ""
		e.FinishedAt = &now
		return nil
	})
	if err != nil {
		if errors.Is(err, tenantflow.ErrStaleResult) {
			m.logger.Info("stale step result discarded",
				slog.String("step_exec_id", stepExecID.String()),
				slog.Int("attempt", attempt),
			)
		}
		return nil, err
	}

	m.releaseLoad(ctx, assignee, e.EstimatedMinutes)

	var elapsed time.Duration
	if e.StartedAt != nil {
		elapsed = now.Sub(*e.StartedAt)
	}
	m.logger.Info("step completed",
		slog.String("step_exec_id", e.ID.String()),
		slog.String("step_id", e.StepID),
		slog.String("instance_id", e.InstanceID.String()),
		slog.String("org_id", e.OrgID),
		slog.Int("attempt", e.Attempt),
		slog.Duration("elapsed", elapsed),
	)
	m.extensions.EmitStepCompleted(ctx, e, elapsed)
	m.publish(ctx, event.StepCompleted, e)

	if _, err := m.Finalize(ctx, e.InstanceID); err != nil {
		m.logger.Error("instance finalisation failed",
			slog.String("instance_id", e.InstanceID.String()),
			slog.String("error", err.Error()),
		)
	}
	return e, nil
}

// ──────────────────────────────────────────────────
// Fail / Reclaim / Unassign
// ──────────────────────────────────────────────────

// Fail records a failed attempt. A retryable failure with budget left
// returns the step to ready on the next attempt after a backoff delay; any
// other failure is terminal.
func (m *Manager) Fail(ctx context.Context, stepExecID id.StepID, attempt int, detail string, retryable bool) (*step.Execution, error) {
	return m.requeue(ctx, stepExecID, attempt, detail, retryable, true, "")
}

// Reclaim takes a step back from a worker that went stale or timed out.
// The attempt is consumed exactly once: the step returns to ready on
// attempt+1, or fails when the retry budget is spent.
func (m *Manager) Reclaim(ctx context.Context, stepExecID id.StepID, attempt int, reason string) (*step.Execution, error) {
	return m.requeue(ctx, stepExecID, attempt, "reclaimed: "+reason, true, false, reason)
}

func (m *Manager) requeue(ctx context.Context, stepExecID id.StepID, attempt int, detail string,
	retryable, withBackoff bool, reclaimReason string,
) (*step.Execution, error) {
	now := m.clock.Now()

	var (
		assignee string
		retried  bool
	)
	e, err := step.Mutate(ctx, m.store, stepExecID, func(e *step.Execution) error {
		if e.Status != step.StatusRunning || e.Attempt != attempt {
			return stale(e, attempt)
		}
		assignee = e.AssigneeID
		e.ErrorDetail = detail

		next := e.Attempt + 1
		retried = retryable && next <= e.MaxRetries
		if !retried {
			if err := e.Transition(step.StatusFailed); err != nil {
				return err
			}
			e.FinishedAt = &now
			return nil
		}

		if err := e.Transition(step.StatusReady); err != nil {
			return err
		}
		e.Attempt = next
		e.AssigneeID = ""
		e.ReadyAt = &now
		e.NotBefore = nil
		if withBackoff {
			nb := now.Add(m.backoff.Delay(attempt))
			e.NotBefore = &nb
		}
		e.AssignedAt = nil
		e.StartedAt = nil
		e.CheckpointAt = nil
		e.HeartbeatAt = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.releaseLoad(ctx, assignee, e.EstimatedMinutes)

	if !retried {
		m.terminalFailure(ctx, e, detail)
		return e, nil
	}

	if reclaimReason != "" {
		m.logger.Warn("step reclaimed",
			slog.String("step_exec_id", e.ID.String()),
			slog.String("step_id", e.StepID),
			slog.String("org_id", e.OrgID),
			slog.Int("attempt", e.Attempt),
			slog.String("reason", reclaimReason),
		)
		m.extensions.EmitStepReclaimed(ctx, e, reclaimReason)
		m.publish(ctx, event.StepReclaimed, e)
		return e, nil
	}

	notBefore := now
	if e.NotBefore != nil {
		notBefore = *e.NotBefore
	}
	m.logger.Info("step retrying",
		slog.String("step_exec_id", e.ID.String()),
		slog.String("step_id", e.StepID),
		slog.String("org_id", e.OrgID),
		slog.Int("attempt", e.Attempt),
		slog.Time("not_before", notBefore),
		slog.String("error", detail),
	)
	m.extensions.EmitStepRetrying(ctx, e, e.Attempt, notBefore)
	m.publish(ctx, event.StepRetrying, e)
	return e, nil
}

// Unassign returns an assigned step that never started to ready without
// consuming an attempt.
func (m *Manager) Unassign(ctx context.Context, stepExecID id.StepID, reason string) error {
	var assignee string
	e, err := step.Mutate(ctx, m.store, stepExecID, func(e *step.Execution) error {
		if e.Status != step.StatusAssigned {
			return stale(e, e.Attempt)
		}
		assignee = e.AssigneeID
		if err := e.Transition(step.StatusReady); err != nil {
			return err
		}
		e.AssigneeID = ""
		e.AssignedAt = nil
		return nil
	})
	if err != nil {
		return err
	}
	m.releaseLoad(ctx, assignee, e.EstimatedMinutes)
	m.logger.Info("step unassigned",
		slog.String("step_exec_id", e.ID.String()),
		slog.String("step_id", e.StepID),
		slog.String("actor_id", assignee),
		slog.String("reason", reason),
	)
	m.publish(ctx, event.StepReclaimed, e)
	return nil
}

// terminalFailure applies the consequences of a step failing for good: a
// critical step fails its instance, any other step skips its downstream.
func (m *Manager) terminalFailure(ctx context.Context, e *step.Execution, detail string) {
	m.logger.Warn("step failed",
		slog.String("step_exec_id", e.ID.String()),
		slog.String("step_id", e.StepID),
		slog.String("instance_id", e.InstanceID.String()),
		slog.String("org_id", e.OrgID),
		slog.Int("attempt", e.Attempt),
		slog.Bool("critical", e.Critical),
		slog.String("error", detail),
	)
	m.extensions.EmitStepFailed(ctx, e, detail)
	m.publish(ctx, event.StepFailed, e)

	if e.Critical {
		if err := m.failInstance(ctx, e, detail); err != nil {
			m.logger.Error("failing instance",
				slog.String("instance_id", e.InstanceID.String()),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	if err := m.skipDownstream(ctx, e); err != nil {
		m.logger.Error("skipping downstream steps",
			slog.String("instance_id", e.InstanceID.String()),
			slog.String("step_id", e.StepID),
			slog.String("error", err.Error()),
		)
	}
	if _, err := m.Finalize(ctx, e.InstanceID); err != nil {
		m.logger.Error("instance finalisation failed",
			slog.String("instance_id", e.InstanceID.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Manager) failInstance(ctx context.Context, e *step.Execution, detail string) error {
	now := m.clock.Now()
	reason := fmt.Sprintf("critical step %s failed", e.StepID)
	if detail != "" {
		reason += ": " + detail
	}
	inst, err := instance.Mutate(ctx, m.store, e.InstanceID, func(inst *instance.Instance) error {
		if !instance.CanFire(inst, instance.TriggerFail) {
			return instance.ErrSkip
		}
		if err := instance.Fire(inst, instance.TriggerFail); err != nil {
			return err
		}
		inst.BlockingStepID = e.StepID
		inst.StatusReason = reason
		inst.FinishedAt = &now
		return nil
	})
	if errors.Is(err, instance.ErrSkip) {
		return nil
	}
	if err != nil {
		return err
	}

	n, err := m.skipWhere(ctx, inst, "instance failed at step "+e.StepID, pendingOnly)
	if err != nil {
		return err
	}
	m.logger.Error("instance failed",
		slog.String("instance_id", inst.ID.String()),
		slog.String("org_id", inst.OrgID),
		slog.String("blocking_step_id", inst.BlockingStepID),
		slog.String("reason", reason),
		slog.Int("skipped", n),
	)
	m.extensions.EmitInstanceFailed(ctx, inst, inst.BlockingStepID, reason)
	return nil
}

func (m *Manager) skipDownstream(ctx context.Context, failed *step.Execution) error {
	inst, err := m.store.GetInstance(ctx, failed.InstanceID)
	if err != nil {
		return err
	}
	downstream := make(map[string]bool)
	for _, sid := range inst.Graph.Downstream(failed.StepID) {
		downstream[sid] = true
	}
	if len(downstream) == 0 {
		return nil
	}

	steps, err := m.store.ListSteps(ctx, failed.InstanceID)
	if err != nil {
		return err
	}
	reason := fmt.Sprintf("upstream step %s failed", failed.StepID)
	for _, e := range steps {
		if !downstream[e.StepID] || e.Status.Terminal() {
			continue
		}
		skipped, err := m.skip(ctx, e.ID, reason, notRunning)
		if err != nil {
			return err
		}
		if skipped != nil {
			m.publish(ctx, event.StepSkipped, skipped)
		}
	}
	return nil
}

// SkipRemaining marks every non-terminal step of inst skipped with reason.
// Running steps are only skipped when includeRunning is set, which makes
// their late results fail the version check. It returns how many steps
// were skipped.
func (m *Manager) SkipRemaining(ctx context.Context, inst *instance.Instance, reason string, includeRunning bool) (int, error) {
	if includeRunning {
		return m.skipWhere(ctx, inst, reason, anyStatus)
	}
	return m.skipWhere(ctx, inst, reason, notRunning)
}

func anyStatus(step.Status) bool { return true }

func notRunning(s step.Status) bool { return s != step.StatusRunning }

// pendingOnly leaves every step whose dependencies were already satisfied.
func pendingOnly(s step.Status) bool { return s == step.StatusPending }

func (m *Manager) skipWhere(ctx context.Context, inst *instance.Instance, reason string, skippable func(step.Status) bool) (int, error) {
	steps, err := m.store.ListSteps(ctx, inst.ID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range steps {
		if e.Status.Terminal() || !skippable(e.Status) {
			continue
		}
		skipped, err := m.skip(ctx, e.ID, reason, skippable)
		if err != nil {
			return n, err
		}
		if skipped != nil {
			n++
		}
	}
	return n, nil
}

// skip moves one step to skipped. It returns nil without error when the
// step is already terminal or its current status is not skippable.
func (m *Manager) skip(ctx context.Context, stepExecID id.StepID, reason string, skippable func(step.Status) bool) (*step.Execution, error) {
	now := m.clock.Now()
	var (
		assignee string
		held     bool
	)
	e, err := step.Mutate(ctx, m.store, stepExecID, func(e *step.Execution) error {
		if e.Status.Terminal() || !skippable(e.Status) {
			return step.ErrSkip
		}
		held = e.Status.Active()
		assignee = e.AssigneeID
		if err := e.Transition(step.StatusSkipped); err != nil {
			return err
		}
		e.ErrorDetail = reason
		e.FinishedAt = &now
		return nil
	})
	if errors.Is(err, step.ErrSkip) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if held {
		m.releaseLoad(ctx, assignee, e.EstimatedMinutes)
	}
	return e, nil
}

// ──────────────────────────────────────────────────
// Instance completion
// ──────────────────────────────────────────────────

// Finalize completes a running instance once every step is terminal: as
// completed, or completed_with_exceptions when any step failed. It returns
// the current instance whether or not it changed.
func (m *Manager) Finalize(ctx context.Context, instanceID id.InstanceID) (*instance.Instance, error) {
	steps, err := m.store.ListSteps(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	var failed []string
	for _, e := range steps {
		if !e.Status.Terminal() {
			return m.store.GetInstance(ctx, instanceID)
		}
		if e.Status == step.StatusFailed {
			failed = append(failed, e.StepID)
		}
	}

	now := m.clock.Now()
	inst, err := instance.Mutate(ctx, m.store, instanceID, func(inst *instance.Instance) error {
		if inst.Status != instance.StatusRunning {
			return instance.ErrSkip
		}
		trigger := instance.TriggerComplete
		if len(failed) > 0 {
			trigger = instance.TriggerCompleteWithExceptions
			inst.StatusReason = "failed steps: " + strings.Join(failed, ", ")
		}
		if err := instance.Fire(inst, trigger); err != nil {
			return err
		}
		inst.FinishedAt = &now
		return nil
	})
	if errors.Is(err, instance.ErrSkip) {
		return inst, nil
	}
	if err != nil {
		return nil, err
	}

	var elapsed time.Duration
	if inst.StartedAt != nil {
		elapsed = now.Sub(*inst.StartedAt)
	}
	m.logger.Info("instance completed",
		slog.String("instance_id", inst.ID.String()),
		slog.String("org_id", inst.OrgID),
		slog.String("status", string(inst.Status)),
		slog.Duration("elapsed", elapsed),
	)
	m.extensions.EmitInstanceCompleted(ctx, inst, elapsed)
	return inst, nil
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func (m *Manager) releaseLoad(ctx context.Context, assignee string, minutes int) {
	if assignee == "" || minutes <= 0 {
		return
	}
	actorID, err := id.ParseActorID(assignee)
	if err != nil {
		m.logger.Warn("invalid assignee id", slog.String("actor_id", assignee))
		return
	}
	if err := m.store.AdjustActorLoad(ctx, actorID, -minutes); err != nil {
		m.logger.Warn("releasing actor load",
			slog.String("actor_id", assignee),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Manager) publish(ctx context.Context, kind event.Kind, e *step.Execution) {
	if m.bus == nil {
		return
	}
	evt := event.New(kind, e.OrgID)
	evt.InstanceID = e.InstanceID
	evt.StepExecID = e.ID
	evt.StepID = e.StepID
	evt.At = m.clock.Now()
	if err := m.bus.Publish(ctx, evt); err != nil {
		m.logger.Warn("event publish failed",
			slog.String("kind", string(kind)),
			slog.String("step_exec_id", e.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}
