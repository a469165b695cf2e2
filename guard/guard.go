// Package guard is the tenant isolation chokepoint. Store wraps a
// store.Store and checks, on every instance, step and actor access, that the
// organization carried by the context owns the row being touched.
package guard

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/tenantflow"
	"github.com/xraph/tenantflow/actor"
	"github.com/xraph/tenantflow/ext"
	"github.com/xraph/tenantflow/id"
	"github.com/xraph/tenantflow/instance"
	"github.com/xraph/tenantflow/scope"
	"github.com/xraph/tenantflow/step"
	"github.com/xraph/tenantflow/store"
)

var _ store.Store = (*Store)(nil)

// Store enforces organization isolation in front of another store.
// Templates are global and pass through unchecked.
type Store struct {
	store.Store

	logger     *slog.Logger
	extensions *ext.Registry
}

// Option configures a guard Store.
type Option func(*Store)

// WithLogger sets the logger used for security events.
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// WithExtensions sets the registry notified of violations.
func WithExtensions(r *ext.Registry) Option { return func(s *Store) { s.extensions = r } }

// New wraps inner.
func New(inner store.Store, opts ...Option) *Store {
	s := &Store{Store: inner, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Unwrap returns the guarded store.
func (s *Store) Unwrap() store.Store { return s.Store }

// violation records and returns an isolation failure. It is the only place
// a cross-organization access is reported.
func (s *Store) violation(ctx context.Context, op, resource, resourceID, ctxOrg, rowOrg string) error {
	v := &tenantflow.IsolationViolation{
		Op:         op,
		Resource:   resource,
		ResourceID: resourceID,
		ContextOrg: ctxOrg,
		RowOrg:     rowOrg,
	}
	s.logger.Error("isolation violation",
		slog.Bool("security_event", true),
		slog.String("op", op),
		slog.String("resource", resource),
		slog.String("resource_id", resourceID),
		slog.String("context_org", ctxOrg),
		slog.String("row_org", rowOrg),
	)
	if s.extensions != nil {
		s.extensions.EmitIsolationViolated(ctx, v)
	}
	return v
}

// check compares the context org with rowOrg.
func (s *Store) check(ctx context.Context, op, resource, resourceID, rowOrg string) error {
	org, ok := scope.OrgFrom(ctx)
	if !ok || org != rowOrg {
		return s.violation(ctx, op, resource, resourceID, org, rowOrg)
	}
	return nil
}

// Authorize fails with an IsolationViolation unless ctx is scoped to orgID.
// It is used for writes whose rows do not exist yet.
func (s *Store) Authorize(ctx context.Context, op, resource, orgID string) error {
	return s.check(ctx, op, resource, "*", orgID)
}

// scanOrg resolves the org filter of a listing. A scoped context may only
// list its own org; a system context may list any org or all of them.
func (s *Store) scanOrg(ctx context.Context, op, resource, requested string) (string, error) {
	org, ok := scope.OrgFrom(ctx)
	if scope.IsSystem(ctx) {
		if requested == "" && ok {
			return org, nil
		}
		return requested, nil
	}
	if !ok {
		return "", s.violation(ctx, op, resource, "*", "", requested)
	}
	if requested != "" && requested != org {
		return "", s.violation(ctx, op, resource, "*", org, requested)
	}
	return org, nil
}

// ──────────────────────────────────────────────────
// Instance Store
// ──────────────────────────────────────────────────

// CreateInstance requires the instance and every step to carry the
// context org.
func (s *Store) CreateInstance(ctx context.Context, inst *instance.Instance, steps []*step.Execution) error {
	if err := s.check(ctx, "create", "instance", inst.ID.String(), inst.OrgID); err != nil {
		return err
	}
	for _, e := range steps {
		if err := s.check(ctx, "create", "step", e.ID.String(), e.OrgID); err != nil {
			return err
		}
	}
	return s.Store.CreateInstance(ctx, inst, steps)
}

// GetInstance returns the instance only to its own organization.
func (s *Store) GetInstance(ctx context.Context, instanceID id.InstanceID) (*instance.Instance, error) {
	inst, err := s.Store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if err := s.check(ctx, "get", "instance", instanceID.String(), inst.OrgID); err != nil {
		return nil, err
	}
	return inst, nil
}

// UpdateInstance checks both the stored row and the written value, so an
// update can neither touch nor move another organization's instance.
func (s *Store) UpdateInstance(ctx context.Context, inst *instance.Instance) error {
	cur, err := s.GetInstance(ctx, inst.ID)
	if err != nil {
		return err
	}
	if inst.OrgID != cur.OrgID {
		return s.violation(ctx, "update", "instance", inst.ID.String(), cur.OrgID, inst.OrgID)
	}
	return s.Store.UpdateInstance(ctx, inst)
}

// ListInstances restricts the listing to the context org.
func (s *Store) ListInstances(ctx context.Context, opts instance.ListOpts) ([]*instance.Instance, error) {
	org, err := s.scanOrg(ctx, "list", "instance", opts.OrgID)
	if err != nil {
		return nil, err
	}
	opts.OrgID = org
	return s.Store.ListInstances(ctx, opts)
}

// ──────────────────────────────────────────────────
// Step Store
// ──────────────────────────────────────────────────

// GetStep returns the step only to its own organization.
func (s *Store) GetStep(ctx context.Context, stepID id.StepID) (*step.Execution, error) {
	e, err := s.Store.GetStep(ctx, stepID)
	if err != nil {
		return nil, err
	}
	if err := s.check(ctx, "get", "step", stepID.String(), e.OrgID); err != nil {
		return nil, err
	}
	return e, nil
}

// ListSteps checks the owning instance first.
func (s *Store) ListSteps(ctx context.Context, instanceID id.InstanceID) ([]*step.Execution, error) {
	if _, err := s.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return s.Store.ListSteps(ctx, instanceID)
}

// FindSteps restricts the filter to the context org.
func (s *Store) FindSteps(ctx context.Context, f step.Filter) ([]*step.Execution, error) {
	org, err := s.scanOrg(ctx, "find", "step", f.OrgID)
	if err != nil {
		return nil, err
	}
	f.OrgID = org
	return s.Store.FindSteps(ctx, f)
}

// CountSteps restricts the filter to the context org.
func (s *Store) CountSteps(ctx context.Context, f step.Filter) (int, error) {
	org, err := s.scanOrg(ctx, "count", "step", f.OrgID)
	if err != nil {
		return 0, err
	}
	f.OrgID = org
	return s.Store.CountSteps(ctx, f)
}

func (s *Store) checkStepWrite(ctx context.Context, op string, e *step.Execution) error {
	cur, err := s.GetStep(ctx, e.ID)
	if err != nil {
		return err
	}
	if e.OrgID != cur.OrgID {
		return s.violation(ctx, op, "step", e.ID.String(), cur.OrgID, e.OrgID)
	}
	return nil
}

// UpdateStep checks the stored row and the written value.
func (s *Store) UpdateStep(ctx context.Context, e *step.Execution) error {
	if err := s.checkStepWrite(ctx, "update", e); err != nil {
		return err
	}
	return s.Store.UpdateStep(ctx, e)
}

// StartStep checks the step and the checkpoint.
func (s *Store) StartStep(ctx context.Context, e *step.Execution, cp *step.Checkpoint) error {
	if err := s.checkStepWrite(ctx, "start", e); err != nil {
		return err
	}
	if cp.OrgID != e.OrgID {
		return s.violation(ctx, "start", "checkpoint", cp.ID.String(), e.OrgID, cp.OrgID)
	}
	return s.Store.StartStep(ctx, e, cp)
}

// HeartbeatStep checks the step's org.
func (s *Store) HeartbeatStep(ctx context.Context, stepID id.StepID, attempt int, at time.Time) error {
	if _, err := s.GetStep(ctx, stepID); err != nil {
		return err
	}
	return s.Store.HeartbeatStep(ctx, stepID, attempt, at)
}

// ListCheckpoints checks the step's org.
func (s *Store) ListCheckpoints(ctx context.Context, stepID id.StepID) ([]*step.Checkpoint, error) {
	if _, err := s.GetStep(ctx, stepID); err != nil {
		return nil, err
	}
	return s.Store.ListCheckpoints(ctx, stepID)
}

// ──────────────────────────────────────────────────
// Actor Store
// ──────────────────────────────────────────────────

// CreateActor requires the actor to carry the context org.
func (s *Store) CreateActor(ctx context.Context, a *actor.Actor) error {
	if err := s.check(ctx, "create", "actor", a.ID.String(), a.OrgID); err != nil {
		return err
	}
	return s.Store.CreateActor(ctx, a)
}

// GetActor returns the actor only to its own organization.
func (s *Store) GetActor(ctx context.Context, actorID id.ActorID) (*actor.Actor, error) {
	a, err := s.Store.GetActor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if err := s.check(ctx, "get", "actor", actorID.String(), a.OrgID); err != nil {
		return nil, err
	}
	return a, nil
}

// UpdateActor checks the stored row and the written value.
func (s *Store) UpdateActor(ctx context.Context, a *actor.Actor) error {
	cur, err := s.GetActor(ctx, a.ID)
	if err != nil {
		return err
	}
	if a.OrgID != cur.OrgID {
		return s.violation(ctx, "update", "actor", a.ID.String(), cur.OrgID, a.OrgID)
	}
	return s.Store.UpdateActor(ctx, a)
}

// ListActors restricts the listing to the context org.
func (s *Store) ListActors(ctx context.Context, opts actor.ListOpts) ([]*actor.Actor, error) {
	org, err := s.scanOrg(ctx, "list", "actor", opts.OrgID)
	if err != nil {
		return nil, err
	}
	opts.OrgID = org
	return s.Store.ListActors(ctx, opts)
}

// AdjustActorLoad checks the actor's org.
func (s *Store) AdjustActorLoad(ctx context.Context, actorID id.ActorID, deltaMinutes int) error {
	if _, err := s.GetActor(ctx, actorID); err != nil {
		return err
	}
	return s.Store.AdjustActorLoad(ctx, actorID, deltaMinutes)
}
