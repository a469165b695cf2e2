// Package memory is a fully in-memory store.Store. It is safe for concurrent
// use and intended for unit tests and single-process development.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/xraph/tenantflow"
	"github.com/xraph/tenantflow/actor"
	"github.com/xraph/tenantflow/id"
	"github.com/xraph/tenantflow/instance"
	"github.com/xraph/tenantflow/step"
	"github.com/xraph/tenantflow/template"
)

// Ensure Store implements every subsystem store at compile time.
// store.Store cannot be imported here (import cycle through its tests).
var (
	_ template.Store = (*Store)(nil)
	_ instance.Store = (*Store)(nil)
	_ step.Store     = (*Store)(nil)
	_ actor.Store    = (*Store)(nil)
)

// Store keeps every row in maps guarded by one RWMutex. Rows are copied on
// the way in and out so callers never share memory with the store.
type Store struct {
	mu sync.RWMutex

	templates   map[string][]*template.Template // name -> versions ascending
	instances   map[string]*instance.Instance
	steps       map[string]*step.Execution
	byInstance  map[string][]string // instance id -> step ids in template order
	checkpoints map[string][]*step.Checkpoint
	actors      map[string]*actor.Actor

	closed bool
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		templates:   make(map[string][]*template.Template),
		instances:   make(map[string]*instance.Instance),
		steps:       make(map[string]*step.Execution),
		byInstance:  make(map[string][]string),
		checkpoints: make(map[string][]*step.Checkpoint),
		actors:      make(map[string]*actor.Actor),
	}
}

func now() time.Time { return time.Now().UTC() }

// ──────────────────────────────────────────────────
// Lifecycle: Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping fails only after Close.
func (m *Store) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return tenantflow.ErrStoreClosed
	}
	return nil
}

// Close marks the store closed.
func (m *Store) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// ──────────────────────────────────────────────────
// Template Store
// ──────────────────────────────────────────────────

func cloneTemplate(t *template.Template) *template.Template {
	cp := *t
	cp.Steps = make([]template.StepDefinition, len(t.Steps))
	for i, s := range t.Steps {
		s.DependsOn = slices.Clone(s.DependsOn)
		s.RequiredSkillTags = slices.Clone(s.RequiredSkillTags)
		cp.Steps[i] = s
	}
	return &cp
}

// PublishTemplate persists a new template version.
func (m *Store) PublishTemplate(_ context.Context, t *template.Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, v := range m.templates[t.Name] {
		if v.Version == t.Version {
			return tenantflow.ErrTemplateVersionExists
		}
	}
	versions := append(m.templates[t.Name], cloneTemplate(t))
	sort.Slice(versions, func(i, k int) bool { return versions[i].Version < versions[k].Version })
	m.templates[t.Name] = versions
	return nil
}

// GetTemplate returns a specific version.
func (m *Store) GetTemplate(_ context.Context, name string, version int) (*template.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, v := range m.templates[name] {
		if v.Version == version {
			return cloneTemplate(v), nil
		}
	}
	return nil, tenantflow.ErrTemplateNotFound
}

// LatestTemplate returns the highest version of name.
func (m *Store) LatestTemplate(_ context.Context, name string) (*template.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	versions := m.templates[name]
	if len(versions) == 0 {
		return nil, tenantflow.ErrTemplateNotFound
	}
	return cloneTemplate(versions[len(versions)-1]), nil
}

// ListTemplates returns the latest version of every template.
func (m *Store) ListTemplates(_ context.Context) ([]*template.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*template.Template, 0, len(m.templates))
	for _, versions := range m.templates {
		result = append(result, cloneTemplate(versions[len(versions)-1]))
	}
	sort.Slice(result, func(i, k int) bool { return result[i].Name < result[k].Name })
	return result, nil
}

// ──────────────────────────────────────────────────
// Instance Store
// ──────────────────────────────────────────────────

// CreateInstance persists the instance and its steps atomically.
func (m *Store) CreateInstance(_ context.Context, inst *instance.Instance, steps []*step.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := inst.ID.String()
	if _, exists := m.instances[key]; exists {
		return tenantflow.ErrInstanceExists
	}
	ids := make([]string, len(steps))
	for i, s := range steps {
		ids[i] = s.ID.String()
		m.steps[ids[i]] = s.Clone()
	}
	m.instances[key] = inst.Clone()
	m.byInstance[key] = ids
	return nil
}

// GetInstance retrieves an instance by ID.
func (m *Store) GetInstance(_ context.Context, instanceID id.InstanceID) (*instance.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.instances[instanceID.String()]
	if !ok {
		return nil, tenantflow.ErrInstanceNotFound
	}
	return inst.Clone(), nil
}

// UpdateInstance writes inst under optimistic concurrency.
func (m *Store) UpdateInstance(_ context.Context, inst *instance.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := inst.ID.String()
	cur, ok := m.instances[key]
	if !ok {
		return tenantflow.ErrInstanceNotFound
	}
	if cur.Version != inst.Version {
		return tenantflow.ErrVersionConflict
	}
	inst.Version++
	inst.UpdatedAt = now()
	m.instances[key] = inst.Clone()
	return nil
}

// ListInstances returns instances matching opts ordered by creation time.
func (m *Store) ListInstances(_ context.Context, opts instance.ListOpts) ([]*instance.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*instance.Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		if opts.OrgID != "" && inst.OrgID != opts.OrgID {
			continue
		}
		if len(opts.Statuses) > 0 && !slices.Contains(opts.Statuses, inst.Status) {
			continue
		}
		result = append(result, inst.Clone())
	}
	sort.Slice(result, func(i, k int) bool {
		if !result[i].CreatedAt.Equal(result[k].CreatedAt) {
			return result[i].CreatedAt.Before(result[k].CreatedAt)
		}
		return result[i].ID.String() < result[k].ID.String()
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

// ──────────────────────────────────────────────────
// Step Store
// ──────────────────────────────────────────────────

// GetStep retrieves a step execution by ID.
func (m *Store) GetStep(_ context.Context, stepID id.StepID) (*step.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.steps[stepID.String()]
	if !ok {
		return nil, tenantflow.ErrStepNotFound
	}
	return e.Clone(), nil
}

// ListSteps returns the steps of an instance in template order.
func (m *Store) ListSteps(_ context.Context, instanceID id.InstanceID) ([]*step.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byInstance[instanceID.String()]
	result := make([]*step.Execution, 0, len(ids))
	for _, sid := range ids {
		result = append(result, m.steps[sid].Clone())
	}
	return result, nil
}

func matches(e *step.Execution, f step.Filter) bool {
	if f.OrgID != "" && e.OrgID != f.OrgID {
		return false
	}
	if !f.InstanceID.IsNil() && e.InstanceID != f.InstanceID {
		return false
	}
	if f.AssigneeID != "" && e.AssigneeID != f.AssigneeID {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, e.Status) {
		return false
	}
	return true
}

// FindSteps returns steps matching f, priority descending then template
// order.
func (m *Store) FindSteps(_ context.Context, f step.Filter) ([]*step.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*step.Execution
	for _, e := range m.steps {
		if matches(e, f) {
			result = append(result, e.Clone())
		}
	}
	sort.Slice(result, func(i, k int) bool {
		a, b := result[i], result[k]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.InstanceID != b.InstanceID {
			return a.InstanceID.String() < b.InstanceID.String()
		}
		return a.Index < b.Index
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

// CountSteps returns the number of steps matching f.
func (m *Store) CountSteps(_ context.Context, f step.Filter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, e := range m.steps {
		if matches(e, f) {
			n++
		}
	}
	return n, nil
}

// updateLocked applies the version check. Callers hold m.mu.
func (m *Store) updateLocked(e *step.Execution) error {
	key := e.ID.String()
	cur, ok := m.steps[key]
	if !ok {
		return tenantflow.ErrStepNotFound
	}
	if cur.Version != e.Version {
		return tenantflow.ErrVersionConflict
	}
	e.Version++
	e.UpdatedAt = now()
	m.steps[key] = e.Clone()
	return nil
}

// UpdateStep writes e under optimistic concurrency.
func (m *Store) UpdateStep(_ context.Context, e *step.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(e)
}

// StartStep writes e and appends cp in one critical section.
func (m *Store) StartStep(_ context.Context, e *step.Execution, cp *step.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.updateLocked(e); err != nil {
		return err
	}
	c := *cp
	m.checkpoints[e.ID.String()] = append(m.checkpoints[e.ID.String()], &c)
	return nil
}

// HeartbeatStep refreshes HeartbeatAt when the step is still running the
// given attempt.
func (m *Store) HeartbeatStep(_ context.Context, stepID id.StepID, attempt int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.steps[stepID.String()]
	if !ok {
		return tenantflow.ErrStepNotFound
	}
	if e.Status != step.StatusRunning || e.Attempt != attempt {
		return tenantflow.ErrStaleResult
	}
	t := at
	e.HeartbeatAt = &t
	return nil
}

// ListCheckpoints returns the checkpoints of a step, oldest first.
func (m *Store) ListCheckpoints(_ context.Context, stepID id.StepID) ([]*step.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.checkpoints[stepID.String()]
	result := make([]*step.Checkpoint, len(src))
	for i, c := range src {
		cp := *c
		result[i] = &cp
	}
	return result, nil
}

// ──────────────────────────────────────────────────
// Actor Store
// ──────────────────────────────────────────────────

// CreateActor persists a new actor.
func (m *Store) CreateActor(_ context.Context, a *actor.Actor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := a.ID.String()
	if _, exists := m.actors[key]; exists {
		return tenantflow.ErrActorExists
	}
	m.actors[key] = a.Clone()
	return nil
}

// GetActor retrieves an actor by ID.
func (m *Store) GetActor(_ context.Context, actorID id.ActorID) (*actor.Actor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.actors[actorID.String()]
	if !ok {
		return nil, tenantflow.ErrActorNotFound
	}
	return a.Clone(), nil
}

// UpdateActor replaces the actor's profile, keeping its current load.
func (m *Store) UpdateActor(_ context.Context, a *actor.Actor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := a.ID.String()
	cur, ok := m.actors[key]
	if !ok {
		return tenantflow.ErrActorNotFound
	}
	cp := a.Clone()
	cp.CurrentLoadMinutes = cur.CurrentLoadMinutes
	cp.UpdatedAt = now()
	m.actors[key] = cp
	return nil
}

// ListActors returns actors matching opts ordered by ID.
func (m *Store) ListActors(_ context.Context, opts actor.ListOpts) ([]*actor.Actor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*actor.Actor
	for _, a := range m.actors {
		if opts.OrgID != "" && a.OrgID != opts.OrgID {
			continue
		}
		if opts.ActiveOnly && !a.Active {
			continue
		}
		if opts.Automated != nil && a.Automated != *opts.Automated {
			continue
		}
		result = append(result, a.Clone())
	}
	sort.Slice(result, func(i, k int) bool { return result[i].ID.String() < result[k].ID.String() })
	return result, nil
}

// AdjustActorLoad adds delta minutes to the actor's load, clamped at zero.
func (m *Store) AdjustActorLoad(_ context.Context, actorID id.ActorID, deltaMinutes int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.actors[actorID.String()]
	if !ok {
		return tenantflow.ErrActorNotFound
	}
	a.CurrentLoadMinutes = max(0, a.CurrentLoadMinutes+deltaMinutes)
	return nil
}
