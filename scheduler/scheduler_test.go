package scheduler_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/xraph/tenantflow"
	"github.com/xraph/tenantflow/actor"
	"github.com/xraph/tenantflow/backoff"
	"github.com/xraph/tenantflow/clock"
	"github.com/xraph/tenantflow/cluster"
	"github.com/xraph/tenantflow/event"
	"github.com/xraph/tenantflow/graph"
	"github.com/xraph/tenantflow/guard"
	"github.com/xraph/tenantflow/id"
	"github.com/xraph/tenantflow/instance"
	"github.com/xraph/tenantflow/lock"
	"github.com/xraph/tenantflow/recovery"
	"github.com/xraph/tenantflow/scheduler"
	"github.com/xraph/tenantflow/scope"
	"github.com/xraph/tenantflow/step"
	"github.com/xraph/tenantflow/store"
	"github.com/xraph/tenantflow/store/memory"
	"github.com/xraph/tenantflow/template"
)

const org = "org_acme"

type run struct {
	step  *step.Execution
	lease lock.Lease
}

// fakePool records dispatches instead of executing them.
type fakePool struct {
	mu   sync.Mutex
	runs []run
	full bool
}

func (p *fakePool) Reserve(string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.full
}

func (p *fakePool) Unreserve(string) {}

func (p *fakePool) Run(e *step.Execution, lease lock.Lease) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runs = append(p.runs, run{step: e, lease: lease})
}

func (p *fakePool) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.runs)
}

func (p *fakePool) take(i int) run {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.runs[i]
	p.runs = append(p.runs[:i], p.runs[i+1:]...)
	return r
}

type fixture struct {
	ctx    context.Context
	store  store.Store
	clk    *clock.Fake
	locker *lock.Memory
	pool   *fakePool
	rec    *recovery.Manager
	sched  *scheduler.Scheduler
	bot    *actor.Actor

	mu     sync.Mutex
	events []event.Event
}

func newFixture(t *testing.T, cfg tenantflow.Config) *fixture {
	t.Helper()
	f := &fixture{
		ctx:   scope.WithOrg(context.Background(), org),
		store: guard.New(memory.New()),
		clk:   clock.NewFake(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)),
		pool:  &fakePool{},
	}
	f.locker = lock.NewMemory(f.clk)

	bus := event.NewLocal()
	bus.Subscribe(func(_ context.Context, evt event.Event) {
		f.mu.Lock()
		f.events = append(f.events, evt)
		f.mu.Unlock()
	})
	f.rec = recovery.New(f.store, bus,
		recovery.WithClock(f.clk),
		recovery.WithBackoff(backoff.Constant(time.Minute)),
	)
	f.sched = scheduler.New(f.store, bus, f.rec,
		scheduler.WithConfig(cfg),
		scheduler.WithLocker(f.locker),
		scheduler.WithDispatcher(f.pool),
		scheduler.WithClock(f.clk),
	)

	f.bot = &actor.Actor{ID: id.NewActorID(), OrgID: org, Name: "handlers", Automated: true, Active: true, WeeklyCapacityMinutes: 10080}
	if err := f.store.CreateActor(f.ctx, f.bot); err != nil {
		t.Fatalf("CreateActor: %v", err)
	}
	return f
}

func (f *fixture) create(t *testing.T, automated func(string) bool, defs ...template.StepDefinition) *instance.Instance {
	t.Helper()
	dag, err := graph.Compile(&template.Template{Name: "audit", Version: 1, Steps: defs})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	now := f.clk.Now()
	inst := &instance.Instance{
		Entity:          tenantflow.NewEntity(),
		ID:              id.NewInstanceID(),
		TemplateName:    "audit",
		TemplateVersion: 1,
		OrgID:           org,
		Status:          instance.StatusRunning,
		Graph:           dag,
		StartedAt:       &now,
	}
	steps := instance.Materialize(inst, instance.MaterializeOpts{DefaultMaxRetries: 2, DefaultTimeout: time.Hour, Automated: automated})
	if err := f.store.CreateInstance(f.ctx, inst, steps); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	if err := f.sched.Evaluate(f.ctx, inst.ID); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	return inst
}

// pump feeds queued events to the scheduler until none are left.
func (f *fixture) pump(t *testing.T) {
	t.Helper()
	for {
		f.mu.Lock()
		evts := f.events
		f.events = nil
		f.mu.Unlock()
		if len(evts) == 0 {
			return
		}
		for _, evt := range evts {
			if err := f.sched.Process(context.Background(), evt); err != nil {
				t.Fatalf("Process %s: %v", evt.Kind, err)
			}
		}
	}
}

// finish runs a dispatched step to an outcome.
func (f *fixture) finish(t *testing.T, r run, fail bool) {
	t.Helper()
	defer r.lease.Release(f.ctx)
	if _, err := f.rec.Start(f.ctx, r.step.ID, r.step.AssigneeID); err != nil {
		if errors.Is(err, tenantflow.ErrInvalidState) || errors.Is(err, tenantflow.ErrStaleResult) {
			return
		}
		t.Fatalf("Start %s: %v", r.step.StepID, err)
	}
	var err error
	if fail {
		_, err = f.rec.Fail(f.ctx, r.step.ID, r.step.Attempt, "boom", false)
	} else {
		_, err = f.rec.Complete(f.ctx, r.step.ID, r.step.Attempt, nil)
	}
	if err != nil && !errors.Is(err, tenantflow.ErrStaleResult) {
		t.Fatalf("finish %s: %v", r.step.StepID, err)
	}
}

func (f *fixture) steps(t *testing.T, inst *instance.Instance) map[string]*step.Execution {
	t.Helper()
	list, err := f.store.ListSteps(f.ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	out := make(map[string]*step.Execution, len(list))
	for _, e := range list {
		out[e.StepID] = e
	}
	return out
}

func all(string) bool  { return true }
func none(string) bool { return false }

func def(stepID string, deps ...string) template.StepDefinition {
	return template.StepDefinition{ID: stepID, TaskType: "audit." + stepID, DependsOn: deps}
}

// ──────────────────────────────────────────────────
// Safety
// ──────────────────────────────────────────────────

// A step is only ever dispatched when all of its dependencies are completed
// or skipped, and every instance reaches a terminal status.
func TestScheduler_RandomDAGSafety(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 5))
	for iter := range 60 {
		cfg := tenantflow.DefaultConfig()
		cfg.MaxParallelStepsPerInstance = 1 + rng.IntN(4)
		f := newFixture(t, cfg)

		n := 2 + rng.IntN(10)
		defs := make([]template.StepDefinition, n)
		for i := range n {
			defs[i] = def(fmt.Sprintf("s%d", i))
			defs[i].IsCritical = rng.IntN(6) == 0
			for j := range i {
				if rng.IntN(3) == 0 {
					defs[i].DependsOn = append(defs[i].DependsOn, fmt.Sprintf("s%d", j))
				}
			}
		}
		inst := f.create(t, all, defs...)

		for guardIter := 0; ; guardIter++ {
			if guardIter > 10*n {
				t.Fatalf("iter %d: instance did not settle", iter)
			}
			f.pump(t)
			if f.pool.len() == 0 {
				break
			}
			if got := f.pool.len(); got > cfg.MaxParallelStepsPerInstance {
				t.Fatalf("iter %d: %d steps in flight, cap %d", iter, got, cfg.MaxParallelStepsPerInstance)
			}
			r := f.pool.take(rng.IntN(f.pool.len()))

			state := f.steps(t, inst)
			for _, dep := range r.step.DependsOn {
				if !state[dep].Status.Satisfied() {
					t.Fatalf("iter %d: %s dispatched while dependency %s is %s", iter, r.step.StepID, dep, state[dep].Status)
				}
			}
			f.finish(t, r, rng.IntN(5) == 0)
		}

		final, err := f.store.GetInstance(f.ctx, inst.ID)
		if err != nil {
			t.Fatal(err)
		}
		if !final.Status.Terminal() {
			t.Fatalf("iter %d: instance left %s", iter, final.Status)
		}
		for sid, e := range f.steps(t, inst) {
			if !e.Status.Terminal() {
				t.Fatalf("iter %d: step %s left %s", iter, sid, e.Status)
			}
		}
	}
}

func TestScheduler_NoDoubleDispatch(t *testing.T) {
	f := newFixture(t, tenantflow.DefaultConfig())
	f.pool.full = true
	inst := f.create(t, all, def("only"))

	other := &fakePool{}
	second := scheduler.New(f.store, nil, f.rec,
		scheduler.WithLocker(f.locker),
		scheduler.WithDispatcher(other),
		scheduler.WithClock(f.clk),
	)
	f.pool.mu.Lock()
	f.pool.full = false
	f.pool.mu.Unlock()

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := f.sched
			if i%2 == 1 {
				s = second
			}
			if err := s.DispatchInstance(f.ctx, inst.ID); err != nil {
				t.Errorf("DispatchInstance: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := f.pool.len() + other.len(); got != 1 {
		t.Fatalf("dispatches = %d, want exactly 1", got)
	}
	a, _ := f.store.GetActor(f.ctx, f.bot.ID)
	if a.CurrentLoadMinutes != 0 {
		t.Errorf("load charged for a step without an estimate: %d", a.CurrentLoadMinutes)
	}
}

// ──────────────────────────────────────────────────
// Ordering and gates
// ──────────────────────────────────────────────────

func TestScheduler_PriorityAndInstanceCap(t *testing.T) {
	cfg := tenantflow.DefaultConfig()
	cfg.MaxParallelStepsPerInstance = 2
	f := newFixture(t, cfg)

	low, mid, high := def("low"), def("mid"), def("high")
	low.Priority, mid.Priority, high.Priority = 1, 3, 5
	f.create(t, all, low, mid, high, def("tail", "low"))

	if f.pool.len() != 2 {
		t.Fatalf("dispatched %d, want cap of 2", f.pool.len())
	}
	if a, b := f.pool.runs[0].step.StepID, f.pool.runs[1].step.StepID; a != "high" || b != "mid" {
		t.Fatalf("dispatch order = %s, %s; want high, mid", a, b)
	}

	f.finish(t, f.pool.take(0), false)
	f.pump(t)
	if f.pool.len() != 2 || f.pool.runs[1].step.StepID != "low" {
		t.Fatalf("after a slot freed: %d in flight", f.pool.len())
	}
}

func TestScheduler_BackoffGate(t *testing.T) {
	f := newFixture(t, tenantflow.DefaultConfig())
	inst := f.create(t, all, def("flaky"))
	r := f.pool.take(0)

	if _, err := f.rec.Start(f.ctx, r.step.ID, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := f.rec.Fail(f.ctx, r.step.ID, 1, "503", true); err != nil {
		t.Fatal(err)
	}
	_ = r.lease.Release(f.ctx)
	f.pump(t)
	if f.pool.len() != 0 {
		t.Fatal("retry dispatched before its backoff elapsed")
	}

	f.clk.Advance(2 * time.Minute)
	if err := f.sched.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if f.pool.len() != 1 || f.pool.runs[0].step.Attempt != 2 {
		t.Fatalf("tick after backoff: %d dispatched", f.pool.len())
	}
	if e := f.steps(t, inst)["flaky"]; e.NotBefore != nil {
		t.Errorf("NotBefore kept after assignment: %v", e.NotBefore)
	}
}

func TestScheduler_PausedInstanceNotDispatched(t *testing.T) {
	f := newFixture(t, tenantflow.DefaultConfig())
	f.pool.full = true
	inst := f.create(t, all, def("a"))

	if _, err := instance.Mutate(f.ctx, f.store, inst.ID, func(i *instance.Instance) error {
		return instance.Fire(i, instance.TriggerPause)
	}); err != nil {
		t.Fatal(err)
	}
	f.pool.full = false
	if err := f.sched.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if f.pool.len() != 0 {
		t.Fatal("paused instance dispatched")
	}

	if _, err := instance.Mutate(f.ctx, f.store, inst.ID, func(i *instance.Instance) error {
		return instance.Fire(i, instance.TriggerResume)
	}); err != nil {
		t.Fatal(err)
	}
	if err := f.sched.Process(context.Background(), event.Event{Kind: event.InstanceResumed, OrgID: org, InstanceID: inst.ID}); err != nil {
		t.Fatal(err)
	}
	if f.pool.len() != 1 {
		t.Fatalf("resumed instance dispatched %d", f.pool.len())
	}
}

// ──────────────────────────────────────────────────
// Human steps
// ──────────────────────────────────────────────────

func TestScheduler_HumanStepAssignedAndLockReleased(t *testing.T) {
	f := newFixture(t, tenantflow.DefaultConfig())
	human := &actor.Actor{ID: id.NewActorID(), OrgID: org, Name: "Dana", Active: true, WeeklyCapacityMinutes: 2400, Seniority: 3}
	if err := f.store.CreateActor(f.ctx, human); err != nil {
		t.Fatal(err)
	}
	review := def("review")
	review.EstimatedDurationMinutes = 90
	inst := f.create(t, none, review)

	e := f.steps(t, inst)["review"]
	if e.Status != step.StatusAssigned || e.AssigneeID != human.ID.String() {
		t.Fatalf("review = %s to %q, want assigned to the human", e.Status, e.AssigneeID)
	}
	if f.pool.len() != 0 {
		t.Error("human step sent to the worker pool")
	}
	if f.locker.Held(lock.StepKey(e.ID.String())) {
		t.Error("lock kept after assigning a human step")
	}
	a, _ := f.store.GetActor(f.ctx, human.ID)
	if a.CurrentLoadMinutes != 90 {
		t.Errorf("load = %d, want 90", a.CurrentLoadMinutes)
	}
}

func TestScheduler_ClaimStarvedStep(t *testing.T) {
	f := newFixture(t, tenantflow.DefaultConfig())
	generalist := &actor.Actor{ID: id.NewActorID(), OrgID: org, Name: "Gen", Active: true, SkillTags: []string{"tax"}, WeeklyCapacityMinutes: 2400}
	if err := f.store.CreateActor(f.ctx, generalist); err != nil {
		t.Fatal(err)
	}
	audit := def("audit")
	audit.RequiredSkillTags = []string{"audit"}
	inst := f.create(t, none, audit)

	e := f.steps(t, inst)["audit"]
	if e.Status != step.StatusReady {
		t.Fatalf("audit = %s, want ready while starved", e.Status)
	}
	if _, err := f.sched.Claim(f.ctx, e.ID, generalist.ID); !errors.Is(err, tenantflow.ErrActorNotEligible) {
		t.Fatalf("Claim by unskilled actor err = %v", err)
	}

	auditor := &actor.Actor{ID: id.NewActorID(), OrgID: org, Name: "Aud", Active: true, SkillTags: []string{"audit"}, WeeklyCapacityMinutes: 2400}
	if err := f.store.CreateActor(f.ctx, auditor); err != nil {
		t.Fatal(err)
	}
	claimed, err := f.sched.Claim(f.ctx, e.ID, auditor.ID)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if claimed.AssigneeID != auditor.ID.String() || claimed.Status != step.StatusAssigned {
		t.Fatalf("claimed = %s to %q", claimed.Status, claimed.AssigneeID)
	}
	if _, err := f.sched.Claim(f.ctx, e.ID, auditor.ID); !errors.Is(err, tenantflow.ErrInvalidState) {
		t.Fatalf("second Claim err = %v, want ErrInvalidState", err)
	}
}

func TestScheduler_ClaimRespectsActorCap(t *testing.T) {
	cfg := tenantflow.DefaultConfig()
	cfg.MaxConcurrentTasksPerActor = 1
	f := newFixture(t, cfg)

	first, second := def("first"), def("second")
	first.RequiredSkillTags = []string{"audit"}
	second.RequiredSkillTags = []string{"audit"}
	inst := f.create(t, none, first, second)

	auditor := &actor.Actor{ID: id.NewActorID(), OrgID: org, Name: "Aud", Active: true, SkillTags: []string{"audit"}, WeeklyCapacityMinutes: 2400}
	if err := f.store.CreateActor(f.ctx, auditor); err != nil {
		t.Fatal(err)
	}
	steps := f.steps(t, inst)

	claimed, err := f.sched.Claim(f.ctx, steps["first"].ID, auditor.ID)
	if err != nil {
		t.Fatalf("Claim first: %v", err)
	}
	if _, err := f.sched.Claim(f.ctx, steps["second"].ID, auditor.ID); !errors.Is(err, tenantflow.ErrActorNotEligible) {
		t.Fatalf("Claim over the cap err = %v, want ErrActorNotEligible", err)
	}
	if e := f.steps(t, inst)["second"]; e.Status != step.StatusReady || e.AssigneeID != "" {
		t.Fatalf("second = %s to %q, want ready and unassigned", e.Status, e.AssigneeID)
	}
	if f.locker.Held(lock.ActorKey(auditor.ID.String())) {
		t.Error("actor lock kept after a rejected claim")
	}

	if _, err := f.rec.Start(f.ctx, claimed.ID, auditor.ID.String()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := f.rec.Complete(f.ctx, claimed.ID, claimed.Attempt, nil); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, err := f.sched.Claim(f.ctx, steps["second"].ID, auditor.ID); err != nil {
		t.Fatalf("Claim after finishing first: %v", err)
	}
}

// ──────────────────────────────────────────────────
// Rebuild and sweep
// ──────────────────────────────────────────────────

func TestScheduler_RebuildRecoversFromStore(t *testing.T) {
	f := newFixture(t, tenantflow.DefaultConfig())
	inst := f.create(t, all, def("a"), def("b", "a"))
	f.finish(t, f.pool.take(0), false)

	// Drop the StepCompleted event as a crashed scheduler would.
	f.mu.Lock()
	f.events = nil
	f.mu.Unlock()
	if e := f.steps(t, inst)["b"]; e.Status != step.StatusPending {
		t.Fatalf("b = %s before rebuild", e.Status)
	}

	if err := f.sched.Rebuild(context.Background()); err != nil {
		t.Fatal(err)
	}
	if f.pool.len() != 1 || f.pool.runs[0].step.StepID != "b" {
		t.Fatalf("rebuild dispatched %d steps", f.pool.len())
	}
}

func TestScheduler_SweepGatedByLeadership(t *testing.T) {
	f := newFixture(t, tenantflow.DefaultConfig())
	leader := cluster.NewElector(f.locker, cluster.WithClock(f.clk))
	follower := cluster.NewElector(f.locker, cluster.WithClock(f.clk))
	if !leader.Campaign(context.Background()) || follower.Campaign(context.Background()) {
		t.Fatal("election did not produce a single leader")
	}

	onFollower := scheduler.New(f.store, nil, f.rec, scheduler.WithElector(follower))
	if _, ran, err := onFollower.Sweep(context.Background()); err != nil || ran {
		t.Fatalf("follower sweep ran=%v err=%v", ran, err)
	}
	onLeader := scheduler.New(f.store, nil, f.rec, scheduler.WithElector(leader))
	if _, ran, err := onLeader.Sweep(context.Background()); err != nil || !ran {
		t.Fatalf("leader sweep ran=%v err=%v", ran, err)
	}
}

func TestParseSchedule(t *testing.T) {
	for _, expr := range []string{"@every 30s", "*/5 * * * *"} {
		if _, err := scheduler.ParseSchedule(expr); err != nil {
			t.Errorf("ParseSchedule(%q): %v", expr, err)
		}
	}
	if _, err := scheduler.ParseSchedule("every now and then"); err == nil {
		t.Error("invalid schedule accepted")
	}
}
