package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/tenantflow"
	"github.com/xraph/tenantflow/actor"
	"github.com/xraph/tenantflow/id"
	"github.com/xraph/tenantflow/instance"
	"github.com/xraph/tenantflow/step"
	"github.com/xraph/tenantflow/template"
)

// ──────────────────────────────────────────────────
// Lifecycle tests
// ──────────────────────────────────────────────────

func TestLifecycle(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	tests := []struct {
		name string
		fn   func() error
	}{
		{"Migrate", func() error { return s.Migrate(ctx) }},
		{"Ping", func() error { return s.Ping(ctx) }},
		{"Close", func() error { return s.Close() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); err != nil {
				t.Fatalf("%s returned error: %v", tt.name, err)
			}
		})
	}

	if err := s.Ping(ctx); !errors.Is(err, tenantflow.ErrStoreClosed) {
		t.Errorf("Ping after Close = %v, want ErrStoreClosed", err)
	}
}

// ──────────────────────────────────────────────────
// Template Store tests
// ──────────────────────────────────────────────────

func TestTemplateVersions(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	for v := 1; v <= 2; v++ {
		tpl := &template.Template{
			ID: id.NewTemplateID(), Name: "tax-return", Version: v,
			Steps: []template.StepDefinition{{ID: "intake", TaskType: "intake"}},
		}
		if err := s.PublishTemplate(ctx, tpl); err != nil {
			t.Fatalf("PublishTemplate v%d: %v", v, err)
		}
	}

	dup := &template.Template{Name: "tax-return", Version: 2}
	if err := s.PublishTemplate(ctx, dup); !errors.Is(err, tenantflow.ErrTemplateVersionExists) {
		t.Errorf("duplicate publish err = %v, want ErrTemplateVersionExists", err)
	}

	latest, err := s.LatestTemplate(ctx, "tax-return")
	if err != nil || latest.Version != 2 {
		t.Fatalf("LatestTemplate = %+v, %v", latest, err)
	}
	v1, err := s.GetTemplate(ctx, "tax-return", 1)
	if err != nil || v1.Version != 1 {
		t.Fatalf("GetTemplate(1) = %+v, %v", v1, err)
	}
	if _, err := s.GetTemplate(ctx, "tax-return", 9); !errors.Is(err, tenantflow.ErrTemplateNotFound) {
		t.Errorf("GetTemplate(9) err = %v", err)
	}

	// Mutating a returned template must not change the stored copy.
	v1.Steps[0].ID = "changed"
	again, _ := s.GetTemplate(ctx, "tax-return", 1)
	if again.Steps[0].ID != "intake" {
		t.Errorf("stored template mutated through returned copy")
	}
}

// ──────────────────────────────────────────────────
// Instance / Step Store tests
// ──────────────────────────────────────────────────

func newInstance(org string, n int) (*instance.Instance, []*step.Execution) {
	inst := &instance.Instance{
		Entity:       tenantflow.NewEntity(),
		ID:           id.NewInstanceID(),
		TemplateName: "onboarding",
		OrgID:        org,
		Status:       instance.StatusRunning,
	}
	steps := make([]*step.Execution, n)
	for i := range n {
		steps[i] = &step.Execution{
			Entity:     tenantflow.NewEntity(),
			ID:         id.NewStepID(),
			InstanceID: inst.ID,
			OrgID:      org,
			StepID:     string(rune('a' + i)),
			Index:      i,
			Priority:   i % 2,
			Status:     step.StatusReady,
			Attempt:    1,
		}
	}
	return inst, steps
}

func TestInstanceCreateAndCAS(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	inst, steps := newInstance("org_a", 3)
	if err := s.CreateInstance(ctx, inst, steps); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	if err := s.CreateInstance(ctx, inst, nil); !errors.Is(err, tenantflow.ErrInstanceExists) {
		t.Errorf("duplicate create err = %v", err)
	}

	a, _ := s.GetInstance(ctx, inst.ID)
	b, _ := s.GetInstance(ctx, inst.ID)

	a.Status = instance.StatusPaused
	if err := s.UpdateInstance(ctx, a); err != nil {
		t.Fatalf("UpdateInstance: %v", err)
	}
	if a.Version != 1 {
		t.Errorf("Version = %d, want 1", a.Version)
	}
	b.Status = instance.StatusCancelled
	if err := s.UpdateInstance(ctx, b); !errors.Is(err, tenantflow.ErrVersionConflict) {
		t.Errorf("stale UpdateInstance err = %v, want ErrVersionConflict", err)
	}

	got, _ := s.ListSteps(ctx, inst.ID)
	if len(got) != 3 {
		t.Fatalf("ListSteps len = %d", len(got))
	}
	for i, e := range got {
		if e.Index != i {
			t.Errorf("ListSteps[%d].Index = %d", i, e.Index)
		}
	}
}

func TestListInstancesFilters(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	for _, org := range []string{"org_a", "org_a", "org_b"} {
		inst, steps := newInstance(org, 1)
		if err := s.CreateInstance(ctx, inst, steps); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name string
		opts instance.ListOpts
		want int
	}{
		{"all", instance.ListOpts{}, 3},
		{"org", instance.ListOpts{OrgID: "org_a"}, 2},
		{"status", instance.ListOpts{Statuses: []instance.Status{instance.StatusPaused}}, 0},
		{"limit", instance.ListOpts{Limit: 1}, 1},
		{"offset past end", instance.ListOpts{Offset: 5}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListInstances(ctx, tt.opts)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != tt.want {
				t.Errorf("len = %d, want %d", len(got), tt.want)
			}
		})
	}
}

func TestStepFindOrdering(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	inst, steps := newInstance("org_a", 4)
	if err := s.CreateInstance(ctx, inst, steps); err != nil {
		t.Fatal(err)
	}

	got, err := s.FindSteps(ctx, step.Filter{InstanceID: inst.ID, Statuses: []step.Status{step.StatusReady}})
	if err != nil {
		t.Fatal(err)
	}
	// Priorities are 0,1,0,1 by index: expect 1,3,0,2.
	want := []int{1, 3, 0, 2}
	for i, e := range got {
		if e.Index != want[i] {
			t.Errorf("FindSteps[%d].Index = %d, want %d", i, e.Index, want[i])
		}
	}

	n, _ := s.CountSteps(ctx, step.Filter{OrgID: "org_b"})
	if n != 0 {
		t.Errorf("CountSteps(org_b) = %d", n)
	}
}

func TestStepCASSingleWinner(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	inst, steps := newInstance("org_a", 1)
	if err := s.CreateInstance(ctx, inst, steps); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, _ := s.GetStep(ctx, steps[0].ID)
			e.Status = step.StatusAssigned
			e.AssigneeID = string(rune('A' + i))
			if s.UpdateStep(ctx, e) == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	final, _ := s.GetStep(ctx, steps[0].ID)
	if final.Version != int64(wins) {
		t.Errorf("Version = %d after %d successful writes", final.Version, wins)
	}
	if wins < 1 {
		t.Error("no writer succeeded")
	}
}

func TestStartStepWritesCheckpoint(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	inst, steps := newInstance("org_a", 1)
	steps[0].Status = step.StatusAssigned
	steps[0].AssigneeID = "actor_1"
	if err := s.CreateInstance(ctx, inst, steps); err != nil {
		t.Fatal(err)
	}

	e, _ := s.GetStep(ctx, steps[0].ID)
	stale := e.Clone()
	at := time.Now().UTC()
	e.Status = step.StatusRunning
	e.CheckpointAt = &at
	cp := &step.Checkpoint{ID: id.NewCheckpointID(), StepExecutionID: e.ID, ActorID: "actor_1", Attempt: 1, RecordedAt: at}
	if err := s.StartStep(ctx, e, cp); err != nil {
		t.Fatalf("StartStep: %v", err)
	}

	// A losing writer must not append a checkpoint.
	stale.Status = step.StatusRunning
	if err := s.StartStep(ctx, stale, cp); !errors.Is(err, tenantflow.ErrVersionConflict) {
		t.Errorf("stale StartStep err = %v", err)
	}

	cps, _ := s.ListCheckpoints(ctx, e.ID)
	if len(cps) != 1 || cps[0].Attempt != 1 {
		t.Fatalf("checkpoints = %+v", cps)
	}

	if err := s.HeartbeatStep(ctx, e.ID, 1, at.Add(time.Second)); err != nil {
		t.Errorf("HeartbeatStep: %v", err)
	}
	if err := s.HeartbeatStep(ctx, e.ID, 2, at); !errors.Is(err, tenantflow.ErrStaleResult) {
		t.Errorf("HeartbeatStep wrong attempt err = %v", err)
	}
	hb, _ := s.GetStep(ctx, e.ID)
	if hb.Version != e.Version {
		t.Errorf("heartbeat bumped version %d -> %d", e.Version, hb.Version)
	}
}

// ──────────────────────────────────────────────────
// Actor Store tests
// ──────────────────────────────────────────────────

func TestActors(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	human := &actor.Actor{ID: id.NewActorID(), OrgID: "org_a", Active: true, WeeklyCapacityMinutes: 600}
	bot := &actor.Actor{ID: id.NewActorID(), OrgID: "org_a", Active: true, Automated: true}
	other := &actor.Actor{ID: id.NewActorID(), OrgID: "org_b", Active: false}
	for _, a := range []*actor.Actor{human, bot, other} {
		if err := s.CreateActor(ctx, a); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.CreateActor(ctx, human); !errors.Is(err, tenantflow.ErrActorExists) {
		t.Errorf("duplicate CreateActor err = %v", err)
	}

	auto := true
	got, _ := s.ListActors(ctx, actor.ListOpts{OrgID: "org_a", Automated: &auto})
	if len(got) != 1 || got[0].ID != bot.ID {
		t.Errorf("automated org_a actors = %+v", got)
	}
	active, _ := s.ListActors(ctx, actor.ListOpts{ActiveOnly: true})
	if len(active) != 2 {
		t.Errorf("active actors = %d, want 2", len(active))
	}

	if err := s.AdjustActorLoad(ctx, human.ID, 90); err != nil {
		t.Fatal(err)
	}
	if err := s.AdjustActorLoad(ctx, human.ID, -200); err != nil {
		t.Fatal(err)
	}
	a, _ := s.GetActor(ctx, human.ID)
	if a.CurrentLoadMinutes != 0 {
		t.Errorf("load = %d, want clamp at 0", a.CurrentLoadMinutes)
	}

	_ = s.AdjustActorLoad(ctx, human.ID, 30)
	a.Name = "Dana"
	a.CurrentLoadMinutes = 999
	if err := s.UpdateActor(ctx, a); err != nil {
		t.Fatal(err)
	}
	a, _ = s.GetActor(ctx, human.ID)
	if a.Name != "Dana" || a.CurrentLoadMinutes != 30 {
		t.Errorf("UpdateActor = %+v, want name changed and load kept at 30", a)
	}
}
