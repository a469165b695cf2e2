package router_test

import (
	"bytes"
	"context"
	"log/slog"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/xraph/tenantflow"
	"github.com/xraph/tenantflow/actor"
	"github.com/xraph/tenantflow/clock"
	"github.com/xraph/tenantflow/ext"
	"github.com/xraph/tenantflow/id"
	"github.com/xraph/tenantflow/router"
	"github.com/xraph/tenantflow/step"
)

var t0 = time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)

func newActor(org string, skills []string, capacity, load, seniority int) *actor.Actor {
	return &actor.Actor{
		ID:                    id.NewActorID(),
		OrgID:                 org,
		SkillTags:             skills,
		WeeklyCapacityMinutes: capacity,
		CurrentLoadMinutes:    load,
		Seniority:             seniority,
		Active:                true,
	}
}

func newStep(org string, priority, estimate int, tags ...string) *step.Execution {
	ready := t0
	return &step.Execution{
		ID:                id.NewStepID(),
		InstanceID:        id.NewInstanceID(),
		OrgID:             org,
		StepID:            "review",
		TaskType:          "tax.review",
		Priority:          priority,
		EstimatedMinutes:  estimate,
		RequiredSkillTags: tags,
		Status:            step.StatusReady,
		Attempt:           1,
		ReadyAt:           &ready,
	}
}

type fixedQuality map[string]float64

func (q fixedQuality) Quality(_ context.Context, a id.ActorID, _ string) (float64, bool) {
	v, ok := q[a.String()]
	return v, ok
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestSelect_ScoreBreakdown(t *testing.T) {
	r := router.New(tenantflow.DefaultRoutingConfig())
	a := newActor("org_a", []string{"tax", "audit"}, 2400, 600, 5)
	e := newStep("org_a", 10, 120, "tax", "payroll")

	d := r.Select(context.Background(), router.Request{Step: e, Actors: []*actor.Actor{a}})
	if d.Actor == nil {
		t.Fatalf("no actor selected: %+v", d)
	}
	s := d.Score
	// workload 100-25=75, skill 0.5 overlap * 0.5 quality = 25,
	// availability min(1, 1800/120) = 100, priority fit 100.
	want := router.Score{ActorID: a.ID.String(), Workload: 75, SkillMatch: 25, Availability: 100, PriorityFit: 100}
	want.Total = 0.4*75 + 0.3*25 + 0.2*100 + 0.1*100
	if !approx(s.Workload, want.Workload) || !approx(s.SkillMatch, want.SkillMatch) ||
		!approx(s.Availability, want.Availability) || !approx(s.PriorityFit, want.PriorityFit) ||
		!approx(s.Total, want.Total) {
		t.Errorf("score = %+v, want %+v", s, want)
	}
}

func TestSelect_QualitySignal(t *testing.T) {
	a := newActor("org_a", []string{"tax"}, 2400, 0, 3)
	r := router.New(tenantflow.DefaultRoutingConfig(), router.WithQualitySignal(fixedQuality{a.ID.String(): 0.9}))
	d := r.Select(context.Background(), router.Request{Step: newStep("org_a", 5, 60, "tax"), Actors: []*actor.Actor{a}})
	if !approx(d.Score.SkillMatch, 90) {
		t.Errorf("SkillMatch = %v, want 90", d.Score.SkillMatch)
	}
}

func TestSelect_ExcludesOtherOrgBeforeScoring(t *testing.T) {
	r := router.New(tenantflow.DefaultRoutingConfig())
	foreign := newActor("org_b", []string{"tax"}, 2400, 0, 5)
	local := newActor("org_a", []string{"tax"}, 2400, 1800, 1)

	d := r.Select(context.Background(), router.Request{
		Step:   newStep("org_a", 0, 60, "tax"),
		Actors: []*actor.Actor{foreign, local},
	})
	if d.Excluded[foreign.ID.String()] != router.ExcludedOrg {
		t.Errorf("foreign actor exclusion = %q", d.Excluded[foreign.ID.String()])
	}
	for _, s := range d.Ranked {
		if s.ActorID == foreign.ID.String() {
			t.Fatal("foreign actor was scored")
		}
	}
	if d.Actor != nil && d.Actor.OrgID != "org_a" {
		t.Fatalf("selected actor from %s", d.Actor.OrgID)
	}
}

func TestSelect_Filters(t *testing.T) {
	r := router.New(tenantflow.DefaultRoutingConfig(), router.WithMaxTasksPerActor(2))
	inactive := newActor("org_a", []string{"tax"}, 2400, 0, 3)
	inactive.Active = false
	bot := newActor("org_a", []string{"tax"}, 2400, 0, 3)
	bot.Automated = true
	unskilled := newActor("org_a", []string{"payroll"}, 2400, 0, 3)
	busy := newActor("org_a", []string{"tax"}, 2400, 0, 3)

	d := r.Select(context.Background(), router.Request{
		Step:        newStep("org_a", 0, 60, "tax"),
		Actors:      []*actor.Actor{inactive, bot, unskilled, busy},
		ActiveTasks: map[string]int{busy.ID.String(): 2},
	})
	want := map[string]string{
		inactive.ID.String():  router.ExcludedInactive,
		bot.ID.String():       router.ExcludedKind,
		unskilled.ID.String(): router.ExcludedSkills,
		busy.ID.String():      router.ExcludedCapped,
	}
	for k, v := range want {
		if d.Excluded[k] != v {
			t.Errorf("exclusion[%s] = %q, want %q", k, d.Excluded[k], v)
		}
	}
	if !d.Starved || d.Actor != nil {
		t.Errorf("expected starvation, got %+v", d)
	}
}

func TestSelect_AutomatedStepWithSkillTags(t *testing.T) {
	r := router.New(tenantflow.DefaultRoutingConfig())
	handlers := newActor("org_a", nil, math.MaxInt32, 0, 3)
	handlers.Automated = true
	ocrBot := newActor("org_a", []string{"ocr"}, 2400, 0, 3)
	ocrBot.Automated = true
	mailBot := newActor("org_a", []string{"email"}, 2400, 0, 3)
	mailBot.Automated = true

	e := newStep("org_a", 5, 30, "ocr")
	e.Automated = true

	tests := []struct {
		name     string
		actors   []*actor.Actor
		want     *actor.Actor
		excluded map[*actor.Actor]string
	}{
		{name: "handler actor covers every tag", actors: []*actor.Actor{handlers}, want: handlers},
		{name: "tagged bot matched on its tags", actors: []*actor.Actor{ocrBot}, want: ocrBot},
		{
			name:     "tagged bot without the tag excluded",
			actors:   []*actor.Actor{mailBot, handlers},
			want:     handlers,
			excluded: map[*actor.Actor]string{mailBot: router.ExcludedSkills},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := r.Select(context.Background(), router.Request{Step: e, Actors: tt.actors})
			if d.Actor != tt.want {
				t.Fatalf("selected %v, want %s (excluded %v)", d.Actor, tt.want.ID, d.Excluded)
			}
			if !approx(d.Score.SkillMatch, 50) {
				t.Errorf("SkillMatch = %v, want 50", d.Score.SkillMatch)
			}
			for a, reason := range tt.excluded {
				if d.Excluded[a.ID.String()] != reason {
					t.Errorf("exclusion[%s] = %q, want %q", a.Name, d.Excluded[a.ID.String()], reason)
				}
			}
		})
	}
}

func TestSelect_TieBrokenByActorID(t *testing.T) {
	r := router.New(tenantflow.DefaultRoutingConfig())
	a := newActor("org_a", nil, 2400, 0, 3)
	b := newActor("org_a", nil, 2400, 0, 3)
	first, second := a, b
	if b.ID.String() < a.ID.String() {
		first, second = b, a
	}
	for range 5 {
		d := r.Select(context.Background(), router.Request{Step: newStep("org_a", 5, 60), Actors: []*actor.Actor{second, first}})
		if d.Actor == nil || d.Actor.ID != first.ID {
			t.Fatalf("tie went to %v, want %s", d.Actor, first.ID)
		}
	}
}

func TestSelect_MinScoreIsStrict(t *testing.T) {
	cfg := tenantflow.RoutingConfig{WorkloadWeight: 1, MinScore: 50}
	r := router.New(cfg)
	a := newActor("org_a", nil, 100, 50, 1)
	d := r.Select(context.Background(), router.Request{Step: newStep("org_a", 0, 10), Actors: []*actor.Actor{a}})
	if !d.Starved {
		t.Errorf("score equal to MinScore must not be assigned: %+v", d.Score)
	}
}

// An actor at full capacity holding the only matching skill leaves the step
// ready; the alert fires once after the dwell threshold.
func TestSelect_StarvationAlert(t *testing.T) {
	clk := clock.NewFake(t0)
	logs := &bytes.Buffer{}
	reg := ext.NewRegistry(slog.Default())
	hook := &starveHook{}
	reg.Register(hook)

	r := router.New(tenantflow.DefaultRoutingConfig(),
		router.WithClock(clk),
		router.WithLogger(slog.New(slog.NewTextHandler(logs, nil))),
		router.WithExtensions(reg),
	)
	full := newActor("org_a", []string{"estate-law"}, 2400, 2400, 2)
	e := newStep("org_a", 3, 90, "estate-law")
	req := router.Request{Step: e, Actors: []*actor.Actor{full}}

	clk.Advance(time.Hour)
	if d := r.Select(context.Background(), req); !d.Starved || d.Alerted {
		t.Fatalf("before threshold: %+v", d)
	}

	clk.Advance(3*time.Hour + time.Minute)
	d := r.Select(context.Background(), req)
	if !d.Starved || !d.Alerted || d.Waited <= 4*time.Hour {
		t.Fatalf("after threshold: starved=%v alerted=%v waited=%s", d.Starved, d.Alerted, d.Waited)
	}
	if d2 := r.Select(context.Background(), req); d2.Alerted {
		t.Error("alert fired twice for the same attempt")
	}
	if hook.n != 1 || !strings.Contains(logs.String(), "step starved") {
		t.Errorf("hook fired %d times; logs: %s", hook.n, logs.String())
	}

	e.Attempt = 2
	if d3 := r.Select(context.Background(), req); !d3.Alerted {
		t.Error("new attempt did not alert")
	}
	if n := r.Alerts(); n != 1 {
		t.Errorf("alert records = %d after a second attempt, want 1", n)
	}
}

func TestRetain_DropsStepsNoLongerReady(t *testing.T) {
	clk := clock.NewFake(t0)
	r := router.New(tenantflow.DefaultRoutingConfig(),
		router.WithClock(clk),
		router.WithLogger(slog.New(slog.DiscardHandler)),
	)
	full := newActor("org_a", []string{"estate-law"}, 2400, 2400, 2)
	waiting := newStep("org_a", 3, 90, "estate-law")
	skipped := newStep("org_a", 3, 90, "estate-law")

	clk.Advance(5 * time.Hour)
	for _, e := range []*step.Execution{waiting, skipped} {
		if d := r.Select(context.Background(), router.Request{Step: e, Actors: []*actor.Actor{full}}); !d.Alerted {
			t.Fatalf("step %s did not alert", e.ID)
		}
	}
	if n := r.Alerts(); n != 2 {
		t.Fatalf("alert records = %d, want 2", n)
	}

	if n := r.Retain([]*step.Execution{waiting}); n != 1 {
		t.Errorf("dropped = %d, want 1", n)
	}
	if n := r.Alerts(); n != 1 {
		t.Errorf("alert records = %d after retain, want 1", n)
	}
	if d := r.Select(context.Background(), router.Request{Step: waiting, Actors: []*actor.Actor{full}}); d.Alerted {
		t.Error("retained step alerted again")
	}
	if n := r.Retain(nil); n != 1 || r.Alerts() != 0 {
		t.Errorf("retain of an empty ready set left %d records", r.Alerts())
	}
}

type starveHook struct{ n int }

func (h *starveHook) Name() string { return "starve" }

func (h *starveHook) OnStepStarved(context.Context, *step.Execution, time.Duration) error {
	h.n++
	return nil
}
