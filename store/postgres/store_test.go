package postgres_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xraph/tenantflow"
	"github.com/xraph/tenantflow/actor"
	"github.com/xraph/tenantflow/graph"
	"github.com/xraph/tenantflow/id"
	"github.com/xraph/tenantflow/instance"
	"github.com/xraph/tenantflow/step"
	"github.com/xraph/tenantflow/store/postgres"
	"github.com/xraph/tenantflow/template"
)

// setupStore starts a Postgres container and returns a migrated Store. It
// skips unless TENANTFLOW_PG_TESTS is set.
func setupStore(t *testing.T) *postgres.Store {
	t.Helper()
	if os.Getenv("TENANTFLOW_PG_TESTS") == "" {
		t.Skip("set TENANTFLOW_PG_TESTS=1 to run postgres integration tests")
	}

	ctx := context.Background()
	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("tenantflow_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err, "start postgres container")
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := postgres.New(ctx, connStr, postgres.WithLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Migrate(ctx))
	return s
}

func publish(t *testing.T, s *postgres.Store, name string, version int) *template.Template {
	t.Helper()
	tpl := &template.Template{
		Entity:  tenantflow.NewEntity(),
		ID:      id.NewTemplateID(),
		Name:    name,
		Version: version,
		Steps: []template.StepDefinition{
			{ID: "intake", TaskType: "intake", Priority: 1},
			{ID: "review", TaskType: "review", DependsOn: []string{"intake"}, RequiredSkillTags: []string{"tax"}, IsCritical: true},
			{ID: "file", TaskType: "file", DependsOn: []string{"review"}, Priority: 5},
		},
		PublishedAt: time.Now().UTC(),
	}
	require.NoError(t, s.PublishTemplate(context.Background(), tpl))
	return tpl
}

func newInstance(t *testing.T, tpl *template.Template, org string) (*instance.Instance, []*step.Execution) {
	t.Helper()
	g, err := graph.Compile(tpl)
	require.NoError(t, err)
	inst := &instance.Instance{
		Entity:          tenantflow.NewEntity(),
		ID:              id.NewInstanceID(),
		TemplateName:    tpl.Name,
		TemplateVersion: tpl.Version,
		OrgID:           org,
		Status:          instance.StatusRunning,
		Context:         []byte(`{"client":"42"}`),
		EntityRefs:      []string{"client:42"},
		Graph:           g,
	}
	steps := instance.Materialize(inst, instance.MaterializeOpts{
		DefaultMaxRetries: 3,
		DefaultTimeout:    time.Minute,
	})
	return inst, steps
}

func TestStore_MigrateIsIdempotent(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Ping(ctx))
}

func TestStore_Templates(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	publish(t, s, "tax-return", 1)
	publish(t, s, "tax-return", 2)
	publish(t, s, "onboarding", 1)

	err := s.PublishTemplate(ctx, &template.Template{ID: id.NewTemplateID(), Name: "tax-return", Version: 2})
	assert.ErrorIs(t, err, tenantflow.ErrTemplateVersionExists)

	latest, err := s.LatestTemplate(ctx, "tax-return")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
	require.Len(t, latest.Steps, 3)
	assert.Equal(t, []string{"review"}, latest.Steps[2].DependsOn)
	assert.True(t, latest.Steps[1].IsCritical)

	_, err = s.GetTemplate(ctx, "tax-return", 9)
	assert.ErrorIs(t, err, tenantflow.ErrTemplateNotFound)

	all, err := s.ListTemplates(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "onboarding", all[0].Name)
	assert.Equal(t, 2, all[1].Version)
}

func TestStore_InstanceRoundTripAndCAS(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	tpl := publish(t, s, "tax-return", 1)

	inst, steps := newInstance(t, tpl, "org_a")
	require.NoError(t, s.CreateInstance(ctx, inst, steps))
	assert.ErrorIs(t, s.CreateInstance(ctx, inst, nil), tenantflow.ErrInstanceExists)

	got, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "org_a", got.OrgID)
	assert.JSONEq(t, `{"client":"42"}`, string(got.Context))
	assert.Equal(t, []string{"client:42"}, got.EntityRefs)
	require.NotNil(t, got.Graph)
	assert.Equal(t, []string{"review", "file"}, got.Graph.Downstream("intake"))

	a, _ := s.GetInstance(ctx, inst.ID)
	b, _ := s.GetInstance(ctx, inst.ID)
	a.Status = instance.StatusPaused
	a.StatusReason = "waiting on client"
	require.NoError(t, s.UpdateInstance(ctx, a))
	assert.Equal(t, got.Version+1, a.Version)

	b.Status = instance.StatusCancelled
	assert.ErrorIs(t, s.UpdateInstance(ctx, b), tenantflow.ErrVersionConflict)

	missing := inst.Clone()
	missing.ID = id.NewInstanceID()
	assert.ErrorIs(t, s.UpdateInstance(ctx, missing), tenantflow.ErrInstanceNotFound)

	other, otherSteps := newInstance(t, tpl, "org_b")
	require.NoError(t, s.CreateInstance(ctx, other, otherSteps))

	list, err := s.ListInstances(ctx, instance.ListOpts{OrgID: "org_a"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, instance.StatusPaused, list[0].Status)

	list, err = s.ListInstances(ctx, instance.ListOpts{Statuses: []instance.Status{instance.StatusRunning}})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "org_b", list[0].OrgID)
}

func TestStore_StepsCASAndCheckpoint(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	tpl := publish(t, s, "tax-return", 1)
	inst, steps := newInstance(t, tpl, "org_a")
	require.NoError(t, s.CreateInstance(ctx, inst, steps))

	listed, err := s.ListSteps(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, listed, 3)
	assert.Equal(t, "intake", listed[0].StepID)
	assert.Equal(t, []string{"tax"}, listed[1].RequiredSkillTags)
	assert.Equal(t, 3, listed[1].MaxRetries)

	e, err := s.GetStep(ctx, steps[0].ID)
	require.NoError(t, err)
	stale := e.Clone()

	now := time.Now().UTC()
	e.Status = step.StatusAssigned
	e.AssigneeID = "actor_x"
	e.AssignedAt = &now
	require.NoError(t, s.UpdateStep(ctx, e))

	stale.Status = step.StatusSkipped
	assert.ErrorIs(t, s.UpdateStep(ctx, stale), tenantflow.ErrVersionConflict)

	e.Status = step.StatusRunning
	e.StartedAt = &now
	e.CheckpointAt = &now
	cp := &step.Checkpoint{
		ID:              id.New(id.PrefixCheckpoint),
		StepExecutionID: e.ID,
		InstanceID:      inst.ID,
		OrgID:           "org_a",
		ActorID:         "actor_x",
		Attempt:         e.Attempt,
		RecordedAt:      now,
	}
	require.NoError(t, s.StartStep(ctx, e, cp))

	// A lost compare-and-set writes no checkpoint.
	stale, _ = s.GetStep(ctx, e.ID)
	stale.Version--
	assert.ErrorIs(t, s.StartStep(ctx, stale, &step.Checkpoint{
		ID: id.New(id.PrefixCheckpoint), StepExecutionID: e.ID, InstanceID: inst.ID,
		OrgID: "org_a", ActorID: "actor_y", Attempt: 1, RecordedAt: now,
	}), tenantflow.ErrVersionConflict)

	cps, err := s.ListCheckpoints(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Equal(t, "actor_x", cps[0].ActorID)

	require.NoError(t, s.HeartbeatStep(ctx, e.ID, e.Attempt, now.Add(time.Second)))
	assert.ErrorIs(t, s.HeartbeatStep(ctx, e.ID, e.Attempt+1, now), tenantflow.ErrStaleResult)
	assert.ErrorIs(t, s.HeartbeatStep(ctx, id.NewStepID(), 1, now), tenantflow.ErrStepNotFound)

	e.Status = step.StatusCompleted
	e.Result = []byte(`{"ok":true}`)
	require.NoError(t, s.UpdateStep(ctx, e))
	done, err := s.GetStep(ctx, e.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(done.Result))

	found, err := s.FindSteps(ctx, step.Filter{OrgID: "org_a", Statuses: []step.Status{step.StatusPending}})
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "file", found[0].StepID, "higher priority first")

	n, err := s.CountSteps(ctx, step.Filter{InstanceID: inst.ID, AssigneeID: "actor_x"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStore_Actors(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	alice := &actor.Actor{
		Entity: tenantflow.NewEntity(), ID: id.NewActorID(), OrgID: "org_a", Name: "alice",
		SkillTags: []string{"tax"}, WeeklyCapacityMinutes: 600, Seniority: 3, Active: true,
	}
	bot := &actor.Actor{
		Entity: tenantflow.NewEntity(), ID: id.NewActorID(), OrgID: "org_a", Name: "handlers",
		WeeklyCapacityMinutes: 1 << 20, Seniority: 3, Automated: true, Active: true,
	}
	for _, a := range []*actor.Actor{alice, bot} {
		require.NoError(t, s.CreateActor(ctx, a))
	}
	assert.ErrorIs(t, s.CreateActor(ctx, alice), tenantflow.ErrActorExists)

	require.NoError(t, s.AdjustActorLoad(ctx, alice.ID, 90))
	require.NoError(t, s.AdjustActorLoad(ctx, alice.ID, -200))
	got, err := s.GetActor(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CurrentLoadMinutes, "load clamps at zero")

	require.NoError(t, s.AdjustActorLoad(ctx, alice.ID, 30))
	got.Name = "Alice"
	got.CurrentLoadMinutes = 999
	require.NoError(t, s.UpdateActor(ctx, got))
	got, _ = s.GetActor(ctx, alice.ID)
	assert.Equal(t, "Alice", got.Name)
	assert.Equal(t, 30, got.CurrentLoadMinutes, "UpdateActor keeps load")

	humans := false
	list, err := s.ListActors(ctx, actor.ListOpts{OrgID: "org_a", ActiveOnly: true, Automated: &humans})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, alice.ID, list[0].ID)

	list, err = s.ListActors(ctx, actor.ListOpts{OrgID: "org_b"})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestLocker(t *testing.T) {
	s := setupStore(t)
	l := postgres.NewLocker(s)
	ctx := context.Background()

	first, err := l.Acquire(ctx, "step:a", 300*time.Millisecond)
	require.NoError(t, err)
	_, err = l.Acquire(ctx, "step:a", time.Minute)
	assert.ErrorIs(t, err, tenantflow.ErrLockHeld)

	time.Sleep(500 * time.Millisecond)
	second, err := l.Acquire(ctx, "step:a", time.Minute)
	require.NoError(t, err, "expired lease is re-acquirable")

	assert.ErrorIs(t, first.Extend(ctx, time.Minute), tenantflow.ErrLockLost)
	require.NoError(t, first.Release(ctx))
	_, err = l.Acquire(ctx, "step:a", time.Minute)
	assert.ErrorIs(t, err, tenantflow.ErrLockHeld, "stale owner must not release")

	require.NoError(t, second.Extend(ctx, time.Minute))
	require.NoError(t, second.Release(ctx))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Acquire(ctx, "step:b", time.Minute); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}
