package worker_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/tenantflow"
	"github.com/xraph/tenantflow/cache"
	"github.com/xraph/tenantflow/graph"
	"github.com/xraph/tenantflow/guard"
	"github.com/xraph/tenantflow/handler"
	"github.com/xraph/tenantflow/id"
	"github.com/xraph/tenantflow/instance"
	"github.com/xraph/tenantflow/lock"
	"github.com/xraph/tenantflow/middleware"
	"github.com/xraph/tenantflow/recovery"
	"github.com/xraph/tenantflow/scope"
	"github.com/xraph/tenantflow/step"
	"github.com/xraph/tenantflow/store"
	"github.com/xraph/tenantflow/store/memory"
	"github.com/xraph/tenantflow/template"
	"github.com/xraph/tenantflow/throttle"
	"github.com/xraph/tenantflow/worker"
)

const org = "org_acme"

type harness struct {
	ctx      context.Context
	store    store.Store
	handlers *handler.Registry
	recovery *recovery.Manager
	locker   *lock.Memory
	pool     *worker.Pool
}

func setupTestPool(t *testing.T, concurrency int, opts ...worker.ExecutorOption) *harness {
	t.Helper()
	logger := slog.Default()
	s := guard.New(memory.New())
	handlers := handler.NewRegistry()
	rec := recovery.New(s, nil, recovery.WithLogger(logger))

	opts = append([]worker.ExecutorOption{
		worker.WithMiddleware(middleware.Recover(logger), middleware.Timeout(logger)),
	}, opts...)
	exec := worker.NewExecutor(s, handlers, rec, opts...)
	pool := worker.NewPool(exec, s,
		worker.WithPoolConcurrency(concurrency),
		worker.WithHeartbeatInterval(20*time.Millisecond),
	)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
	})

	return &harness{
		ctx:      scope.WithOrg(context.Background(), org),
		store:    s,
		handlers: handlers,
		recovery: rec,
		locker:   lock.NewMemory(nil),
		pool:     pool,
	}
}

// create stores a running instance and returns its steps by step id.
func (h *harness) create(t *testing.T, input string, defs ...template.StepDefinition) map[string]*step.Execution {
	t.Helper()
	dag, err := graph.Compile(&template.Template{Name: "filing", Version: 1, Steps: defs})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	now := time.Now().UTC()
	inst := &instance.Instance{
		Entity:          tenantflow.NewEntity(),
		ID:              id.NewInstanceID(),
		TemplateName:    "filing",
		TemplateVersion: 1,
		OrgID:           org,
		Status:          instance.StatusRunning,
		Context:         json.RawMessage(input),
		EntityRefs:      []string{"client:42"},
		Graph:           dag,
		StartedAt:       &now,
	}
	execs := instance.Materialize(inst, instance.MaterializeOpts{
		DefaultMaxRetries: 3,
		DefaultTimeout:    time.Minute,
		Automated:         h.handlers.Has,
	})
	if err := h.store.CreateInstance(h.ctx, inst, execs); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	out := make(map[string]*step.Execution, len(execs))
	for _, e := range execs {
		out[e.StepID] = e
	}
	return out
}

// dispatch assigns e and hands it to the pool the way the scheduler does.
func (h *harness) dispatch(t *testing.T, e *step.Execution) lock.Lease {
	t.Helper()
	lease, err := h.locker.Acquire(h.ctx, lock.StepKey(e.ID.String()), time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	now := time.Now().UTC()
	assigned, err := step.Mutate(h.ctx, h.store, e.ID, func(e *step.Execution) error {
		if e.Status == step.StatusPending {
			if err := e.Transition(step.StatusReady); err != nil {
				return err
			}
		}
		if err := e.Transition(step.StatusAssigned); err != nil {
			return err
		}
		e.AssignedAt = &now
		return nil
	})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if !h.pool.Reserve(org) {
		t.Fatal("Reserve refused an idle pool")
	}
	h.pool.Run(assigned, lease)
	return lease
}

func (h *harness) waitFor(t *testing.T, e *step.Execution, want step.Status) *step.Execution {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := h.store.GetStep(h.ctx, e.ID)
		if err != nil {
			t.Fatalf("GetStep: %v", err)
		}
		if got.Status == want {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("step %s stuck in %s, want %s", e.StepID, got.Status, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func automated(stepID string, deps ...string) template.StepDefinition {
	return template.StepDefinition{ID: stepID, TaskType: "tax." + stepID, DependsOn: deps}
}

func TestPool_StartStop(t *testing.T) {
	h := setupTestPool(t, 2)

	// Double start should be no-op.
	if err := h.pool.Start(context.Background()); err != nil {
		t.Fatalf("unexpected double-start error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.pool.Stop(ctx); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}
	if err := h.pool.Stop(ctx); err != nil {
		t.Fatalf("unexpected double-stop error: %v", err)
	}
	if h.pool.Reserve(org) {
		t.Error("stopped pool accepted a reservation")
	}
}

func TestPool_CompletesStepAndPassesUpstream(t *testing.T) {
	h := setupTestPool(t, 2)

	h.handlers.RegisterFunc("tax.collect", func(_ context.Context, _ handler.Input) handler.Result {
		return handler.Succeed(json.RawMessage(`{"income":1200}`))
	})
	type collected struct {
		Income int `json:"income"`
	}
	var seen atomic.Int64
	h.handlers.Register("tax.prepare", handler.Typed(func(_ context.Context, in handler.Input, _ json.RawMessage) (map[string]int, error) {
		c, ok, err := handler.Upstream[collected](in, "collect")
		if err != nil || !ok {
			return nil, handler.Permanent(err)
		}
		seen.Store(int64(c.Income))
		return map[string]int{"tax": c.Income / 10}, nil
	}))

	steps := h.create(t, `{"client":"c-42"}`, automated("collect"), automated("prepare", "collect"))

	lease := h.dispatch(t, steps["collect"])
	got := h.waitFor(t, steps["collect"], step.StatusCompleted)
	if string(got.Result) != `{"income":1200}` {
		t.Errorf("collect result = %s", got.Result)
	}

	h.dispatch(t, steps["prepare"])
	got = h.waitFor(t, steps["prepare"], step.StatusCompleted)
	if seen.Load() != 1200 {
		t.Errorf("prepare saw upstream income %d", seen.Load())
	}
	if string(got.Result) != `{"tax":120}` {
		t.Errorf("prepare result = %s", got.Result)
	}

	deadline := time.Now().Add(time.Second)
	for h.pool.Active() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.locker.Held(lease.Key()) {
		t.Error("lease still held after the step finished")
	}
}

func TestPool_TimeoutOutcomeReclaims(t *testing.T) {
	h := setupTestPool(t, 1)
	h.handlers.RegisterFunc("tax.file", func(_ context.Context, _ handler.Input) handler.Result {
		return handler.Retry(context.DeadlineExceeded) // what Timeout substitutes
	})
	steps := h.create(t, `{}`, automated("file"))

	h.dispatch(t, steps["file"])
	got := h.waitFor(t, steps["file"], step.StatusReady)
	if got.Attempt != 2 {
		t.Fatalf("attempt = %d, want 2 after reclaim", got.Attempt)
	}
	// The timeout outcome is reclaimed immediately rather than backed off.
	if got.NotBefore != nil {
		t.Errorf("NotBefore = %v, want nil for a reclaim", got.NotBefore)
	}
}

func TestPool_ReserveBounds(t *testing.T) {
	h := setupTestPool(t, 1)
	if !h.pool.Reserve(org) {
		t.Fatal("first Reserve refused")
	}
	if h.pool.Reserve("org_other") {
		t.Fatal("Reserve exceeded pool concurrency")
	}
	h.pool.Unreserve(org)
	if !h.pool.Reserve("org_other") {
		t.Fatal("Reserve refused after Unreserve")
	}
	h.pool.Unreserve("org_other")
}

func TestPool_ThrottlePerOrganization(t *testing.T) {
	s := guard.New(memory.New())
	exec := worker.NewExecutor(s, handler.NewRegistry(), recovery.New(s, nil))
	tm := throttle.NewManager(throttle.Config{MaxConcurrency: 1})
	pool := worker.NewPool(exec, s, worker.WithPoolConcurrency(4), worker.WithThrottle(tm))

	if !pool.Reserve("org_a") {
		t.Fatal("org_a refused")
	}
	if pool.Reserve("org_a") {
		t.Fatal("org_a exceeded its concurrency")
	}
	if !pool.Reserve("org_b") {
		t.Fatal("org_b throttled by org_a")
	}
	pool.Unreserve("org_a")
	if tm.Active("org_a") != 0 {
		t.Errorf("org_a active = %d after Unreserve", tm.Active("org_a"))
	}
}

func TestPool_CancelInstance(t *testing.T) {
	h := setupTestPool(t, 2)
	started := make(chan struct{})
	h.handlers.RegisterFunc("tax.review", func(ctx context.Context, _ handler.Input) handler.Result {
		close(started)
		<-ctx.Done()
		return handler.Retry(ctx.Err())
	})
	steps := h.create(t, `{}`, automated("review"))
	h.dispatch(t, steps["review"])
	<-started

	inst, err := h.store.GetInstance(h.ctx, steps["review"].InstanceID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.recovery.SkipRemaining(h.ctx, inst, "instance cancelled", true); err != nil {
		t.Fatal(err)
	}
	if n := h.pool.CancelInstance(inst.ID); n != 1 {
		t.Fatalf("cancelled = %d, want 1", n)
	}

	got := h.waitFor(t, steps["review"], step.StatusSkipped)
	if got.Attempt != 1 {
		t.Errorf("late failure consumed an attempt: %d", got.Attempt)
	}
}

func TestExecutor_CachedResultSkipsHandler(t *testing.T) {
	c := cache.New(cache.NewMemory(nil))
	h := setupTestPool(t, 2, worker.WithCache(c))

	var calls atomic.Int32
	h.handlers.RegisterFunc("tax.score", func(_ context.Context, _ handler.Input) handler.Result {
		calls.Add(1)
		return handler.Succeed(json.RawMessage(`{"score":7}`))
	})
	def := automated("score")
	def.Cacheable = true
	def.CacheTTLSeconds = 600

	first := h.create(t, `{"client":"c-42"}`, def)
	h.dispatch(t, first["score"])
	h.waitFor(t, first["score"], step.StatusCompleted)

	second := h.create(t, `{"client":"c-42"}`, def)
	h.dispatch(t, second["score"])
	got := h.waitFor(t, second["score"], step.StatusCompleted)

	if calls.Load() != 1 {
		t.Errorf("handler calls = %d, want 1", calls.Load())
	}
	if string(got.Result) != `{"score":7}` {
		t.Errorf("cached result = %s", got.Result)
	}

	if n, err := c.InvalidateEntity(h.ctx, org, "client:42"); err != nil || n != 1 {
		t.Fatalf("InvalidateEntity = %d, %v", n, err)
	}
	third := h.create(t, `{"client":"c-42"}`, def)
	h.dispatch(t, third["score"])
	h.waitFor(t, third["score"], step.StatusCompleted)
	if calls.Load() != 2 {
		t.Errorf("handler calls after invalidation = %d, want 2", calls.Load())
	}
}
