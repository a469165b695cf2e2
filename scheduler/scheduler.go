// Package scheduler turns state changes into dispatches. It consumes the
// events recovery and the engine publish, promotes pending steps whose
// dependencies are satisfied, and assigns ready steps to actors through the
// router: automated steps go to the worker pool, human steps wait for their
// assignee.
//
// The scheduler never fails a step; failure policy lives in recovery. All of
// its memory is a cache of the store: a restarted scheduler calls Rebuild
// and carries on.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/xraph/tenantflow"
	"github.com/xraph/tenantflow/clock"
	"github.com/xraph/tenantflow/cluster"
	"github.com/xraph/tenantflow/event"
	"github.com/xraph/tenantflow/ext"
	"github.com/xraph/tenantflow/id"
	"github.com/xraph/tenantflow/instance"
	"github.com/xraph/tenantflow/lock"
	"github.com/xraph/tenantflow/recovery"
	"github.com/xraph/tenantflow/router"
	"github.com/xraph/tenantflow/scope"
	"github.com/xraph/tenantflow/step"
	"github.com/xraph/tenantflow/store"
)

// Dispatcher executes automated steps. worker.Pool satisfies it.
type Dispatcher interface {
	// Reserve claims a slot for a step of orgID without blocking.
	Reserve(orgID string) bool
	// Unreserve returns a slot that will not be used.
	Unreserve(orgID string)
	// Run executes e in a reserved slot and releases lease when done.
	Run(e *step.Execution, lease lock.Lease)
}

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a sweep schedule expression.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// Scheduler consumes events and dispatches ready steps.
type Scheduler struct {
	store      store.Store
	bus        event.Bus
	recovery   *recovery.Manager
	router     *router.Router
	locker     lock.Locker
	pool       Dispatcher
	elector    *cluster.Elector
	extensions *ext.Registry
	clock      clock.Clock
	cfg        tenantflow.Config
	logger     *slog.Logger

	qmu    sync.Mutex
	queue  []event.Event
	signal chan struct{}

	unsubscribe func()
	cron        *cronlib.Cron
	stopCh      chan struct{}
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithConfig sets caps, intervals and the lock TTL.
func WithConfig(cfg tenantflow.Config) Option { return func(s *Scheduler) { s.cfg = cfg } }

// WithRouter sets the actor router.
func WithRouter(r *router.Router) Option { return func(s *Scheduler) { s.router = r } }

// WithLocker sets the step lock backend.
func WithLocker(l lock.Locker) Option { return func(s *Scheduler) { s.locker = l } }

// WithDispatcher sets where automated steps run. Without one, automated
// steps stay ready.
func WithDispatcher(d Dispatcher) Option { return func(s *Scheduler) { s.pool = d } }

// WithElector gates the recovery sweep on cluster leadership.
func WithElector(e *cluster.Elector) Option { return func(s *Scheduler) { s.elector = e } }

// WithExtensions sets the registry notified of readiness and assignment.
func WithExtensions(r *ext.Registry) Option { return func(s *Scheduler) { s.extensions = r } }

// WithClock sets the time source.
func WithClock(c clock.Clock) Option { return func(s *Scheduler) { s.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// New returns a Scheduler over s that consumes bus and sweeps through rec.
func New(s store.Store, bus event.Bus, rec *recovery.Manager, opts ...Option) *Scheduler {
	sc := &Scheduler{
		store:    s,
		bus:      bus,
		recovery: rec,
		clock:    clock.Real{},
		cfg:      tenantflow.DefaultConfig(),
		logger:   slog.Default(),
		signal:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
	for _, o := range opts {
		o(sc)
	}
	if sc.extensions == nil {
		sc.extensions = ext.NewRegistry(sc.logger)
	}
	if sc.locker == nil {
		sc.locker = lock.NewMemory(sc.clock)
	}
	if sc.router == nil {
		sc.router = router.New(sc.cfg.Routing,
			router.WithMaxTasksPerActor(sc.cfg.MaxConcurrentTasksPerActor),
			router.WithClock(sc.clock),
			router.WithExtensions(sc.extensions),
			router.WithLogger(sc.logger),
		)
	}
	return sc
}

// sweepSpec returns the cron expression driving the sweep.
func (s *Scheduler) sweepSpec() string {
	if s.cfg.SweepSchedule != "" {
		return s.cfg.SweepSchedule
	}
	return fmt.Sprintf("@every %s", s.cfg.SweepInterval)
}

// Start subscribes to the bus, rebuilds from the store and launches the
// event loop, the dispatch tick and the sweep schedule.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	s.cron = cronlib.New(cronlib.WithParser(cronParser))
	if _, err := s.cron.AddFunc(s.sweepSpec(), s.sweep); err != nil {
		return fmt.Errorf("scheduler: sweep schedule %q: %w", s.sweepSpec(), err)
	}

	if s.bus != nil {
		s.unsubscribe = s.bus.Subscribe(s.enqueue)
	}
	if err := s.Rebuild(ctx); err != nil {
		s.logger.Error("scheduler rebuild failed", slog.String("error", err.Error()))
	}

	s.running = true
	s.wg.Add(2)
	go s.loop()
	go s.tickLoop()
	s.cron.Start()

	s.logger.Info("scheduler started",
		slog.Duration("tick_interval", s.cfg.TickInterval),
		slog.String("sweep_schedule", s.sweepSpec()),
	)
	return nil
}

// Stop unsubscribes and waits for the loops and any running sweep.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	cronDone := s.cron.Stop()
	close(s.stopCh)
	s.wg.Wait()

	select {
	case <-cronDone.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	s.logger.Info("scheduler stopped")
	return nil
}

// enqueue is the bus handler. The queue is unbounded so publishers never
// block on dispatch.
func (s *Scheduler) enqueue(_ context.Context, evt event.Event) {
	s.qmu.Lock()
	s.queue = append(s.queue, evt)
	s.qmu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Scheduler) drain() []event.Event {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	out := s.queue
	s.queue = nil
	return out
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.signal:
			for _, evt := range s.drain() {
				if err := s.Process(context.Background(), evt); err != nil {
					s.logger.Warn("event processing failed",
						slog.String("kind", string(evt.Kind)),
						slog.String("instance_id", evt.InstanceID.String()),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}
}

func (s *Scheduler) tickLoop() {
	defer s.wg.Done()
	if s.cfg.TickInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.Tick(context.Background()); err != nil {
				s.logger.Warn("dispatch tick failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (s *Scheduler) sweep() {
	if _, _, err := s.Sweep(context.Background()); err != nil {
		s.logger.Error("sweep failed", slog.String("error", err.Error()))
	}
}

// Sweep runs the recovery sweep if this node may. It reports whether the
// sweep ran; with an elector configured only the leader sweeps.
func (s *Scheduler) Sweep(ctx context.Context) (recovery.SweepResult, bool, error) {
	if s.elector != nil && !s.elector.IsLeader() {
		return recovery.SweepResult{}, false, nil
	}
	res, err := s.recovery.Sweep(ctx)
	return res, true, err
}

// Process applies one event. It is what the event loop calls and is safe to
// call directly; every step it takes re-reads the store.
func (s *Scheduler) Process(ctx context.Context, evt event.Event) error {
	if evt.OrgID == "" || evt.InstanceID.IsNil() {
		return nil
	}
	ctx = scope.WithOrg(ctx, evt.OrgID)

	switch evt.Kind {
	case event.InstanceCreated, event.InstanceResumed:
		return s.Evaluate(ctx, evt.InstanceID)
	case event.StepCompleted, event.StepSkipped:
		inst, err := s.store.GetInstance(ctx, evt.InstanceID)
		if err != nil {
			return err
		}
		if err := s.promote(ctx, inst, inst.Graph.DirectDependents(evt.StepID)); err != nil {
			return err
		}
		return s.dispatchInstance(ctx, inst)
	case event.StepFailed, event.StepReclaimed, event.StepRetrying:
		return s.DispatchInstance(ctx, evt.InstanceID)
	}
	return nil
}

// Evaluate promotes every pending step of the instance whose dependencies
// are satisfied and dispatches what is ready.
func (s *Scheduler) Evaluate(ctx context.Context, instanceID id.InstanceID) error {
	inst, err := s.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if err := s.promote(ctx, inst, nil); err != nil {
		return err
	}
	return s.dispatchInstance(ctx, inst)
}

// Tick re-lists ready steps across organizations and retries those a cap,
// throttle, backoff gate or starvation held back. Starvation records of
// steps that are no longer ready are dropped.
func (s *Scheduler) Tick(ctx context.Context) error {
	sys := scope.WithSystem(ctx)
	ready, err := s.store.FindSteps(sys, step.Filter{Statuses: []step.Status{step.StatusReady}})
	if err != nil {
		return fmt.Errorf("scheduler: tick: %w", err)
	}
	s.router.Retain(ready)

	seen := make(map[string]bool)
	for _, e := range ready {
		k := e.InstanceID.String()
		if seen[k] {
			continue
		}
		seen[k] = true
		if err := s.DispatchInstance(scope.WithOrg(sys, e.OrgID), e.InstanceID); err != nil {
			s.logger.Warn("tick dispatch failed",
				slog.String("instance_id", k),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// Rebuild re-evaluates every running instance from the store and finalizes
// instances whose steps all finished while no scheduler was watching.
func (s *Scheduler) Rebuild(ctx context.Context) error {
	sys := scope.WithSystem(ctx)
	insts, err := s.store.ListInstances(sys, instance.ListOpts{Statuses: []instance.Status{instance.StatusRunning}})
	if err != nil {
		return fmt.Errorf("scheduler: rebuild: %w", err)
	}
	for _, inst := range insts {
		octx := scope.WithOrg(sys, inst.OrgID)
		if _, err := s.recovery.Finalize(octx, inst.ID); err != nil {
			s.logger.Warn("rebuild finalize failed",
				slog.String("instance_id", inst.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := s.Evaluate(octx, inst.ID); err != nil {
			s.logger.Warn("rebuild evaluate failed",
				slog.String("instance_id", inst.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	s.logger.Info("scheduler rebuilt", slog.Int("instances", len(insts)))
	return nil
}
