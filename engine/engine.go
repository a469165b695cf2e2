// Package engine wires the tenantflow subsystems together. It creates the
// extension registry, the template registry, the recovery manager, the
// worker pool and the scheduler, and exposes the public instance and step
// operations.
//
// This package exists to break the import cycle: the root tenantflow
// package defines Entity and the errors (imported by every subsystem) and so
// cannot import those packages back. The engine package sits above all
// subsystem packages and below the application layer.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	gu "github.com/xraph/go-utils/metrics"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/tenantflow"
	"github.com/xraph/tenantflow/actor"
	"github.com/xraph/tenantflow/backoff"
	"github.com/xraph/tenantflow/cache"
	"github.com/xraph/tenantflow/clock"
	"github.com/xraph/tenantflow/cluster"
	"github.com/xraph/tenantflow/event"
	"github.com/xraph/tenantflow/ext"
	"github.com/xraph/tenantflow/guard"
	"github.com/xraph/tenantflow/handler"
	"github.com/xraph/tenantflow/id"
	"github.com/xraph/tenantflow/lock"
	mw "github.com/xraph/tenantflow/middleware"
	"github.com/xraph/tenantflow/observability"
	"github.com/xraph/tenantflow/recovery"
	"github.com/xraph/tenantflow/registry"
	"github.com/xraph/tenantflow/router"
	"github.com/xraph/tenantflow/scheduler"
	"github.com/xraph/tenantflow/store"
	"github.com/xraph/tenantflow/stream"
	"github.com/xraph/tenantflow/throttle"
	"github.com/xraph/tenantflow/worker"
)

const instrumentationName = "github.com/xraph/tenantflow"

// handlerActorName names the automated actor provisioned per organization
// to run handler-backed steps.
const handlerActorName = "handlers"

// Engine is a running tenantflow node. Use Build to create one from a
// Runtime.
type Engine struct {
	rt         *tenantflow.Runtime
	cfg        tenantflow.Config
	store      *guard.Store
	extensions *ext.Registry
	handlers   *handler.Registry
	templates  *registry.Registry
	bus        event.Bus
	locker     lock.Locker
	cache      *cache.Cache
	elector    *cluster.Elector
	throttle   *throttle.Manager
	recovery   *recovery.Manager
	pool       *worker.Pool
	scheduler  *scheduler.Scheduler
	broker     *stream.Broker
	clock      clock.Clock
	bo         backoff.Strategy
	mws        []mw.Middleware
	quality    router.QualitySignal
	logger     *slog.Logger

	cacheBackend   cache.Backend
	electorOpts    []cluster.ElectorOption
	elect          bool
	orgLimits      []throttle.Config
	metricFactory  gu.MetricFactory
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	streamOpts     []stream.BrokerOption
	streaming      bool

	actorsMu sync.Mutex
	actors   map[string]id.ActorID
}

// Option configures an Engine.
type Option func(*Engine)

// WithExtension registers an extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) {
		eng.extensions.Register(e)
	}
}

// WithMiddleware adds middleware to the engine's chain. It runs inside the
// default stack, closest to the handler.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) {
		eng.mws = append(eng.mws, m)
	}
}

// WithBackoff sets the retry backoff strategy.
// If not set, backoff.Default() (exponential with jitter) is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) {
		eng.bo = b
	}
}

// WithStreamBroker enables the live event stream. The broker receives
// every bus event, including those published by other nodes when the bus
// is distributed.
func WithStreamBroker(opts ...stream.BrokerOption) Option {
	return func(eng *Engine) {
		eng.streaming = true
		eng.streamOpts = append(eng.streamOpts, opts...)
	}
}

// WithLocker sets the distributed lock used for step dispatch and leader
// election. If not set, an in-process lock is used, which is only correct
// for a single node.
func WithLocker(l lock.Locker) Option {
	return func(eng *Engine) {
		eng.locker = l
	}
}

// WithBus sets the event bus. If not set, an in-process bus is used.
func WithBus(b event.Bus) Option {
	return func(eng *Engine) {
		eng.bus = b
	}
}

// WithCacheBackend sets where cacheable step results are stored. If not
// set, results are cached in process memory.
func WithCacheBackend(b cache.Backend) Option {
	return func(eng *Engine) {
		eng.cacheBackend = b
	}
}

// WithLeaderElection campaigns for cluster leadership over the engine's
// locker. Only the leader runs the staleness sweep.
func WithLeaderElection(opts ...cluster.ElectorOption) Option {
	return func(eng *Engine) {
		eng.elect = true
		eng.electorOpts = append(eng.electorOpts, opts...)
	}
}

// WithOrgLimits overrides the configured per-organization throttle for
// specific organizations.
func WithOrgLimits(limits ...throttle.Config) Option {
	return func(eng *Engine) {
		eng.orgLimits = append(eng.orgLimits, limits...)
	}
}

// WithQualitySignal sets the historical quality source used by the router.
func WithQualitySignal(q router.QualitySignal) Option {
	return func(eng *Engine) {
		eng.quality = q
	}
}

// WithClock sets the time source. Tests use clock.Fake.
func WithClock(c clock.Clock) Option {
	return func(eng *Engine) {
		eng.clock = c
	}
}

// WithMetricFactory sets the go-utils metric factory used by the
// observability extension.
func WithMetricFactory(f gu.MetricFactory) Option {
	return func(eng *Engine) {
		eng.metricFactory = f
	}
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// If not set, the global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) {
		eng.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom OTel MeterProvider for the metrics
// middleware. If not set, the global otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) {
		eng.meterProvider = mp
	}
}

// Build creates an Engine from a Runtime. The Runtime's store must
// implement store.Store.
func Build(rt *tenantflow.Runtime, opts ...Option) (*Engine, error) {
	logger := rt.Logger()
	if rt.Store() == nil {
		return nil, tenantflow.ErrNoStore
	}
	s, ok := rt.Store().(store.Store)
	if !ok {
		return nil, fmt.Errorf("tenantflow: store does not implement store.Store")
	}

	eng := &Engine{
		rt:         rt,
		cfg:        rt.Config(),
		extensions: ext.NewRegistry(logger),
		handlers:   handler.NewRegistry(),
		clock:      clock.Real{},
		logger:     logger,
		actors:     make(map[string]id.ActorID),
	}
	for _, opt := range opts {
		opt(eng)
	}

	if eng.bo == nil {
		eng.bo = backoff.Default()
	}
	if eng.bus == nil {
		eng.bus = event.NewLocal()
	}
	if eng.locker == nil {
		eng.locker = lock.NewMemory(eng.clock)
	}
	if eng.cacheBackend == nil {
		eng.cacheBackend = cache.NewMemory(eng.clock)
	}

	var obsExt *observability.MetricsExtension
	if eng.metricFactory != nil {
		obsExt = observability.NewMetricsExtensionWithFactory(eng.metricFactory)
	} else {
		obsExt = observability.NewMetricsExtension()
	}
	eng.extensions.Register(obsExt)

	if eng.streaming {
		eng.broker = stream.NewBroker(logger, eng.streamOpts...)
		eng.broker.Attach(eng.bus)
		eng.extensions.Register(eng.broker)
	}

	eng.store = guard.New(s, guard.WithLogger(logger), guard.WithExtensions(eng.extensions))
	eng.templates = registry.New(eng.store, registry.WithLogger(logger))
	eng.cache = cache.New(eng.cacheBackend, cache.WithLogger(logger))
	eng.throttle = throttle.NewManager(throttle.Config{
		MaxConcurrency: eng.cfg.OrgMaxConcurrency,
		RateLimit:      eng.cfg.OrgDispatchRate,
		RateBurst:      eng.cfg.OrgDispatchBurst,
	}, eng.orgLimits...)

	eng.recovery = recovery.New(eng.store, eng.bus,
		recovery.WithClock(eng.clock),
		recovery.WithLogger(logger),
		recovery.WithExtensions(eng.extensions),
		recovery.WithBackoff(eng.bo),
		recovery.WithStalenessThreshold(eng.cfg.StalenessThreshold),
	)

	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(eng.tracerProvider.Tracer(instrumentationName))
	} else {
		tracingMw = mw.Tracing()
	}
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(eng.meterProvider.Meter(instrumentationName))
	} else {
		metricsMw = mw.Metrics()
	}

	// recover → tracing → metrics → logging → scope → timeout → user.
	allMws := append([]mw.Middleware{
		mw.Recover(logger),
		tracingMw,
		metricsMw,
		mw.Logging(logger),
		mw.Scope(),
		mw.Timeout(logger),
	}, eng.mws...)

	executor := worker.NewExecutor(eng.store, eng.handlers, eng.recovery,
		worker.WithCache(eng.cache),
		worker.WithMiddleware(allMws...),
		worker.WithExtensions(eng.extensions),
		worker.WithExecutorLogger(logger),
	)
	eng.pool = worker.NewPool(executor, eng.store,
		worker.WithPoolConcurrency(eng.cfg.Concurrency),
		worker.WithHeartbeatInterval(eng.cfg.HeartbeatInterval),
		worker.WithLeaseTTL(eng.cfg.LockTTL),
		worker.WithThrottle(eng.throttle),
		worker.WithPoolClock(eng.clock),
		worker.WithPoolLogger(logger),
	)

	if eng.elect {
		electorOpts := append([]cluster.ElectorOption{
			cluster.WithClock(eng.clock),
			cluster.WithLogger(logger),
			cluster.WithConcurrency(eng.cfg.Concurrency),
		}, eng.electorOpts...)
		eng.elector = cluster.NewElector(eng.locker, electorOpts...)
	}

	rtr := router.New(eng.cfg.Routing,
		router.WithQualitySignal(eng.quality),
		router.WithMaxTasksPerActor(eng.cfg.MaxConcurrentTasksPerActor),
		router.WithClock(eng.clock),
		router.WithLogger(logger),
		router.WithExtensions(eng.extensions),
	)
	eng.scheduler = scheduler.New(eng.store, eng.bus, eng.recovery,
		scheduler.WithConfig(eng.cfg),
		scheduler.WithRouter(rtr),
		scheduler.WithLocker(eng.locker),
		scheduler.WithDispatcher(eng.pool),
		scheduler.WithElector(eng.elector),
		scheduler.WithExtensions(eng.extensions),
		scheduler.WithClock(eng.clock),
		scheduler.WithLogger(logger),
	)

	// The pool, elector and a distributed bus come up together; the
	// scheduler needs all of them.
	base := group{eng.pool}
	if eng.elector != nil {
		base = append(base, eng.elector)
	}
	if b, ok := eng.bus.(lifecycle); ok {
		base = append(base, b)
	}
	base = append(base, &listener{eng: eng})
	rt.AddService(base)
	rt.AddService(eng.scheduler)
	rt.SetExtensions(eng.extensions)

	return eng, nil
}

// lifecycle is what Runtime.AddService accepts.
type lifecycle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// group starts and stops its members concurrently.
type group []lifecycle

func (g group) Start(ctx context.Context) error {
	var eg errgroup.Group
	for _, s := range g {
		eg.Go(func() error { return s.Start(ctx) })
	}
	return eg.Wait()
}

func (g group) Stop(ctx context.Context) error {
	var eg errgroup.Group
	for _, s := range g {
		eg.Go(func() error { return s.Stop(ctx) })
	}
	return eg.Wait()
}

// RegisterHandler binds a task type to a handler. Steps whose task type has
// a handler when an instance is created run automatically; the rest are
// manual steps for human actors.
func RegisterHandler(eng *Engine, taskType string, h handler.Handler) {
	eng.handlers.Register(taskType, h)
}

// RegisterTyped binds a task type to a typed handler function. The
// instance context is decoded into In and the returned Out is encoded as
// the step output.
func RegisterTyped[In, Out any](eng *Engine, taskType string, fn func(ctx context.Context, in handler.Input, payload In) (Out, error)) {
	eng.handlers.Register(taskType, handler.Typed(fn))
}

// Start starts the worker pool, the elector and the scheduler. The
// scheduler rebuilds its view from the store before dispatching.
func (eng *Engine) Start(ctx context.Context) error {
	eng.logger.Info("tenantflow engine starting",
		slog.Int("concurrency", eng.cfg.Concurrency),
		slog.Any("task_types", eng.handlers.TaskTypes()),
	)
	return eng.rt.Start(ctx)
}

// Stop gracefully shuts down the engine, waiting at most the configured
// shutdown timeout for running handlers.
func (eng *Engine) Stop(ctx context.Context) error {
	if eng.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, eng.cfg.ShutdownTimeout)
		defer cancel()
	}
	return eng.rt.Stop(ctx)
}

// handlerActor returns the automated actor of orgID, creating it on first
// use.
func (eng *Engine) handlerActor(ctx context.Context, orgID string) (id.ActorID, error) {
	eng.actorsMu.Lock()
	defer eng.actorsMu.Unlock()

	if aid, ok := eng.actors[orgID]; ok {
		return aid, nil
	}
	automated := true
	existing, err := eng.store.ListActors(ctx, actor.ListOpts{OrgID: orgID, Automated: &automated})
	if err != nil {
		return id.Nil, err
	}
	for _, a := range existing {
		if a.Name == handlerActorName {
			eng.actors[orgID] = a.ID
			return a.ID, nil
		}
	}

	a := &actor.Actor{
		Entity:                tenantflow.NewEntity(),
		ID:                    id.NewActorID(),
		OrgID:                 orgID,
		Name:                  handlerActorName,
		WeeklyCapacityMinutes: math.MaxInt32,
		Seniority:             3,
		Automated:             true,
		Active:                true,
	}
	if err := eng.store.CreateActor(ctx, a); err != nil {
		return id.Nil, err
	}
	eng.logger.Info("handler actor provisioned",
		slog.String("org_id", orgID),
		slog.String("actor_id", a.ID.String()),
	)
	eng.actors[orgID] = a.ID
	return a.ID, nil
}

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Handlers returns the handler registry.
func (eng *Engine) Handlers() *handler.Registry { return eng.handlers }

// Templates returns the template registry.
func (eng *Engine) Templates() *registry.Registry { return eng.templates }

// Store returns the organization-guarded store.
func (eng *Engine) Store() store.Store { return eng.store }

// Runtime returns the underlying Runtime.
func (eng *Engine) Runtime() *tenantflow.Runtime { return eng.rt }

// Bus returns the event bus.
func (eng *Engine) Bus() event.Bus { return eng.bus }

// Recovery returns the recovery manager.
func (eng *Engine) Recovery() *recovery.Manager { return eng.recovery }

// Scheduler returns the scheduler.
func (eng *Engine) Scheduler() *scheduler.Scheduler { return eng.scheduler }

// Pool returns the worker pool.
func (eng *Engine) Pool() *worker.Pool { return eng.pool }

// Throttle returns the per-organization throttle.
func (eng *Engine) Throttle() *throttle.Manager { return eng.throttle }

// StreamBroker returns the live event broker, or nil unless the engine was
// built WithStreamBroker.
func (eng *Engine) StreamBroker() *stream.Broker { return eng.broker }

// Elector returns the leader elector, or nil without WithLeaderElection.
func (eng *Engine) Elector() *cluster.Elector { return eng.elector }
