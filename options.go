package tenantflow

import (
	"context"
	"log/slog"
)

// Option configures a Runtime.
type Option func(*Runtime) error

// Storer is the minimal store interface held by the Runtime. The full
// composite interface (store.Store) is asserted by the engine package.
type Storer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// service is an internal lifecycle interface for the scheduler and pool.
type service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// extensionEmitter is an internal interface for extension lifecycle events.
type extensionEmitter interface {
	EmitShutdown(ctx context.Context)
}

// Runtime holds configuration, logger and store shared by every subsystem.
// Create one with New and hand it to engine.Build, which wires the
// scheduler, worker pool and recovery manager and registers them back here.
type Runtime struct {
	config     Config
	logger     *slog.Logger
	store      Storer
	extensions extensionEmitter
	services   []service

	started bool
}

// New creates a Runtime with the given options.
func New(opts ...Option) (*Runtime, error) {
	rt := &Runtime{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(rt); err != nil {
			return nil, err
		}
	}
	return rt, nil
}

// Logger returns the runtime's logger.
func (rt *Runtime) Logger() *slog.Logger { return rt.logger }

// Store returns the runtime's store.
func (rt *Runtime) Store() Storer { return rt.store }

// Config returns a copy of the runtime's configuration.
func (rt *Runtime) Config() Config { return rt.config }

// AddService registers a component started in order by Start and stopped in
// reverse order by Stop.
func (rt *Runtime) AddService(s service) { rt.services = append(rt.services, s) }

// SetExtensions sets the extension emitter notified on shutdown.
func (rt *Runtime) SetExtensions(e extensionEmitter) { rt.extensions = e }

// Start starts every registered service.
func (rt *Runtime) Start(ctx context.Context) error {
	if rt.store == nil {
		return ErrNoStore
	}
	for _, s := range rt.services {
		if err := s.Start(ctx); err != nil {
			return err
		}
	}
	rt.started = true
	return nil
}

// Stop stops services in reverse order, notifies extensions and closes the
// store.
func (rt *Runtime) Stop(ctx context.Context) error {
	if rt.started {
		for i := len(rt.services) - 1; i >= 0; i-- {
			if err := rt.services[i].Stop(ctx); err != nil {
				rt.logger.Error("service stop error", slog.String("error", err.Error()))
			}
		}
		rt.started = false
	}
	if rt.extensions != nil {
		rt.extensions.EmitShutdown(ctx)
	}
	if rt.store != nil {
		return rt.store.Close()
	}
	return nil
}

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(rt *Runtime) error {
		rt.config = cfg
		return nil
	}
}

// WithConcurrency sets the number of worker goroutines.
func WithConcurrency(n int) Option {
	return func(rt *Runtime) error {
		rt.config.Concurrency = n
		return nil
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(rt *Runtime) error {
		rt.logger = l
		return nil
	}
}

// WithStore sets the persistence backend. It will typically be a
// store.Store, which embeds every subsystem store interface.
func WithStore(s Storer) Option {
	return func(rt *Runtime) error {
		rt.store = s
		return nil
	}
}
