// Package extension mounts tenantflow into a Forge application.
//
// It implements forge.Extension: Register builds the runtime and engine
// with the app's metric factory, Start migrates the store and starts the
// scheduler and worker pool, Stop drains them and Health pings the store.
//
// Configuration can be provided programmatically via ExtOption functions
// or from the app's config files under "extensions.tenantflow" or
// "tenantflow".
package extension

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/xraph/forge"
	"github.com/xraph/vessel"

	"github.com/xraph/tenantflow"
	"github.com/xraph/tenantflow/api"
	"github.com/xraph/tenantflow/engine"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "tenantflow"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Multi-tenant workflow engine with actor routing and crash recovery"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

var _ forge.Extension = (*Extension)(nil)

// Extension adapts tenantflow as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config     Config
	eng        *engine.Engine
	apiHandler *api.API
	logger     *slog.Logger
	rtOpts     []tenantflow.Option
	engOpts    []engine.Option
}

// New creates a tenantflow Forge extension with the given options.
func New(opts ...ExtOption) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the engine. It is nil until Register is called.
func (e *Extension) Engine() *engine.Engine { return e.eng }

// API returns the HTTP API. It is nil until Register is called.
func (e *Extension) API() *api.API { return e.apiHandler }

// Config returns the effective configuration after Register.
func (e *Extension) Config() Config { return e.config }

// Register implements [forge.Extension]. It builds the runtime and the
// engine and provides the engine to the app's container; nothing runs
// until Start.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}
	if err := e.loadConfiguration(); err != nil {
		return err
	}

	logger := e.logger
	if logger == nil {
		logger = slog.Default()
	}

	rtOpts := make([]tenantflow.Option, 0, len(e.rtOpts)+2)
	rtOpts = append(rtOpts, tenantflow.WithConfig(e.config.Engine), tenantflow.WithLogger(logger))
	rtOpts = append(rtOpts, e.rtOpts...)
	rt, err := tenantflow.New(rtOpts...)
	if err != nil {
		return fmt.Errorf("tenantflow: create runtime: %w", err)
	}

	engOpts := make([]engine.Option, 0, len(e.engOpts)+2)
	engOpts = append(engOpts, engine.WithMetricFactory(fapp.Metrics()))
	if e.config.EnableEvents {
		engOpts = append(engOpts, engine.WithStreamBroker())
	}
	engOpts = append(engOpts, e.engOpts...)

	e.eng, err = engine.Build(rt, engOpts...)
	if err != nil {
		return fmt.Errorf("tenantflow: build engine: %w", err)
	}
	e.apiHandler = api.New(e.eng, api.WithLogger(logger))

	// Other extensions resolve the engine from the app's container.
	if err := vessel.Provide(fapp.Container(), func() (*engine.Engine, error) {
		return e.eng, nil
	}); err != nil {
		return fmt.Errorf("tenantflow: register engine in container: %w", err)
	}
	return nil
}

// Start migrates the store unless disabled and starts the engine.
func (e *Extension) Start(ctx context.Context) error {
	if e.eng == nil {
		return errors.New("tenantflow: extension not initialized")
	}

	if !e.config.DisableMigrate {
		if err := e.eng.Store().Migrate(ctx); err != nil {
			return fmt.Errorf("tenantflow: migration failed: %w", err)
		}
	}
	if err := e.eng.Start(ctx); err != nil {
		return err
	}

	e.MarkStarted()
	return nil
}

// Stop gracefully shuts down the engine.
func (e *Extension) Stop(ctx context.Context) error {
	if e.eng == nil {
		e.MarkStopped()
		return nil
	}
	err := e.eng.Stop(ctx)
	e.MarkStopped()
	return err
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.eng == nil {
		return errors.New("tenantflow: extension not initialized")
	}
	return e.eng.Store().Ping(ctx)
}

// Handler returns the HTTP API with every route under /v1. Mount it at
// Config().BasePath.
func (e *Extension) Handler() http.Handler {
	if e.apiHandler == nil {
		return http.NotFoundHandler()
	}
	return http.StripPrefix(e.config.BasePath, e.apiHandler.Handler())
}

// --- Config loading ---

// loadConfiguration merges file config with programmatic options.
func (e *Extension) loadConfiguration() error {
	programmatic := e.config
	fileConfig, loaded := e.tryLoadFromConfigFile()

	if !loaded {
		if programmatic.RequireConfig {
			return errors.New("tenantflow: configuration is required but not found in config files; " +
				"ensure 'extensions.tenantflow' or 'tenantflow' key exists in your config")
		}
		e.config = mergeWithDefaults(programmatic)
	} else {
		e.config = mergeConfigurations(fileConfig, programmatic)
	}

	e.Logger().Debug("tenantflow: configuration loaded",
		forge.F("base_path", e.config.BasePath),
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("enable_events", e.config.EnableEvents),
		forge.F("concurrency", e.config.Engine.Concurrency),
	)
	return nil
}

// tryLoadFromConfigFile binds "extensions.tenantflow", then "tenantflow".
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()

	for _, key := range []string{"extensions.tenantflow", "tenantflow"} {
		if !cm.IsSet(key) {
			continue
		}
		var cfg Config
		if err := cm.Bind(key, &cfg); err != nil {
			e.Logger().Warn("tenantflow: failed to bind config",
				forge.F("key", key),
				forge.F("error", err.Error()),
			)
			continue
		}
		e.Logger().Debug("tenantflow: loaded config from file", forge.F("key", key))
		return cfg, true
	}
	return Config{}, false
}

// mergeConfigurations lets file values win and programmatic flags fill gaps.
func mergeConfigurations(file, programmatic Config) Config {
	if programmatic.DisableMigrate {
		file.DisableMigrate = true
	}
	if programmatic.EnableEvents {
		file.EnableEvents = true
	}
	if file.BasePath == "" {
		file.BasePath = programmatic.BasePath
	}
	return mergeWithDefaults(file)
}

// mergeWithDefaults fills zero-valued fields with defaults.
func mergeWithDefaults(cfg Config) Config {
	d := DefaultConfig()
	if cfg.BasePath == "" {
		cfg.BasePath = d.BasePath
	}

	c, de := &cfg.Engine, d.Engine
	setInt(&c.Concurrency, de.Concurrency)
	setInt(&c.MaxParallelStepsPerInstance, de.MaxParallelStepsPerInstance)
	setInt(&c.MaxConcurrentTasksPerActor, de.MaxConcurrentTasksPerActor)
	setInt(&c.DefaultMaxRetries, de.DefaultMaxRetries)
	setDuration(&c.TickInterval, de.TickInterval)
	setDuration(&c.SweepInterval, de.SweepInterval)
	setDuration(&c.StalenessThreshold, de.StalenessThreshold)
	setDuration(&c.HeartbeatInterval, de.HeartbeatInterval)
	setDuration(&c.LockTTL, de.LockTTL)
	setDuration(&c.DefaultStepTimeout, de.DefaultStepTimeout)
	setDuration(&c.ShutdownTimeout, de.ShutdownTimeout)
	if c.Routing == (tenantflow.RoutingConfig{}) {
		c.Routing = de.Routing
	}
	return cfg
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func setDuration[D ~int64](v *D, def D) {
	if *v == 0 {
		*v = def
	}
}
