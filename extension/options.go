package extension

import (
	"log/slog"

	"github.com/xraph/tenantflow"
	"github.com/xraph/tenantflow/engine"
	"github.com/xraph/tenantflow/ext"
)

// ExtOption configures the tenantflow Forge extension.
type ExtOption func(*Extension)

// WithStore sets the persistence backend.
func WithStore(s tenantflow.Storer) ExtOption {
	return func(e *Extension) {
		e.rtOpts = append(e.rtOpts, tenantflow.WithStore(s))
	}
}

// WithConcurrency sets the size of the shared worker pool.
func WithConcurrency(n int) ExtOption {
	return func(e *Extension) {
		e.rtOpts = append(e.rtOpts, tenantflow.WithConcurrency(n))
	}
}

// WithExtension registers a tenantflow extension (lifecycle hooks).
func WithExtension(x ext.Extension) ExtOption {
	return func(e *Extension) {
		e.engOpts = append(e.engOpts, engine.WithExtension(x))
	}
}

// WithEngineOption passes any engine option through, for example
// engine.WithLocker or engine.WithBus.
func WithEngineOption(opt engine.Option) ExtOption {
	return func(e *Extension) {
		e.engOpts = append(e.engOpts, opt)
	}
}

// WithBasePath sets the URL prefix for the API.
func WithBasePath(path string) ExtOption {
	return func(e *Extension) {
		e.config.BasePath = path
	}
}

// WithConfig sets the extension configuration directly.
func WithConfig(cfg Config) ExtOption {
	return func(e *Extension) {
		e.config = cfg
	}
}

// WithEvents enables the live event stream.
func WithEvents() ExtOption {
	return func(e *Extension) {
		e.config.EnableEvents = true
	}
}

// WithDisableMigrate disables schema migration on start.
func WithDisableMigrate() ExtOption {
	return func(e *Extension) {
		e.config.DisableMigrate = true
	}
}

// WithRequireConfig requires config to be present in the app's config
// files.
func WithRequireConfig(require bool) ExtOption {
	return func(e *Extension) {
		e.config.RequireConfig = require
	}
}

// WithLogger sets the structured logger for the engine.
func WithLogger(l *slog.Logger) ExtOption {
	return func(e *Extension) {
		e.logger = l
	}
}
