package extension

import "github.com/xraph/tenantflow"

// Config holds configuration for the tenantflow Forge extension.
type Config struct {
	// BasePath is the URL prefix under which Handler is expected to be
	// mounted.
	BasePath string `default:"/api/tenantflow" json:"base_path"`

	// DisableMigrate disables schema migration on start.
	DisableMigrate bool `default:"false" json:"disable_migrate"`

	// EnableEvents turns on the live event stream at GET {BasePath}/v1/events.
	EnableEvents bool `default:"false" json:"enable_events"`

	// RequireConfig makes Register fail when no configuration is found in
	// the app's config files.
	RequireConfig bool `default:"false" json:"require_config"`

	// Engine holds the engine configuration. Zero fields take the
	// tenantflow defaults.
	Engine tenantflow.Config `json:"engine"`
}

// DefaultConfig returns the default extension configuration.
func DefaultConfig() Config {
	return Config{
		BasePath: "/api/tenantflow",
		Engine:   tenantflow.DefaultConfig(),
	}
}
